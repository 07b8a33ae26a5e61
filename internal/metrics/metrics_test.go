package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.JobsClaimed.Add(2)
	m.JobsFailed.WithLabelValues("true").Inc()
	m.TicksSkipped.WithLabelValues(SkipKillSwitch).Inc()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.JobsClaimed))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.JobsFailed.WithLabelValues("true")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "loan_backoffice_ocr_worker_jobs_claimed_total")
	assert.Contains(t, names, "loan_backoffice_ocr_worker_ticks_skipped_total")
}

func TestNew_NilRegistry(t *testing.T) {
	assert.NotPanics(t, func() {
		New(nil)
		New(nil)
	})
}
