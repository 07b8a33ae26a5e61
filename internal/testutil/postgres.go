//go:build integration

// Package testutil starts throwaway PostgreSQL instances for integration tests.
package testutil

import (
	"context"
	"testing"

	"github.com/cuongbtq/loan-backoffice/migrations"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// NewTestDB starts a Postgres container, applies all migrations and returns a
// connected handle. Everything is torn down via t.Cleanup.
func NewTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	ctx := context.Background()

	pgCtr, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("loan_backoffice_test"),
		tcpostgres.WithUsername("loan_backoffice"),
		tcpostgres.WithPassword("testpassword"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgCtr.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	connStr, err := pgCtr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	db, err := sqlx.Connect("postgres", connStr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := migrations.Up(db.DB); err != nil {
		t.Fatalf("migrate up: %v", err)
	}

	return db
}
