// Package killswitch provides the externally toggled flag that suppresses new
// job claims without touching existing job state.
package killswitch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultKey is the Redis key operators toggle
const DefaultKey = "ocr:kill_switch"

// Switch reports whether processing is currently suppressed
type Switch interface {
	Enabled(ctx context.Context) (bool, error)
}

// Static is an in-process switch, toggled by the owner
type Static struct {
	enabled atomic.Bool
}

// NewStatic creates a switch with the given initial state
func NewStatic(enabled bool) *Static {
	s := &Static{}
	s.enabled.Store(enabled)
	return s
}

// Set toggles the switch
func (s *Static) Set(enabled bool) {
	s.enabled.Store(enabled)
}

// Enabled implements Switch
func (s *Static) Enabled(context.Context) (bool, error) {
	return s.enabled.Load(), nil
}

// Redis reads the switch from a Redis key so every worker sees the same value.
// A missing key means disabled.
type Redis struct {
	client goredis.Cmdable
	key    string
}

// NewRedis creates a switch stored under key
func NewRedis(client goredis.Cmdable, key string) *Redis {
	return &Redis{client: client, key: key}
}

// Enabled implements Switch
func (r *Redis) Enabled(ctx context.Context) (bool, error) {
	val, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read kill switch %q: %w", r.key, err)
	}

	return parseFlag(val), nil
}

// Set writes the switch state
func (r *Redis) Set(ctx context.Context, enabled bool) error {
	if !enabled {
		if err := r.client.Del(ctx, r.key).Err(); err != nil {
			return fmt.Errorf("failed to clear kill switch %q: %w", r.key, err)
		}
		return nil
	}

	if err := r.client.Set(ctx, r.key, "1", 0).Err(); err != nil {
		return fmt.Errorf("failed to set kill switch %q: %w", r.key, err)
	}
	return nil
}

func parseFlag(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "on", "yes", "enabled":
		return true
	}
	return false
}
