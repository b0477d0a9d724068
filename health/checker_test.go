package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckerReportsStatus(t *testing.T) {
	c := NewChecker(time.Second)
	c.Register("ok", func(ctx context.Context) error { return nil })
	c.Register("bad", func(ctx context.Context) error { return errors.New("down") })

	results := c.Run(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, StatusHealthy, results["ok"].Status)
	assert.Equal(t, StatusUnhealthy, results["bad"].Status)
	assert.Equal(t, "down", results["bad"].Message)
	assert.False(t, c.Healthy(context.Background()))
}

func TestCheckerTimeout(t *testing.T) {
	c := NewChecker(20 * time.Millisecond)
	c.Register("slow", func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	results := c.Run(context.Background())
	assert.Equal(t, StatusUnhealthy, results["slow"].Status)
}

func TestCheckerCachesResults(t *testing.T) {
	calls := 0
	c := NewChecker(time.Second)
	c.Register("counted", func(ctx context.Context) error {
		calls++
		return nil
	})

	c.Run(context.Background())
	c.Run(context.Background())
	assert.Equal(t, 1, calls, "second run within the cache TTL must not re-execute")
}

func TestHandlerStatusCodes(t *testing.T) {
	c := NewChecker(time.Second)
	c.Register("ok", func(ctx context.Context) error { return nil })

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	bad := NewChecker(time.Second)
	bad.Register("down", func(ctx context.Context) error { return errors.New("no") })
	rec = httptest.NewRecorder()
	bad.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
