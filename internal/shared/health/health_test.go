package health

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecker_AllUp(t *testing.T) {
	c := NewChecker(WithVersion("1.0"))
	c.Register("a", func(context.Context) ComponentHealth {
		return ComponentHealth{Status: StatusUp}
	})

	resp := c.Check(context.Background())
	assert.Equal(t, StatusUp, resp.Status)
	assert.Equal(t, "1.0", resp.Version)
	assert.True(t, c.IsHealthy(context.Background()))
}

func TestChecker_DownWins(t *testing.T) {
	c := NewChecker()
	c.Register("up", func(context.Context) ComponentHealth {
		return ComponentHealth{Status: StatusUp}
	})
	c.Register("degraded", func(context.Context) ComponentHealth {
		return ComponentHealth{Status: StatusDegraded}
	})
	c.Register("down", func(context.Context) ComponentHealth {
		return ComponentHealth{Status: StatusDown}
	})

	resp := c.Check(context.Background())
	assert.Equal(t, StatusDown, resp.Status)
	assert.False(t, c.IsHealthy(context.Background()))
}

func TestChecker_DegradedWithoutDown(t *testing.T) {
	c := NewChecker()
	c.Register("up", func(context.Context) ComponentHealth {
		return ComponentHealth{Status: StatusUp}
	})
	c.Register("degraded", func(context.Context) ComponentHealth {
		return ComponentHealth{Status: StatusDegraded}
	})

	assert.Equal(t, StatusDegraded, c.Check(context.Background()).Status)
}

func TestChecker_Handler(t *testing.T) {
	c := NewChecker()
	c.Register("db", func(context.Context) ComponentHealth {
		return ComponentHealth{Status: StatusDown}
	})

	// Liveness ignores component state.
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/livez", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Readiness reports components and fails.
	rec = httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"db"`)
}

func TestChecker_Timeout(t *testing.T) {
	c := NewChecker(WithTimeout(20 * time.Millisecond))
	c.Register("slow", func(ctx context.Context) ComponentHealth {
		select {
		case <-ctx.Done():
			return ComponentHealth{Status: StatusDown, Message: "timed out"}
		case <-time.After(time.Second):
			return ComponentHealth{Status: StatusUp}
		}
	})

	start := time.Now()
	resp := c.Check(context.Background())
	require.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, StatusDown, resp.Status)
}

func TestPingCheck(t *testing.T) {
	ok := PingCheck("redis", func(context.Context) error { return nil })
	assert.Equal(t, StatusUp, ok(context.Background()).Status)

	bad := PingCheck("redis", func(context.Context) error { return fmt.Errorf("refused") })
	got := bad(context.Background())
	assert.Equal(t, StatusDown, got.Status)
	assert.Equal(t, "refused", got.Details["error"])
}

func TestBreakerCheck(t *testing.T) {
	open := 0
	check := BreakerCheck(func() int { return open })

	assert.Equal(t, StatusUp, check(context.Background()).Status)

	open = 2
	got := check(context.Background())
	assert.Equal(t, StatusDegraded, got.Status)
	assert.Equal(t, 2, got.Details["open_circuits"])
}
