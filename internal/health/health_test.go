package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthChecker(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("connection refused") })

	t.Run("依赖正常", func(t *testing.T) {
		hc := NewHealthChecker(ok, zap.NewNop())
		results, healthy := hc.CheckHealth(context.Background())
		assert.True(t, healthy)
		assert.Equal(t, "OK", results["store"])

		rec := httptest.NewRecorder()
		hc.ReadyEndpoint(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("依赖不可达时未就绪但仍存活", func(t *testing.T) {
		hc := NewHealthChecker(ok, nil)
		hc.AddDependency("redis", down)

		results, healthy := hc.CheckHealth(context.Background())
		assert.False(t, healthy)
		assert.Contains(t, results["redis"], "connection refused")

		rec := httptest.NewRecorder()
		hc.ReadyEndpoint(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		rec = httptest.NewRecorder()
		hc.LiveEndpoint(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
