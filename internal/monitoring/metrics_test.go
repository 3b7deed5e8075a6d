package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	t.Run("账本指标", func(t *testing.T) {
		m := NewMetrics()
		m.RecordMessageSent(1, 12)
		m.RecordMessageSent(1, 20)
		m.RecordDeposit(1, 100)
		m.RecordWithdrawal(1, 40, 1)
		m.SetPartitions(3)

		assert.Equal(t, float64(2), value(t, m.MessagesSent.WithLabelValues("1")))
		assert.Equal(t, float64(32), value(t, m.FeesCharged.WithLabelValues("1", "message")))
		assert.Equal(t, float64(1), value(t, m.FeesCharged.WithLabelValues("1", "withdrawal")))
		assert.Equal(t, float64(100), value(t, m.CreditDeposited.WithLabelValues("1")))
		assert.Equal(t, float64(40), value(t, m.CreditWithdrawn.WithLabelValues("1")))
		assert.Equal(t, float64(3), value(t, m.PartitionsTotal))
	})

	t.Run("多个实例互不冲突", func(t *testing.T) {
		assert.NotPanics(t, func() {
			NewMetrics()
			NewMetrics()
		})
	})

	t.Run("nil 接收者", func(t *testing.T) {
		var m *Metrics
		assert.NotPanics(t, func() {
			m.RecordMessageSent(0, 1)
			m.RecordRejected("send", "validation")
			m.RecordNotice("redis", false)
		})
	})

	t.Run("HTTP 处理器输出指标", func(t *testing.T) {
		m := NewMetrics()
		m.RecordHTTPRequest("GET", "/v1/fees", 200, 5*time.Millisecond)

		rec := httptest.NewRecorder()
		m.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "creditmail_http_requests_total")
	})
}

func value(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, c.Write(&out))
	if out.Counter != nil {
		return out.GetCounter().GetValue()
	}
	return out.GetGauge().GetValue()
}
