package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标。所有 Record 方法在 nil 接收者上是空操作，
// 方便在测试中不注入指标。
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 账本指标
	MessagesSent    *prometheus.CounterVec
	FeesCharged     *prometheus.CounterVec
	CreditDeposited *prometheus.CounterVec
	CreditWithdrawn *prometheus.CounterVec
	PartitionsTotal prometheus.Gauge

	// 注册表指标
	Registrations prometheus.Counter

	// 错误指标
	RejectedCalls *prometheus.CounterVec
	PanicsTotal   prometheus.Counter

	// 限流指标
	RateLimitBlocks prometheus.Counter

	// 通知指标
	NoticesDelivered *prometheus.CounterVec
	NoticesDropped   *prometheus.CounterVec
	WebsocketClients prometheus.Gauge
}

// NewMetrics 在独立的 registry 上创建监控指标
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditmail_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "creditmail_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		MessagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditmail_messages_sent_total",
				Help: "Total number of messages appended to partition logs",
			},
			[]string{"partition"},
		),
		FeesCharged: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditmail_fees_charged_total",
				Help: "Total credit charged as fees, in smallest units",
			},
			[]string{"partition", "kind"},
		),
		CreditDeposited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditmail_credit_deposited_total",
				Help: "Total credit deposited, in smallest units",
			},
			[]string{"partition"},
		),
		CreditWithdrawn: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditmail_credit_withdrawn_total",
				Help: "Total credit withdrawn, in smallest units",
			},
			[]string{"partition"},
		),
		PartitionsTotal: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "creditmail_partitions",
				Help: "Number of ledger partitions",
			},
		),

		Registrations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "creditmail_registrations_total",
				Help: "Total number of registry entries created",
			},
		),

		RejectedCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditmail_rejected_calls_total",
				Help: "Calls aborted by a precondition, by operation and error class",
			},
			[]string{"operation", "class"},
		),
		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "creditmail_panics_total",
				Help: "Total number of recovered panics",
			},
		),

		RateLimitBlocks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "creditmail_rate_limit_blocks_total",
				Help: "Requests rejected by the rate limiter",
			},
		),

		NoticesDelivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditmail_notices_delivered_total",
				Help: "Notices delivered, by sink",
			},
			[]string{"sink"},
		),
		NoticesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditmail_notices_dropped_total",
				Help: "Notices dropped, by sink",
			},
			[]string{"sink"},
		),
		WebsocketClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "creditmail_websocket_clients",
				Help: "Connected websocket feed clients",
			},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordMessageSent 记录一条消息及其费用
func (m *Metrics) RecordMessageSent(partition int, fee uint64) {
	if m == nil {
		return
	}
	p := strconv.Itoa(partition)
	m.MessagesSent.WithLabelValues(p).Inc()
	m.FeesCharged.WithLabelValues(p, "message").Add(float64(fee))
}

// RecordDeposit 记录充值
func (m *Metrics) RecordDeposit(partition int, amount uint64) {
	if m == nil {
		return
	}
	m.CreditDeposited.WithLabelValues(strconv.Itoa(partition)).Add(float64(amount))
}

// RecordWithdrawal 记录提现及手续费
func (m *Metrics) RecordWithdrawal(partition int, amount, fee uint64) {
	if m == nil {
		return
	}
	p := strconv.Itoa(partition)
	m.CreditWithdrawn.WithLabelValues(p).Add(float64(amount))
	m.FeesCharged.WithLabelValues(p, "withdrawal").Add(float64(fee))
}

// RecordRegistration 记录注册
func (m *Metrics) RecordRegistration() {
	if m == nil {
		return
	}
	m.Registrations.Inc()
}

// RecordRejected 记录被拒绝的调用
func (m *Metrics) RecordRejected(operation, class string) {
	if m == nil {
		return
	}
	m.RejectedCalls.WithLabelValues(operation, class).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// RecordRateLimitBlock 记录限流拒绝
func (m *Metrics) RecordRateLimitBlock() {
	if m == nil {
		return
	}
	m.RateLimitBlocks.Inc()
}

// RecordNotice 记录通知投递结果
func (m *Metrics) RecordNotice(sink string, delivered bool) {
	if m == nil {
		return
	}
	if delivered {
		m.NoticesDelivered.WithLabelValues(sink).Inc()
		return
	}
	m.NoticesDropped.WithLabelValues(sink).Inc()
}

// SetPartitions 更新分区数量
func (m *Metrics) SetPartitions(count int) {
	if m == nil {
		return
	}
	m.PartitionsTotal.Set(float64(count))
}

// SetWebsocketClients 更新 websocket 连接数
func (m *Metrics) SetWebsocketClients(count int) {
	if m == nil {
		return
	}
	m.WebsocketClients.Set(float64(count))
}

// Registry 返回底层 registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// HTTPHandler 返回 /metrics 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
