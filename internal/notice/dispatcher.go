package notice

import (
	"context"
	"time"

	"go.uber.org/zap"

	"creditmail/backend/internal/domain"
	"creditmail/backend/internal/monitoring"
	"creditmail/backend/internal/pool"
)

// DefaultDeliverTimeout 单个 sink 投递一条通知的超时
const DefaultDeliverTimeout = 3 * time.Second

// Sink 通知的一个下游，例如 Redis 频道或 WebSocket 推送
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n *domain.Notice) error
}

// Dispatcher 把账本通知异步投递给各个 sink。
//
// Publish 从不阻塞调用方：队列满时直接丢弃并计数，
// 通知只是尽力送达，账本状态不依赖它。
type Dispatcher struct {
	pool    *pool.WorkerPool
	sinks   []Sink
	timeout time.Duration
	metrics *monitoring.Metrics
	log     *zap.Logger
}

var _ domain.NoticePublisher = (*Dispatcher)(nil)

// NewDispatcher 创建分发器，pool 需要由调用方启动和停止
func NewDispatcher(workers *pool.WorkerPool, metrics *monitoring.Metrics, log *zap.Logger, sinks ...Sink) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		pool:    workers,
		sinks:   sinks,
		timeout: DefaultDeliverTimeout,
		metrics: metrics,
		log:     log,
	}
}

// AddSink 追加下游，需在开始发布前调用
func (d *Dispatcher) AddSink(s Sink) {
	d.sinks = append(d.sinks, s)
}

// Publish 为每个 sink 提交一个投递任务
func (d *Dispatcher) Publish(n *domain.Notice) {
	for _, s := range d.sinks {
		sink := s
		ok := d.pool.TrySubmit(func() { d.deliver(sink, n) })
		if !ok {
			d.metrics.RecordNotice(sink.Name(), false)
			d.log.Warn("notice dropped, queue full",
				zap.String("sink", sink.Name()), zap.String("type", string(n.Type)))
		}
	}
}

func (d *Dispatcher) deliver(s Sink, n *domain.Notice) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := s.Deliver(ctx, n); err != nil {
		d.metrics.RecordNotice(s.Name(), false)
		d.log.Warn("notice delivery failed",
			zap.String("sink", s.Name()), zap.String("type", string(n.Type)), zap.Error(err))
		return
	}
	d.metrics.RecordNotice(s.Name(), true)
}

// LogSink 把通知写入日志
type LogSink struct {
	log *zap.Logger
}

// NewLogSink 创建日志 sink
func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(ctx context.Context, n *domain.Notice) error {
	fields := []zap.Field{zap.String("type", string(n.Type)), zap.Time("timestamp", n.Timestamp)}
	if n.Partition != nil {
		fields = append(fields, zap.Int("partition", *n.Partition))
	}
	if n.MailboxID != nil {
		fields = append(fields, zap.Stringer("mailbox_id", *n.MailboxID))
	}
	s.log.Debug("notice", fields...)
	return nil
}
