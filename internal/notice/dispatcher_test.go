package notice

import (
	"context"
	"errors"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"creditmail/backend/internal/domain"
	"creditmail/backend/internal/monitoring"
	"creditmail/backend/internal/pool"
)

type chanSink struct {
	name string
	ch   chan *domain.Notice
	err  error
}

func (s *chanSink) Name() string { return s.name }

func (s *chanSink) Deliver(ctx context.Context, n *domain.Notice) error {
	if s.err != nil {
		return s.err
	}
	s.ch <- n
	return nil
}

func counter(t *testing.T, m *monitoring.Metrics, sink string, dropped bool) float64 {
	t.Helper()
	var out dto.Metric
	vec := m.NoticesDelivered
	if dropped {
		vec = m.NoticesDropped
	}
	require.NoError(t, vec.WithLabelValues(sink).Write(&out))
	return out.GetCounter().GetValue()
}

func TestDispatcher_FanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workers := pool.NewWorkerPool(2, 16, zap.NewNop())
	workers.Start(ctx)
	defer workers.Stop()

	metrics := monitoring.NewMetrics()
	good := &chanSink{name: "good", ch: make(chan *domain.Notice, 4)}
	bad := &chanSink{name: "bad", err: errors.New("boom")}
	d := NewDispatcher(workers, metrics, zap.NewNop(), good)
	d.AddSink(bad)

	d.Publish(&domain.Notice{Type: domain.NoticeDeposited, Amount: 5})

	select {
	case n := <-good.ch:
		assert.Equal(t, domain.NoticeDeposited, n.Type)
		assert.Equal(t, uint64(5), n.Amount)
	case <-time.After(2 * time.Second):
		t.Fatal("notice not delivered")
	}

	assert.Eventually(t, func() bool {
		return counter(t, metrics, "bad", true) == 1 && counter(t, metrics, "good", false) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatcher_DropsWhenQueueFull(t *testing.T) {
	// 未启动的协程池：队列满后立即丢弃
	workers := pool.NewWorkerPool(1, 1, zap.NewNop())
	metrics := monitoring.NewMetrics()
	sink := &chanSink{name: "slow", ch: make(chan *domain.Notice, 4)}
	d := NewDispatcher(workers, metrics, nil, sink)

	d.Publish(&domain.Notice{Type: domain.NoticeMessageSent})
	d.Publish(&domain.Notice{Type: domain.NoticeMessageSent})

	assert.Equal(t, 1, workers.Pending())
	assert.Equal(t, float64(1), counter(t, metrics, "slow", true))
}

func TestLogSink(t *testing.T) {
	index := 2
	id, err := domain.DeriveMailboxID("log-sink-secret")
	require.NoError(t, err)
	s := NewLogSink(zap.NewNop())
	assert.Equal(t, "log", s.Name())
	assert.NoError(t, s.Deliver(context.Background(), &domain.Notice{Type: domain.NoticeMessageSent, Partition: &index, MailboxID: &id}))
}
