package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"creditmail/backend/internal/domain"
	"creditmail/backend/internal/storage/memory"
)

const testOwner = "owner-account"

// MockPayout 模拟资金出口
type MockPayout struct {
	mock.Mock
}

func (m *MockPayout) Transfer(ctx context.Context, account string, amount uint64, reference string) error {
	args := m.Called(ctx, account, amount, reference)
	return args.Error(0)
}

// MockFunding 模拟资金入口
type MockFunding struct {
	mock.Mock
}

func (m *MockFunding) Collect(ctx context.Context, account string, amount uint64, reference string) error {
	args := m.Called(ctx, account, amount, reference)
	return args.Error(0)
}

// recordingPublisher 记录所有发布的通知
type recordingPublisher struct {
	mu      sync.Mutex
	notices []*domain.Notice
}

func (p *recordingPublisher) Publish(n *domain.Notice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notices = append(p.notices, n)
}

func (p *recordingPublisher) types() []domain.NoticeType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.NoticeType, 0, len(p.notices))
	for _, n := range p.notices {
		out = append(out, n.Type)
	}
	return out
}

func (p *recordingPublisher) last() *domain.Notice {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.notices) == 0 {
		return nil
	}
	return p.notices[len(p.notices)-1]
}

func mustID(t testing.TB, secret string) domain.MailboxID {
	t.Helper()
	id, err := domain.DeriveMailboxID(secret)
	require.NoError(t, err)
	return id
}

func payload(size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return b
}

func fixedClock() func() time.Time {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return now }
}

// newTestPartition 创建 0 号分区：消息费 10，提现费 1
func newTestPartition(t *testing.T, payout Payout) (*CreditPartition, *recordingPublisher) {
	t.Helper()
	return newFundedPartition(t, nil, payout)
}

func newFundedPartition(t *testing.T, funding Funding, payout Payout) (*CreditPartition, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	p, err := NewCreditPartition(context.Background(), PartitionOptions{
		Index:         0,
		Owner:         testOwner,
		MessageFee:    10,
		WithdrawalFee: 1,
		Store:         memory.NewStore(),
		Publisher:     pub,
		Funding:       funding,
		Payout:        payout,
		Logger:        zap.NewNop(),
		Clock:         fixedClock(),
	})
	require.NoError(t, err)
	return p, pub
}

// memoryFactory 所有分区共用一个内存存储
func memoryFactory(store *memory.Store, pub domain.NoticePublisher, payout Payout) PartitionFactory {
	return StoreFactory(testOwner, store, pub, nil, payout, nil, zap.NewNop())
}

func newTestRouter(t *testing.T, partitions int, ttl time.Duration) (*Router, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	cfg := RouterConfig{
		Owner:         testOwner,
		Partitions:    partitions,
		MessageFee:    10,
		WithdrawalFee: 1,
		StatsTTL:      ttl,
	}
	r, err := NewRouter(context.Background(), cfg, memoryFactory(memory.NewStore(), pub, NewLogPayout(nil)), pub, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r, pub
}

// idRoutedTo 找到一个路由到指定分区的邮箱 id
func idRoutedTo(t *testing.T, r *Router, partition int, prefix string) domain.MailboxID {
	t.Helper()
	for i := 0; i < 1000; i++ {
		id := mustID(t, fmt.Sprintf("%s-secret-%03d", prefix, i))
		if _, index, err := r.RouteFor(id); err == nil && index == partition {
			return id
		}
	}
	t.Fatalf("no id routes to partition %d", partition)
	return domain.MailboxID{}
}
