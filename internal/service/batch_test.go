package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"creditmail/backend/internal/domain"
	"creditmail/backend/internal/storage/memory"
)

func TestBatchGateway_SendMany(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRouter(t, 1, 0)
	gw := NewBatchGateway(r, domain.BatchFeeFlat, nil, zap.NewNop())

	a := mustID(t, "batch-send-secret-a")
	b := mustID(t, "batch-send-secret-b")
	_, err := gw.DepositMany(ctx, "funder", 0, []domain.MailboxID{a, b}, []uint64{100, 100}, 200)
	require.NoError(t, err)

	t.Run("参数校验", func(t *testing.T) {
		_, err := gw.SendMany(ctx, "s", 0, []domain.MailboxID{a}, nil)
		assert.ErrorIs(t, err, domain.ErrBatchLengthMismatch)
		_, err = gw.SendMany(ctx, "s", 0, nil, nil)
		assert.ErrorIs(t, err, domain.ErrBatchEmpty)

		ids := make([]domain.MailboxID, MaxBatchSend+1)
		payloads := make([][]byte, MaxBatchSend+1)
		_, err = gw.SendMany(ctx, "s", 0, ids, payloads)
		assert.ErrorIs(t, err, domain.ErrBatchTooLarge)

		_, err = gw.SendMany(ctx, "s", 3, []domain.MailboxID{a}, [][]byte{payload(1)})
		assert.ErrorIs(t, err, domain.ErrInvalidPartition)
	})

	t.Run("一条负载不合法整批拒绝", func(t *testing.T) {
		_, err := gw.SendMany(ctx, "s", 0, []domain.MailboxID{a, b}, [][]byte{payload(5), {}})
		assert.ErrorIs(t, err, domain.ErrInvalidPayload)

		balances, err := gw.GetBalances(ctx, 0, []domain.MailboxID{a, b})
		require.NoError(t, err)
		assert.Equal(t, []uint64{100, 100}, balances)
	})

	t.Run("flat 模式按基础费率计费", func(t *testing.T) {
		records, err := gw.SendMany(ctx, "s", 0, []domain.MailboxID{a, b}, [][]byte{payload(600), payload(10)})
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, uint64(10), records[0].Fee)
		assert.Equal(t, uint64(10), records[1].Fee)
		assert.Equal(t, records[0].Sequence+1, records[1].Sequence)
	})

	t.Run("tiered 模式与单条发送一致", func(t *testing.T) {
		tiered := NewBatchGateway(r, domain.BatchFeeTiered, nil, nil)
		records, err := tiered.SendMany(ctx, "s", 0, []domain.MailboxID{a}, [][]byte{payload(600)})
		require.NoError(t, err)
		assert.Equal(t, uint64(20), records[0].Fee)
	})
}

// 批量操作作用于指定分区，不要求 id 路由到该分区，
// 扩容后可以向旧分区上滞留的邮箱补充余额
func TestBatchGateway_ExplicitPartition(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRouter(t, 2, 0)
	gw := NewBatchGateway(r, "unknown", nil, nil)
	assert.Equal(t, domain.BatchFeeFlat, gw.FeeMode())

	onOne := idRoutedTo(t, r, 1, "explicit-partition")
	balances, err := gw.DepositMany(ctx, "funder", 0, []domain.MailboxID{onOne}, []uint64{5}, 5)
	require.NoError(t, err)
	assert.Equal(t, []uint64{5}, balances)

	got, err := gw.GetBalances(ctx, 0, []domain.MailboxID{onOne})
	require.NoError(t, err)
	assert.Equal(t, []uint64{5}, got)
	got, err = gw.GetBalances(ctx, 1, []domain.MailboxID{onOne})
	require.NoError(t, err)
	assert.Equal(t, []uint64{0}, got)

	records, err := gw.SendMany(ctx, "s", 0, []domain.MailboxID{onOne}, [][]byte{payload(3)})
	require.NoError(t, err)
	assert.Equal(t, 0, records[0].PartitionIndex)
}

func TestBatchGateway_DepositMany(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRouter(t, 1, 0)
	gw := NewBatchGateway(r, domain.BatchFeeFlat, nil, nil)
	a := mustID(t, "batch-deposit-secret-a")
	b := mustID(t, "batch-deposit-secret-b")

	t.Run("金额之和必须等于附带金额", func(t *testing.T) {
		_, err := gw.DepositMany(ctx, "funder", 0, []domain.MailboxID{a, b}, []uint64{10, 20}, 29)
		assert.ErrorIs(t, err, domain.ErrBatchValueMismatch)
		_, err = gw.DepositMany(ctx, "funder", 0, []domain.MailboxID{a, b}, []uint64{^uint64(0), 1}, 0)
		assert.ErrorIs(t, err, domain.ErrAmountOverflow)
		_, err = gw.DepositMany(ctx, "funder", 0, []domain.MailboxID{a}, []uint64{0}, 0)
		assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	})

	t.Run("数量上限", func(t *testing.T) {
		ids := make([]domain.MailboxID, MaxBatchDeposit+1)
		amounts := make([]uint64, MaxBatchDeposit+1)
		_, err := gw.DepositMany(ctx, "funder", 0, ids, amounts, 0)
		assert.ErrorIs(t, err, domain.ErrBatchTooLarge)
	})

	t.Run("同一邮箱出现多次", func(t *testing.T) {
		balances, err := gw.DepositMany(ctx, "funder", 0, []domain.MailboxID{a, b, a}, []uint64{10, 20, 5}, 35)
		require.NoError(t, err)
		assert.Equal(t, []uint64{10, 20, 15}, balances)

		got, err := gw.GetBalances(ctx, 0, []domain.MailboxID{a, b})
		require.NoError(t, err)
		assert.Equal(t, []uint64{15, 20}, got)
	})
}

func TestBatchGateway_GetBalancesLimit(t *testing.T) {
	r, _ := newTestRouter(t, 1, 0)
	gw := NewBatchGateway(r, domain.BatchFeeFlat, nil, nil)

	_, err := gw.GetBalances(context.Background(), 0, make([]domain.MailboxID, MaxBatchBalance+1))
	assert.ErrorIs(t, err, domain.ErrBatchTooLarge)
	_, err = gw.GetBalances(context.Background(), 0, nil)
	assert.ErrorIs(t, err, domain.ErrBatchEmpty)
}

func TestBatchGateway_DepositManyCollectsValue(t *testing.T) {
	ctx := context.Background()
	funding := new(MockFunding)
	r, err := NewRouter(ctx, RouterConfig{Owner: testOwner, Partitions: 1, MessageFee: 10},
		StoreFactory(testOwner, memory.NewStore(), nil, funding, nil, nil, zap.NewNop()), nil, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(r.Close)
	gw := NewBatchGateway(r, domain.BatchFeeFlat, nil, nil)

	a := mustID(t, "collect-value-secret-a")
	b := mustID(t, "collect-value-secret-b")
	funding.On("Collect", mock.Anything, "funder", uint64(35), mock.AnythingOfType("string")).Return(nil).Once()
	funding.On("Collect", mock.Anything, "broke", uint64(35), mock.AnythingOfType("string")).
		Return(domain.ErrFundingDeclined).Once()

	_, err = gw.DepositMany(ctx, "funder", 0, []domain.MailboxID{a, b}, []uint64{15, 20}, 35)
	require.NoError(t, err)

	_, err = gw.DepositMany(ctx, "broke", 0, []domain.MailboxID{a, b}, []uint64{15, 20}, 35)
	assert.ErrorIs(t, err, domain.ErrFundingDeclined)

	got, err := gw.GetBalances(ctx, 0, []domain.MailboxID{a, b})
	require.NoError(t, err)
	assert.Equal(t, []uint64{15, 20}, got)
	funding.AssertExpectations(t)
}
