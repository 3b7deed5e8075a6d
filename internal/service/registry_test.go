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

func newTestRegistry(t *testing.T, maxPerAccount int, payout Payout) (*AliasRegistry, *recordingPublisher) {
	t.Helper()
	return newFundedRegistry(t, maxPerAccount, nil, payout)
}

func newFundedRegistry(t *testing.T, maxPerAccount int, funding Funding, payout Payout) (*AliasRegistry, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	r, err := NewAliasRegistry(context.Background(), RegistryOptions{
		Owner:           testOwner,
		RegistrationFee: 100,
		MaxPerAccount:   maxPerAccount,
		Store:           memory.NewStore(),
		Publisher:       pub,
		Funding:         funding,
		Payout:          payout,
		Logger:          zap.NewNop(),
		Clock:           fixedClock(),
	})
	require.NoError(t, err)
	return r, pub
}

func TestAliasRegistry_Register(t *testing.T) {
	ctx := context.Background()
	r, pub := newTestRegistry(t, 0, nil)

	t.Run("公开注册", func(t *testing.T) {
		reg, err := r.Register(ctx, "alice", "alice-public-secret", true, "")
		require.NoError(t, err)
		assert.Equal(t, mustID(t, "alice-public-secret"), reg.MailboxID)
		assert.Equal(t, domain.VisibilityPublic, reg.Visibility)
		assert.Nil(t, reg.Alias)

		n := pub.last()
		assert.Equal(t, domain.NoticeRegistered, n.Type)
		assert.Equal(t, "alice", n.Account)

		id, ok, err := r.LookupByAccount(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, reg.MailboxID, id)
	})

	t.Run("注册失败的各种情况", func(t *testing.T) {
		_, err := r.Register(ctx, "alice", "        ", false, "alice_x")
		assert.ErrorIs(t, err, domain.ErrInvalidSecret)

		_, err = r.Register(ctx, "bob", "alice-public-secret", true, "")
		assert.ErrorIs(t, err, domain.ErrMailboxRegistered)

		_, err = r.Register(ctx, "alice", "alice-second-public", true, "")
		assert.ErrorIs(t, err, domain.ErrPublicExists)

		_, err = r.Register(ctx, "carol", "carol-public-secret", true, "carol")
		assert.ErrorIs(t, err, domain.ErrAliasNotAllowed)

		_, err = r.Register(ctx, "carol", "carol-private-secret", false, "")
		assert.ErrorIs(t, err, domain.ErrAliasRequired)

		_, err = r.Register(ctx, "carol", "carol-private-secret", false, "no spaces!")
		assert.ErrorIs(t, err, domain.ErrInvalidAlias)

		_, err = r.Register(ctx, "", "carol-private-secret", false, "carol")
		assert.ErrorIs(t, err, domain.ErrInvalidAccount)
	})

	t.Run("注册费累计", func(t *testing.T) {
		_, err := r.Register(ctx, "dave", "dave-private-secret", false, "dave_box")
		require.NoError(t, err)

		state, err := r.State(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(200), state.CollectedFees)
		assert.Equal(t, uint64(2), state.TotalRegistrations)
	})
}

func TestAliasRegistry_AliasExclusivity(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, 0, nil)

	_, err := r.Register(ctx, "bob", "bob-private-secret", false, "shared_name")
	require.NoError(t, err)

	_, err = r.Register(ctx, "carol", "carol-private-secret", false, "shared_name")
	assert.ErrorIs(t, err, domain.ErrAliasTaken)
	assert.True(t, domain.IsAlreadyExists(err))

	available, err := r.IsAliasAvailable(ctx, "shared_name")
	require.NoError(t, err)
	assert.False(t, available)
	available, err = r.IsAliasAvailable(ctx, "free_name")
	require.NoError(t, err)
	assert.True(t, available)
	available, err = r.IsAliasAvailable(ctx, "x")
	require.NoError(t, err)
	assert.False(t, available)
}

func TestAliasRegistry_BobInbox(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, 0, nil)

	reg, err := r.Register(ctx, "bob", "bob-inbox-secret", false, "bob_inbox")
	require.NoError(t, err)

	t.Run("陌生人无法解析私有别名", func(t *testing.T) {
		_, err := r.LookupByAlias(ctx, "stranger", "bob_inbox")
		assert.ErrorIs(t, err, domain.ErrPrivateAlias)
		assert.True(t, domain.IsNotAuthorized(err))
	})

	t.Run("所有者可以解析", func(t *testing.T) {
		id, err := r.LookupByAlias(ctx, "bob", "bob_inbox")
		require.NoError(t, err)
		assert.Equal(t, reg.MailboxID, id)
	})

	t.Run("未知别名", func(t *testing.T) {
		_, err := r.LookupByAlias(ctx, "bob", "nobody_here")
		assert.True(t, domain.IsNotFound(err))
	})

	t.Run("私有记录不出现在账户查询中", func(t *testing.T) {
		_, ok, err := r.LookupByAccount(ctx, "bob")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("别名只对所有者可见", func(t *testing.T) {
		seen, err := r.GetRegistration(ctx, "stranger", reg.MailboxID)
		require.NoError(t, err)
		assert.Nil(t, seen.Alias)

		own, err := r.GetRegistration(ctx, "bob", reg.MailboxID)
		require.NoError(t, err)
		assert.Equal(t, "bob_inbox", own.AliasValue())

		_, err = r.GetRegistration(ctx, "bob", mustID(t, "unknown-secret"))
		assert.ErrorIs(t, err, domain.ErrMailboxNotRegistered)
	})
}

func TestAliasRegistry_UpdateVisibility(t *testing.T) {
	ctx := context.Background()
	r, pub := newTestRegistry(t, 0, nil)

	public, err := r.Register(ctx, "erin", "erin-public-secret", true, "")
	require.NoError(t, err)
	private, err := r.Register(ctx, "erin", "erin-private-secret", false, "erin_box")
	require.NoError(t, err)

	t.Run("非所有者", func(t *testing.T) {
		_, err := r.UpdateVisibility(ctx, "mallory", public.MailboxID, domain.VisibilityPrivate, "new_alias")
		assert.ErrorIs(t, err, domain.ErrNotOwner)
	})

	t.Run("可见性未变化", func(t *testing.T) {
		_, err := r.UpdateVisibility(ctx, "erin", public.MailboxID, domain.VisibilityPublic, "")
		assert.ErrorIs(t, err, domain.ErrVisibilityUnchanged)
	})

	t.Run("已有公开邮箱时不能再公开", func(t *testing.T) {
		_, err := r.UpdateVisibility(ctx, "erin", private.MailboxID, domain.VisibilityPublic, "")
		assert.ErrorIs(t, err, domain.ErrPublicExists)
	})

	t.Run("改为私有需要可用别名", func(t *testing.T) {
		_, err := r.UpdateVisibility(ctx, "erin", public.MailboxID, domain.VisibilityPrivate, "")
		assert.ErrorIs(t, err, domain.ErrAliasRequired)
		_, err = r.UpdateVisibility(ctx, "erin", public.MailboxID, domain.VisibilityPrivate, "erin_box")
		assert.ErrorIs(t, err, domain.ErrAliasTaken)

		updated, err := r.UpdateVisibility(ctx, "erin", public.MailboxID, domain.VisibilityPrivate, "erin_main")
		require.NoError(t, err)
		assert.Equal(t, domain.VisibilityPrivate, updated.Visibility)
		assert.Equal(t, domain.NoticeVisibilityChanged, pub.last().Type)

		_, ok, err := r.LookupByAccount(ctx, "erin")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("改为公开释放别名", func(t *testing.T) {
		updated, err := r.UpdateVisibility(ctx, "erin", private.MailboxID, domain.VisibilityPublic, "")
		require.NoError(t, err)
		assert.Nil(t, updated.Alias)

		available, err := r.IsAliasAvailable(ctx, "erin_box")
		require.NoError(t, err)
		assert.True(t, available)

		id, ok, err := r.LookupByAccount(ctx, "erin")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, private.MailboxID, id)
	})
}

func TestAliasRegistry_UpdateReceiverHash(t *testing.T) {
	ctx := context.Background()
	r, pub := newTestRegistry(t, 0, nil)

	original, err := r.Register(ctx, "frank", "frank-old-secret", false, "frank_box")
	require.NoError(t, err)
	_, err = r.Register(ctx, "gina", "gina-taken-secret", true, "")
	require.NoError(t, err)

	t.Run("新 id 已注册", func(t *testing.T) {
		_, err := r.UpdateReceiverHash(ctx, "frank", original.MailboxID, "gina-taken-secret")
		assert.ErrorIs(t, err, domain.ErrMailboxRegistered)
	})

	t.Run("非所有者", func(t *testing.T) {
		_, err := r.UpdateReceiverHash(ctx, "gina", original.MailboxID, "frank-new-secret")
		assert.ErrorIs(t, err, domain.ErrNotOwner)
	})

	t.Run("轮换成功", func(t *testing.T) {
		rotated, err := r.UpdateReceiverHash(ctx, "frank", original.MailboxID, "frank-new-secret")
		require.NoError(t, err)
		assert.Equal(t, mustID(t, "frank-new-secret"), rotated.MailboxID)
		assert.Equal(t, original.RegisteredAt, rotated.RegisteredAt)
		assert.Equal(t, "frank_box", rotated.AliasValue())

		id, err := r.LookupByAlias(ctx, "frank", "frank_box")
		require.NoError(t, err)
		assert.Equal(t, rotated.MailboxID, id)

		_, err = r.GetRegistration(ctx, "frank", original.MailboxID)
		assert.ErrorIs(t, err, domain.ErrMailboxNotRegistered)

		n := pub.last()
		assert.Equal(t, domain.NoticeRotated, n.Type)
		require.NotNil(t, n.PreviousID)
		assert.Equal(t, original.MailboxID, *n.PreviousID)
	})
}

func TestAliasRegistry_RegistrationLimit(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, 2, nil)

	_, err := r.Register(ctx, "henry", "henry-secret-one", false, "henry_one")
	require.NoError(t, err)
	_, err = r.Register(ctx, "henry", "henry-secret-two", false, "henry_two")
	require.NoError(t, err)
	_, err = r.Register(ctx, "henry", "henry-secret-three", false, "henry_three")
	assert.ErrorIs(t, err, domain.ErrRegistrationLimit)

	list, err := r.ListByOwner(ctx, "henry")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestAliasRegistry_Fees(t *testing.T) {
	ctx := context.Background()
	payout := new(MockPayout)
	r, _ := newTestRegistry(t, 0, payout)

	_, err := r.Register(ctx, "ivy", "ivy-private-secret", false, "ivy_box")
	require.NoError(t, err)

	assert.ErrorIs(t, r.SetRegistrationFee(ctx, "ivy", 1), domain.ErrNotOwner)
	require.NoError(t, r.SetRegistrationFee(ctx, testOwner, 300))
	fee, err := r.RegistrationFee(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), fee)

	_, err = r.WithdrawRegistryFees(ctx, testOwner, 101)
	assert.ErrorIs(t, err, domain.ErrInsufficientFees)

	payout.On("Transfer", mock.Anything, testOwner, uint64(60), mock.AnythingOfType("string")).Return(nil).Once()
	remaining, err := r.WithdrawRegistryFees(ctx, testOwner, 60)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), remaining)
	payout.AssertExpectations(t)
}

func TestAliasRegistry_RegistrationFunding(t *testing.T) {
	ctx := context.Background()
	funding := new(MockFunding)
	r, pub := newFundedRegistry(t, 0, funding, nil)

	t.Run("收取当前注册费", func(t *testing.T) {
		funding.On("Collect", mock.Anything, "jack", uint64(100), mock.AnythingOfType("string")).Return(nil).Once()

		_, err := r.Register(ctx, "jack", "jack-public-secret", true, "")
		require.NoError(t, err)
		funding.AssertExpectations(t)
		assert.Equal(t, uint64(100), pub.last().Amount)
	})

	t.Run("未付注册费时注册失败", func(t *testing.T) {
		funding.On("Collect", mock.Anything, "kate", uint64(100), mock.AnythingOfType("string")).
			Return(domain.ErrFundingDeclined).Once()

		_, err := r.Register(ctx, "kate", "kate-private-secret", false, "kate_box")
		assert.ErrorIs(t, err, domain.ErrFeeNotPaid)
		assert.True(t, domain.IsInsufficientFunds(err))

		available, err := r.IsAliasAvailable(ctx, "kate_box")
		require.NoError(t, err)
		assert.True(t, available)
		state, err := r.State(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(100), state.CollectedFees)
		assert.Equal(t, uint64(1), state.TotalRegistrations)
	})

	t.Run("免费注册不收款", func(t *testing.T) {
		require.NoError(t, r.SetRegistrationFee(ctx, testOwner, 0))

		_, err := r.Register(ctx, "kate", "kate-private-secret", false, "kate_box")
		require.NoError(t, err)
		funding.AssertNumberOfCalls(t, "Collect", 2)
	})
}
