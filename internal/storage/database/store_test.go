package database

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"creditmail/backend/internal/domain"
	"creditmail/backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	store, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	_, err = store.EnsurePartition(ctx, &domain.PartitionState{PartitionIndex: 0, MessageFee: 10, WithdrawalFee: 1})
	require.NoError(t, err)
	_, err = store.EnsureRegistry(ctx, &domain.RegistryState{RegistrationFee: 5})
	require.NoError(t, err)
	return store
}

func mustID(t *testing.T, secret string) domain.MailboxID {
	t.Helper()
	id, err := domain.DeriveMailboxID(secret)
	require.NoError(t, err)
	return id
}

func TestStore_Ping(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.Ping(context.Background()))
}

func TestStore_EnsurePartitionKeepsState(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	state, err := store.EnsurePartition(ctx, &domain.PartitionState{PartitionIndex: 0, MessageFee: 77})
	require.NoError(t, err)
	assert.Equal(t, uint64(10), state.MessageFee)

	count, err := store.PartitionCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	err = store.Update(ctx, 3, func(tx storage.LedgerTx) error { return nil })
	assert.ErrorIs(t, err, storage.ErrPartitionNotFound)
}

func TestStore_LedgerTransaction(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	id := mustID(t, "alice-secret-code-01")

	t.Run("提交", func(t *testing.T) {
		err := store.Update(ctx, 0, func(tx storage.LedgerTx) error {
			if err := tx.SetBalance(id, 100); err != nil {
				return err
			}
			state, err := tx.State()
			if err != nil {
				return err
			}
			state.TotalBalance = 100
			state.TotalDeposited = 100
			if err := tx.SaveState(state); err != nil {
				return err
			}
			if err := tx.SetGrant(&domain.WithdrawalGrant{MailboxID: id, Grantee: "alice", GrantedAt: time.Now()}); err != nil {
				return err
			}
			return tx.AppendMessage(&domain.MessageRecord{Sequence: 0, Sender: "carol", MailboxID: id, Payload: []byte("hello"), Fee: 10, Timestamp: time.Now()})
		})
		require.NoError(t, err)

		err = store.View(ctx, 0, func(tx storage.LedgerTx) error {
			balance, err := tx.Balance(id)
			require.NoError(t, err)
			assert.Equal(t, uint64(100), balance)

			state, err := tx.State()
			require.NoError(t, err)
			assert.Equal(t, uint64(100), state.TotalDeposited)
			assert.Equal(t, uint64(10), state.MessageFee)

			grant, err := tx.Grant(id)
			require.NoError(t, err)
			require.NotNil(t, grant)
			assert.Equal(t, "alice", grant.Grantee)

			msgs, err := tx.ListMessages(domain.MessageQuery{MailboxID: &id})
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.Equal(t, []byte("hello"), msgs[0].Payload)
			assert.Equal(t, id, msgs[0].MailboxID)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("覆盖写入", func(t *testing.T) {
		err := store.Update(ctx, 0, func(tx storage.LedgerTx) error {
			if err := tx.SetBalance(id, 58); err != nil {
				return err
			}
			return tx.SetGrant(&domain.WithdrawalGrant{MailboxID: id, Grantee: "dave"})
		})
		require.NoError(t, err)

		err = store.View(ctx, 0, func(tx storage.LedgerTx) error {
			balance, err := tx.Balance(id)
			require.NoError(t, err)
			assert.Equal(t, uint64(58), balance)
			grant, err := tx.Grant(id)
			require.NoError(t, err)
			assert.Equal(t, "dave", grant.Grantee)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("回滚", func(t *testing.T) {
		boom := errors.New("boom")
		err := store.Update(ctx, 0, func(tx storage.LedgerTx) error {
			if err := tx.SetBalance(id, 1); err != nil {
				return err
			}
			if err := tx.AppendMessage(&domain.MessageRecord{Sequence: 1, MailboxID: id, Payload: []byte("x"), Timestamp: time.Now()}); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		err = store.View(ctx, 0, func(tx storage.LedgerTx) error {
			balance, err := tx.Balance(id)
			require.NoError(t, err)
			assert.Equal(t, uint64(58), balance)
			count, err := tx.CountMessages(id)
			require.NoError(t, err)
			assert.Equal(t, 1, count)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("只读事务", func(t *testing.T) {
		err := store.View(ctx, 0, func(tx storage.LedgerTx) error {
			return tx.SetBalance(id, 0)
		})
		assert.ErrorIs(t, err, storage.ErrReadOnly)
	})
}

func TestStore_Registry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	alias := "bob_inbox"
	private := &domain.Registration{
		MailboxID:    mustID(t, "bob-private-secret"),
		Owner:        "bob",
		Visibility:   domain.VisibilityPrivate,
		Alias:        &alias,
		RegisteredAt: time.Now().Add(-time.Minute),
	}
	public := &domain.Registration{
		MailboxID:    mustID(t, "bob-public-secret"),
		Owner:        "bob",
		Visibility:   domain.VisibilityPublic,
		RegisteredAt: time.Now(),
	}

	err := store.UpdateRegistry(ctx, func(tx storage.RegistryTx) error {
		if err := tx.Save(private); err != nil {
			return err
		}
		if err := tx.Save(public); err != nil {
			return err
		}
		state, err := tx.State()
		if err != nil {
			return err
		}
		state.TotalRegistrations = 2
		return tx.SaveState(state)
	})
	require.NoError(t, err)

	t.Run("索引查询", func(t *testing.T) {
		err := store.ViewRegistry(ctx, func(tx storage.RegistryTx) error {
			reg, err := tx.ByAlias("bob_inbox")
			require.NoError(t, err)
			require.NotNil(t, reg)
			assert.Equal(t, private.MailboxID, reg.MailboxID)

			pub, err := tx.PublicByOwner("bob")
			require.NoError(t, err)
			require.NotNil(t, pub)
			assert.Equal(t, public.MailboxID, pub.MailboxID)
			assert.Nil(t, pub.Alias)

			count, err := tx.CountByOwner("bob")
			require.NoError(t, err)
			assert.Equal(t, 2, count)

			missing, err := tx.ByAlias("nobody_here")
			require.NoError(t, err)
			assert.Nil(t, missing)

			state, err := tx.State()
			require.NoError(t, err)
			assert.Equal(t, uint64(2), state.TotalRegistrations)
			assert.Equal(t, uint64(5), state.RegistrationFee)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("别名唯一", func(t *testing.T) {
		err := store.UpdateRegistry(ctx, func(tx storage.RegistryTx) error {
			return tx.Save(&domain.Registration{
				MailboxID:  mustID(t, "carol-secret-01"),
				Owner:      "carol",
				Visibility: domain.VisibilityPrivate,
				Alias:      &alias,
			})
		})
		assert.ErrorIs(t, err, storage.ErrAliasConflict)
	})

	t.Run("轮换在同一事务内转移别名", func(t *testing.T) {
		rotated := private.Clone()
		rotated.MailboxID = mustID(t, "bob-rotated-secret")
		err := store.UpdateRegistry(ctx, func(tx storage.RegistryTx) error {
			if err := tx.Delete(private.MailboxID); err != nil {
				return err
			}
			return tx.Save(rotated)
		})
		require.NoError(t, err)

		err = store.ViewRegistry(ctx, func(tx storage.RegistryTx) error {
			old, err := tx.Get(private.MailboxID)
			require.NoError(t, err)
			assert.Nil(t, old)
			reg, err := tx.ByAlias("bob_inbox")
			require.NoError(t, err)
			require.NotNil(t, reg)
			assert.Equal(t, rotated.MailboxID, reg.MailboxID)
			return nil
		})
		require.NoError(t, err)
	})
}
