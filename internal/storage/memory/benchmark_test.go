package memory

import (
	"context"
	"fmt"
	"testing"

	"creditmail/backend/internal/domain"
	"creditmail/backend/internal/storage"
)

func BenchmarkMemoryStore_Update(b *testing.B) {
	ctx := context.Background()
	store := newTestStore(b)
	id := mustID(b, "bench-secret-001")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = store.Update(ctx, 0, func(tx storage.LedgerTx) error {
			balance, err := tx.Balance(id)
			if err != nil {
				return err
			}
			return tx.SetBalance(id, balance+1)
		})
	}
}

func BenchmarkMemoryStore_ListMessages(b *testing.B) {
	ctx := context.Background()
	store := newTestStore(b)
	id := mustID(b, "bench-secret-001")

	// 预先写入数据
	_ = store.Update(ctx, 0, func(tx storage.LedgerTx) error {
		for i := 0; i < 1000; i++ {
			target := id
			if i%3 != 0 {
				target = mustID(b, fmt.Sprintf("bench-secret-%03d", i))
			}
			if err := tx.AppendMessage(&domain.MessageRecord{Sequence: uint64(i), MailboxID: target, Payload: []byte("payload")}); err != nil {
				return err
			}
		}
		return nil
	})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = store.View(ctx, 0, func(tx storage.LedgerTx) error {
			_, err := tx.ListMessages(domain.MessageQuery{MailboxID: &id, Limit: 100})
			return err
		})
	}
}
