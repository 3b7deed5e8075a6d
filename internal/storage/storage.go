package storage

import (
	"context"
	"errors"

	"creditmail/backend/internal/domain"
)

var (
	// ErrPartitionNotFound 分区状态不存在
	ErrPartitionNotFound = errors.New("partition not found")
	// ErrAliasConflict 别名已被其他记录占用（唯一索引冲突）
	ErrAliasConflict = errors.New("alias conflict")
	// ErrReadOnly 只读事务中尝试写入
	ErrReadOnly = errors.New("write in read-only transaction")
)

// LedgerTx 单个分区内的事务视图。
// Grant 在授权不存在时返回 (nil, nil)。
type LedgerTx interface {
	State() (*domain.PartitionState, error)
	SaveState(state *domain.PartitionState) error

	Balance(id domain.MailboxID) (uint64, error)
	SetBalance(id domain.MailboxID, amount uint64) error

	Grant(id domain.MailboxID) (*domain.WithdrawalGrant, error)
	SetGrant(grant *domain.WithdrawalGrant) error

	AppendMessage(msg *domain.MessageRecord) error
	ListMessages(query domain.MessageQuery) ([]domain.MessageRecord, error)
	CountMessages(id domain.MailboxID) (int, error)
}

// LedgerStore 定义分区账本的存取操作。
// Update 中 fn 返回错误时，全部暂存写入被丢弃；返回 nil 时一次性提交。
type LedgerStore interface {
	// EnsurePartition 分区不存在时按 defaults 创建，存在时返回已保存的状态
	EnsurePartition(ctx context.Context, defaults *domain.PartitionState) (*domain.PartitionState, error)
	Update(ctx context.Context, partition int, fn func(tx LedgerTx) error) error
	View(ctx context.Context, partition int, fn func(tx LedgerTx) error) error
	// PartitionCount 已创建的分区数量
	PartitionCount(ctx context.Context) (int, error)
}

// RegistryTx 注册表事务视图。
// Get/ByAlias/PublicByOwner 在记录不存在时返回 (nil, nil)。
type RegistryTx interface {
	State() (*domain.RegistryState, error)
	SaveState(state *domain.RegistryState) error

	Get(id domain.MailboxID) (*domain.Registration, error)
	ByAlias(alias string) (*domain.Registration, error)
	PublicByOwner(owner string) (*domain.Registration, error)
	ListByOwner(owner string) ([]domain.Registration, error)
	CountByOwner(owner string) (int, error)

	Save(reg *domain.Registration) error
	Delete(id domain.MailboxID) error
}

// RegistryStore 定义注册表的存取操作，语义与 LedgerStore 相同
type RegistryStore interface {
	EnsureRegistry(ctx context.Context, defaults *domain.RegistryState) (*domain.RegistryState, error)
	UpdateRegistry(ctx context.Context, fn func(tx RegistryTx) error) error
	ViewRegistry(ctx context.Context, fn func(tx RegistryTx) error) error
}

// Store 聚合全部存储能力
type Store interface {
	LedgerStore
	RegistryStore
	Ping(ctx context.Context) error
	Close() error
}
