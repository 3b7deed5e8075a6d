package database

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"creditmail/backend/internal/domain"
	"creditmail/backend/internal/storage"
)

// EnsureRegistry 初始化注册表状态行
func (s *Store) EnsureRegistry(ctx context.Context, defaults *domain.RegistryState) (*domain.RegistryState, error) {
	var state domain.RegistryState
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := s.forUpdate(tx).First(&state, "id = ?", domain.RegistryStateID).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		state = *defaults
		state.ID = domain.RegistryStateID
		return tx.Create(&state).Error
	})
	if err != nil {
		return nil, fmt.Errorf("ensure registry: %w", err)
	}
	return &state, nil
}

// UpdateRegistry 在数据库事务中执行注册表写操作，状态行加锁以串行化写入
func (s *Store) UpdateRegistry(ctx context.Context, fn func(tx storage.RegistryTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		var state domain.RegistryState
		if err := s.forUpdate(gtx).First(&state, "id = ?", domain.RegistryStateID).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("lock registry: %w", err)
		}
		return fn(&registryTx{db: gtx, state: state, writable: true})
	})
}

// ViewRegistry 在事务中执行注册表查询
func (s *Store) ViewRegistry(ctx context.Context, fn func(tx storage.RegistryTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		var state domain.RegistryState
		if err := gtx.First(&state, "id = ?", domain.RegistryStateID).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("read registry: %w", err)
		}
		return fn(&registryTx{db: gtx, state: state})
	})
}

type registryTx struct {
	db       *gorm.DB
	state    domain.RegistryState
	writable bool
}

func (tx *registryTx) State() (*domain.RegistryState, error) {
	state := tx.state
	return &state, nil
}

func (tx *registryTx) SaveState(state *domain.RegistryState) error {
	if !tx.writable {
		return storage.ErrReadOnly
	}
	next := *state
	next.ID = domain.RegistryStateID
	if err := upsert(tx.db, &next); err != nil {
		return fmt.Errorf("save registry state: %w", err)
	}
	tx.state = next
	return nil
}

func (tx *registryTx) first(query string, args ...interface{}) (*domain.Registration, error) {
	var reg domain.Registration
	err := tx.db.Where(query, args...).Take(&reg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registration: %w", err)
	}
	return &reg, nil
}

func (tx *registryTx) Get(id domain.MailboxID) (*domain.Registration, error) {
	return tx.first("mailbox_id = ?", id)
}

func (tx *registryTx) ByAlias(alias string) (*domain.Registration, error) {
	return tx.first("alias = ?", alias)
}

func (tx *registryTx) PublicByOwner(owner string) (*domain.Registration, error) {
	return tx.first("owner = ? AND visibility = ?", owner, domain.VisibilityPublic)
}

func (tx *registryTx) ListByOwner(owner string) ([]domain.Registration, error) {
	var regs []domain.Registration
	err := tx.db.Where("owner = ?", owner).Order("registered_at ASC, mailbox_id ASC").Find(&regs).Error
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	return regs, nil
}

func (tx *registryTx) CountByOwner(owner string) (int, error) {
	var count int64
	if err := tx.db.Model(&domain.Registration{}).Where("owner = ?", owner).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count registrations: %w", err)
	}
	return int(count), nil
}

func (tx *registryTx) Save(reg *domain.Registration) error {
	if !tx.writable {
		return storage.ErrReadOnly
	}
	// MySQL 的 ON DUPLICATE KEY 会命中任意唯一索引，先显式检查别名
	if reg.Alias != nil {
		existing, err := tx.ByAlias(*reg.Alias)
		if err != nil {
			return err
		}
		if existing != nil && existing.MailboxID != reg.MailboxID {
			return storage.ErrAliasConflict
		}
	}
	if err := upsert(tx.db, reg); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return storage.ErrAliasConflict
		}
		return fmt.Errorf("save registration: %w", err)
	}
	return nil
}

func (tx *registryTx) Delete(id domain.MailboxID) error {
	if !tx.writable {
		return storage.ErrReadOnly
	}
	if err := tx.db.Where("mailbox_id = ?", id).Delete(&domain.Registration{}).Error; err != nil {
		return fmt.Errorf("delete registration: %w", err)
	}
	return nil
}
