package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"creditmail/backend/internal/domain"
	"creditmail/backend/internal/logger"
	"creditmail/backend/internal/monitoring"
	"creditmail/backend/internal/storage"
)

// RegistryOptions 注册表服务的依赖
type RegistryOptions struct {
	Owner           string
	RegistrationFee uint64
	// MaxPerAccount 每个账户最多注册的邮箱数量，0 表示不限
	MaxPerAccount int

	Store     storage.RegistryStore
	Publisher domain.NoticePublisher
	Funding   Funding
	Payout    Payout
	Metrics   *monitoring.Metrics
	Logger    *zap.Logger
	Clock     func() time.Time
}

// AliasRegistry 邮箱 id → 所有者、可见性、别名 的绑定。
// 独立于账本分区，不影响充值、发送和提现。
type AliasRegistry struct {
	mu sync.Mutex

	owner         string
	maxPerAccount int
	store         storage.RegistryStore
	publisher     domain.NoticePublisher
	funding       Funding
	payout        Payout
	metrics       *monitoring.Metrics
	log           *zap.Logger
	now           func() time.Time
}

// NewAliasRegistry 创建注册表服务；已保存的注册费优先于配置
func NewAliasRegistry(ctx context.Context, opts RegistryOptions) (*AliasRegistry, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("registry: store is required")
	}
	if opts.Owner == "" {
		return nil, fmt.Errorf("registry: owner is required")
	}
	if opts.Publisher == nil {
		opts.Publisher = domain.NopPublisher{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Funding == nil {
		opts.Funding = NewLogFunding(opts.Logger)
	}
	if opts.Payout == nil {
		opts.Payout = NewLogPayout(opts.Logger)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	state, err := opts.Store.EnsureRegistry(ctx, &domain.RegistryState{
		ID:              domain.RegistryStateID,
		RegistrationFee: opts.RegistrationFee,
		UpdatedAt:       opts.Clock().UTC(),
	})
	if err != nil {
		return nil, err
	}
	opts.Logger.Info("registry ready",
		zap.Uint64("registration_fee", state.RegistrationFee),
		zap.Uint64("registrations", state.TotalRegistrations))

	return &AliasRegistry{
		owner:         opts.Owner,
		maxPerAccount: opts.MaxPerAccount,
		store:         opts.Store,
		publisher:     opts.Publisher,
		funding:       opts.Funding,
		payout:        opts.Payout,
		metrics:       opts.Metrics,
		log:           opts.Logger,
		now:           opts.Clock,
	}, nil
}

func (r *AliasRegistry) mutate(ctx context.Context, op string, fn func(tx storage.RegistryTx) (*domain.Notice, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n *domain.Notice
	err := r.store.UpdateRegistry(ctx, func(tx storage.RegistryTx) error {
		var err error
		n, err = fn(tx)
		return err
	})
	if err != nil {
		if errors.Is(err, storage.ErrAliasConflict) {
			err = domain.ErrAliasTaken
		}
		r.metrics.RecordRejected(op, domain.ErrorClass(err))
		if domain.ErrorClass(err) == "internal" {
			r.log.Error("registry call failed", zap.String("operation", op), zap.Error(err))
		} else {
			r.log.Debug("registry call rejected", zap.String("operation", op), zap.Error(err))
		}
		return err
	}
	if n != nil {
		r.publisher.Publish(n)
	}
	return nil
}

func (r *AliasRegistry) view(ctx context.Context, fn func(tx storage.RegistryTx) error) error {
	return r.store.ViewRegistry(ctx, fn)
}

func (r *AliasRegistry) notice(t domain.NoticeType, reg *domain.Registration) *domain.Notice {
	id := reg.MailboxID
	return &domain.Notice{
		Type:       t,
		MailboxID:  &id,
		Account:    reg.Owner,
		Visibility: reg.Visibility,
		Timestamp:  r.now().UTC(),
	}
}

// requireFreeAlias 校验别名格式并确认未被占用
func requireFreeAlias(tx storage.RegistryTx, alias string) error {
	if alias == "" {
		return domain.ErrAliasRequired
	}
	if err := domain.ValidateAlias(alias); err != nil {
		return err
	}
	existing, err := tx.ByAlias(alias)
	if err != nil {
		return err
	}
	if existing != nil {
		return domain.ErrAliasTaken
	}
	return nil
}

// requireNoPublic 确认账户还没有公开邮箱
func requireNoPublic(tx storage.RegistryTx, owner string) error {
	existing, err := tx.PublicByOwner(owner)
	if err != nil {
		return err
	}
	if existing != nil {
		return domain.ErrPublicExists
	}
	return nil
}

// ownedRegistration 读取记录并校验所有者
func ownedRegistration(tx storage.RegistryTx, caller string, id domain.MailboxID) (*domain.Registration, error) {
	reg, err := tx.Get(id)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, domain.ErrMailboxNotRegistered
	}
	if caller == "" || reg.Owner != caller {
		return nil, domain.ErrNotOwner
	}
	return reg, nil
}

// Register 由 secret 派生邮箱 id 并登记到 caller 名下。
// 公开邮箱不带别名，每个账户最多一个；私有邮箱必须带一个未被占用的别名。
// 当前注册费在事务最后一步通过 Funding 从 caller 收取，收款被拒绝时注册失败。
// 秘密只用于派生 id，不会保存。
func (r *AliasRegistry) Register(ctx context.Context, caller, secret string, public bool, alias string) (*domain.Registration, error) {
	var created *domain.Registration
	var fee uint64
	err := r.mutate(ctx, "register", func(tx storage.RegistryTx) (*domain.Notice, error) {
		if caller == "" {
			return nil, domain.ErrInvalidAccount
		}
		state, err := tx.State()
		if err != nil {
			return nil, err
		}
		id, err := domain.DeriveMailboxID(secret)
		if err != nil {
			return nil, err
		}
		existing, err := tx.Get(id)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, domain.ErrMailboxRegistered
		}

		now := r.now().UTC()
		reg := &domain.Registration{
			MailboxID:    id,
			Owner:        caller,
			RegisteredAt: now,
			UpdatedAt:    now,
		}
		if public {
			if err := requireNoPublic(tx, caller); err != nil {
				return nil, err
			}
			if alias != "" {
				return nil, domain.ErrAliasNotAllowed
			}
			reg.Visibility = domain.VisibilityPublic
		} else {
			if err := requireFreeAlias(tx, alias); err != nil {
				return nil, err
			}
			reg.Visibility = domain.VisibilityPrivate
			reg.Alias = &alias
		}

		if r.maxPerAccount > 0 {
			count, err := tx.CountByOwner(caller)
			if err != nil {
				return nil, err
			}
			if count >= r.maxPerAccount {
				return nil, domain.ErrRegistrationLimit
			}
		}

		if err := tx.Save(reg); err != nil {
			return nil, err
		}
		fee = state.RegistrationFee
		if state.CollectedFees, err = addCredit(state.CollectedFees, fee); err != nil {
			return nil, err
		}
		state.TotalRegistrations++
		state.UpdatedAt = now
		if err := tx.SaveState(state); err != nil {
			return nil, err
		}

		if fee > 0 {
			if err := r.funding.Collect(ctx, caller, fee, "register:"+uuid.NewString()); err != nil {
				if domain.IsInsufficientFunds(err) {
					return nil, domain.ErrFeeNotPaid
				}
				return nil, fmt.Errorf("funding: %w", err)
			}
		}

		created = reg
		n := r.notice(domain.NoticeRegistered, reg)
		n.Amount = fee
		return n, nil
	})
	if err != nil {
		return nil, err
	}

	r.metrics.RecordRegistration()
	r.log.Info("mailbox registered",
		logger.Mailbox(created.MailboxID), logger.Account(caller),
		zap.String("visibility", string(created.Visibility)), logger.Fee(fee))
	return created.Clone(), nil
}

// LookupByAccount 查询账户的公开邮箱
func (r *AliasRegistry) LookupByAccount(ctx context.Context, account string) (domain.MailboxID, bool, error) {
	var id domain.MailboxID
	var ok bool
	err := r.view(ctx, func(tx storage.RegistryTx) error {
		reg, err := tx.PublicByOwner(account)
		if err != nil || reg == nil {
			return err
		}
		id, ok = reg.MailboxID, true
		return nil
	})
	return id, ok, err
}

// LookupByAlias 按别名查询邮箱 id；私有别名只有所有者可以解析
func (r *AliasRegistry) LookupByAlias(ctx context.Context, caller, alias string) (domain.MailboxID, error) {
	if err := domain.ValidateAlias(alias); err != nil {
		return domain.MailboxID{}, err
	}
	var id domain.MailboxID
	err := r.view(ctx, func(tx storage.RegistryTx) error {
		reg, err := tx.ByAlias(alias)
		if err != nil {
			return err
		}
		if reg == nil {
			return domain.ErrAliasNotFound
		}
		if !reg.IsPublic() && reg.Owner != caller {
			return domain.ErrPrivateAlias
		}
		id = reg.MailboxID
		return nil
	})
	return id, err
}

// IsAliasAvailable 别名格式合法且未被占用
func (r *AliasRegistry) IsAliasAvailable(ctx context.Context, alias string) (bool, error) {
	if !domain.IsValidAlias(alias) {
		return false, nil
	}
	var available bool
	err := r.view(ctx, func(tx storage.RegistryTx) error {
		reg, err := tx.ByAlias(alias)
		available = reg == nil
		return err
	})
	return available, err
}

// UpdateVisibility 切换公开/私有。
// 改为私有时必须提供新的可用别名；改为公开时清除别名，且账户不能已有公开邮箱。
func (r *AliasRegistry) UpdateVisibility(ctx context.Context, caller string, id domain.MailboxID, visibility domain.Visibility, alias string) (*domain.Registration, error) {
	var updated *domain.Registration
	err := r.mutate(ctx, "update_visibility", func(tx storage.RegistryTx) (*domain.Notice, error) {
		if _, err := domain.ParseVisibility(string(visibility)); err != nil {
			return nil, err
		}
		reg, err := ownedRegistration(tx, caller, id)
		if err != nil {
			return nil, err
		}
		if reg.Visibility == visibility {
			return nil, domain.ErrVisibilityUnchanged
		}

		next := reg.Clone()
		next.Visibility = visibility
		next.UpdatedAt = r.now().UTC()
		if visibility == domain.VisibilityPrivate {
			if err := requireFreeAlias(tx, alias); err != nil {
				return nil, err
			}
			next.Alias = &alias
		} else {
			if alias != "" {
				return nil, domain.ErrAliasNotAllowed
			}
			if err := requireNoPublic(tx, caller); err != nil {
				return nil, err
			}
			next.Alias = nil
		}

		if err := tx.Save(next); err != nil {
			return nil, err
		}
		updated = next
		return r.notice(domain.NoticeVisibilityChanged, next), nil
	})
	if err != nil {
		return nil, err
	}
	r.log.Info("visibility changed", logger.Mailbox(id), logger.Account(caller), zap.String("visibility", string(visibility)))
	return updated.Clone(), nil
}

// UpdateReceiverHash 用新秘密派生的 id 替换旧 id，保留可见性、别名与注册时间
func (r *AliasRegistry) UpdateReceiverHash(ctx context.Context, caller string, oldID domain.MailboxID, newSecret string) (*domain.Registration, error) {
	var rotated *domain.Registration
	err := r.mutate(ctx, "rotate", func(tx storage.RegistryTx) (*domain.Notice, error) {
		reg, err := ownedRegistration(tx, caller, oldID)
		if err != nil {
			return nil, err
		}
		newID, err := domain.DeriveMailboxID(newSecret)
		if err != nil {
			return nil, err
		}
		existing, err := tx.Get(newID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, domain.ErrMailboxRegistered
		}

		next := reg.Clone()
		next.MailboxID = newID
		next.UpdatedAt = r.now().UTC()
		// 先删除旧记录，别名和公开索引才能转移到新 id
		if err := tx.Delete(oldID); err != nil {
			return nil, err
		}
		if err := tx.Save(next); err != nil {
			return nil, err
		}

		rotated = next
		n := r.notice(domain.NoticeRotated, next)
		previous := oldID
		n.PreviousID = &previous
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	r.log.Info("mailbox rotated", zap.Stringer("previous_id", oldID), logger.Mailbox(rotated.MailboxID), logger.Account(caller))
	return rotated.Clone(), nil
}

// GetRegistration 查询注册信息，私有记录的别名只对所有者可见
func (r *AliasRegistry) GetRegistration(ctx context.Context, caller string, id domain.MailboxID) (*domain.Registration, error) {
	var out *domain.Registration
	err := r.view(ctx, func(tx storage.RegistryTx) error {
		reg, err := tx.Get(id)
		if err != nil {
			return err
		}
		if reg == nil {
			return domain.ErrMailboxNotRegistered
		}
		out = reg.RedactedFor(caller)
		return nil
	})
	return out, err
}

// ListByOwner 列出账户名下所有注册
func (r *AliasRegistry) ListByOwner(ctx context.Context, owner string) ([]domain.Registration, error) {
	var list []domain.Registration
	err := r.view(ctx, func(tx storage.RegistryTx) error {
		var err error
		list, err = tx.ListByOwner(owner)
		return err
	})
	return list, err
}

// State 注册表状态
func (r *AliasRegistry) State(ctx context.Context) (*domain.RegistryState, error) {
	var state *domain.RegistryState
	err := r.view(ctx, func(tx storage.RegistryTx) error {
		var err error
		state, err = tx.State()
		return err
	})
	return state, err
}

// RegistrationFee 当前注册费
func (r *AliasRegistry) RegistrationFee(ctx context.Context) (uint64, error) {
	state, err := r.State(ctx)
	if err != nil {
		return 0, err
	}
	return state.RegistrationFee, nil
}

// SetRegistrationFee 管理员修改注册费
func (r *AliasRegistry) SetRegistrationFee(ctx context.Context, caller string, fee uint64) error {
	err := r.mutate(ctx, "set_registration_fee", func(tx storage.RegistryTx) (*domain.Notice, error) {
		if caller == "" || caller != r.owner {
			return nil, domain.ErrNotOwner
		}
		if err := domain.ValidateFee(fee); err != nil {
			return nil, err
		}
		state, err := tx.State()
		if err != nil {
			return nil, err
		}
		state.RegistrationFee = fee
		state.UpdatedAt = r.now().UTC()
		if err := tx.SaveState(state); err != nil {
			return nil, err
		}
		return &domain.Notice{Type: domain.NoticeFeeUpdated, Account: caller, Amount: fee, Timestamp: state.UpdatedAt}, nil
	})
	if err != nil {
		return err
	}
	r.log.Info("registration fee updated", logger.Fee(fee))
	return nil
}

// WithdrawRegistryFees 管理员转出累计的注册费，返回剩余金额
func (r *AliasRegistry) WithdrawRegistryFees(ctx context.Context, caller string, amount uint64) (uint64, error) {
	var remaining uint64
	err := r.mutate(ctx, "collect_registry_fees", func(tx storage.RegistryTx) (*domain.Notice, error) {
		if caller == "" || caller != r.owner {
			return nil, domain.ErrNotOwner
		}
		if amount == 0 {
			return nil, domain.ErrInvalidAmount
		}
		state, err := tx.State()
		if err != nil {
			return nil, err
		}
		if state.CollectedFees < amount {
			return nil, domain.ErrInsufficientFees
		}
		state.CollectedFees -= amount
		state.UpdatedAt = r.now().UTC()
		remaining = state.CollectedFees
		if err := tx.SaveState(state); err != nil {
			return nil, err
		}
		if err := r.payout.Transfer(ctx, caller, amount, "registry:"+uuid.NewString()); err != nil {
			return nil, fmt.Errorf("payout: %w", err)
		}
		return &domain.Notice{Type: domain.NoticeFeesCollected, Account: caller, Amount: amount, Balance: remaining, Timestamp: state.UpdatedAt}, nil
	})
	if err != nil {
		return 0, err
	}
	r.log.Info("registry fees collected", logger.Account(caller), logger.Amount(amount))
	return remaining, nil
}
