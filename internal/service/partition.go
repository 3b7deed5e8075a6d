package service

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"creditmail/backend/internal/domain"
	"creditmail/backend/internal/logger"
	"creditmail/backend/internal/monitoring"
	"creditmail/backend/internal/storage"
)

// Partition 单个账本分区对外暴露的操作。
// 路由器只通过这个接口调用分区，不直接访问分区状态。
type Partition interface {
	Index() int

	Deposit(ctx context.Context, caller string, id domain.MailboxID, amount uint64) (uint64, error)
	Send(ctx context.Context, sender string, id domain.MailboxID, payload []byte) (*domain.MessageRecord, error)
	SendBatch(ctx context.Context, sender string, ids []domain.MailboxID, payloads [][]byte, tiered bool) ([]domain.MessageRecord, error)
	DepositBatch(ctx context.Context, caller string, ids []domain.MailboxID, amounts []uint64) ([]uint64, error)
	AuthorizeWithdrawal(ctx context.Context, id domain.MailboxID, grantee, secret string) error
	Withdraw(ctx context.Context, caller string, id domain.MailboxID, amount uint64) (uint64, error)
	CollectFees(ctx context.Context, caller string, amount uint64) (uint64, error)

	Balance(ctx context.Context, id domain.MailboxID) (uint64, error)
	Balances(ctx context.Context, ids []domain.MailboxID) ([]uint64, error)
	Messages(ctx context.Context, query domain.MessageQuery) ([]domain.MessageRecord, error)
	Grantee(ctx context.Context, id domain.MailboxID) (string, bool, error)
	Footprint(ctx context.Context, id domain.MailboxID) (domain.Footprint, error)

	Fees(ctx context.Context) (domain.FeeSchedule, error)
	SetMessageFee(ctx context.Context, caller string, fee uint64) error
	SetWithdrawalFee(ctx context.Context, caller string, fee uint64) error
	Pause(ctx context.Context, caller string) error
	Unpause(ctx context.Context, caller string) error
	Paused(ctx context.Context) (bool, error)
	Stats(ctx context.Context) (domain.PartitionStats, error)
}

// PartitionOptions 创建分区所需的依赖
type PartitionOptions struct {
	Index         int
	Owner         string
	MessageFee    uint64
	WithdrawalFee uint64

	Store     storage.LedgerStore
	Publisher domain.NoticePublisher
	Funding   Funding
	Payout    Payout
	Metrics   *monitoring.Metrics
	Logger    *zap.Logger
	Clock     func() time.Time
}

// CreditPartition 基于 LedgerStore 的分区实现。
//
// 所有写操作由 mu 串行化，并在一个存储事务内完成：
// 任何前置条件失败都会让事务回滚，不留下部分状态。
type CreditPartition struct {
	mu sync.Mutex

	index     int
	owner     string
	store     storage.LedgerStore
	publisher domain.NoticePublisher
	funding   Funding
	payout    Payout
	metrics   *monitoring.Metrics
	log       *zap.Logger
	now       func() time.Time
}

var _ Partition = (*CreditPartition)(nil)

// NewCreditPartition 创建分区；存储中已有该分区时沿用已保存的状态
func NewCreditPartition(ctx context.Context, opts PartitionOptions) (*CreditPartition, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("partition %d: store is required", opts.Index)
	}
	if opts.Owner == "" {
		return nil, fmt.Errorf("partition %d: owner is required", opts.Index)
	}
	if opts.Index < 0 {
		return nil, domain.ErrInvalidPartition
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

	_, err := opts.Store.EnsurePartition(ctx, &domain.PartitionState{
		PartitionIndex: opts.Index,
		MessageFee:     opts.MessageFee,
		WithdrawalFee:  opts.WithdrawalFee,
		UpdatedAt:      opts.Clock().UTC(),
	})
	if err != nil {
		return nil, err
	}

	return &CreditPartition{
		index:     opts.Index,
		owner:     opts.Owner,
		store:     opts.Store,
		publisher: opts.Publisher,
		funding:   opts.Funding,
		payout:    opts.Payout,
		metrics:   opts.Metrics,
		log:       opts.Logger.With(logger.Partition(opts.Index)),
		now:       opts.Clock,
	}, nil
}

// Index 分区编号
func (p *CreditPartition) Index() int {
	return p.index
}

// mutate 在分区锁和存储事务内执行写操作，成功提交后依次发布通知
func (p *CreditPartition) mutate(ctx context.Context, op string, fn func(tx storage.LedgerTx) ([]*domain.Notice, error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var notices []*domain.Notice
	err := p.store.Update(ctx, p.index, func(tx storage.LedgerTx) error {
		var err error
		notices, err = fn(tx)
		return err
	})
	if err != nil {
		return p.reject(op, err)
	}
	for _, n := range notices {
		p.publisher.Publish(n)
	}
	return nil
}

func (p *CreditPartition) reject(op string, err error) error {
	p.metrics.RecordRejected(op, domain.ErrorClass(err))
	if domain.ErrorClass(err) == "internal" {
		p.log.Error("ledger call failed", zap.String("operation", op), zap.Error(err))
	} else {
		p.log.Debug("ledger call rejected", zap.String("operation", op), zap.Error(err))
	}
	return err
}

func (p *CreditPartition) notice(t domain.NoticeType, id *domain.MailboxID) *domain.Notice {
	index := p.index
	return &domain.Notice{Type: t, Partition: &index, MailboxID: id, Timestamp: p.now().UTC()}
}

func (p *CreditPartition) requireOwner(caller string) error {
	if caller == "" || caller != p.owner {
		return domain.ErrNotOwner
	}
	return nil
}

// activeState 读取分区状态，暂停时拒绝
func activeState(tx storage.LedgerTx) (*domain.PartitionState, error) {
	state, err := tx.State()
	if err != nil {
		return nil, err
	}
	if state.Paused {
		return nil, domain.ErrSystemPaused
	}
	return state, nil
}

// MaxCredit 余额与累计计数的上限。数据库以有符号 bigint 保存这些列。
const MaxCredit = math.MaxInt64

// addCredit 溢出检查后相加，结果不超过 MaxCredit
func addCredit(a, b uint64) (uint64, error) {
	if a > MaxCredit || b > MaxCredit-a {
		return 0, domain.ErrAmountOverflow
	}
	return a + b, nil
}

// Deposit 任何账户都可以给邮箱充值，金额从该账户收取，返回新余额
func (p *CreditPartition) Deposit(ctx context.Context, caller string, id domain.MailboxID, amount uint64) (uint64, error) {
	balances, err := p.DepositBatch(ctx, caller, []domain.MailboxID{id}, []uint64{amount})
	if err != nil {
		return 0, err
	}
	return balances[0], nil
}

// DepositBatch 批量充值，全部成功或全部失败，返回每笔之后的余额。
// 总额在事务最后一步通过 Funding 从 caller 收取，收款失败整批回滚。
func (p *CreditPartition) DepositBatch(ctx context.Context, caller string, ids []domain.MailboxID, amounts []uint64) ([]uint64, error) {
	result := make([]uint64, len(ids))
	err := p.mutate(ctx, "deposit", func(tx storage.LedgerTx) ([]*domain.Notice, error) {
		if len(ids) != len(amounts) {
			return nil, domain.ErrBatchLengthMismatch
		}
		if len(ids) == 0 {
			return nil, domain.ErrBatchEmpty
		}
		if caller == "" {
			return nil, domain.ErrInvalidAccount
		}
		state, err := activeState(tx)
		if err != nil {
			return nil, err
		}

		var total uint64
		running := make(map[domain.MailboxID]uint64, len(ids))
		notices := make([]*domain.Notice, 0, len(ids))
		for i, id := range ids {
			amount := amounts[i]
			if amount == 0 {
				return nil, domain.ErrInvalidAmount
			}
			balance, ok := running[id]
			if !ok {
				if balance, err = tx.Balance(id); err != nil {
					return nil, err
				}
			}
			if balance, err = addCredit(balance, amount); err != nil {
				return nil, err
			}
			if total, err = addCredit(total, amount); err != nil {
				return nil, err
			}
			if state.TotalDeposited, err = addCredit(state.TotalDeposited, amount); err != nil {
				return nil, err
			}
			if state.TotalBalance, err = addCredit(state.TotalBalance, amount); err != nil {
				return nil, err
			}
			running[id] = balance
			result[i] = balance

			mailbox := id
			n := p.notice(domain.NoticeDeposited, &mailbox)
			n.Account = caller
			n.Amount = amount
			n.Balance = balance
			notices = append(notices, n)
		}

		for id, balance := range running {
			if err := tx.SetBalance(id, balance); err != nil {
				return nil, err
			}
		}
		state.UpdatedAt = p.now().UTC()
		if err := tx.SaveState(state); err != nil {
			return nil, err
		}

		if err := p.funding.Collect(ctx, caller, total, "deposit:"+uuid.NewString()); err != nil {
			return nil, fmt.Errorf("funding: %w", err)
		}
		return notices, nil
	})
	if err != nil {
		return nil, err
	}

	for i, id := range ids {
		p.metrics.RecordDeposit(p.index, amounts[i])
		p.log.Info("credit deposited", logger.Mailbox(id), logger.Amount(amounts[i]), zap.Uint64("balance", result[i]))
	}
	return result, nil
}

// Send 发送一条消息：按阶梯费率扣费并追加到分区日志
func (p *CreditPartition) Send(ctx context.Context, sender string, id domain.MailboxID, payload []byte) (*domain.MessageRecord, error) {
	records, err := p.SendBatch(ctx, sender, []domain.MailboxID{id}, [][]byte{payload}, true)
	if err != nil {
		return nil, err
	}
	return &records[0], nil
}

// SendBatch 批量发送。先校验全部负载，再逐条扣费；任何一条失败整批回滚。
// tiered 为 false 时每条按基础费率计费。
func (p *CreditPartition) SendBatch(ctx context.Context, sender string, ids []domain.MailboxID, payloads [][]byte, tiered bool) ([]domain.MessageRecord, error) {
	var records []domain.MessageRecord
	err := p.mutate(ctx, "send", func(tx storage.LedgerTx) ([]*domain.Notice, error) {
		if len(ids) != len(payloads) {
			return nil, domain.ErrBatchLengthMismatch
		}
		if len(ids) == 0 {
			return nil, domain.ErrBatchEmpty
		}
		for _, payload := range payloads {
			if err := domain.ValidatePayload(payload); err != nil {
				return nil, err
			}
		}
		state, err := activeState(tx)
		if err != nil {
			return nil, err
		}

		now := p.now().UTC()
		running := make(map[domain.MailboxID]uint64, len(ids))
		records = make([]domain.MessageRecord, 0, len(ids))
		notices := make([]*domain.Notice, 0, len(ids))
		for i, id := range ids {
			fee := state.MessageFee
			if tiered {
				fee = domain.TieredFee(state.MessageFee, len(payloads[i]))
			}

			balance, ok := running[id]
			if !ok {
				if balance, err = tx.Balance(id); err != nil {
					return nil, err
				}
			}
			if balance < fee {
				return nil, domain.ErrInsufficientBalance
			}
			running[id] = balance - fee
			state.TotalBalance -= fee
			state.CollectedFees += fee

			record := domain.MessageRecord{
				PartitionIndex: p.index,
				Sequence:       state.NextSequence,
				Sender:         sender,
				MailboxID:      id,
				Payload:        append([]byte(nil), payloads[i]...),
				Fee:            fee,
				Timestamp:      now,
			}
			if err := tx.AppendMessage(&record); err != nil {
				return nil, err
			}
			state.NextSequence++
			state.TotalMessages++
			records = append(records, record)

			mailbox := id
			n := p.notice(domain.NoticeMessageSent, &mailbox)
			n.Account = sender
			n.Sequence = record.Sequence
			n.Payload = record.Payload
			n.Amount = fee
			n.Timestamp = now
			notices = append(notices, n)
		}

		for id, balance := range running {
			if err := tx.SetBalance(id, balance); err != nil {
				return nil, err
			}
		}
		state.UpdatedAt = now
		return notices, tx.SaveState(state)
	})
	if err != nil {
		return nil, err
	}

	for _, r := range records {
		p.metrics.RecordMessageSent(p.index, r.Fee)
		p.log.Info("message sent", logger.Mailbox(r.MailboxID), zap.Uint64("sequence", r.Sequence), logger.Fee(r.Fee))
	}
	return records, nil
}

// AuthorizeWithdrawal 出示秘密，为 grantee 创建或覆盖提现授权。
// 秘密本身只用于比对，不记录也不保存。
func (p *CreditPartition) AuthorizeWithdrawal(ctx context.Context, id domain.MailboxID, grantee, secret string) error {
	err := p.mutate(ctx, "authorize_withdrawal", func(tx storage.LedgerTx) ([]*domain.Notice, error) {
		if grantee == "" {
			return nil, domain.ErrInvalidAccount
		}
		if !domain.IsValidSecret(secret) {
			return nil, domain.ErrInvalidSecret
		}
		if !domain.MatchesSecret(id, secret) {
			return nil, domain.ErrSecretMismatch
		}
		grant := &domain.WithdrawalGrant{
			PartitionIndex: p.index,
			MailboxID:      id,
			Grantee:        grantee,
			GrantedAt:      p.now().UTC(),
		}
		if err := tx.SetGrant(grant); err != nil {
			return nil, err
		}
		n := p.notice(domain.NoticeWithdrawalAuthorized, &grant.MailboxID)
		n.Account = grantee
		return []*domain.Notice{n}, nil
	})
	if err != nil {
		return err
	}
	p.log.Info("withdrawal authorized", logger.Mailbox(id), logger.Account(grantee))
	return nil
}

// Withdraw 授权账户提取余额，扣除 amount + 提现手续费，返回剩余余额
func (p *CreditPartition) Withdraw(ctx context.Context, caller string, id domain.MailboxID, amount uint64) (uint64, error) {
	var remaining, fee uint64
	err := p.mutate(ctx, "withdraw", func(tx storage.LedgerTx) ([]*domain.Notice, error) {
		if amount == 0 {
			return nil, domain.ErrInvalidAmount
		}
		state, err := activeState(tx)
		if err != nil {
			return nil, err
		}
		grant, err := tx.Grant(id)
		if err != nil {
			return nil, err
		}
		if grant == nil || caller == "" || grant.Grantee != caller {
			return nil, domain.ErrNotGranted
		}

		fee = state.WithdrawalFee
		total, err := addCredit(amount, fee)
		if err != nil {
			return nil, err
		}
		balance, err := tx.Balance(id)
		if err != nil {
			return nil, err
		}
		if balance < total {
			return nil, domain.ErrInsufficientBalance
		}

		remaining = balance - total
		if err := tx.SetBalance(id, remaining); err != nil {
			return nil, err
		}
		state.TotalBalance -= total
		state.CollectedFees += fee
		state.TotalWithdrawn += amount
		state.UpdatedAt = p.now().UTC()
		if err := tx.SaveState(state); err != nil {
			return nil, err
		}

		// 外部转账放在最后，失败时整个事务回滚
		if err := p.payout.Transfer(ctx, caller, amount, "withdraw:"+uuid.NewString()); err != nil {
			return nil, fmt.Errorf("payout: %w", err)
		}

		n := p.notice(domain.NoticeWithdrawn, &id)
		n.Account = caller
		n.Amount = amount
		n.Balance = remaining
		return []*domain.Notice{n}, nil
	})
	if err != nil {
		return 0, err
	}

	p.metrics.RecordWithdrawal(p.index, amount, fee)
	p.log.Info("credit withdrawn", logger.Mailbox(id), logger.Account(caller), logger.Amount(amount), logger.Fee(fee))
	return remaining, nil
}

// CollectFees 管理员把累计的手续费转出，返回剩余可归集金额
func (p *CreditPartition) CollectFees(ctx context.Context, caller string, amount uint64) (uint64, error) {
	var remaining uint64
	err := p.mutate(ctx, "collect_fees", func(tx storage.LedgerTx) ([]*domain.Notice, error) {
		if err := p.requireOwner(caller); err != nil {
			return nil, err
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
		state.UpdatedAt = p.now().UTC()
		remaining = state.CollectedFees
		if err := tx.SaveState(state); err != nil {
			return nil, err
		}
		if err := p.payout.Transfer(ctx, caller, amount, "fees:"+uuid.NewString()); err != nil {
			return nil, fmt.Errorf("payout: %w", err)
		}
		n := p.notice(domain.NoticeFeesCollected, nil)
		n.Account = caller
		n.Amount = amount
		n.Balance = remaining
		return []*domain.Notice{n}, nil
	})
	if err != nil {
		return 0, err
	}
	p.log.Info("fees collected", logger.Account(caller), logger.Amount(amount))
	return remaining, nil
}

// setState 管理员修改分区配置的通用流程
func (p *CreditPartition) setState(ctx context.Context, op, caller string, apply func(state *domain.PartitionState) (*domain.Notice, error)) error {
	return p.mutate(ctx, op, func(tx storage.LedgerTx) ([]*domain.Notice, error) {
		if err := p.requireOwner(caller); err != nil {
			return nil, err
		}
		state, err := tx.State()
		if err != nil {
			return nil, err
		}
		n, err := apply(state)
		if err != nil {
			return nil, err
		}
		state.UpdatedAt = p.now().UTC()
		if err := tx.SaveState(state); err != nil {
			return nil, err
		}
		n.Account = caller
		return []*domain.Notice{n}, nil
	})
}

// SetMessageFee 修改基础消息费
func (p *CreditPartition) SetMessageFee(ctx context.Context, caller string, fee uint64) error {
	return p.setState(ctx, "set_message_fee", caller, func(state *domain.PartitionState) (*domain.Notice, error) {
		if err := domain.ValidateFee(fee); err != nil {
			return nil, err
		}
		state.MessageFee = fee
		n := p.notice(domain.NoticeFeeUpdated, nil)
		n.Amount = fee
		return n, nil
	})
}

// SetWithdrawalFee 修改提现手续费
func (p *CreditPartition) SetWithdrawalFee(ctx context.Context, caller string, fee uint64) error {
	return p.setState(ctx, "set_withdrawal_fee", caller, func(state *domain.PartitionState) (*domain.Notice, error) {
		if err := domain.ValidateFee(fee); err != nil {
			return nil, err
		}
		state.WithdrawalFee = fee
		n := p.notice(domain.NoticeFeeUpdated, nil)
		n.Amount = fee
		return n, nil
	})
}

// Pause 暂停充值、发送和提现
func (p *CreditPartition) Pause(ctx context.Context, caller string) error {
	return p.setState(ctx, "pause", caller, func(state *domain.PartitionState) (*domain.Notice, error) {
		state.Paused = true
		return p.notice(domain.NoticePaused, nil), nil
	})
}

// Unpause 恢复
func (p *CreditPartition) Unpause(ctx context.Context, caller string) error {
	return p.setState(ctx, "unpause", caller, func(state *domain.PartitionState) (*domain.Notice, error) {
		state.Paused = false
		return p.notice(domain.NoticeUnpaused, nil), nil
	})
}

// ========== 只读查询 ==========

func (p *CreditPartition) view(ctx context.Context, fn func(tx storage.LedgerTx) error) error {
	return p.store.View(ctx, p.index, fn)
}

// Balance 查询余额，从未充值的邮箱余额为 0
func (p *CreditPartition) Balance(ctx context.Context, id domain.MailboxID) (uint64, error) {
	var balance uint64
	err := p.view(ctx, func(tx storage.LedgerTx) error {
		var err error
		balance, err = tx.Balance(id)
		return err
	})
	return balance, err
}

// Balances 批量查询余额，结果与 ids 一一对应
func (p *CreditPartition) Balances(ctx context.Context, ids []domain.MailboxID) ([]uint64, error) {
	result := make([]uint64, len(ids))
	err := p.view(ctx, func(tx storage.LedgerTx) error {
		for i, id := range ids {
			balance, err := tx.Balance(id)
			if err != nil {
				return err
			}
			result[i] = balance
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Messages 按邮箱和序号范围查询消息日志
func (p *CreditPartition) Messages(ctx context.Context, query domain.MessageQuery) ([]domain.MessageRecord, error) {
	var msgs []domain.MessageRecord
	err := p.view(ctx, func(tx storage.LedgerTx) error {
		var err error
		msgs, err = tx.ListMessages(query)
		return err
	})
	return msgs, err
}

// Grantee 查询当前提现授权账户
func (p *CreditPartition) Grantee(ctx context.Context, id domain.MailboxID) (string, bool, error) {
	var grantee string
	var ok bool
	err := p.view(ctx, func(tx storage.LedgerTx) error {
		grant, err := tx.Grant(id)
		if err != nil || grant == nil {
			return err
		}
		grantee, ok = grant.Grantee, true
		return nil
	})
	return grantee, ok, err
}

// Footprint 邮箱在本分区留下的余额、授权与消息
func (p *CreditPartition) Footprint(ctx context.Context, id domain.MailboxID) (domain.Footprint, error) {
	fp := domain.Footprint{Partition: p.index}
	err := p.view(ctx, func(tx storage.LedgerTx) error {
		var err error
		if fp.Balance, err = tx.Balance(id); err != nil {
			return err
		}
		grant, err := tx.Grant(id)
		if err != nil {
			return err
		}
		if grant != nil {
			grantee := grant.Grantee
			fp.Grantee = &grantee
		}
		fp.MessageCount, err = tx.CountMessages(id)
		return err
	})
	return fp, err
}

// Fees 分区当前费用
func (p *CreditPartition) Fees(ctx context.Context) (domain.FeeSchedule, error) {
	var fees domain.FeeSchedule
	err := p.view(ctx, func(tx storage.LedgerTx) error {
		state, err := tx.State()
		if err != nil {
			return err
		}
		fees.MessageFee = state.MessageFee
		fees.WithdrawalFee = state.WithdrawalFee
		return nil
	})
	return fees, err
}

// Paused 是否处于暂停状态
func (p *CreditPartition) Paused(ctx context.Context) (bool, error) {
	var paused bool
	err := p.view(ctx, func(tx storage.LedgerTx) error {
		state, err := tx.State()
		if err != nil {
			return err
		}
		paused = state.Paused
		return nil
	})
	return paused, err
}

// Stats 分区统计
func (p *CreditPartition) Stats(ctx context.Context) (domain.PartitionStats, error) {
	var stats domain.PartitionStats
	err := p.view(ctx, func(tx storage.LedgerTx) error {
		state, err := tx.State()
		if err != nil {
			return err
		}
		stats = domain.StatsFromState(state)
		return nil
	})
	return stats, err
}
