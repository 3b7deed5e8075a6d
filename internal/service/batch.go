package service

import (
	"context"

	"go.uber.org/zap"

	"creditmail/backend/internal/domain"
	"creditmail/backend/internal/logger"
	"creditmail/backend/internal/monitoring"
)

// 批量接口的数量上限
const (
	MaxBatchSend    = 50
	MaxBatchDeposit = 20
	MaxBatchBalance = 100
)

// BatchGateway 无状态的批量入口，把一批请求转交给调用方指定的分区。
// 不要求每个 id 都路由到该分区，扩容后仍可向旧分区上的邮箱批量充值。
// 整批在分区的一次原子调用内完成，任何一条失败都不会留下部分结果。
type BatchGateway struct {
	router  *Router
	feeMode domain.BatchFeeMode
	metrics *monitoring.Metrics
	log     *zap.Logger
}

// NewBatchGateway 创建批量入口，未知的计费方式按 flat 处理
func NewBatchGateway(router *Router, feeMode domain.BatchFeeMode, metrics *monitoring.Metrics, log *zap.Logger) *BatchGateway {
	if !feeMode.IsValid() {
		feeMode = domain.BatchFeeFlat
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &BatchGateway{router: router, feeMode: feeMode, metrics: metrics, log: log}
}

// FeeMode 批量发送的计费方式
func (g *BatchGateway) FeeMode() domain.BatchFeeMode {
	return g.feeMode
}

func checkBatch(n, m, limit int) error {
	if n != m {
		return domain.ErrBatchLengthMismatch
	}
	if n == 0 {
		return domain.ErrBatchEmpty
	}
	if n > limit {
		return domain.ErrBatchTooLarge
	}
	return nil
}

func (g *BatchGateway) reject(op string, err error) error {
	g.metrics.RecordRejected(op, domain.ErrorClass(err))
	g.log.Debug("batch rejected", zap.String("operation", op), zap.Error(err))
	return err
}

// SendMany 向同一分区批量发送。
// 先校验所有负载，任何一条不合法则整批拒绝，不扣任何费用。
func (g *BatchGateway) SendMany(ctx context.Context, sender string, partition int, ids []domain.MailboxID, payloads [][]byte) ([]domain.MessageRecord, error) {
	if err := checkBatch(len(ids), len(payloads), MaxBatchSend); err != nil {
		return nil, g.reject("batch_send", err)
	}
	for _, payload := range payloads {
		if err := domain.ValidatePayload(payload); err != nil {
			return nil, g.reject("batch_send", err)
		}
	}
	p, err := g.router.Partition(partition)
	if err != nil {
		return nil, g.reject("batch_send", err)
	}

	records, err := p.SendBatch(ctx, sender, ids, payloads, g.feeMode == domain.BatchFeeTiered)
	if err != nil {
		return nil, err
	}
	g.log.Info("batch sent", logger.Partition(partition), zap.Int("count", len(records)), zap.String("fee_mode", string(g.feeMode)))
	return records, nil
}

// DepositMany 批量充值，amounts 之和必须等于 value，value 会从 caller 收取
func (g *BatchGateway) DepositMany(ctx context.Context, caller string, partition int, ids []domain.MailboxID, amounts []uint64, value uint64) ([]uint64, error) {
	if err := checkBatch(len(ids), len(amounts), MaxBatchDeposit); err != nil {
		return nil, g.reject("batch_deposit", err)
	}
	var sum uint64
	for _, amount := range amounts {
		if amount == 0 {
			return nil, g.reject("batch_deposit", domain.ErrInvalidAmount)
		}
		next, err := addCredit(sum, amount)
		if err != nil {
			return nil, g.reject("batch_deposit", err)
		}
		sum = next
	}
	if sum != value {
		return nil, g.reject("batch_deposit", domain.ErrBatchValueMismatch)
	}
	p, err := g.router.Partition(partition)
	if err != nil {
		return nil, g.reject("batch_deposit", err)
	}

	balances, err := p.DepositBatch(ctx, caller, ids, amounts)
	if err != nil {
		return nil, err
	}
	g.log.Info("batch deposited", logger.Partition(partition), zap.Int("count", len(ids)), logger.Amount(value))
	return balances, nil
}

// GetBalances 批量查询同一分区的余额
func (g *BatchGateway) GetBalances(ctx context.Context, partition int, ids []domain.MailboxID) ([]uint64, error) {
	if err := checkBatch(len(ids), len(ids), MaxBatchBalance); err != nil {
		return nil, err
	}
	p, err := g.router.Partition(partition)
	if err != nil {
		return nil, err
	}
	return p.Balances(ctx, ids)
}
