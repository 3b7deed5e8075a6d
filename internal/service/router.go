package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"creditmail/backend/internal/cache"
	"creditmail/backend/internal/domain"
	"creditmail/backend/internal/logger"
	"creditmail/backend/internal/monitoring"
	"creditmail/backend/internal/storage"
)

const statsCacheKey = "aggregated_stats"

// RouterConfig 路由器配置
type RouterConfig struct {
	Owner         string
	Partitions    int
	MessageFee    uint64
	WithdrawalFee uint64
	// StatsTTL 汇总统计的缓存时间，0 表示不缓存
	StatsTTL time.Duration
}

// PartitionFactory 按编号创建分区，fees 为新分区的初始费用
type PartitionFactory func(ctx context.Context, index int, fees domain.FeeSchedule) (Partition, error)

// StoreFactory 返回在同一个 LedgerStore 上创建 CreditPartition 的工厂
func StoreFactory(owner string, store storage.LedgerStore, publisher domain.NoticePublisher, funding Funding, payout Payout, metrics *monitoring.Metrics, log *zap.Logger) PartitionFactory {
	return func(ctx context.Context, index int, fees domain.FeeSchedule) (Partition, error) {
		return NewCreditPartition(ctx, PartitionOptions{
			Index:         index,
			Owner:         owner,
			MessageFee:    fees.MessageFee,
			WithdrawalFee: fees.WithdrawalFee,
			Store:         store,
			Publisher:     publisher,
			Funding:       funding,
			Payout:        payout,
			Metrics:       metrics,
			Logger:        log,
		})
	}
}

// Router 持有有序的分区列表，负责 id → 分区 的确定性映射
// 以及对全部分区的管理操作。
//
// 路由只取决于 (id, 分区数量)：新增分区后已有邮箱可能被映射到别的分区，
// 旧分区上的余额和授权通过 Locate 查找。
type Router struct {
	// mu 保护 partitions 与 fees
	mu         sync.RWMutex
	partitions []Partition
	fees       domain.FeeSchedule

	// adminMu 串行化广播类管理操作
	adminMu sync.Mutex

	owner     string
	factory   PartitionFactory
	stats     *cache.LocalCache
	statsTTL  time.Duration
	publisher domain.NoticePublisher
	metrics   *monitoring.Metrics
	log       *zap.Logger
	now       func() time.Time
}

// NewRouter 创建 cfg.Partitions 个分区。
// 全局费用以 0 号分区已保存的费用为准，这样重启后不会覆盖运行期的调整。
func NewRouter(ctx context.Context, cfg RouterConfig, factory PartitionFactory, publisher domain.NoticePublisher, metrics *monitoring.Metrics, log *zap.Logger) (*Router, error) {
	if cfg.Partitions < 1 {
		return nil, domain.ErrNoPartitions
	}
	if cfg.Owner == "" {
		return nil, fmt.Errorf("router: owner is required")
	}
	if factory == nil {
		return nil, fmt.Errorf("router: partition factory is required")
	}
	if publisher == nil {
		publisher = domain.NopPublisher{}
	}
	if log == nil {
		log = zap.NewNop()
	}

	r := &Router{
		owner:     cfg.Owner,
		factory:   factory,
		statsTTL:  cfg.StatsTTL,
		publisher: publisher,
		metrics:   metrics,
		log:       log,
		now:       time.Now,
	}
	if cfg.StatsTTL > 0 {
		r.stats = cache.NewLocalCache(1, cfg.StatsTTL)
	}

	initial := domain.FeeSchedule{MessageFee: cfg.MessageFee, WithdrawalFee: cfg.WithdrawalFee}
	for i := 0; i < cfg.Partitions; i++ {
		p, err := factory(ctx, i, initial)
		if err != nil {
			return nil, fmt.Errorf("create partition %d: %w", i, err)
		}
		r.partitions = append(r.partitions, p)
	}

	fees, err := r.partitions[0].Fees(ctx)
	if err != nil {
		return nil, fmt.Errorf("load fees: %w", err)
	}
	r.fees = fees

	metrics.SetPartitions(len(r.partitions))
	log.Info("router ready",
		zap.Int("partitions", len(r.partitions)),
		zap.Uint64("message_fee", fees.MessageFee),
		zap.Uint64("withdrawal_fee", fees.WithdrawalFee))
	return r, nil
}

// Close 释放统计缓存
func (r *Router) Close() {
	if r.stats != nil {
		r.stats.Stop()
	}
}

// Owner 管理员账户
func (r *Router) Owner() string {
	return r.owner
}

// IsOwner 判断调用者是否为管理员
func (r *Router) IsOwner(caller string) bool {
	return caller != "" && caller == r.owner
}

// RouteFor 返回 id 所属的分区及其编号
func (r *Router) RouteFor(id domain.MailboxID) (Partition, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	index, err := domain.PartitionIndex(id, len(r.partitions))
	if err != nil {
		return nil, 0, err
	}
	return r.partitions[index], index, nil
}

// PartitionCount 当前分区数量
func (r *Router) PartitionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.partitions)
}

// Partition 按编号取分区
func (r *Router) Partition(index int) (Partition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if index < 0 || index >= len(r.partitions) {
		return nil, domain.ErrInvalidPartition
	}
	return r.partitions[index], nil
}

// Partitions 分区列表快照
func (r *Router) Partitions() []Partition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Partition, len(r.partitions))
	copy(out, r.partitions)
	return out
}

// Fees 全局费用
func (r *Router) Fees() domain.FeeSchedule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fees
}

func (r *Router) requireOwner(op, caller string) error {
	if !r.IsOwner(caller) {
		r.metrics.RecordRejected(op, domain.ErrorClass(domain.ErrNotOwner))
		return domain.ErrNotOwner
	}
	return nil
}

// AddPartition 追加一个新分区，使用当前全局费用。
// 不做数据迁移：已有邮箱的路由结果可能随之改变。
func (r *Router) AddPartition(ctx context.Context, caller string) (int, error) {
	if err := r.requireOwner("add_partition", caller); err != nil {
		return 0, err
	}

	r.adminMu.Lock()
	defer r.adminMu.Unlock()

	index := r.PartitionCount()
	p, err := r.factory(ctx, index, r.Fees())
	if err != nil {
		return 0, fmt.Errorf("create partition %d: %w", index, err)
	}

	r.mu.Lock()
	r.partitions = append(r.partitions, p)
	count := len(r.partitions)
	r.mu.Unlock()

	r.invalidateStats()
	r.metrics.SetPartitions(count)
	r.log.Warn("partition added, routing of existing mailboxes may change",
		logger.Partition(index), zap.Int("partitions", count))

	r.publisher.Publish(&domain.Notice{
		Type:      domain.NoticePartitionAdded,
		Partition: &index,
		Account:   caller,
		Timestamp: r.now().UTC(),
	})
	return index, nil
}

// broadcast 依次对所有分区执行 apply；中途失败时按相反顺序恢复已修改的分区
func (r *Router) broadcast(ctx context.Context, op string, apply func(p Partition) error, restore func(p Partition) error) error {
	partitions := r.Partitions()
	for i, p := range partitions {
		if err := apply(p); err != nil {
			for j := i - 1; j >= 0; j-- {
				if rerr := restore(partitions[j]); rerr != nil {
					r.log.Error("broadcast rollback failed",
						zap.String("operation", op), logger.Partition(j), zap.Error(rerr))
				}
			}
			r.metrics.RecordRejected(op, domain.ErrorClass(err))
			return fmt.Errorf("%s on partition %d: %w", op, i, err)
		}
	}
	r.invalidateStats()
	return nil
}

// BroadcastFeeUpdate 把基础消息费同步到每个分区
func (r *Router) BroadcastFeeUpdate(ctx context.Context, caller string, fee uint64) error {
	if err := r.requireOwner("broadcast_fee", caller); err != nil {
		return err
	}
	if err := domain.ValidateFee(fee); err != nil {
		return err
	}

	r.adminMu.Lock()
	defer r.adminMu.Unlock()

	previous := r.Fees().MessageFee
	err := r.broadcast(ctx, "broadcast_fee",
		func(p Partition) error { return p.SetMessageFee(ctx, caller, fee) },
		func(p Partition) error { return p.SetMessageFee(ctx, caller, previous) })
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.fees.MessageFee = fee
	r.mu.Unlock()
	r.log.Info("message fee updated", logger.Fee(fee), zap.Uint64("previous", previous))
	return nil
}

// BroadcastWithdrawalFeeUpdate 把提现手续费同步到每个分区
func (r *Router) BroadcastWithdrawalFeeUpdate(ctx context.Context, caller string, fee uint64) error {
	if err := r.requireOwner("broadcast_withdrawal_fee", caller); err != nil {
		return err
	}
	if err := domain.ValidateFee(fee); err != nil {
		return err
	}

	r.adminMu.Lock()
	defer r.adminMu.Unlock()

	previous := r.Fees().WithdrawalFee
	err := r.broadcast(ctx, "broadcast_withdrawal_fee",
		func(p Partition) error { return p.SetWithdrawalFee(ctx, caller, fee) },
		func(p Partition) error { return p.SetWithdrawalFee(ctx, caller, previous) })
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.fees.WithdrawalFee = fee
	r.mu.Unlock()
	r.log.Info("withdrawal fee updated", logger.Fee(fee), zap.Uint64("previous", previous))
	return nil
}

// PauseAll 暂停全部分区
func (r *Router) PauseAll(ctx context.Context, caller string) error {
	if err := r.requireOwner("pause_all", caller); err != nil {
		return err
	}
	r.adminMu.Lock()
	defer r.adminMu.Unlock()

	err := r.broadcast(ctx, "pause_all",
		func(p Partition) error { return p.Pause(ctx, caller) },
		func(p Partition) error { return p.Unpause(ctx, caller) })
	if err == nil {
		r.log.Warn("all partitions paused", logger.Account(caller))
	}
	return err
}

// UnpauseAll 恢复全部分区
func (r *Router) UnpauseAll(ctx context.Context, caller string) error {
	if err := r.requireOwner("unpause_all", caller); err != nil {
		return err
	}
	r.adminMu.Lock()
	defer r.adminMu.Unlock()

	err := r.broadcast(ctx, "unpause_all",
		func(p Partition) error { return p.Unpause(ctx, caller) },
		func(p Partition) error { return p.Pause(ctx, caller) })
	if err == nil {
		r.log.Info("all partitions unpaused", logger.Account(caller))
	}
	return err
}

// AggregatedStats 汇总所有分区的统计。
// 各分区并发读取；开启缓存时在 TTL 内直接返回上一次的结果。
func (r *Router) AggregatedStats(ctx context.Context) (*domain.AggregatedStats, error) {
	if r.stats != nil {
		if v, ok := r.stats.Get(statsCacheKey); ok {
			return v.(*domain.AggregatedStats), nil
		}
	}

	partitions := r.Partitions()
	per := make([]domain.PartitionStats, len(partitions))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range partitions {
		i, p := i, p
		g.Go(func() error {
			stats, err := p.Stats(gctx)
			if err != nil {
				return fmt.Errorf("stats of partition %d: %w", i, err)
			}
			per[i] = stats
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	agg := &domain.AggregatedStats{
		PartitionCount: len(partitions),
		Partitions:     per,
		GeneratedAt:    r.now().UTC(),
	}
	for _, s := range per {
		agg.TotalMessages += s.TotalMessages
		agg.TotalDeposited += s.TotalDeposited
		agg.TotalBalance += s.TotalBalance
		agg.CollectedFees += s.CollectedFees
		agg.TotalWithdrawn += s.TotalWithdrawn
	}

	if r.stats != nil {
		r.stats.Set(statsCacheKey, agg, 0)
	}
	return agg, nil
}

func (r *Router) invalidateStats() {
	if r.stats != nil {
		r.stats.Delete(statsCacheKey)
	}
}

// Locate 在所有分区中查找 id 留下的余额、授权和消息。
// 只返回有痕迹的分区以及当前路由到的分区。
func (r *Router) Locate(ctx context.Context, id domain.MailboxID) ([]domain.Footprint, error) {
	partitions := r.Partitions()
	routed, err := domain.PartitionIndex(id, len(partitions))
	if err != nil {
		return nil, err
	}

	all := make([]domain.Footprint, len(partitions))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range partitions {
		i, p := i, p
		g.Go(func() error {
			fp, err := p.Footprint(gctx, id)
			if err != nil {
				return fmt.Errorf("footprint on partition %d: %w", i, err)
			}
			fp.Routed = i == routed
			all[i] = fp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]domain.Footprint, 0, len(all))
	for _, fp := range all {
		if fp.Routed || fp.Balance > 0 || fp.Grantee != nil || fp.MessageCount > 0 {
			out = append(out, fp)
		}
	}
	return out, nil
}
