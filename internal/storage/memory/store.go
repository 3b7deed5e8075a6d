package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"creditmail/backend/internal/domain"
	"creditmail/backend/internal/storage"
)

// Store 使用内存保存账本与注册表数据，主要用于开发验证和测试。
//
// 每个分区有独立的锁：写事务之间由 writeMu 串行化，
// 事务内的写入先暂存，只在提交的瞬间持有 mu 写锁。
type Store struct {
	mu         sync.RWMutex
	partitions map[int]*partition
	registry   *registry
}

// partition 单个分区的已提交数据
type partition struct {
	writeMu sync.Mutex
	mu      sync.RWMutex

	state     domain.PartitionState
	balances  map[domain.MailboxID]uint64
	grants    map[domain.MailboxID]domain.WithdrawalGrant
	messages  []domain.MessageRecord
	byMailbox map[domain.MailboxID][]int // mailboxID -> messages 下标
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		partitions: make(map[int]*partition),
		registry:   newRegistry(),
	}
}

// Ping 内存存储始终可用
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close 无资源需要释放
func (s *Store) Close() error {
	return nil
}

// EnsurePartition 分区不存在时创建
func (s *Store) EnsurePartition(ctx context.Context, defaults *domain.PartitionState) (*domain.PartitionState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.partitions[defaults.PartitionIndex]; ok {
		p.mu.RLock()
		state := p.state
		p.mu.RUnlock()
		return &state, nil
	}

	p := &partition{
		state:     *defaults,
		balances:  make(map[domain.MailboxID]uint64),
		grants:    make(map[domain.MailboxID]domain.WithdrawalGrant),
		byMailbox: make(map[domain.MailboxID][]int),
	}
	s.partitions[defaults.PartitionIndex] = p
	state := p.state
	return &state, nil
}

// PartitionCount 已创建的分区数量
func (s *Store) PartitionCount(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.partitions), nil
}

func (s *Store) partition(index int) (*partition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.partitions[index]
	if !ok {
		return nil, storage.ErrPartitionNotFound
	}
	return p, nil
}

// Update 在分区上执行写事务
func (s *Store) Update(ctx context.Context, index int, fn func(tx storage.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.partition(index)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	tx := &ledgerTx{
		p:        p,
		writable: true,
		balances: make(map[domain.MailboxID]uint64),
		grants:   make(map[domain.MailboxID]domain.WithdrawalGrant),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// View 在分区上执行只读事务，期间看到的是一致的已提交快照
func (s *Store) View(ctx context.Context, index int, fn func(tx storage.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.partition(index)
	if err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	return fn(&ledgerTx{p: p})
}

// ledgerTx 暂存写入；只读事务在外层已持有读锁
type ledgerTx struct {
	p        *partition
	writable bool

	state    *domain.PartitionState
	balances map[domain.MailboxID]uint64
	grants   map[domain.MailboxID]domain.WithdrawalGrant
	messages []domain.MessageRecord
}

func (tx *ledgerTx) rlock() func() {
	if !tx.writable {
		return func() {}
	}
	tx.p.mu.RLock()
	return tx.p.mu.RUnlock
}

func (tx *ledgerTx) State() (*domain.PartitionState, error) {
	if tx.state != nil {
		state := *tx.state
		return &state, nil
	}
	unlock := tx.rlock()
	state := tx.p.state
	unlock()
	return &state, nil
}

func (tx *ledgerTx) SaveState(state *domain.PartitionState) error {
	if !tx.writable {
		return storage.ErrReadOnly
	}
	cp := *state
	tx.state = &cp
	return nil
}

func (tx *ledgerTx) Balance(id domain.MailboxID) (uint64, error) {
	if amount, ok := tx.balances[id]; ok {
		return amount, nil
	}
	unlock := tx.rlock()
	defer unlock()
	return tx.p.balances[id], nil
}

func (tx *ledgerTx) SetBalance(id domain.MailboxID, amount uint64) error {
	if !tx.writable {
		return storage.ErrReadOnly
	}
	tx.balances[id] = amount
	return nil
}

func (tx *ledgerTx) Grant(id domain.MailboxID) (*domain.WithdrawalGrant, error) {
	if grant, ok := tx.grants[id]; ok {
		return &grant, nil
	}
	unlock := tx.rlock()
	defer unlock()
	grant, ok := tx.p.grants[id]
	if !ok {
		return nil, nil
	}
	return &grant, nil
}

func (tx *ledgerTx) SetGrant(grant *domain.WithdrawalGrant) error {
	if !tx.writable {
		return storage.ErrReadOnly
	}
	tx.grants[grant.MailboxID] = *grant
	return nil
}

func (tx *ledgerTx) AppendMessage(msg *domain.MessageRecord) error {
	if !tx.writable {
		return storage.ErrReadOnly
	}
	cp := *msg
	cp.Payload = bytes.Clone(msg.Payload)
	tx.messages = append(tx.messages, cp)
	return nil
}

func (tx *ledgerTx) ListMessages(query domain.MessageQuery) ([]domain.MessageRecord, error) {
	query.Normalize()

	unlock := tx.rlock()
	var candidates []domain.MessageRecord
	if query.MailboxID != nil {
		for _, i := range tx.p.byMailbox[*query.MailboxID] {
			candidates = append(candidates, tx.p.messages[i])
		}
	} else {
		// 按 sequence 有序，直接二分定位起点
		start := sort.Search(len(tx.p.messages), func(i int) bool {
			return tx.p.messages[i].Sequence >= query.FromSequence
		})
		end := start + query.Limit
		if end > len(tx.p.messages) {
			end = len(tx.p.messages)
		}
		candidates = append(candidates, tx.p.messages[start:end]...)
	}
	unlock()
	candidates = append(candidates, tx.messages...)

	result := make([]domain.MessageRecord, 0, query.Limit)
	for _, msg := range candidates {
		if msg.Sequence < query.FromSequence {
			continue
		}
		if query.MailboxID != nil && msg.MailboxID != *query.MailboxID {
			continue
		}
		msg.Payload = bytes.Clone(msg.Payload)
		result = append(result, msg)
		if len(result) == query.Limit {
			break
		}
	}
	return result, nil
}

func (tx *ledgerTx) CountMessages(id domain.MailboxID) (int, error) {
	count := 0
	for _, msg := range tx.messages {
		if msg.MailboxID == id {
			count++
		}
	}
	unlock := tx.rlock()
	defer unlock()
	return count + len(tx.p.byMailbox[id]), nil
}

// commit 把暂存写入一次性应用到分区
func (tx *ledgerTx) commit() {
	p := tx.p
	p.mu.Lock()
	defer p.mu.Unlock()

	if tx.state != nil {
		p.state = *tx.state
	}
	for id, amount := range tx.balances {
		p.balances[id] = amount
	}
	for id, grant := range tx.grants {
		p.grants[id] = grant
	}
	for _, msg := range tx.messages {
		p.messages = append(p.messages, msg)
		p.byMailbox[msg.MailboxID] = append(p.byMailbox[msg.MailboxID], len(p.messages)-1)
	}
}
