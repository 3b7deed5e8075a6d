package memory

import (
	"context"
	"sort"
	"sync"

	"creditmail/backend/internal/domain"
	"creditmail/backend/internal/storage"
)

// registry 注册表已提交数据及二级索引
type registry struct {
	writeMu sync.Mutex
	mu      sync.RWMutex

	initialized   bool
	state         domain.RegistryState
	entries       map[domain.MailboxID]*domain.Registration
	byAlias       map[string]domain.MailboxID
	publicByOwner map[string]domain.MailboxID
	byOwner       map[string]map[domain.MailboxID]struct{}
}

func newRegistry() *registry {
	return &registry{
		entries:       make(map[domain.MailboxID]*domain.Registration),
		byAlias:       make(map[string]domain.MailboxID),
		publicByOwner: make(map[string]domain.MailboxID),
		byOwner:       make(map[string]map[domain.MailboxID]struct{}),
	}
}

// EnsureRegistry 初始化注册表状态，已存在时返回已保存的状态
func (s *Store) EnsureRegistry(ctx context.Context, defaults *domain.RegistryState) (*domain.RegistryState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := s.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized {
		r.state = *defaults
		r.state.ID = domain.RegistryStateID
		r.initialized = true
	}
	state := r.state
	return &state, nil
}

// UpdateRegistry 在注册表上执行写事务
func (s *Store) UpdateRegistry(ctx context.Context, fn func(tx storage.RegistryTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r := s.registry
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	tx := &registryTx{r: r, writable: true, staged: make(map[domain.MailboxID]*domain.Registration)}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// ViewRegistry 在注册表上执行只读事务
func (s *Store) ViewRegistry(ctx context.Context, fn func(tx storage.RegistryTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r := s.registry
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fn(&registryTx{r: r})
}

// registryTx 暂存写入，staged 中值为 nil 表示删除
type registryTx struct {
	r        *registry
	writable bool

	state  *domain.RegistryState
	staged map[domain.MailboxID]*domain.Registration
}

func (tx *registryTx) rlock() func() {
	if !tx.writable {
		return func() {}
	}
	tx.r.mu.RLock()
	return tx.r.mu.RUnlock
}

func (tx *registryTx) State() (*domain.RegistryState, error) {
	if tx.state != nil {
		state := *tx.state
		return &state, nil
	}
	unlock := tx.rlock()
	defer unlock()
	state := tx.r.state
	return &state, nil
}

func (tx *registryTx) SaveState(state *domain.RegistryState) error {
	if !tx.writable {
		return storage.ErrReadOnly
	}
	cp := *state
	tx.state = &cp
	return nil
}

func (tx *registryTx) Get(id domain.MailboxID) (*domain.Registration, error) {
	if reg, ok := tx.staged[id]; ok {
		if reg == nil {
			return nil, nil
		}
		return reg.Clone(), nil
	}
	unlock := tx.rlock()
	defer unlock()
	if reg, ok := tx.r.entries[id]; ok {
		return reg.Clone(), nil
	}
	return nil, nil
}

// lookup 先查暂存记录，再查已提交索引；已提交记录若被暂存覆盖则忽略
func (tx *registryTx) lookup(match func(*domain.Registration) bool, index func() (domain.MailboxID, bool)) *domain.Registration {
	for _, reg := range tx.staged {
		if reg != nil && match(reg) {
			return reg.Clone()
		}
	}
	unlock := tx.rlock()
	defer unlock()
	id, ok := index()
	if !ok {
		return nil
	}
	if _, overridden := tx.staged[id]; overridden {
		return nil
	}
	return tx.r.entries[id].Clone()
}

func (tx *registryTx) ByAlias(alias string) (*domain.Registration, error) {
	reg := tx.lookup(
		func(r *domain.Registration) bool { return r.Alias != nil && *r.Alias == alias },
		func() (domain.MailboxID, bool) { id, ok := tx.r.byAlias[alias]; return id, ok },
	)
	return reg, nil
}

func (tx *registryTx) PublicByOwner(owner string) (*domain.Registration, error) {
	reg := tx.lookup(
		func(r *domain.Registration) bool { return r.Owner == owner && r.IsPublic() },
		func() (domain.MailboxID, bool) { id, ok := tx.r.publicByOwner[owner]; return id, ok },
	)
	return reg, nil
}

func (tx *registryTx) ListByOwner(owner string) ([]domain.Registration, error) {
	var result []domain.Registration
	for _, reg := range tx.staged {
		if reg != nil && reg.Owner == owner {
			result = append(result, *reg.Clone())
		}
	}

	unlock := tx.rlock()
	for id := range tx.r.byOwner[owner] {
		if _, overridden := tx.staged[id]; overridden {
			continue
		}
		result = append(result, *tx.r.entries[id].Clone())
	}
	unlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].RegisteredAt.Equal(result[j].RegisteredAt) {
			return result[i].MailboxID.String() < result[j].MailboxID.String()
		}
		return result[i].RegisteredAt.Before(result[j].RegisteredAt)
	})
	return result, nil
}

func (tx *registryTx) CountByOwner(owner string) (int, error) {
	list, err := tx.ListByOwner(owner)
	return len(list), err
}

func (tx *registryTx) Save(reg *domain.Registration) error {
	if !tx.writable {
		return storage.ErrReadOnly
	}
	if reg.Alias != nil {
		existing, _ := tx.ByAlias(*reg.Alias)
		if existing != nil && existing.MailboxID != reg.MailboxID {
			return storage.ErrAliasConflict
		}
	}
	tx.staged[reg.MailboxID] = reg.Clone()
	return nil
}

func (tx *registryTx) Delete(id domain.MailboxID) error {
	if !tx.writable {
		return storage.ErrReadOnly
	}
	tx.staged[id] = nil
	return nil
}

// commit 先摘除被覆盖记录的索引，再写入新记录，保证别名可以在同一事务中转移
func (tx *registryTx) commit() {
	r := tx.r
	r.mu.Lock()
	defer r.mu.Unlock()

	if tx.state != nil {
		r.state = *tx.state
	}
	for id := range tx.staged {
		if old, ok := r.entries[id]; ok {
			r.unindex(old)
			delete(r.entries, id)
		}
	}
	for id, reg := range tx.staged {
		if reg == nil {
			continue
		}
		r.entries[id] = reg
		r.index(reg)
	}
}

func (r *registry) index(reg *domain.Registration) {
	if reg.Alias != nil {
		r.byAlias[*reg.Alias] = reg.MailboxID
	}
	if reg.IsPublic() {
		r.publicByOwner[reg.Owner] = reg.MailboxID
	}
	owned, ok := r.byOwner[reg.Owner]
	if !ok {
		owned = make(map[domain.MailboxID]struct{})
		r.byOwner[reg.Owner] = owned
	}
	owned[reg.MailboxID] = struct{}{}
}

func (r *registry) unindex(reg *domain.Registration) {
	if reg.Alias != nil && r.byAlias[*reg.Alias] == reg.MailboxID {
		delete(r.byAlias, *reg.Alias)
	}
	if reg.IsPublic() && r.publicByOwner[reg.Owner] == reg.MailboxID {
		delete(r.publicByOwner, reg.Owner)
	}
	if owned, ok := r.byOwner[reg.Owner]; ok {
		delete(owned, reg.MailboxID)
		if len(owned) == 0 {
			delete(r.byOwner, reg.Owner)
		}
	}
}
