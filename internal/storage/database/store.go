package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"creditmail/backend/internal/config"
	"creditmail/backend/internal/domain"
	"creditmail/backend/internal/storage"
)

// Store 基于 GORM 的持久化存储，支持 PostgreSQL、MySQL 与 SQLite
type Store struct {
	db *gorm.DB
	// lockRows 是否使用 SELECT ... FOR UPDATE（SQLite 不支持，依靠单连接串行化）
	lockRows bool
}

// Open 按配置选择数据库驱动
func Open(cfg config.DatabaseConfig) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}
	return NewStoreWithDialector(dialector, cfg)
}

// NewStore 创建 PostgreSQL 存储实例
func NewStore(dsn string) (*Store, error) {
	return NewStoreWithDialector(postgres.Open(dsn), config.DatabaseConfig{Type: "postgres"})
}

// NewMySQLStore 创建 MySQL 存储实例
func NewMySQLStore(dsn string) (*Store, error) {
	return NewStoreWithDialector(mysql.Open(dsn), config.DatabaseConfig{Type: "mysql"})
}

// NewSQLiteStore 创建 SQLite 存储实例
func NewSQLiteStore(dsn string) (*Store, error) {
	return NewStoreWithDialector(sqlite.Open(dsn), config.DatabaseConfig{Type: "sqlite"})
}

// NewStoreWithDialector 使用指定的 GORM dialector 创建存储实例并自动迁移
func NewStoreWithDialector(dialector gorm.Dialector, cfg config.DatabaseConfig) (*Store, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		// 唯一索引冲突统一翻译为 gorm.ErrDuplicatedKey
		TranslateError: true,
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	isSQLite := dialector.Name() == "sqlite"
	if isSQLite {
		// SQLite 只允许单个写连接
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(withDefault(cfg.MaxOpenConns, 25))
		sqlDB.SetMaxIdleConns(withDefault(cfg.MaxIdleConns, 5))
		lifetime := cfg.ConnMaxLifetime
		if lifetime <= 0 {
			lifetime = 5 * time.Minute
		}
		sqlDB.SetConnMaxLifetime(lifetime)
	}

	store := &Store{db: db, lockRows: !isSQLite}
	if err := store.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func withDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Migrate 自动迁移数据库表结构
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(
		&domain.PartitionState{},
		&domain.CreditBalance{},
		&domain.WithdrawalGrant{},
		&domain.MessageRecord{},
		&domain.Registration{},
		&domain.RegistryState{},
	)
}

// Ping 检查数据库连接
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// forUpdate 在支持的数据库上加行锁
func (s *Store) forUpdate(db *gorm.DB) *gorm.DB {
	if s.lockRows {
		return db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return db
}

// upsert 按主键插入或整体更新
func upsert(db *gorm.DB, value interface{}) error {
	return db.Clauses(clause.OnConflict{UpdateAll: true}).Create(value).Error
}

// ========== Ledger ==========

// EnsurePartition 分区不存在时按 defaults 创建
func (s *Store) EnsurePartition(ctx context.Context, defaults *domain.PartitionState) (*domain.PartitionState, error) {
	var state domain.PartitionState
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := s.forUpdate(tx).First(&state, "partition_index = ?", defaults.PartitionIndex).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		state = *defaults
		return tx.Create(&state).Error
	})
	if err != nil {
		return nil, fmt.Errorf("ensure partition %d: %w", defaults.PartitionIndex, err)
	}
	return &state, nil
}

// Update 在数据库事务中执行分区写操作，分区状态行加锁以串行化写入
func (s *Store) Update(ctx context.Context, partition int, fn func(tx storage.LedgerTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		var state domain.PartitionState
		if err := s.forUpdate(gtx).First(&state, "partition_index = ?", partition).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return storage.ErrPartitionNotFound
			}
			return fmt.Errorf("lock partition %d: %w", partition, err)
		}
		return fn(&ledgerTx{db: gtx, partition: partition, state: state, writable: true})
	})
}

// PartitionCount 统计分区状态行
func (s *Store) PartitionCount(ctx context.Context) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&domain.PartitionState{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count partitions: %w", err)
	}
	return int(count), nil
}

// View 在只读事务中执行分区查询
func (s *Store) View(ctx context.Context, partition int, fn func(tx storage.LedgerTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		var state domain.PartitionState
		if err := gtx.First(&state, "partition_index = ?", partition).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return storage.ErrPartitionNotFound
			}
			return fmt.Errorf("read partition %d: %w", partition, err)
		}
		return fn(&ledgerTx{db: gtx, partition: partition, state: state})
	})
}

type ledgerTx struct {
	db        *gorm.DB
	partition int
	state     domain.PartitionState
	writable  bool
}

func (tx *ledgerTx) State() (*domain.PartitionState, error) {
	state := tx.state
	return &state, nil
}

func (tx *ledgerTx) SaveState(state *domain.PartitionState) error {
	if !tx.writable {
		return storage.ErrReadOnly
	}
	next := *state
	next.PartitionIndex = tx.partition
	if err := upsert(tx.db, &next); err != nil {
		return fmt.Errorf("save partition state: %w", err)
	}
	tx.state = next
	return nil
}

func (tx *ledgerTx) Balance(id domain.MailboxID) (uint64, error) {
	var bal domain.CreditBalance
	err := tx.db.Where("partition_index = ? AND mailbox_id = ?", tx.partition, id).Take(&bal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return bal.Amount, nil
}

func (tx *ledgerTx) SetBalance(id domain.MailboxID, amount uint64) error {
	if !tx.writable {
		return storage.ErrReadOnly
	}
	bal := domain.CreditBalance{PartitionIndex: tx.partition, MailboxID: id, Amount: amount}
	if err := upsert(tx.db, &bal); err != nil {
		return fmt.Errorf("save balance: %w", err)
	}
	return nil
}

func (tx *ledgerTx) Grant(id domain.MailboxID) (*domain.WithdrawalGrant, error) {
	var grant domain.WithdrawalGrant
	err := tx.db.Where("partition_index = ? AND mailbox_id = ?", tx.partition, id).Take(&grant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read grant: %w", err)
	}
	return &grant, nil
}

func (tx *ledgerTx) SetGrant(grant *domain.WithdrawalGrant) error {
	if !tx.writable {
		return storage.ErrReadOnly
	}
	next := *grant
	next.PartitionIndex = tx.partition
	if err := upsert(tx.db, &next); err != nil {
		return fmt.Errorf("save grant: %w", err)
	}
	return nil
}

func (tx *ledgerTx) AppendMessage(msg *domain.MessageRecord) error {
	if !tx.writable {
		return storage.ErrReadOnly
	}
	next := *msg
	next.PartitionIndex = tx.partition
	if err := tx.db.Create(&next).Error; err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (tx *ledgerTx) ListMessages(query domain.MessageQuery) ([]domain.MessageRecord, error) {
	query.Normalize()
	q := tx.db.Where("partition_index = ? AND sequence >= ?", tx.partition, query.FromSequence)
	if query.MailboxID != nil {
		q = q.Where("mailbox_id = ?", *query.MailboxID)
	}
	var msgs []domain.MessageRecord
	if err := q.Order("sequence ASC").Limit(query.Limit).Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

func (tx *ledgerTx) CountMessages(id domain.MailboxID) (int, error) {
	var count int64
	err := tx.db.Model(&domain.MessageRecord{}).
		Where("partition_index = ? AND mailbox_id = ?", tx.partition, id).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return int(count), nil
}
