package domain

import "time"

// MessageRecord 分区消息日志中的一条记录，写入后不可变
type MessageRecord struct {
	PartitionIndex int       `json:"partition" gorm:"primaryKey;autoIncrement:false;column:partition_index"`
	Sequence       uint64    `json:"sequence" gorm:"primaryKey;autoIncrement:false"`
	Sender         string    `json:"sender" gorm:"type:varchar(128);not null"`
	MailboxID      MailboxID `json:"mailbox_id" gorm:"type:varchar(66);not null;index"`
	Payload        []byte    `json:"payload" gorm:"not null"`
	Fee            uint64    `json:"fee"`
	Timestamp      time.Time `json:"timestamp" gorm:"not null"`
}

// TableName 指定表名
func (MessageRecord) TableName() string { return "ledger_messages" }

// CreditBalance 某个分区内某个邮箱的余额，首次充值时创建，不删除
type CreditBalance struct {
	PartitionIndex int       `json:"partition" gorm:"primaryKey;autoIncrement:false;column:partition_index"`
	MailboxID      MailboxID `json:"mailbox_id" gorm:"primaryKey;type:varchar(66)"`
	Amount         uint64    `json:"amount"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (CreditBalance) TableName() string { return "ledger_balances" }

// WithdrawalGrant 提现授权，出示秘密后创建或覆盖，不会自动撤销
type WithdrawalGrant struct {
	PartitionIndex int       `json:"partition" gorm:"primaryKey;autoIncrement:false;column:partition_index"`
	MailboxID      MailboxID `json:"mailbox_id" gorm:"primaryKey;type:varchar(66)"`
	Grantee        string    `json:"grantee" gorm:"type:varchar(128);not null"`
	GrantedAt      time.Time `json:"granted_at"`
}

func (WithdrawalGrant) TableName() string { return "ledger_grants" }

// PartitionState 分区配置与累计计数
type PartitionState struct {
	PartitionIndex int    `json:"partition" gorm:"primaryKey;autoIncrement:false;column:partition_index"`
	MessageFee     uint64 `json:"message_fee"`
	WithdrawalFee  uint64 `json:"withdrawal_fee"`
	Paused         bool   `json:"paused"`
	NextSequence   uint64 `json:"next_sequence"`
	TotalMessages  uint64 `json:"total_messages"`
	TotalDeposited uint64 `json:"total_deposited"`
	// TotalBalance 所有邮箱余额之和
	TotalBalance   uint64    `json:"total_balance"`
	CollectedFees  uint64    `json:"collected_fees"`
	TotalWithdrawn uint64    `json:"total_withdrawn"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (PartitionState) TableName() string { return "ledger_partitions" }

// PartitionStats 单个分区的统计
type PartitionStats struct {
	Partition      int    `json:"partition"`
	TotalMessages  uint64 `json:"total_messages"`
	TotalDeposited uint64 `json:"total_deposited"`
	TotalBalance   uint64 `json:"total_balance"`
	CollectedFees  uint64 `json:"collected_fees"`
	TotalWithdrawn uint64 `json:"total_withdrawn"`
	Paused         bool   `json:"paused"`
}

// StatsFromState 由分区状态生成统计
func StatsFromState(s *PartitionState) PartitionStats {
	return PartitionStats{
		Partition:      s.PartitionIndex,
		TotalMessages:  s.TotalMessages,
		TotalDeposited: s.TotalDeposited,
		TotalBalance:   s.TotalBalance,
		CollectedFees:  s.CollectedFees,
		TotalWithdrawn: s.TotalWithdrawn,
		Paused:         s.Paused,
	}
}

// AggregatedStats 全部分区的汇总统计
type AggregatedStats struct {
	PartitionCount int              `json:"partition_count"`
	TotalMessages  uint64           `json:"total_messages"`
	TotalDeposited uint64           `json:"total_deposited"`
	TotalBalance   uint64           `json:"total_balance"`
	CollectedFees  uint64           `json:"collected_fees"`
	TotalWithdrawn uint64           `json:"total_withdrawn"`
	Partitions     []PartitionStats `json:"partitions"`
	GeneratedAt    time.Time        `json:"generated_at"`
}

// MessageQuery 消息日志查询条件
type MessageQuery struct {
	MailboxID    *MailboxID
	FromSequence uint64
	Limit        int
}

// 默认与最大分页大小
const (
	DefaultMessageLimit = 50
	MaxMessageLimit     = 500
)

// Normalize 修正分页参数
func (q *MessageQuery) Normalize() {
	if q.Limit <= 0 {
		q.Limit = DefaultMessageLimit
	}
	if q.Limit > MaxMessageLimit {
		q.Limit = MaxMessageLimit
	}
}

// Footprint 邮箱在某个分区上留下的痕迹，用于分区扩容后查找滞留余额
type Footprint struct {
	Partition    int     `json:"partition"`
	Routed       bool    `json:"routed"`
	Balance      uint64  `json:"balance"`
	Grantee      *string `json:"grantee,omitempty"`
	MessageCount int     `json:"message_count"`
}
