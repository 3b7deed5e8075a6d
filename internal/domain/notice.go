package domain

import "time"

// NoticeType 通知类型
type NoticeType string

const (
	NoticeMessageSent          NoticeType = "message.sent"
	NoticeDeposited            NoticeType = "credit.deposited"
	NoticeWithdrawn            NoticeType = "credit.withdrawn"
	NoticeWithdrawalAuthorized NoticeType = "credit.withdrawal_authorized"
	NoticeFeesCollected        NoticeType = "fees.collected"
	NoticeFeeUpdated           NoticeType = "fees.updated"
	NoticePaused               NoticeType = "partition.paused"
	NoticeUnpaused             NoticeType = "partition.unpaused"
	NoticePartitionAdded       NoticeType = "partition.added"
	NoticeRegistered           NoticeType = "registry.registered"
	NoticeVisibilityChanged    NoticeType = "registry.visibility_changed"
	NoticeRotated              NoticeType = "registry.rotated"
)

// Notice 账本与注册表对外发出的事件记录。
// 只包含已经公开的信息，从不携带秘密。
type Notice struct {
	Type       NoticeType `json:"type"`
	Partition  *int       `json:"partition,omitempty"`
	MailboxID  *MailboxID `json:"mailbox_id,omitempty"`
	PreviousID *MailboxID `json:"previous_id,omitempty"`
	Account    string     `json:"account,omitempty"`
	Sequence   uint64     `json:"sequence"`
	Payload    []byte     `json:"payload,omitempty"`
	Amount     uint64     `json:"amount"`
	Balance    uint64     `json:"balance"`
	Visibility Visibility `json:"visibility,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// NoticePublisher 通知的发布端，由 notice.Dispatcher 等实现
type NoticePublisher interface {
	Publish(n *Notice)
}

// NopPublisher 丢弃所有通知
type NopPublisher struct{}

func (NopPublisher) Publish(*Notice) {}
