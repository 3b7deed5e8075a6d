package domain

import "time"

// Visibility 注册记录可见性
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// ParseVisibility 解析可见性字符串
func ParseVisibility(s string) (Visibility, error) {
	switch Visibility(s) {
	case VisibilityPublic, VisibilityPrivate:
		return Visibility(s), nil
	default:
		return "", ErrInvalidVisibility
	}
}

// Registration 邮箱注册记录
type Registration struct {
	MailboxID    MailboxID  `json:"mailbox_id" gorm:"primaryKey;type:varchar(66)"`
	Owner        string     `json:"owner" gorm:"type:varchar(128);not null;index"`
	Visibility   Visibility `json:"visibility" gorm:"type:varchar(16);not null"`
	Alias        *string    `json:"alias,omitempty" gorm:"type:varchar(32);uniqueIndex"`
	RegisteredAt time.Time  `json:"registered_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (Registration) TableName() string { return "registry_entries" }

// IsPublic 是否公开
func (r *Registration) IsPublic() bool {
	return r.Visibility == VisibilityPublic
}

// AliasValue 返回别名，未设置时为空串
func (r *Registration) AliasValue() string {
	if r.Alias == nil {
		return ""
	}
	return *r.Alias
}

// Clone 深拷贝
func (r *Registration) Clone() *Registration {
	cp := *r
	if r.Alias != nil {
		alias := *r.Alias
		cp.Alias = &alias
	}
	return &cp
}

// RedactedFor 返回给 caller 看的副本：私有记录的别名只对所有者可见
func (r *Registration) RedactedFor(caller string) *Registration {
	cp := r.Clone()
	if !cp.IsPublic() && cp.Owner != caller {
		cp.Alias = nil
	}
	return cp
}

// RegistryState 注册表全局状态（单行）
type RegistryState struct {
	ID                 int       `json:"-" gorm:"primaryKey;autoIncrement:false"`
	RegistrationFee    uint64    `json:"registration_fee"`
	CollectedFees      uint64    `json:"collected_fees"`
	TotalRegistrations uint64    `json:"total_registrations"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (RegistryState) TableName() string { return "registry_state" }

// RegistryStateID 注册表状态行的固定主键
const RegistryStateID = 1
