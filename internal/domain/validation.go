package domain

import (
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/sha3"
)

// 验证常量
const (
	// 秘密长度限制（按字节计）
	MinSecretLength = 8
	MaxSecretLength = 64

	// 消息负载长度限制
	MinPayloadLength = 1
	MaxPayloadLength = 1000

	// 别名长度限制
	MinAliasLength = 3
	MaxAliasLength = 32
)

var aliasRegex = regexp.MustCompile(`^[0-9A-Za-z_]{3,32}$`)

// IsValidSecret 秘密必须为 8-64 字节且不能全部是空白
func IsValidSecret(secret string) bool {
	if len(secret) < MinSecretLength || len(secret) > MaxSecretLength {
		return false
	}
	return strings.TrimSpace(secret) != ""
}

// ValidateSecret 同 IsValidSecret，返回分类错误
func ValidateSecret(secret string) error {
	if !IsValidSecret(secret) {
		return ErrInvalidSecret
	}
	return nil
}

// DeriveMailboxID 由秘密派生邮箱标识（Keccak-256）。
// 秘密本身不会被保存，只有摘要离开这个函数。
func DeriveMailboxID(secret string) (MailboxID, error) {
	var id MailboxID
	if err := ValidateSecret(secret); err != nil {
		return id, err
	}
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(secret))
	copy(id[:], h.Sum(nil))
	return id, nil
}

// MatchesSecret 判断秘密是否哈希到给定标识
func MatchesSecret(id MailboxID, secret string) bool {
	derived, err := DeriveMailboxID(secret)
	if err != nil {
		return false
	}
	return derived == id
}

// IsValidPayload 负载非空且不超过 1000 字节
func IsValidPayload(payload []byte) bool {
	return len(payload) >= MinPayloadLength && len(payload) <= MaxPayloadLength
}

// ValidatePayload 同 IsValidPayload，返回分类错误
func ValidatePayload(payload []byte) error {
	if !IsValidPayload(payload) {
		return ErrInvalidPayload
	}
	return nil
}

// IsValidAlias 别名为 3-32 个 [0-9A-Za-z_] 字符
func IsValidAlias(alias string) bool {
	return aliasRegex.MatchString(alias)
}

// ValidateAlias 同 IsValidAlias，返回分类错误
func ValidateAlias(alias string) error {
	if !IsValidAlias(alias) {
		return ErrInvalidAlias
	}
	return nil
}

// PartitionIndex 计算邮箱所属分区：hash(id) mod count。
// 只在分区数量不变时稳定。
func PartitionIndex(id MailboxID, count int) (int, error) {
	if count <= 0 {
		return 0, ErrInvalidPartition
	}
	return int(xxhash.Sum64(id[:]) % uint64(count)), nil
}
