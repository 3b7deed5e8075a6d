package domain

import (
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"strings"
)

// MailboxIDLength 邮箱标识长度（字节），即 Keccak-256 摘要长度
const MailboxIDLength = 32

// MailboxID 伪匿名邮箱地址：由秘密字符串单向哈希得到的 256 位值。
// 对外以 0x 前缀的小写十六进制表示。
type MailboxID [MailboxIDLength]byte

// ZeroMailboxID 零值标识，永远不会由 DeriveMailboxID 产生
var ZeroMailboxID MailboxID

// ParseMailboxID 解析十六进制邮箱标识（可带 0x 前缀）
func ParseMailboxID(s string) (MailboxID, error) {
	var id MailboxID
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if len(s) != MailboxIDLength*2 {
		return id, ErrInvalidMailboxID
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, ErrInvalidMailboxID
	}
	return id, nil
}

// String 返回 0x 前缀十六进制
func (id MailboxID) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

// IsZero 判断是否为零值
func (id MailboxID) IsZero() bool {
	return id == ZeroMailboxID
}

// MarshalText 实现 encoding.TextMarshaler，JSON 中以字符串出现
func (id MailboxID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler
func (id *MailboxID) UnmarshalText(text []byte) error {
	parsed, err := ParseMailboxID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Value 实现 driver.Valuer，数据库中以十六进制字符串存储
func (id MailboxID) Value() (driver.Value, error) {
	return id.String(), nil
}

// Scan 实现 sql.Scanner
func (id *MailboxID) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		return id.UnmarshalText([]byte(v))
	case []byte:
		return id.UnmarshalText(v)
	case nil:
		*id = ZeroMailboxID
		return nil
	default:
		return fmt.Errorf("cannot scan %T into MailboxID", src)
	}
}
