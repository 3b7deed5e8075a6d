package domain

// 阶梯费率分界（字节）
const (
	FeeTierSmall  = 50
	FeeTierMedium = 200
	FeeTierLarge  = 500

	// MaxFee 费用上限，保证阶梯计算不会溢出
	MaxFee uint64 = 1 << 62
)

// BatchFeeMode 批量发送的计费方式
type BatchFeeMode string

const (
	// BatchFeeFlat 批量发送每条按基础费率计费
	BatchFeeFlat BatchFeeMode = "flat"
	// BatchFeeTiered 批量发送与单条发送一致，按阶梯计费
	BatchFeeTiered BatchFeeMode = "tiered"
)

// IsValid 判断计费方式是否已知
func (m BatchFeeMode) IsValid() bool {
	return m == BatchFeeFlat || m == BatchFeeTiered
}

// TieredFee 按负载大小计算发送费用：
//
//	<=50 字节     base
//	51-200 字节   base * 1.25
//	201-500 字节  base * 1.5
//	>500 字节     base * 2
//
// 小数部分向下取整。
func TieredFee(baseFee uint64, size int) uint64 {
	switch {
	case size <= FeeTierSmall:
		return baseFee
	case size <= FeeTierMedium:
		return baseFee + baseFee/4
	case size <= FeeTierLarge:
		return baseFee + baseFee/2
	default:
		return baseFee * 2
	}
}

// ValidateFee 检查费用是否在允许范围内
func ValidateFee(fee uint64) error {
	if fee > MaxFee {
		return ErrAmountOverflow
	}
	return nil
}

// FeeSchedule 费用表
type FeeSchedule struct {
	MessageFee      uint64       `json:"message_fee"`
	WithdrawalFee   uint64       `json:"withdrawal_fee"`
	RegistrationFee uint64       `json:"registration_fee,omitempty"`
	BatchFeeMode    BatchFeeMode `json:"batch_fee_mode,omitempty"`
}
