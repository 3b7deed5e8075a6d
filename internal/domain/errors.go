package domain

import "errors"

// 错误类别：每个类别是一个独立的字符串类型，具体错误是该类型的包级常量值，
// 既可以用 errors.Is 精确比较，也可以用 IsXxx 判断类别（支持 %w 包装）。
type (
	ValidationError        string
	InsufficientFundsError string
	NotAuthorizedError     string
	AlreadyExistsError     string
	NotFoundError          string
	PausedError            string
)

// 按字母顺序维护
var (
	ErrAliasNotFound        = NotFoundError("alias not found")
	ErrAliasRequired        = ValidationError("alias is required for private registration")
	ErrAliasNotAllowed      = ValidationError("public registration does not take an alias")
	ErrAliasTaken           = AlreadyExistsError("alias already taken")
	ErrAmountOverflow       = ValidationError("amount overflows balance")
	ErrBatchLengthMismatch  = ValidationError("batch arrays must have equal length")
	ErrBatchTooLarge        = ValidationError("batch exceeds maximum size")
	ErrBatchEmpty           = ValidationError("batch is empty")
	ErrBatchValueMismatch   = ValidationError("attached value does not equal sum of amounts")
	ErrFeeNotPaid           = InsufficientFundsError("registration fee not paid")
	ErrFundingDeclined      = InsufficientFundsError("funding declined")
	ErrInsufficientBalance  = InsufficientFundsError("insufficient balance")
	ErrInsufficientFees     = InsufficientFundsError("insufficient collected fees")
	ErrInvalidAccount       = ValidationError("account is required")
	ErrInvalidAlias         = ValidationError("alias must be 3-32 characters of [0-9A-Za-z_]")
	ErrInvalidAmount        = ValidationError("amount must be positive")
	ErrInvalidMailboxID     = ValidationError("invalid mailbox id")
	ErrInvalidPartition     = ValidationError("invalid partition index")
	ErrInvalidPayload       = ValidationError("payload must be 1-1000 bytes")
	ErrInvalidSecret        = ValidationError("secret must be 8-64 characters and not blank")
	ErrInvalidVisibility    = ValidationError("visibility must be public or private")
	ErrMailboxNotRegistered = NotFoundError("mailbox not registered")
	ErrMailboxRegistered    = AlreadyExistsError("mailbox already registered")
	ErrNoPartitions         = ValidationError("router has no partitions")
	ErrNotGranted           = NotAuthorizedError("no withdrawal grant for caller")
	ErrNotOwner             = NotAuthorizedError("caller is not the owner")
	ErrPrivateAlias         = NotAuthorizedError("alias is private")
	ErrPublicExists         = AlreadyExistsError("account already has a public mailbox")
	ErrRegistrationLimit    = ValidationError("account reached registration limit")
	ErrSecretMismatch       = NotAuthorizedError("secret does not match mailbox id")
	ErrSystemPaused         = PausedError("system paused")
	ErrVisibilityUnchanged  = ValidationError("visibility unchanged")
)

func (e ValidationError) Error() string        { return string(e) }
func (e InsufficientFundsError) Error() string { return string(e) }
func (e NotAuthorizedError) Error() string     { return string(e) }
func (e AlreadyExistsError) Error() string     { return string(e) }
func (e NotFoundError) Error() string          { return string(e) }
func (e PausedError) Error() string            { return string(e) }

// 类别判断
func IsValidation(err error) bool {
	var target ValidationError
	return errors.As(err, &target)
}

func IsInsufficientFunds(err error) bool {
	var target InsufficientFundsError
	return errors.As(err, &target)
}

func IsNotAuthorized(err error) bool {
	var target NotAuthorizedError
	return errors.As(err, &target)
}

func IsAlreadyExists(err error) bool {
	var target AlreadyExistsError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target NotFoundError
	return errors.As(err, &target)
}

func IsPaused(err error) bool {
	var target PausedError
	return errors.As(err, &target)
}

// ErrorClass 返回错误类别名称，用于日志与指标标签
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return ""
	case IsValidation(err):
		return "validation"
	case IsInsufficientFunds(err):
		return "insufficient_funds"
	case IsNotAuthorized(err):
		return "not_authorized"
	case IsAlreadyExists(err):
		return "already_exists"
	case IsNotFound(err):
		return "not_found"
	case IsPaused(err):
		return "paused"
	default:
		return "internal"
	}
}
