package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"creditmail/backend/internal/domain"
)

// 错误消息映射表（业务错误 -> 中文消息）
var errorMessages = map[error]string{
	// 参数校验
	domain.ErrAliasRequired:       "私有注册必须提供别名",
	domain.ErrAliasNotAllowed:     "公开注册不能设置别名",
	domain.ErrAmountOverflow:      "金额超出上限",
	domain.ErrBatchLengthMismatch: "批量参数长度不一致",
	domain.ErrBatchTooLarge:       "批量数量超过上限",
	domain.ErrBatchEmpty:          "批量参数不能为空",
	domain.ErrBatchValueMismatch:  "附带金额与明细之和不一致",
	domain.ErrInvalidAccount:      "账户不能为空",
	domain.ErrInvalidAlias:        "别名必须为 3-32 位字母、数字或下划线",
	domain.ErrInvalidAmount:       "金额必须大于零",
	domain.ErrInvalidMailboxID:    "邮箱 ID 格式无效",
	domain.ErrInvalidPartition:    "分区编号无效",
	domain.ErrInvalidPayload:      "消息内容必须为 1-1000 字节",
	domain.ErrInvalidSecret:       "密钥必须为 8-64 个字符且不能全为空白",
	domain.ErrInvalidVisibility:   "可见性只能是 public 或 private",
	domain.ErrRegistrationLimit:   "账户注册数量已达上限",
	domain.ErrVisibilityUnchanged: "可见性未发生变化",

	// 余额与费用
	domain.ErrFeeNotPaid:          "注册费不足",
	domain.ErrFundingDeclined:     "扣款失败，账户资金不足",
	domain.ErrInsufficientBalance: "余额不足",
	domain.ErrInsufficientFees:    "可归集的费用不足",

	// 权限
	domain.ErrNotGranted:     "没有该邮箱的提现授权",
	domain.ErrNotOwner:       "权限不足",
	domain.ErrPrivateAlias:   "该别名为私有",
	domain.ErrSecretMismatch: "密钥与邮箱不匹配",

	// 冲突
	domain.ErrAliasTaken:        "别名已被占用",
	domain.ErrMailboxRegistered: "邮箱已注册",
	domain.ErrPublicExists:      "账户已有公开邮箱",

	// 不存在
	domain.ErrAliasNotFound:        "别名不存在",
	domain.ErrMailboxNotRegistered: "邮箱未注册",

	domain.ErrSystemPaused: "系统已暂停",
}

// GetErrorMessage 获取错误的中文消息
func GetErrorMessage(err error) string {
	for target, msg := range errorMessages {
		if errors.Is(err, target) {
			return msg
		}
	}
	return err.Error()
}

// statusFor 按错误类别选择 HTTP 状态码
func statusFor(err error) int {
	switch {
	case domain.IsValidation(err):
		return http.StatusBadRequest
	case domain.IsInsufficientFunds(err):
		return http.StatusPaymentRequired
	case domain.IsNotAuthorized(err):
		return http.StatusForbidden
	case domain.IsAlreadyExists(err):
		return http.StatusConflict
	case domain.IsNotFound(err):
		return http.StatusNotFound
	case domain.IsPaused(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError 把业务错误写成统一响应；未分类的错误记日志并返回 500
func respondError(c *gin.Context, log *zap.Logger, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		InternalError(c, MsgInternalError)
		return
	}
	Error(c, status, GetErrorMessage(err))
}

// 通用错误消息
const (
	MsgInvalidRequest = "请求参数格式错误"
	MsgAuthRequired   = "需要登录认证"
	MsgGranteeMissing = "必须指定提现接收账户"
	MsgInternalError  = "服务器内部错误，请稍后重试"
)
