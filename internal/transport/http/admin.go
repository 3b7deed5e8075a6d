package httptransport

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"creditmail/backend/internal/service"
)

// AdminHandler 管理员 API 处理器。路由层已校验管理员身份，
// 服务层仍会按调用账户再做一次权限判断。
type AdminHandler struct {
	router   *service.Router
	registry *service.AliasRegistry
	log      *zap.Logger
}

// NewAdminHandler 创建管理处理器
func NewAdminHandler(router *service.Router, registry *service.AliasRegistry, log *zap.Logger) *AdminHandler {
	return &AdminHandler{router: router, registry: registry, log: log}
}

type feeRequest struct {
	Fee uint64 `json:"fee"`
}

func bindFee(c *gin.Context) (uint64, bool) {
	var req feeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return 0, false
	}
	return req.Fee, true
}

// SetMessageFee 同步修改所有分区的消息费
func (h *AdminHandler) SetMessageFee(c *gin.Context) {
	fee, ok := bindFee(c)
	if !ok {
		return
	}
	if err := h.router.BroadcastFeeUpdate(c.Request.Context(), callerAccount(c), fee); err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, h.router.Fees())
}

// SetWithdrawalFee 同步修改所有分区的提现手续费
func (h *AdminHandler) SetWithdrawalFee(c *gin.Context) {
	fee, ok := bindFee(c)
	if !ok {
		return
	}
	if err := h.router.BroadcastWithdrawalFeeUpdate(c.Request.Context(), callerAccount(c), fee); err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, h.router.Fees())
}

// SetRegistrationFee 修改注册费
func (h *AdminHandler) SetRegistrationFee(c *gin.Context) {
	fee, ok := bindFee(c)
	if !ok {
		return
	}
	if err := h.registry.SetRegistrationFee(c.Request.Context(), callerAccount(c), fee); err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, gin.H{"registration_fee": fee})
}

// Pause 暂停所有分区
func (h *AdminHandler) Pause(c *gin.Context) {
	if err := h.router.PauseAll(c.Request.Context(), callerAccount(c)); err != nil {
		respondError(c, h.log, err)
		return
	}
	SuccessWithMsg(c, "已暂停", gin.H{"paused": true})
}

// Unpause 恢复所有分区
func (h *AdminHandler) Unpause(c *gin.Context) {
	if err := h.router.UnpauseAll(c.Request.Context(), callerAccount(c)); err != nil {
		respondError(c, h.log, err)
		return
	}
	SuccessWithMsg(c, "已恢复", gin.H{"paused": false})
}

// AddPartition 追加一个分区
func (h *AdminHandler) AddPartition(c *gin.Context) {
	index, err := h.router.AddPartition(c.Request.Context(), callerAccount(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Created(c, gin.H{"index": index, "partition_count": h.router.PartitionCount()})
}

// CollectFees 归集某个分区的手续费
func (h *AdminHandler) CollectFees(c *gin.Context) {
	index, ok := indexParam(c)
	if !ok {
		return
	}
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	p, err := h.router.Partition(index)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	remaining, err := p.CollectFees(c.Request.Context(), callerAccount(c), req.Amount)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, gin.H{"partition": index, "collected": req.Amount, "remaining": remaining})
}

// CollectRegistryFees 提取注册费
func (h *AdminHandler) CollectRegistryFees(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	remaining, err := h.registry.WithdrawRegistryFees(c.Request.Context(), callerAccount(c), req.Amount)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, gin.H{"collected": req.Amount, "remaining": remaining})
}

// RegistryState 注册表状态
func (h *AdminHandler) RegistryState(c *gin.Context) {
	state, err := h.registry.State(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, state)
}
