package httptransport

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"creditmail/backend/internal/domain"
	"creditmail/backend/internal/service"
)

// BatchHandler 批量操作处理器
type BatchHandler struct {
	gateway *service.BatchGateway
	log     *zap.Logger
}

// NewBatchHandler 创建批量处理器
func NewBatchHandler(gateway *service.BatchGateway, log *zap.Logger) *BatchHandler {
	return &BatchHandler{gateway: gateway, log: log}
}

type batchSendRequest struct {
	MailboxIDs []string `json:"mailbox_ids"`
	Payloads   [][]byte `json:"payloads"`
}

type batchDepositRequest struct {
	MailboxIDs []string `json:"mailbox_ids"`
	Amounts    []uint64 `json:"amounts"`
	Value      uint64   `json:"value"`
}

type batchBalancesRequest struct {
	MailboxIDs []string `json:"mailbox_ids"`
}

// parseIDs 解析一组邮箱 id，任一非法则整批拒绝
func parseIDs(raw []string) ([]domain.MailboxID, error) {
	ids := make([]domain.MailboxID, len(raw))
	for i, s := range raw {
		id, err := domain.ParseMailboxID(s)
		if err != nil {
			return nil, domain.ErrInvalidMailboxID
		}
		ids[i] = id
	}
	return ids, nil
}

// Send 批量发送
func (h *BatchHandler) Send(c *gin.Context) {
	index, ok := indexParam(c)
	if !ok {
		return
	}
	var req batchSendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	ids, err := parseIDs(req.MailboxIDs)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	records, err := h.gateway.SendMany(c.Request.Context(), callerAccount(c), index, ids, req.Payloads)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	items := toMessageResponses(records)
	Created(c, gin.H{"items": items, "count": len(items), "fee_mode": h.gateway.FeeMode()})
}

// Deposit 批量充值，value 必须等于各项金额之和，并从调用账户收取
func (h *BatchHandler) Deposit(c *gin.Context) {
	index, ok := indexParam(c)
	if !ok {
		return
	}
	var req batchDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	ids, err := parseIDs(req.MailboxIDs)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	balances, err := h.gateway.DepositMany(c.Request.Context(), callerAccount(c), index, ids, req.Amounts, req.Value)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, gin.H{"balances": balances})
}

// Balances 批量查询余额
func (h *BatchHandler) Balances(c *gin.Context) {
	index, ok := indexParam(c)
	if !ok {
		return
	}
	var req batchBalancesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	ids, err := parseIDs(req.MailboxIDs)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	balances, err := h.gateway.GetBalances(c.Request.Context(), index, ids)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, gin.H{"balances": balances})
}
