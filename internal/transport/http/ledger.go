package httptransport

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"creditmail/backend/internal/domain"
	"creditmail/backend/internal/middleware"
	"creditmail/backend/internal/service"
)

// LedgerHandler 分区账本 API 处理器
type LedgerHandler struct {
	router *service.Router
	log    *zap.Logger
}

// NewLedgerHandler 创建账本处理器
func NewLedgerHandler(router *service.Router, log *zap.Logger) *LedgerHandler {
	return &LedgerHandler{router: router, log: log}
}

type amountRequest struct {
	Amount uint64 `json:"amount"`
}

// sendRequest 负载是不透明的密文字节，JSON 中以 base64 传输
type sendRequest struct {
	Payload []byte `json:"payload"`
}

type authorizeRequest struct {
	Secret  string `json:"secret"`
	Grantee string `json:"grantee"`
}

type partitionResponse struct {
	Index         int    `json:"index"`
	MessageFee    uint64 `json:"message_fee"`
	WithdrawalFee uint64 `json:"withdrawal_fee"`
	Paused        bool   `json:"paused"`
}

type messageResponse struct {
	Partition int       `json:"partition"`
	Sequence  uint64    `json:"sequence"`
	Sender    string    `json:"sender"`
	MailboxID string    `json:"mailbox_id"`
	Payload   []byte    `json:"payload"`
	Fee       uint64    `json:"fee"`
	Timestamp time.Time `json:"timestamp"`
}

type balanceResponse struct {
	MailboxID string `json:"mailbox_id"`
	Partition int    `json:"partition"`
	Balance   uint64 `json:"balance"`
	Grantee   string `json:"grantee,omitempty"`
}

func toMessageResponse(m *domain.MessageRecord) messageResponse {
	return messageResponse{
		Partition: m.PartitionIndex,
		Sequence:  m.Sequence,
		Sender:    m.Sender,
		MailboxID: m.MailboxID.String(),
		Payload:   m.Payload,
		Fee:       m.Fee,
		Timestamp: m.Timestamp,
	}
}

func toMessageResponses(records []domain.MessageRecord) []messageResponse {
	out := make([]messageResponse, 0, len(records))
	for i := range records {
		out = append(out, toMessageResponse(&records[i]))
	}
	return out
}

// mailboxParam 解析路径中的邮箱 id，失败时直接写 400
func mailboxParam(c *gin.Context, name string) (domain.MailboxID, bool) {
	id, err := domain.ParseMailboxID(c.Param(name))
	if err != nil {
		BadRequest(c, GetErrorMessage(domain.ErrInvalidMailboxID))
		return domain.MailboxID{}, false
	}
	return id, true
}

// indexParam 解析路径中的分区编号
func indexParam(c *gin.Context) (int, bool) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		BadRequest(c, GetErrorMessage(domain.ErrInvalidPartition))
		return 0, false
	}
	return index, true
}

// callerAccount 返回已认证的调用账户
func callerAccount(c *gin.Context) string {
	account, _ := middleware.Account(c)
	return account
}

// resolve 默认使用路由分区；查询参数 partition 可以指定旧分区，
// 用于扩容后读取或提取滞留的余额。
func (h *LedgerHandler) resolve(c *gin.Context, id domain.MailboxID) (service.Partition, bool) {
	if raw := c.Query("partition"); raw != "" {
		index, err := strconv.Atoi(raw)
		if err != nil {
			BadRequest(c, GetErrorMessage(domain.ErrInvalidPartition))
			return nil, false
		}
		p, err := h.router.Partition(index)
		if err != nil {
			respondError(c, h.log, err)
			return nil, false
		}
		return p, true
	}
	p, _, err := h.router.RouteFor(id)
	if err != nil {
		respondError(c, h.log, err)
		return nil, false
	}
	return p, true
}

// ListPartitions 列出全部分区的费用与暂停状态
func (h *LedgerHandler) ListPartitions(c *gin.Context) {
	partitions := h.router.Partitions()
	out := make([]partitionResponse, 0, len(partitions))
	for _, p := range partitions {
		fees, err := p.Fees(c.Request.Context())
		if err != nil {
			respondError(c, h.log, err)
			return
		}
		paused, err := p.Paused(c.Request.Context())
		if err != nil {
			respondError(c, h.log, err)
			return
		}
		out = append(out, partitionResponse{
			Index:         p.Index(),
			MessageFee:    fees.MessageFee,
			WithdrawalFee: fees.WithdrawalFee,
			Paused:        paused,
		})
	}
	Success(c, gin.H{"count": len(out), "partitions": out})
}

// Route 查询邮箱所属分区
func (h *LedgerHandler) Route(c *gin.Context) {
	id, ok := mailboxParam(c, "mailboxId")
	if !ok {
		return
	}
	_, index, err := h.router.RouteFor(id)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, gin.H{
		"mailbox_id":      id.String(),
		"partition":       index,
		"partition_count": h.router.PartitionCount(),
	})
}

// Fees 全局费用表
func (h *LedgerHandler) Fees(c *gin.Context) {
	Success(c, h.router.Fees())
}

// Stats 汇总统计
func (h *LedgerHandler) Stats(c *gin.Context) {
	stats, err := h.router.AggregatedStats(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, stats)
}

// Locate 查找邮箱在各分区留下的余额、授权与消息
func (h *LedgerHandler) Locate(c *gin.Context) {
	id, ok := mailboxParam(c, "id")
	if !ok {
		return
	}
	footprints, err := h.router.Locate(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, gin.H{"mailbox_id": id.String(), "footprints": footprints})
}

// Deposit 为邮箱充值，金额从调用账户收取
func (h *LedgerHandler) Deposit(c *gin.Context) {
	id, ok := mailboxParam(c, "id")
	if !ok {
		return
	}
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	p, index, err := h.router.RouteFor(id)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	balance, err := p.Deposit(c.Request.Context(), callerAccount(c), id, req.Amount)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, balanceResponse{MailboxID: id.String(), Partition: index, Balance: balance})
}

// Send 向邮箱发送一条消息，从邮箱余额扣费
func (h *LedgerHandler) Send(c *gin.Context) {
	id, ok := mailboxParam(c, "id")
	if !ok {
		return
	}
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	p, _, err := h.router.RouteFor(id)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	record, err := p.Send(c.Request.Context(), callerAccount(c), id, req.Payload)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Created(c, toMessageResponse(record))
}

// Messages 按序号分页读取邮箱的消息
func (h *LedgerHandler) Messages(c *gin.Context) {
	id, ok := mailboxParam(c, "id")
	if !ok {
		return
	}
	query := domain.MessageQuery{MailboxID: &id}
	if raw := c.Query("from_sequence"); raw != "" {
		from, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			BadRequest(c, MsgInvalidRequest)
			return
		}
		query.FromSequence = from
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			BadRequest(c, MsgInvalidRequest)
			return
		}
		query.Limit = limit
	}

	p, ok := h.resolve(c, id)
	if !ok {
		return
	}
	records, err := p.Messages(c.Request.Context(), query)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	items := toMessageResponses(records)
	Success(c, gin.H{"items": items, "count": len(items)})
}

// Balance 查询邮箱余额与当前授权
func (h *LedgerHandler) Balance(c *gin.Context) {
	id, ok := mailboxParam(c, "id")
	if !ok {
		return
	}
	p, ok := h.resolve(c, id)
	if !ok {
		return
	}
	balance, err := p.Balance(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	grantee, _, err := p.Grantee(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, balanceResponse{
		MailboxID: id.String(),
		Partition: p.Index(),
		Balance:   balance,
		Grantee:   grantee,
	})
}

// Authorize 出示密钥，把提现权授予 grantee（默认为调用账户）。
// 密钥会随请求公开，服务端只保存授权结果。
func (h *LedgerHandler) Authorize(c *gin.Context) {
	id, ok := mailboxParam(c, "id")
	if !ok {
		return
	}
	var req authorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	grantee := req.Grantee
	if grantee == "" {
		grantee = callerAccount(c)
	}
	if grantee == "" {
		BadRequest(c, MsgGranteeMissing)
		return
	}

	p, ok := h.resolve(c, id)
	if !ok {
		return
	}
	if err := p.AuthorizeWithdrawal(c.Request.Context(), id, grantee, req.Secret); err != nil {
		respondError(c, h.log, err)
		return
	}
	SuccessWithMsg(c, "授权成功", gin.H{
		"mailbox_id": id.String(),
		"partition":  p.Index(),
		"grantee":    grantee,
	})
}

// Withdraw 被授权账户提取余额，另扣提现手续费
func (h *LedgerHandler) Withdraw(c *gin.Context) {
	id, ok := mailboxParam(c, "id")
	if !ok {
		return
	}
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	p, ok := h.resolve(c, id)
	if !ok {
		return
	}
	remaining, err := p.Withdraw(c.Request.Context(), callerAccount(c), id, req.Amount)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, balanceResponse{MailboxID: id.String(), Partition: p.Index(), Balance: remaining})
}
