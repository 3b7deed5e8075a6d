package httptransport

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"creditmail/backend/internal/domain"
	"creditmail/backend/internal/service"
)

// RegistryHandler 别名注册表处理器
type RegistryHandler struct {
	registry *service.AliasRegistry
	log      *zap.Logger
}

// NewRegistryHandler 创建注册表处理器
func NewRegistryHandler(registry *service.AliasRegistry, log *zap.Logger) *RegistryHandler {
	return &RegistryHandler{registry: registry, log: log}
}

type registerRequest struct {
	Secret string `json:"secret"`
	Public bool   `json:"public"`
	Alias  string `json:"alias"`
}

type visibilityRequest struct {
	Visibility string `json:"visibility"`
	Alias      string `json:"alias"`
}

type rotateRequest struct {
	Secret string `json:"secret"`
}

// Register 注册邮箱，注册费从调用账户收取。邮箱 id 由密钥派生，响应中不回显密钥。
func (h *RegistryHandler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	reg, err := h.registry.Register(c.Request.Context(), callerAccount(c), req.Secret, req.Public, req.Alias)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Created(c, reg)
}

// LookupByAccount 查询账户的公开邮箱
func (h *RegistryHandler) LookupByAccount(c *gin.Context) {
	account := c.Param("account")
	id, ok, err := h.registry.LookupByAccount(c.Request.Context(), account)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if !ok {
		respondError(c, h.log, domain.ErrMailboxNotRegistered)
		return
	}
	Success(c, gin.H{"account": account, "mailbox_id": id.String()})
}

// LookupByAlias 按别名解析邮箱 id
func (h *RegistryHandler) LookupByAlias(c *gin.Context) {
	alias := c.Param("alias")
	id, err := h.registry.LookupByAlias(c.Request.Context(), callerAccount(c), alias)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, gin.H{"alias": alias, "mailbox_id": id.String()})
}

// AliasAvailable 别名是否可用
func (h *RegistryHandler) AliasAvailable(c *gin.Context) {
	alias := c.Param("alias")
	available, err := h.registry.IsAliasAvailable(c.Request.Context(), alias)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, gin.H{"alias": alias, "available": available})
}

// Get 查询注册信息
func (h *RegistryHandler) Get(c *gin.Context) {
	id, ok := mailboxParam(c, "id")
	if !ok {
		return
	}
	reg, err := h.registry.GetRegistration(c.Request.Context(), callerAccount(c), id)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, reg)
}

// Mine 列出调用账户的全部注册
func (h *RegistryHandler) Mine(c *gin.Context) {
	list, err := h.registry.ListByOwner(c.Request.Context(), callerAccount(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if list == nil {
		list = []domain.Registration{}
	}
	Success(c, gin.H{"items": list, "count": len(list)})
}

// UpdateVisibility 切换公开/私有
func (h *RegistryHandler) UpdateVisibility(c *gin.Context) {
	id, ok := mailboxParam(c, "id")
	if !ok {
		return
	}
	var req visibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	reg, err := h.registry.UpdateVisibility(c.Request.Context(), callerAccount(c), id, domain.Visibility(req.Visibility), req.Alias)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, reg)
}

// Rotate 用新密钥替换邮箱 id，保留可见性与别名
func (h *RegistryHandler) Rotate(c *gin.Context) {
	id, ok := mailboxParam(c, "id")
	if !ok {
		return
	}
	var req rotateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	reg, err := h.registry.UpdateReceiverHash(c.Request.Context(), callerAccount(c), id, req.Secret)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, reg)
}
