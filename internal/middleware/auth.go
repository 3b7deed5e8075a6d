package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"creditmail/backend/internal/auth/jwt"
)

// AccountKey 上下文中保存调用账户的键
const AccountKey = "account"

// abort 以统一的 {code,msg} 结构终止请求
func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"code": status,
		"msg":  msg,
	})
}

// Account 返回 JWT 中间件写入的调用账户
func Account(c *gin.Context) (string, bool) {
	v, ok := c.Get(AccountKey)
	if !ok {
		return "", false
	}
	account, ok := v.(string)
	return account, ok && account != ""
}

// Auth JWT 认证中间件。令牌的 sub 即调用账户。
type Auth struct {
	manager *jwt.Manager
	owner   string
	log     *zap.Logger
}

// NewAuth 创建认证中间件，owner 为管理员账户
func NewAuth(manager *jwt.Manager, owner string, log *zap.Logger) *Auth {
	if log == nil {
		log = zap.NewNop()
	}
	return &Auth{manager: manager, owner: owner, log: log}
}

// RequireAuth 要求有效的访问令牌
func (a *Auth) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			abort(c, http.StatusUnauthorized, "需要登录认证")
			return
		}

		claims, err := a.manager.ValidateToken(token)
		if err != nil {
			a.log.Warn("invalid token",
				zap.Error(err),
				zap.String("ip", c.ClientIP()),
			)
			if errors.Is(err, jwt.ErrExpiredToken) {
				abort(c, http.StatusUnauthorized, "登录已过期，请重新登录")
				return
			}
			abort(c, http.StatusUnauthorized, "无效的访问令牌")
			return
		}

		c.Set(AccountKey, claims.Account())
		c.Next()
	}
}

// OptionalAuth 有令牌时解析账户，没有或无效时匿名放行
func (a *Auth) OptionalAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := extractToken(c); token != "" {
			if claims, err := a.manager.ValidateToken(token); err == nil {
				c.Set(AccountKey, claims.Account())
			}
		}
		c.Next()
	}
}

// RequireOwner 只允许管理员账户，需放在 RequireAuth 之后
func (a *Auth) RequireOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, ok := Account(c)
		if !ok {
			abort(c, http.StatusUnauthorized, "需要登录认证")
			return
		}
		if a.owner == "" || account != a.owner {
			a.log.Warn("owner access denied",
				zap.String("account", account),
				zap.String("path", c.FullPath()),
			)
			abort(c, http.StatusForbidden, "权限不足")
			return
		}
		c.Next()
	}
}

// extractToken 从 Authorization 头或 cookie 提取令牌
func extractToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if token, err := c.Cookie("access_token"); err == nil && token != "" {
		return token
	}
	return ""
}
