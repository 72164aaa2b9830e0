package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailcode/backend/internal/auth/jwt"
)

// ContextAdminSubject 是管理令牌 subject 在 gin.Context 中的键
const ContextAdminSubject = "adminSubject"

// AdminAuth 管理接口认证中间件
type AdminAuth struct {
	jwtManager *jwt.Manager
	log        *zap.Logger
}

// NewAdminAuth 创建管理接口认证中间件
func NewAdminAuth(jwtManager *jwt.Manager, log *zap.Logger) *AdminAuth {
	if log == nil {
		log = zap.NewNop()
	}
	return &AdminAuth{
		jwtManager: jwtManager,
		log:        log,
	}
}

// RequireAdmin 要求有效的管理令牌；未配置密钥时管理接口整体返回 503
func (a *AdminAuth) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.jwtManager.Enabled() {
			abort(c, http.StatusServiceUnavailable, "管理接口未启用")
			return
		}

		token := extractBearer(c)
		if token == "" {
			abort(c, http.StatusUnauthorized, "需要管理员令牌")
			return
		}

		claims, err := a.jwtManager.Validate(token)
		if err != nil {
			a.log.Warn("invalid admin token",
				zap.String("error", err.Error()),
				zap.String("ip", c.ClientIP()),
			)
			msg := "无效的访问令牌"
			if errors.Is(err, jwt.ErrExpiredToken) {
				msg = "令牌已过期"
			}
			abort(c, http.StatusUnauthorized, msg)
			return
		}

		c.Set(ContextAdminSubject, claims.Subject)
		c.Next()
	}
}

// extractBearer 从 Authorization 头提取 Bearer 令牌
func extractBearer(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"code": status, "msg": msg})
}
