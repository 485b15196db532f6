package auth

import (
	"errors"
	"net/http"
	"strings"

	"chatapp/internal/metrics"
	"chatapp/internal/models"
	"chatapp/internal/store"
	"chatapp/internal/token"

	"github.com/gin-gonic/gin"
)

// ErrRefreshTokenExpired 表示存储的刷新 token 缺失或过期，
// 透明刷新不可行，调用方必须重新登录。
var ErrRefreshTokenExpired = errors.New("auth: refresh token expired")

// Identity 是鉴权通过后解析出的调用方身份。
type Identity struct {
	PrincipalID string
	Email       string
	Role        string
}

func (id Identity) IsAdmin() bool { return id.Role == models.KindAdmin }

// Gate 是所有入站调用的统一鉴权入口，HTTP 请求与实时连接握手
// 走同一套逻辑，只在失败的表现方式上不同。
type Gate struct {
	tokens     *token.Manager
	principals *store.PrincipalStore
}

func NewGate(tokens *token.Manager, principals *store.PrincipalStore) *Gate {
	return &Gate{tokens: tokens, principals: principals}
}

// Authenticate 校验访问 token 并解析身份。访问 token 过期但主体
// 存有有效刷新 token 时透明旋转出新的访问 token（newAccess 非空，
// 由传输层附回给客户端），身份仍取自原 token 的声明。
func (g *Gate) Authenticate(accessToken string) (Identity, string, error) {
	claims, expired, err := g.tokens.Decode(accessToken)
	if err != nil {
		return Identity{}, "", err
	}
	id := Identity{PrincipalID: claims.PrincipalID, Email: claims.Subject, Role: claims.Role}
	if !expired {
		return id, "", nil
	}

	p, err := g.principals.ByID(claims.PrincipalID)
	if err != nil {
		return Identity{}, "", token.ErrInvalidToken
	}
	if p.RefreshToken == "" {
		return Identity{}, "", ErrRefreshTokenExpired
	}
	refreshExpired, err := g.tokens.IsExpired(p.RefreshToken)
	if err != nil || refreshExpired {
		return Identity{}, "", ErrRefreshTokenExpired
	}
	newAccess, err := g.tokens.RotateAccessToken(p.RefreshToken)
	if err != nil {
		return Identity{}, "", err
	}
	metrics.TokenRefreshesTotal.Inc()
	return id, newAccess, nil
}

// BearerToken 从 Authorization 头提取 bearer token，没有则为空串。
func BearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return ""
}

// Middleware 返回 gin 中间件。刷新出的新访问 token 通过
// X-Access-Token 响应头带回，客户端应替换本地保存的 token。
func (g *Gate) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := BearerToken(c.Request)
		if tok == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		id, newAccess, err := g.Authenticate(tok)
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, ErrRefreshTokenExpired) {
				msg = "refresh token expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}
		if newAccess != "" {
			c.Header("X-Access-Token", newAccess)
		}
		c.Set("identity", id)
		c.Next()
	}
}

// CurrentIdentity 取出中间件放入上下文的身份。
func CurrentIdentity(c *gin.Context) Identity {
	if v, ok := c.Get("identity"); ok {
		if id, ok2 := v.(Identity); ok2 {
			return id
		}
	}
	return Identity{}
}
