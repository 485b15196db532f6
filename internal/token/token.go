package token

import (
	"errors"
	"time"

	"chatapp/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken 表示签名或结构不合法，属于不可恢复错误。
	ErrInvalidToken = errors.New("token: invalid token")
	// ErrRefreshExpired 表示刷新 token 本身已过期，只能重新登录。
	ErrRefreshExpired = errors.New("token: refresh token expired")
)

// Claims 是访问 token 与刷新 token 共用的声明集。
// Subject 为登录邮箱，用户与管理员共用同一个签名密钥，由 Role 区分身份。
type Claims struct {
	PrincipalID string `json:"id"`
	Role        string `json:"role"`
	jwt.RegisteredClaims
}

// Manager 负责签发、校验与旋转 token。访问 token 短效，
// 刷新 token 与其共用声明结构但有效期更长。
type Manager struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewManager(secret string, accessTTL, refreshTTL time.Duration) *Manager {
	return &Manager{secret: []byte(secret), accessTTL: accessTTL, refreshTTL: refreshTTL}
}

func (m *Manager) issue(sub, id, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		PrincipalID: id,
		Role:        role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// IssueAccessToken 签发短效访问 token，无副作用。
func (m *Manager) IssueAccessToken(p *models.Principal) (string, error) {
	return m.issue(p.Email, p.ID, p.Kind, m.accessTTL)
}

// IssueRefreshToken 签发长效刷新 token，持久化到主体由调用方负责。
func (m *Manager) IssueRefreshToken(p *models.Principal) (string, error) {
	return m.issue(p.Email, p.ID, p.Kind, m.refreshTTL)
}

// RotateAccessToken 从刷新 token 的声明中原样签发一个新的访问 token。
// 刷新 token 签名或结构非法返回 ErrInvalidToken，已过期返回 ErrRefreshExpired。
func (m *Manager) RotateAccessToken(refreshToken string) (string, error) {
	claims, expired, err := m.Decode(refreshToken)
	if err != nil {
		return "", err
	}
	if expired {
		return "", ErrRefreshExpired
	}
	return m.issue(claims.Subject, claims.PrincipalID, claims.Role, m.accessTTL)
}

// Decode 解出 token 的声明。过期但签名有效的 token 依然返回完整声明
// 并置 expired 为真，这是刷新流程的前提；签名错误或结构损坏才算致命。
func (m *Manager) Decode(tokenStr string) (claims *Claims, expired bool, err error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) && parsed != nil {
			if c, ok := parsed.Claims.(*Claims); ok {
				return c, true, nil
			}
		}
		return nil, false, ErrInvalidToken
	}
	c, ok := parsed.Claims.(*Claims)
	if !ok {
		return nil, false, ErrInvalidToken
	}
	return c, false, nil
}

// Validate 当且仅当签名有效、subject 匹配且未过期时返回 true。
func (m *Manager) Validate(tokenStr, expectedSubject string) bool {
	claims, expired, err := m.Decode(tokenStr)
	if err != nil || expired {
		return false
	}
	return claims.Subject == expectedSubject
}

// IsExpired 判断 token 是否过期，对结构损坏的 token 返回 ErrInvalidToken。
func (m *Manager) IsExpired(tokenStr string) (bool, error) {
	_, expired, err := m.Decode(tokenStr)
	if err != nil {
		return false, err
	}
	return expired, nil
}

// ExtractClaim 按名字取任意声明，过期 token 也可读取。
func (m *Manager) ExtractClaim(tokenStr, name string) (interface{}, error) {
	mc := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, mc, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	})
	if err != nil && !errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrInvalidToken
	}
	v, ok := mc[name]
	if !ok {
		return nil, errors.New("token: claim not present: " + name)
	}
	return v, nil
}
