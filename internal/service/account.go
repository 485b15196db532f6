package service

import (
	"errors"
	"regexp"
	"strings"

	"chatapp/internal/auth"
	"chatapp/internal/models"
	"chatapp/internal/store"
	"chatapp/internal/token"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var emailRe = regexp.MustCompile(`^(.+)@(.+)$`)

const passwordSpecials = "!@#&()-[{}]:;',?/*~$^+=<>"

// AccountService 封装注册、登录、token 刷新与账号自助维护。
type AccountService struct {
	principals *store.PrincipalStore
	tokens     *token.Manager
	mailer     Mailer
}

func NewAccountService(principals *store.PrincipalStore, tokens *token.Manager, mailer Mailer) *AccountService {
	return &AccountService{principals: principals, tokens: tokens, mailer: mailer}
}

func validateEmail(email string) error {
	if !emailRe.MatchString(email) {
		return ErrInvalidEmail
	}
	return nil
}

// validatePassword 要求 8~20 位，且同时含有大写、小写、数字与特殊字符。
func validatePassword(password, confirm string) error {
	if len(password) < 8 || len(password) > 20 {
		return ErrInvalidPassword
	}
	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		case r >= 'a' && r <= 'z':
			hasLower = true
		case r >= '0' && r <= '9':
			hasDigit = true
		case strings.ContainsRune(passwordSpecials, r):
			hasSpecial = true
		}
	}
	if !hasUpper || !hasLower || !hasDigit || !hasSpecial {
		return ErrInvalidPassword
	}
	if password != confirm {
		return ErrPasswordMismatch
	}
	return nil
}

func (s *AccountService) register(email, password, confirm, kind string) (*models.Principal, error) {
	email = strings.TrimSpace(email)
	taken, err := s.principals.EmailTaken(email)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, ErrUnavailableEmail
	}
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if err := validatePassword(password, confirm); err != nil {
		return nil, err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	p := &models.Principal{
		ID:           uuid.NewString(),
		Email:        email,
		Kind:         kind,
		PasswordHash: hash,
		ChatRooms:    models.IDSet{},
	}
	if err := s.principals.Create(p); err != nil {
		return nil, err
	}
	if err := s.mailer.SendRegistrationEmail(email); err != nil {
		log.Warn().Err(err).Str("email", email).Msg("registration email")
	}
	return p, nil
}

// Register 注册普通用户。
func (s *AccountService) Register(email, password, confirm string) (*models.Principal, error) {
	return s.register(email, password, confirm, models.KindUser)
}

// RegisterAdmin 注册管理员，仅持管理员 token 的调用方可用。
func (s *AccountService) RegisterAdmin(caller auth.Identity, email, password, confirm string) (*models.Principal, error) {
	if !caller.IsAdmin() {
		return nil, ErrInsufficientRole
	}
	return s.register(email, password, confirm, models.KindAdmin)
}

// AuthResult 登录成功后返回的 token 对。
type AuthResult struct {
	AccessToken  string
	RefreshToken string
	Principal    *models.Principal
}

// Authenticate 校验邮箱密码并签发访问 token。主体上没有可信刷新
// token 时重新签发并持久化，保证任意时刻只信任一个刷新 token。
func (s *AccountService) Authenticate(email, password string) (*AuthResult, error) {
	p, err := s.principals.ByEmail(strings.TrimSpace(email))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !auth.VerifyPassword(p.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	access, err := s.tokens.IssueAccessToken(p)
	if err != nil {
		return nil, err
	}
	if !s.refreshStillValid(p) {
		refresh, err := s.tokens.IssueRefreshToken(p)
		if err != nil {
			return nil, err
		}
		p.RefreshToken = refresh
		if err := s.principals.Save(p); err != nil {
			return nil, err
		}
	}
	return &AuthResult{AccessToken: access, RefreshToken: p.RefreshToken, Principal: p}, nil
}

func (s *AccountService) refreshStillValid(p *models.Principal) bool {
	if p.RefreshToken == "" {
		return false
	}
	expired, err := s.tokens.IsExpired(p.RefreshToken)
	return err == nil && !expired
}

// Refresh 用刷新 token 显式换取新的访问 token。传入的 token 必须
// 与主体上存储的那一份一致，旧刷新 token 一旦被替换即不再被信任。
func (s *AccountService) Refresh(refreshToken string) (string, error) {
	claims, expired, err := s.tokens.Decode(refreshToken)
	if err != nil {
		return "", err
	}
	if expired {
		return "", token.ErrRefreshExpired
	}
	p, err := s.principals.ByID(claims.PrincipalID)
	if err != nil || p.RefreshToken != refreshToken {
		return "", token.ErrInvalidToken
	}
	return s.tokens.RotateAccessToken(refreshToken)
}

// RecoveryEmail 为邮箱对应的主体生成重置 token 并交给 Mailer 投递。
func (s *AccountService) RecoveryEmail(email string) error {
	p, err := s.principals.ByEmail(strings.TrimSpace(email))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrPrincipalNotFound
		}
		return err
	}
	p.ResetToken = uuid.NewString()
	if err := s.principals.Save(p); err != nil {
		return err
	}
	return s.mailer.SendRecoveryEmail(p.Email, p.ResetToken)
}

// ResetPassword 凭重置 token 设置新密码，成功后清除重置 token。
func (s *AccountService) ResetPassword(resetToken, password, confirm string) error {
	p, err := s.principals.ByResetToken(resetToken)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidResetToken
		}
		return err
	}
	if err := validatePassword(password, confirm); err != nil {
		return err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	p.PasswordHash = hash
	p.ResetToken = ""
	return s.principals.Save(p)
}

// ChangePassword 自助改密，旧密码校验失败返回 ErrInvalidPassword。
func (s *AccountService) ChangePassword(callerID, oldPassword, newPassword string) error {
	p, err := s.principals.ByID(callerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrPrincipalNotFound
		}
		return err
	}
	if !auth.VerifyPassword(p.PasswordHash, oldPassword) {
		return ErrInvalidPassword
	}
	hash, err := auth.HashPassword(newPassword)
	if err != nil {
		return err
	}
	p.PasswordHash = hash
	return s.principals.Save(p)
}

// ChangeEmail 自助改邮箱，新邮箱在整个主体空间内必须未被占用。
func (s *AccountService) ChangeEmail(callerID, newEmail string) error {
	newEmail = strings.TrimSpace(newEmail)
	p, err := s.principals.ByID(callerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrPrincipalNotFound
		}
		return err
	}
	if err := validateEmail(newEmail); err != nil {
		return err
	}
	if p.Email == newEmail {
		return ErrInvalidEmail
	}
	taken, err := s.principals.EmailTaken(newEmail)
	if err != nil {
		return err
	}
	if taken {
		return ErrUnavailableEmail
	}
	p.Email = newEmail
	return s.principals.Save(p)
}

// DeletePrincipal 管理员专用的删除路径。
func (s *AccountService) DeletePrincipal(caller auth.Identity, targetID string) error {
	if !caller.IsAdmin() {
		return ErrInsufficientRole
	}
	if err := s.principals.Delete(targetID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrPrincipalNotFound
		}
		return err
	}
	return nil
}
