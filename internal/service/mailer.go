package service

import "github.com/rs/zerolog/log"

// Mailer 是外发邮件的边界接口，真实投递由外部实现负责。
type Mailer interface {
	SendRegistrationEmail(email string) error
	SendRecoveryEmail(email, resetToken string) error
}

// LogMailer 只记录日志，不真正发信，作为默认实现。
type LogMailer struct{}

func (LogMailer) SendRegistrationEmail(email string) error {
	log.Info().Str("email", email).Msg("registration email (not sent)")
	return nil
}

func (LogMailer) SendRecoveryEmail(email, resetToken string) error {
	log.Info().Str("email", email).Msg("password recovery email (not sent)")
	return nil
}
