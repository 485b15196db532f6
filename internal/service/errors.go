package service

import "errors"

// 业务层错误分类，handler 与 ws 层据此映射状态码:
// 认证类 -> 401，授权类 -> 403，校验类 -> 400，不存在类 -> 404，
// 邀请状态类 -> 409。所有错误对当前调用都是终局的，不做内部重试。
var (
	// 校验类
	ErrUnavailableEmail = errors.New("email is already registered")
	ErrInvalidEmail     = errors.New("invalid email address")
	ErrInvalidPassword  = errors.New("password does not meet requirements")
	ErrPasswordMismatch = errors.New("passwords do not match")

	// 认证类
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidResetToken  = errors.New("invalid reset token")

	// 授权类
	ErrNotAParticipant  = errors.New("caller is not a participant of this chat room")
	ErrInsufficientRole = errors.New("caller's role does not permit this operation")
	ErrNotAnAdmin       = errors.New("target is not a group admin")

	// 不存在类
	ErrChatRoomNotFound  = errors.New("chat room does not exist")
	ErrPrincipalNotFound = errors.New("principal does not exist")

	// 邀请状态类
	ErrInvalidInvitation = errors.New("invitation is invalid or expired")
	ErrAlreadyMember     = errors.New("caller is already a member of this chat room")
)
