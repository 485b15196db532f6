package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"chatapp/internal/auth"
	"chatapp/internal/models"
	"chatapp/internal/service"
	"chatapp/internal/store"
	"chatapp/internal/token"
	"chatapp/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	accounts *service.AccountService
	rooms    *service.RoomService
	hub      *ws.Hub
}

func NewHandler(accounts *service.AccountService, rooms *service.RoomService, hub *ws.Hub) *Handler {
	return &Handler{accounts: accounts, rooms: rooms, hub: hub}
}

// fail 按错误分类映射状态码：校验 400，认证 401，授权 403，
// 不存在 404，邀请状态与写冲突 409，其余 500。
func fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidEmail),
		errors.Is(err, service.ErrInvalidPassword),
		errors.Is(err, service.ErrPasswordMismatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidCredentials),
		errors.Is(err, service.ErrInvalidResetToken),
		errors.Is(err, token.ErrInvalidToken),
		errors.Is(err, token.ErrRefreshExpired),
		errors.Is(err, auth.ErrRefreshTokenExpired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrNotAParticipant),
		errors.Is(err, service.ErrInsufficientRole),
		errors.Is(err, service.ErrNotAnAdmin):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrChatRoomNotFound),
		errors.Is(err, service.ErrPrincipalNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrUnavailableEmail),
		errors.Is(err, service.ErrAlreadyMember),
		errors.Is(err, service.ErrInvalidInvitation),
		errors.Is(err, store.ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Email           string `json:"email"`
		Password        string `json:"password"`
		ConfirmPassword string `json:"confirm_password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	p, err := h.accounts.Register(req.Email, req.Password, req.ConfirmPassword)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": p.ID, "email": p.Email})
}

// Login 处理登录请求，返回 token 对。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.accounts.Authenticate(req.Email, req.Password)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  result.AccessToken,
		"refresh_token": result.RefreshToken,
		"user":          gin.H{"id": result.Principal.ID, "email": result.Principal.Email},
	})
}

// Refresh 处理显式 token 刷新请求。
func (h *Handler) Refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	access, err := h.accounts.Refresh(req.RefreshToken)
	if err != nil {
		log.Warn().Err(err).Msg("refresh token")
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": access})
}

// Recover 发起密码找回。
func (h *Handler) Recover(c *gin.Context) {
	var req struct {
		Email string `json:"email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.accounts.RecoveryEmail(req.Email); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "recovery email sent"})
}

// ResetPassword 凭重置 token 设置新密码。
func (h *Handler) ResetPassword(c *gin.Context) {
	var req struct {
		ResetToken      string `json:"reset_token"`
		Password        string `json:"password"`
		ConfirmPassword string `json:"confirm_password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ResetToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.accounts.ResetPassword(req.ResetToken, req.Password, req.ConfirmPassword); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "password reset"})
}

// CreateRoom 创建房间。
func (h *Handler) CreateRoom(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || len(req.Name) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room name"})
		return
	}
	room, err := h.rooms.CreateRoom(auth.CurrentIdentity(c).PrincipalID, req.Name)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, roomDTO(room, h.hub.Online(room.ID)))
}

// ListRooms 返回调用方加入的全部房间。
func (h *Handler) ListRooms(c *gin.Context) {
	rooms, err := h.rooms.RoomsFor(auth.CurrentIdentity(c).PrincipalID)
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(rooms))
	for i := range rooms {
		out = append(out, roomDTO(&rooms[i], h.hub.Online(rooms[i].ID)))
	}
	c.JSON(http.StatusOK, gin.H{"rooms": out})
}

func roomDTO(r *models.Room, online int) gin.H {
	return gin.H{
		"id":           r.ID,
		"name":         r.Name,
		"created_by":   r.CreatedBy,
		"participants": len(r.ParticipantIDs),
		"online":       online,
	}
}

// ListMessages 返回房间消息历史。
func (h *Handler) ListMessages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	msgs, err := h.rooms.MessagesFor(auth.CurrentIdentity(c).PrincipalID, c.Param("id"), limit)
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]ws.OutboundMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ws.OutboundMessage{Type: "message", ID: m.ID, RoomID: m.RoomID, Sender: m.Sender, Text: m.Text, SentAt: m.SentAt})
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

// ListParticipants 返回房间成员的展示身份。
func (h *Handler) ListParticipants(c *gin.Context) {
	participants, err := h.rooms.Participants(auth.CurrentIdentity(c).PrincipalID, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participants": participants})
}

// GroupRole 返回调用方在房间内的等级。
func (h *Handler) GroupRole(c *gin.Context) {
	rank, err := h.rooms.GroupRole(auth.CurrentIdentity(c).PrincipalID, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"role": rank})
}

// CreateInvite 生成一次性邀请链接。
func (h *Handler) CreateInvite(c *gin.Context) {
	link, err := h.rooms.CreateInvite(auth.CurrentIdentity(c).PrincipalID, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"invitation_link": link})
}

// AcceptInvite 接受邀请链接。
func (h *Handler) AcceptInvite(c *gin.Context) {
	var req struct {
		InvitationLink string `json:"invitation_link"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.InvitationLink == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.rooms.AcceptInvite(auth.CurrentIdentity(c).PrincipalID, req.InvitationLink); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "joined"})
}

// SendMessage 通过 HTTP 发送消息，同样扇出给房间在线成员。
func (h *Handler) SendMessage(c *gin.Context) {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	msg, err := h.rooms.SendMessage(auth.CurrentIdentity(c).PrincipalID, c.Param("id"), req.Text)
	if err != nil {
		fail(c, err)
		return
	}
	h.broadcastMessage(msg)
	c.JSON(http.StatusCreated, gin.H{"id": msg.ID, "sender": msg.Sender, "text": msg.Text, "sent_at": msg.SentAt})
}

// LeaveRoom 退出房间，返回更新后的房间列表。
func (h *Handler) LeaveRoom(c *gin.Context) {
	rooms, err := h.rooms.LeaveRoom(auth.CurrentIdentity(c).PrincipalID, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(rooms))
	for i := range rooms {
		out = append(out, roomDTO(&rooms[i], h.hub.Online(rooms[i].ID)))
	}
	c.JSON(http.StatusOK, gin.H{"rooms": out})
}

// Promote 把目标提升为群管理员。
func (h *Handler) Promote(c *gin.Context) {
	targetID, ok := targetFromBody(c)
	if !ok {
		return
	}
	if err := h.rooms.PromoteToGroupAdmin(auth.CurrentIdentity(c).PrincipalID, c.Param("id"), targetID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "promoted"})
}

// Demote 撤销目标的群管理员身份。
func (h *Handler) Demote(c *gin.Context) {
	targetID, ok := targetFromBody(c)
	if !ok {
		return
	}
	if err := h.rooms.DemoteGroupAdmin(auth.CurrentIdentity(c).PrincipalID, c.Param("id"), targetID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "demoted"})
}

// Kick 把目标移出房间，审计消息同样扇出。
func (h *Handler) Kick(c *gin.Context) {
	targetID, ok := targetFromBody(c)
	if !ok {
		return
	}
	msg, err := h.rooms.KickFromGroup(auth.CurrentIdentity(c).PrincipalID, c.Param("id"), targetID)
	if err != nil {
		fail(c, err)
		return
	}
	h.broadcastMessage(msg)
	c.JSON(http.StatusOK, gin.H{"status": "kicked"})
}

// ChangePassword 自助改密。
func (h *Handler) ChangePassword(c *gin.Context) {
	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.OldPassword == "" || req.NewPassword == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.accounts.ChangePassword(auth.CurrentIdentity(c).PrincipalID, req.OldPassword, req.NewPassword); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "password changed"})
}

// ChangeEmail 自助改邮箱。
func (h *Handler) ChangeEmail(c *gin.Context) {
	var req struct {
		Email string `json:"email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.accounts.ChangeEmail(auth.CurrentIdentity(c).PrincipalID, req.Email); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "email changed"})
}

// RegisterAdmin 注册管理员，仅管理员可调用。
func (h *Handler) RegisterAdmin(c *gin.Context) {
	var req struct {
		Email           string `json:"email"`
		Password        string `json:"password"`
		ConfirmPassword string `json:"confirm_password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	p, err := h.accounts.RegisterAdmin(auth.CurrentIdentity(c), req.Email, req.Password, req.ConfirmPassword)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": p.ID, "email": p.Email})
}

// DeletePrincipal 管理员删除用户。
func (h *Handler) DeletePrincipal(c *gin.Context) {
	if err := h.accounts.DeletePrincipal(auth.CurrentIdentity(c), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *Handler) broadcastMessage(msg *models.Message) {
	if msg == nil {
		return
	}
	out := ws.OutboundMessage{Type: "message", ID: msg.ID, RoomID: msg.RoomID, Sender: msg.Sender, Text: msg.Text, SentAt: msg.SentAt}
	if b, err := json.Marshal(out); err == nil {
		h.hub.Broadcast(msg.RoomID, b)
	}
}

func targetFromBody(c *gin.Context) (string, bool) {
	var req struct {
		TargetID string `json:"target_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.TargetID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return "", false
	}
	return req.TargetID, true
}
