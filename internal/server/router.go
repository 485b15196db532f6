package server

import (
	"net/http"
	"time"

	"chatapp/internal/auth"
	"chatapp/internal/config"
	"chatapp/internal/metrics"
	"chatapp/internal/mw"
	"chatapp/internal/service"
	"chatapp/internal/store"
	"chatapp/internal/token"
	"chatapp/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// SetupRouter 统一初始化中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, gdb *gorm.DB, hub *ws.Hub) *gin.Engine {
	tokens := token.NewManager(cfg.JWTSecret,
		time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute,
		time.Duration(cfg.RefreshTokenTTLDays)*24*time.Hour)

	principals := store.NewPrincipalStore(gdb)
	rooms := store.NewRoomStore(gdb)
	invites := store.NewInvitationStore(gdb)
	messages := store.NewMessageStore(gdb)

	gate := auth.NewGate(tokens, principals)
	accountSvc := service.NewAccountService(principals, tokens, service.LogMailer{})
	roomSvc := service.NewRoomService(gdb, rooms, invites, principals, messages,
		time.Duration(cfg.InviteTTLMinutes)*time.Minute)
	h := NewHandler(accountSvc, roomSvc, hub)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")

	// 匿名面:注册、登录、刷新、找回
	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.Refresh)
	api.POST("/auth/recover", h.Recover)
	api.POST("/auth/reset-password", h.ResetPassword)

	// 需要 Bearer Token 的业务接口
	authed := api.Group("")
	authed.Use(gate.Middleware())

	authed.POST("/rooms", h.CreateRoom)
	authed.GET("/rooms", h.ListRooms)
	authed.GET("/rooms/:id/messages", h.ListMessages)
	authed.POST("/rooms/:id/messages", h.SendMessage)
	authed.GET("/rooms/:id/participants", h.ListParticipants)
	authed.GET("/rooms/:id/role", h.GroupRole)
	authed.POST("/rooms/:id/invites", h.CreateInvite)
	authed.POST("/invites/accept", h.AcceptInvite)
	authed.POST("/rooms/:id/leave", h.LeaveRoom)
	authed.PUT("/rooms/:id/promote", h.Promote)
	authed.PUT("/rooms/:id/demote", h.Demote)
	authed.POST("/rooms/:id/kick", h.Kick)
	authed.PUT("/account/password", h.ChangePassword)
	authed.PUT("/account/email", h.ChangeEmail)
	authed.POST("/admin/register", h.RegisterAdmin)
	authed.DELETE("/admin/principals/:id", h.DeletePrincipal)

	r.GET("/ws", ws.Serve(hub, gate, roomSvc))

	return r
}
