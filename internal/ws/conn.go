package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"chatapp/internal/auth"
	"chatapp/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Client struct {
	room    *RoomHub
	conn    *websocket.Conn
	send    chan []byte
	roomSvc *service.RoomService
	userID  string
	email   string
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type InboundMessage struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	IsTyping bool   `json:"is_typing"`
}

type OutboundMessage struct {
	Type   string    `json:"type"`
	ID     string    `json:"id"`
	RoomID string    `json:"room_id"`
	Sender string    `json:"sender"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sent_at"`
}

// Serve 处理实时连接握手。身份经由与 HTTP 完全相同的鉴权入口解析，
// 任一失败路径直接断开而不是挂着半认证的连接；透明刷新出的新访问
// token 随升级响应头带回。
func Serve(h *Hub, gate *auth.Gate, roomSvc *service.RoomService) gin.HandlerFunc {
	return func(c *gin.Context) {
		roomID := c.Query("room_id")
		if roomID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing room_id"})
			return
		}

		// token 允许放在 Authorization 头或 token 查询参数里
		tok := c.Query("token")
		if tok == "" {
			tok = auth.BearerToken(c.Request)
		}
		if tok == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		id, newAccess, err := gate.Authenticate(tok)
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, auth.ErrRefreshTokenExpired) {
				msg = "refresh token expired"
			}
			c.JSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}
		if _, err := roomSvc.GroupRole(id.PrincipalID, roomID); err != nil {
			status := http.StatusForbidden
			if errors.Is(err, service.ErrChatRoomNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		respHeader := http.Header{}
		if newAccess != "" {
			respHeader.Set("X-Access-Token", newAccess)
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, respHeader)
		if err != nil {
			return
		}
		rh := h.GetRoom(roomID)
		client := &Client{room: rh, conn: conn, send: make(chan []byte, 256), roomSvc: roomSvc, userID: id.PrincipalID, email: id.Email}
		rh.register <- client

		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.room.unregister <- c
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(1 << 20) // 1MB
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var in InboundMessage
		if err := json.Unmarshal(data, &in); err != nil || in.Text == "" && in.Type != "typing" {
			continue
		}
		// typing 信号只转发不落库
		if in.Type == "typing" {
			evt := map[string]interface{}{"type": "typing", "room_id": c.room.roomID, "sender": c.email, "is_typing": in.IsTyping}
			if b, err := json.Marshal(evt); err == nil {
				c.room.broadcast <- b
			}
			continue
		}
		msg, err := c.roomSvc.SendMessage(c.userID, c.room.roomID, in.Text)
		if err != nil {
			log.Warn().Err(err).Str("room_id", c.room.roomID).Str("user_id", c.userID).Msg("ws send message")
			continue
		}
		out := OutboundMessage{Type: "message", ID: msg.ID, RoomID: msg.RoomID, Sender: msg.Sender, Text: msg.Text, SentAt: msg.SentAt}
		b, _ := json.Marshal(out)
		c.room.broadcast <- b
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			_ = w.Close()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
