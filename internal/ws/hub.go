package ws

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"chatapp/internal/metrics"
)

// Hub 管理房间级别的子 Hub，实现延迟创建与并发安全。
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*RoomHub
}

func NewHub() *Hub { return &Hub{rooms: make(map[string]*RoomHub)} }

// GetRoom 若房间未初始化则懒加载一个 RoomHub。
func (h *Hub) GetRoom(roomID string) *RoomHub {
	h.mu.RLock()
	room := h.rooms[roomID]
	h.mu.RUnlock()
	if room != nil {
		return room
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	room = h.rooms[roomID]
	if room != nil {
		return room
	}
	room = NewRoomHub(roomID)
	h.rooms[roomID] = room
	go room.run()
	return room
}

// Broadcast 把消息推给房间的在线成员，供 HTTP 触发的变更扇出。
// 房间尚无在线连接时不做任何事。
func (h *Hub) Broadcast(roomID string, msg []byte) {
	h.mu.RLock()
	room := h.rooms[roomID]
	h.mu.RUnlock()
	if room == nil {
		return
	}
	select {
	case room.broadcast <- msg:
	default:
	}
}

func (h *Hub) Online(roomID string) int {
	h.mu.RLock()
	room := h.rooms[roomID]
	h.mu.RUnlock()
	if room == nil {
		return 0
	}
	return room.Online()
}

type RoomHub struct {
	roomID     string
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	online     int32
}

func NewRoomHub(roomID string) *RoomHub {
	return &RoomHub{
		roomID:     roomID,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
	}
}

func (rh *RoomHub) run() {
	for {
		select {
		case c := <-rh.register:
			rh.clients[c] = true
			atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
			metrics.WsConnections.Inc()
			rh.fanout(rh.presenceEvent("join", c))
		case c := <-rh.unregister:
			if _, ok := rh.clients[c]; ok {
				delete(rh.clients, c)
				close(c.send)
				atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
				metrics.WsConnections.Dec()
				rh.fanout(rh.presenceEvent("leave", c))
			}
		case msg := <-rh.broadcast:
			rh.fanout(msg)
		}
	}
}

func (rh *RoomHub) presenceEvent(kind string, c *Client) []byte {
	evt := map[string]interface{}{
		"type":    kind,
		"room_id": rh.roomID,
		"sender":  c.email,
		"online":  int(atomic.LoadInt32(&rh.online)),
	}
	b, _ := json.Marshal(evt)
	return b
}

// fanout 把消息推给房间内所有客户端，发送缓冲已满的连接直接剔除。
func (rh *RoomHub) fanout(msg []byte) {
	if msg == nil {
		return
	}
	for c := range rh.clients {
		select {
		case c.send <- msg:
		default:
			close(c.send)
			delete(rh.clients, c)
			metrics.WsConnections.Dec()
		}
	}
}

// Online 返回房间在线客户端数量，供 REST 接口复用。
func (rh *RoomHub) Online() int { return int(atomic.LoadInt32(&rh.online)) }
