package service

import (
	"errors"
	"time"

	"chatapp/internal/metrics"
	"chatapp/internal/models"
	"chatapp/internal/store"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 邀请链接的统一前缀，后面拼一个不可猜测的随机 token。
const inviteLinkPrefix = "chatApp/invite/"

// 房间文档写回冲突时的最大重试次数。
const casRetries = 3

// RoomService 封装房间成员关系、邀请、消息与群内角色操作。
// 房间与主体的配套写入放在同一事务里；房间文档本身的写回
// 走版本号 CAS，冲突后重读重试。
type RoomService struct {
	db         *gorm.DB
	rooms      *store.RoomStore
	invites    *store.InvitationStore
	principals *store.PrincipalStore
	messages   *store.MessageStore
	inviteTTL  time.Duration
}

func NewRoomService(db *gorm.DB, rooms *store.RoomStore, invites *store.InvitationStore,
	principals *store.PrincipalStore, messages *store.MessageStore, inviteTTL time.Duration) *RoomService {
	return &RoomService{db: db, rooms: rooms, invites: invites,
		principals: principals, messages: messages, inviteTTL: inviteTTL}
}

// CreateRoom 新建房间，创建者同时成为参与者。创建者的管理员身份
// 是隐式的（见 models.Room.IsGroupAdmin），不写入 GroupAdminIDs，
// 这样降级与踢人永远找不到以创建者为目标的路径。
func (s *RoomService) CreateRoom(callerID, name string) (*models.Room, error) {
	p, err := s.principals.ByID(callerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrPrincipalNotFound
		}
		return nil, err
	}
	room := &models.Room{
		ID:             uuid.NewString(),
		Name:           name,
		CreatedBy:      callerID,
		ParticipantIDs: models.IDSet{callerID},
		GroupAdminIDs:  models.IDSet{},
	}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.rooms.WithTx(tx).Create(room); err != nil {
			return err
		}
		p.ChatRooms = p.ChatRooms.Add(room.ID)
		return s.principals.WithTx(tx).Save(p)
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

// CreateInvite 为房间生成一次性邀请链接，仅参与者可发起。
func (s *RoomService) CreateInvite(callerID, roomID string) (string, error) {
	room, err := s.roomByID(roomID)
	if err != nil {
		return "", err
	}
	if !room.IsParticipant(callerID) {
		return "", ErrNotAParticipant
	}
	inv := &models.Invitation{
		ID:       uuid.NewString(),
		SenderID: callerID,
		RoomID:   roomID,
		Link:     inviteLinkPrefix + uuid.NewString(),
	}
	if err := s.invites.Create(inv); err != nil {
		return "", err
	}
	return inv.Link, nil
}

// AcceptInvite 接受邀请。超过有效期的邀请在这里才被发现并顺手
// 持久化 expired 标记，没有后台清扫。成功路径下房间、邀请、
// 主体三处写入在同一事务内生效；链接的消费是对 expired 标记的
// 受保护翻转，并发的第二个接受方在事务里翻转失败并整体回滚。
func (s *RoomService) AcceptInvite(callerID, link string) error {
	for i := 0; i < casRetries; i++ {
		inv, err := s.invites.ByLink(link)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrInvalidInvitation
			}
			return err
		}
		if inv.Expired {
			return ErrInvalidInvitation
		}
		if time.Since(inv.CreatedAt) > s.inviteTTL {
			// 他人已抢先翻转也一样视为过期
			if err := s.invites.MarkExpired(inv); err != nil && !errors.Is(err, store.ErrVersionConflict) {
				return err
			}
			return ErrInvalidInvitation
		}

		room, err := s.roomByID(inv.RoomID)
		if err != nil {
			return err
		}
		if room.IsParticipant(callerID) {
			return ErrAlreadyMember
		}
		p, err := s.principals.ByID(callerID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrPrincipalNotFound
			}
			return err
		}
		room.ParticipantIDs = room.ParticipantIDs.Add(callerID)
		err = s.db.Transaction(func(tx *gorm.DB) error {
			if err := s.rooms.WithTx(tx).Save(room); err != nil {
				return err
			}
			if err := s.invites.WithTx(tx).MarkExpired(inv); err != nil {
				if errors.Is(err, store.ErrVersionConflict) {
					return ErrInvalidInvitation
				}
				return err
			}
			p.ChatRooms = p.ChatRooms.Add(room.ID)
			return s.principals.WithTx(tx).Save(p)
		})
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err == nil {
			metrics.InvitesAcceptedTotal.Inc()
		}
		return err
	}
	return store.ErrVersionConflict
}

// LeaveRoom 退出房间，同时从参与者集合与管理员集合中移除，
// 返回调用方更新后的房间列表。房间永不删除，即使成员清空。
func (s *RoomService) LeaveRoom(callerID, roomID string) ([]models.Room, error) {
	for i := 0; i < casRetries; i++ {
		room, err := s.roomByID(roomID)
		if err != nil {
			return nil, err
		}
		if !room.IsParticipant(callerID) {
			return nil, ErrNotAParticipant
		}
		p, err := s.principals.ByID(callerID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, ErrPrincipalNotFound
			}
			return nil, err
		}
		room.ParticipantIDs = room.ParticipantIDs.Remove(callerID)
		room.GroupAdminIDs = room.GroupAdminIDs.Remove(callerID)
		err = s.db.Transaction(func(tx *gorm.DB) error {
			if err := s.rooms.WithTx(tx).Save(room); err != nil {
				return err
			}
			p.ChatRooms = p.ChatRooms.Remove(roomID)
			return s.principals.WithTx(tx).Save(p)
		})
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return s.RoomsFor(callerID)
	}
	return nil, store.ErrVersionConflict
}

// SendMessage 向房间追加一条消息并返回它，供传输层向其余成员扇出。
// 发送者以登录邮箱作为展示身份。
func (s *RoomService) SendMessage(callerID, roomID, text string) (*models.Message, error) {
	room, err := s.roomByID(roomID)
	if err != nil {
		return nil, err
	}
	if !room.IsParticipant(callerID) {
		return nil, ErrNotAParticipant
	}
	p, err := s.principals.ByID(callerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrPrincipalNotFound
		}
		return nil, err
	}
	msg := &models.Message{
		ID:     uuid.NewString(),
		RoomID: roomID,
		Sender: p.Email,
		Text:   text,
		SentAt: time.Now(),
	}
	if err := s.messages.Append(msg); err != nil {
		return nil, err
	}
	metrics.MessagesTotal.Inc()
	return msg, nil
}

// RoomsFor 解析主体房间集合，悬空的房间 id 跳过。
func (s *RoomService) RoomsFor(callerID string) ([]models.Room, error) {
	p, err := s.principals.ByID(callerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrPrincipalNotFound
		}
		return nil, err
	}
	out := make([]models.Room, 0, len(p.ChatRooms))
	for _, roomID := range p.ChatRooms {
		room, err := s.rooms.ByID(roomID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, *room)
	}
	return out, nil
}

// MessagesFor 返回房间消息历史，仅参与者可读。
func (s *RoomService) MessagesFor(callerID, roomID string, limit int) ([]models.Message, error) {
	room, err := s.roomByID(roomID)
	if err != nil {
		return nil, err
	}
	if !room.IsParticipant(callerID) {
		return nil, ErrNotAParticipant
	}
	return s.messages.ListByRoom(roomID, limit)
}

// Participants 返回房间成员的展示身份（邮箱），仅参与者可读。
func (s *RoomService) Participants(callerID, roomID string) ([]string, error) {
	room, err := s.roomByID(roomID)
	if err != nil {
		return nil, err
	}
	if !room.IsParticipant(callerID) {
		return nil, ErrNotAParticipant
	}
	out := make([]string, 0, len(room.ParticipantIDs))
	for _, id := range room.ParticipantIDs {
		p, err := s.principals.ByID(id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, p.Email)
	}
	return out, nil
}

func (s *RoomService) roomByID(roomID string) (*models.Room, error) {
	room, err := s.rooms.ByID(roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrChatRoomNotFound
		}
		return nil, err
	}
	return room, nil
}
