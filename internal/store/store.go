package store

import (
	"errors"

	"chatapp/internal/models"

	"gorm.io/gorm"
)

var (
	// ErrNotFound 统一包装底层的记录不存在错误。
	ErrNotFound = errors.New("store: record not found")
	// ErrVersionConflict 表示写入时版本号已被他人推进，调用方需重读重试。
	ErrVersionConflict = errors.New("store: version conflict")
)

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// PrincipalStore 持久化用户与管理员。
type PrincipalStore struct {
	db *gorm.DB
}

func NewPrincipalStore(db *gorm.DB) *PrincipalStore { return &PrincipalStore{db: db} }

// WithTx 返回绑定到事务的副本。
func (s *PrincipalStore) WithTx(tx *gorm.DB) *PrincipalStore { return &PrincipalStore{db: tx} }

func (s *PrincipalStore) Create(p *models.Principal) error {
	return s.db.Create(p).Error
}

func (s *PrincipalStore) ByID(id string) (*models.Principal, error) {
	var p models.Principal
	if err := s.db.Where("id = ?", id).First(&p).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (s *PrincipalStore) ByEmail(email string) (*models.Principal, error) {
	var p models.Principal
	if err := s.db.Where("email = ?", email).First(&p).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (s *PrincipalStore) ByResetToken(resetToken string) (*models.Principal, error) {
	var p models.Principal
	if err := s.db.Where("reset_token = ? AND reset_token <> ''", resetToken).First(&p).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (s *PrincipalStore) EmailTaken(email string) (bool, error) {
	var count int64
	if err := s.db.Model(&models.Principal{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// Save 整行写回主体记录。
func (s *PrincipalStore) Save(p *models.Principal) error {
	return s.db.Save(p).Error
}

func (s *PrincipalStore) Delete(id string) error {
	res := s.db.Where("id = ?", id).Delete(&models.Principal{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RoomStore 持久化房间文档。写回走版本号 CAS，避免并发的
// 读改写互相覆盖；冲突由调用方重读后重试。
type RoomStore struct {
	db *gorm.DB
}

func NewRoomStore(db *gorm.DB) *RoomStore { return &RoomStore{db: db} }

func (s *RoomStore) WithTx(tx *gorm.DB) *RoomStore { return &RoomStore{db: tx} }

func (s *RoomStore) Create(r *models.Room) error {
	return s.db.Create(r).Error
}

func (s *RoomStore) ByID(id string) (*models.Room, error) {
	var r models.Room
	if err := s.db.Where("id = ?", id).First(&r).Error; err != nil {
		return nil, translate(err)
	}
	return &r, nil
}

// Save 以读出时的版本号为条件写回，成功后推进内存中的版本号。
func (s *RoomStore) Save(r *models.Room) error {
	res := s.db.Model(&models.Room{}).
		Where("id = ? AND version = ?", r.ID, r.Version).
		Select("Name", "ParticipantIDs", "GroupAdminIDs", "Version").
		Updates(models.Room{
			Name:           r.Name,
			ParticipantIDs: r.ParticipantIDs,
			GroupAdminIDs:  r.GroupAdminIDs,
			Version:        r.Version + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	r.Version++
	return nil
}

// InvitationStore 持久化邀请。
type InvitationStore struct {
	db *gorm.DB
}

func NewInvitationStore(db *gorm.DB) *InvitationStore { return &InvitationStore{db: db} }

func (s *InvitationStore) WithTx(tx *gorm.DB) *InvitationStore { return &InvitationStore{db: tx} }

func (s *InvitationStore) Create(inv *models.Invitation) error {
	return s.db.Create(inv).Error
}

func (s *InvitationStore) ByLink(link string) (*models.Invitation, error) {
	var inv models.Invitation
	if err := s.db.Where("link = ?", link).First(&inv).Error; err != nil {
		return nil, translate(err)
	}
	return &inv, nil
}

// MarkExpired 单向翻转 expired 标记，之后邀请不可再用。翻转以
// expired=false 为条件，已被他人翻转时返回 ErrVersionConflict，
// 两个并发的接受方只有一个能消费掉链接。
func (s *InvitationStore) MarkExpired(inv *models.Invitation) error {
	res := s.db.Model(&models.Invitation{}).
		Where("id = ? AND expired = ?", inv.ID, false).
		Update("expired", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	inv.Expired = true
	return nil
}

// MessageStore 持久化消息，只追加。
type MessageStore struct {
	db *gorm.DB
}

func NewMessageStore(db *gorm.DB) *MessageStore { return &MessageStore{db: db} }

func (s *MessageStore) WithTx(tx *gorm.DB) *MessageStore { return &MessageStore{db: tx} }

func (s *MessageStore) Append(m *models.Message) error {
	return s.db.Create(m).Error
}

// ListByRoom 按发送时间升序返回房间消息，limit 上限 200。
func (s *MessageStore) ListByRoom(roomID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	var msgs []models.Message
	err := s.db.Where("room_id = ?", roomID).
		Order("sent_at asc").Limit(limit).Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	return msgs, nil
}
