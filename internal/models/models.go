package models

import "time"

// Principal 的类别标签，token 里的 role claim 使用同样的取值。
const (
	KindUser  = "USER"
	KindAdmin = "ADMIN"
)

// IDSet 是以 JSON 形式落库的 id 集合。集合操作全部返回新切片，
// 读出来的快照不会被就地修改。
type IDSet []string

func (s IDSet) Contains(id string) bool {
	for _, v := range s {
		if v == id {
			return true
		}
	}
	return false
}

// Add 返回包含 id 的新集合，重复添加保持幂等。
func (s IDSet) Add(id string) IDSet {
	if s.Contains(id) {
		return s
	}
	out := make(IDSet, 0, len(s)+1)
	out = append(out, s...)
	return append(out, id)
}

// Remove 返回去掉 id 的新集合。
func (s IDSet) Remove(id string) IDSet {
	out := make(IDSet, 0, len(s))
	for _, v := range s {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// Principal 统一存放普通用户与管理员，Kind 字段区分两类身份。
// 邮箱在整个主体空间内唯一，刷新 token 与重置 token 直接挂在主体上。
type Principal struct {
	ID           string `gorm:"primaryKey;size:36"`
	Email        string `gorm:"uniqueIndex;size:254;not null"`
	Kind         string `gorm:"size:16;not null"`
	PasswordHash string `gorm:"not null"`
	RefreshToken string `gorm:"size:512"`
	ResetToken   string `gorm:"index;size:36"`
	ChatRooms    IDSet  `gorm:"serializer:json"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (p *Principal) IsAdmin() bool { return p.Kind == KindAdmin }

// Room 以文档形式保存参与者与群管理员两个 id 集合。
// 不变式：CreatedBy ∈ ParticipantIDs，GroupAdminIDs ⊆ ParticipantIDs。
// Version 用于写入时的乐观并发检查。
type Room struct {
	ID             string `gorm:"primaryKey;size:36"`
	Name           string `gorm:"size:128;not null"`
	CreatedBy      string `gorm:"size:36;not null"`
	ParticipantIDs IDSet  `gorm:"serializer:json"`
	GroupAdminIDs  IDSet  `gorm:"serializer:json"`
	Version        int64  `gorm:"not null;default:0"`
	CreatedAt      time.Time
}

func (r *Room) IsParticipant(id string) bool { return r.ParticipantIDs.Contains(id) }

// IsGroupAdmin 创建者永远视为群管理员。
func (r *Room) IsGroupAdmin(id string) bool {
	return id == r.CreatedBy || r.GroupAdminIDs.Contains(id)
}

func (r *Room) IsCreator(id string) bool { return id == r.CreatedBy }

// Invitation 一次性邀请链接，Expired 在接受或首次发现超时后置真。
type Invitation struct {
	ID        string `gorm:"primaryKey;size:36"`
	SenderID  string `gorm:"size:36;not null"`
	RoomID    string `gorm:"size:36;not null"`
	Link      string `gorm:"uniqueIndex;size:128;not null"`
	Expired   bool   `gorm:"not null"`
	CreatedAt time.Time
}

// Message 属于且仅属于一个 Room，只追加，不修改不删除。
type Message struct {
	ID     string `gorm:"primaryKey;size:36"`
	RoomID string `gorm:"index:idx_msg_room_id;size:36;not null"`
	Sender string `gorm:"size:254;not null"`
	Text   string `gorm:"type:text;not null"`
	SentAt time.Time
}
