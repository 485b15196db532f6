package store

import (
	"errors"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"chatapp/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "store.db")),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := gdb.AutoMigrate(&models.Principal{}, &models.Room{}, &models.Invitation{}, &models.Message{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

func TestPrincipalStore_CRUD(t *testing.T) {
	s := NewPrincipalStore(newTestDB(t))
	p := &models.Principal{ID: "p-1", Email: "u@example.com", Kind: models.KindUser, PasswordHash: "h", ChatRooms: models.IDSet{}}

	if err := s.Create(p); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := s.ByEmail("u@example.com")
	if err != nil {
		t.Fatalf("ByEmail() error = %v", err)
	}
	if got.ID != "p-1" || got.Kind != models.KindUser {
		t.Errorf("ByEmail() = %+v", got)
	}

	taken, err := s.EmailTaken("u@example.com")
	if err != nil || !taken {
		t.Errorf("EmailTaken() = %v, %v, want true, nil", taken, err)
	}
	taken, err = s.EmailTaken("other@example.com")
	if err != nil || taken {
		t.Errorf("EmailTaken() = %v, %v, want false, nil", taken, err)
	}

	got.ChatRooms = got.ChatRooms.Add("r-1")
	got.RefreshToken = "rt"
	if err := s.Save(got); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err = s.ByID("p-1")
	if err != nil {
		t.Fatalf("ByID() error = %v", err)
	}
	if !got.ChatRooms.Contains("r-1") || got.RefreshToken != "rt" {
		t.Errorf("round-trip lost updates: %+v", got)
	}

	if _, err := s.ByID("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ByID(missing) error = %v, want ErrNotFound", err)
	}
	if err := s.Delete("p-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete("p-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete(missing) error = %v, want ErrNotFound", err)
	}
}

func TestPrincipalStore_ByResetToken(t *testing.T) {
	s := NewPrincipalStore(newTestDB(t))
	p := &models.Principal{ID: "p-1", Email: "u@example.com", Kind: models.KindUser, PasswordHash: "h", ResetToken: "tok-1"}
	if err := s.Create(p); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	noReset := &models.Principal{ID: "p-2", Email: "v@example.com", Kind: models.KindUser, PasswordHash: "h"}
	if err := s.Create(noReset); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := s.ByResetToken("tok-1")
	if err != nil {
		t.Fatalf("ByResetToken() error = %v", err)
	}
	if got.ID != "p-1" {
		t.Errorf("ByResetToken() = %v, want p-1", got.ID)
	}
	// 空重置 token 不可被空串查中
	if _, err := s.ByResetToken(""); !errors.Is(err, ErrNotFound) {
		t.Errorf("ByResetToken(\"\") error = %v, want ErrNotFound", err)
	}
}

func TestRoomStore_SaveCAS(t *testing.T) {
	s := NewRoomStore(newTestDB(t))
	room := &models.Room{ID: "r-1", Name: "Team", CreatedBy: "p-1",
		ParticipantIDs: models.IDSet{"p-1"}, GroupAdminIDs: models.IDSet{}}
	if err := s.Create(room); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// 两个并发读出的快照，第二个写回必须冲突
	a, err := s.ByID("r-1")
	if err != nil {
		t.Fatalf("ByID() error = %v", err)
	}
	b, err := s.ByID("r-1")
	if err != nil {
		t.Fatalf("ByID() error = %v", err)
	}

	a.ParticipantIDs = a.ParticipantIDs.Add("p-2")
	if err := s.Save(a); err != nil {
		t.Fatalf("Save(a) error = %v", err)
	}

	b.ParticipantIDs = b.ParticipantIDs.Add("p-3")
	if err := s.Save(b); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("Save(b) error = %v, want ErrVersionConflict", err)
	}

	// 重读后重试成功，两次更新都保留
	b, err = s.ByID("r-1")
	if err != nil {
		t.Fatalf("ByID() error = %v", err)
	}
	b.ParticipantIDs = b.ParticipantIDs.Add("p-3")
	if err := s.Save(b); err != nil {
		t.Fatalf("Save(b) retry error = %v", err)
	}

	got, err := s.ByID("r-1")
	if err != nil {
		t.Fatalf("ByID() error = %v", err)
	}
	if !got.ParticipantIDs.Contains("p-2") || !got.ParticipantIDs.Contains("p-3") {
		t.Errorf("lost update: participants = %v", got.ParticipantIDs)
	}
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}
}

func TestInvitationStore_MarkExpired(t *testing.T) {
	s := NewInvitationStore(newTestDB(t))
	inv := &models.Invitation{ID: "i-1", SenderID: "p-1", RoomID: "r-1", Link: "chatApp/invite/x"}
	if err := s.Create(inv); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := s.ByLink("chatApp/invite/x")
	if err != nil {
		t.Fatalf("ByLink() error = %v", err)
	}
	if got.Expired {
		t.Error("fresh invitation already expired")
	}

	// 两个快照先后翻转，只有第一个成功
	stale, err := s.ByLink("chatApp/invite/x")
	if err != nil {
		t.Fatalf("ByLink() error = %v", err)
	}
	if err := s.MarkExpired(got); err != nil {
		t.Fatalf("MarkExpired() error = %v", err)
	}
	if err := s.MarkExpired(stale); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("MarkExpired() second flip error = %v, want ErrVersionConflict", err)
	}
	got, err = s.ByLink("chatApp/invite/x")
	if err != nil {
		t.Fatalf("ByLink() error = %v", err)
	}
	if !got.Expired {
		t.Error("MarkExpired() did not persist")
	}

	if _, err := s.ByLink("chatApp/invite/other"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ByLink(missing) error = %v, want ErrNotFound", err)
	}
}

func TestMessageStore_AppendAndList(t *testing.T) {
	s := NewMessageStore(newTestDB(t))
	base := time.Now()
	for i, text := range []string{"first", "second", "third"} {
		msg := &models.Message{ID: "m-" + text, RoomID: "r-1", Sender: "u@example.com", Text: text, SentAt: base.Add(time.Duration(i) * time.Second)}
		if err := s.Append(msg); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if err := s.Append(&models.Message{ID: "m-x", RoomID: "r-2", Sender: "u@example.com", Text: "elsewhere", SentAt: base}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	msgs, err := s.ListByRoom("r-1", 0)
	if err != nil {
		t.Fatalf("ListByRoom() error = %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("ListByRoom() len = %d, want 3", len(msgs))
	}
	if msgs[0].Text != "first" || msgs[2].Text != "third" {
		t.Errorf("ListByRoom() order = %v, %v", msgs[0].Text, msgs[2].Text)
	}

	msgs, err = s.ListByRoom("r-1", 2)
	if err != nil {
		t.Fatalf("ListByRoom() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("ListByRoom(limit=2) len = %d, want 2", len(msgs))
	}
}

func TestMessageStore_LimitClamp(t *testing.T) {
	s := NewMessageStore(newTestDB(t))
	base := time.Now()
	for i := 0; i < 210; i++ {
		msg := &models.Message{ID: "m-" + strconv.Itoa(i), RoomID: "r-1", Sender: "u@example.com",
			Text: "msg", SentAt: base.Add(time.Duration(i) * time.Millisecond)}
		if err := s.Append(msg); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	msgs, err := s.ListByRoom("r-1", 1000)
	if err != nil {
		t.Fatalf("ListByRoom() error = %v", err)
	}
	if len(msgs) != 200 {
		t.Errorf("ListByRoom(limit=1000) len = %d, want 200", len(msgs))
	}

	msgs, err = s.ListByRoom("r-1", 0)
	if err != nil {
		t.Fatalf("ListByRoom() error = %v", err)
	}
	if len(msgs) != 50 {
		t.Errorf("ListByRoom(limit=0) len = %d, want 50", len(msgs))
	}
}
