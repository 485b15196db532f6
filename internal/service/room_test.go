package service

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"chatapp/internal/models"
)

func TestCreateRoom(t *testing.T) {
	env := newTestEnv(t)
	u1 := mkUser(t, env, "u1@example.com")

	room, err := env.rooms.CreateRoom(u1.ID, "Team")
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	if room.Name != "Team" || room.CreatedBy != u1.ID {
		t.Errorf("CreateRoom() = %+v", room)
	}
	if !room.IsParticipant(u1.ID) {
		t.Error("creator is not a participant")
	}
	if !room.IsGroupAdmin(u1.ID) {
		t.Error("creator is not a group admin")
	}
	if !room.IsCreator(u1.ID) {
		t.Error("creator flag wrong")
	}

	// 两处写入都生效:房间与主体的房间集合
	stored, err := env.principals.ByID(u1.ID)
	if err != nil {
		t.Fatalf("ByID() error = %v", err)
	}
	if !stored.ChatRooms.Contains(room.ID) {
		t.Error("room id missing from creator's room set")
	}
}

func TestCreateInvite(t *testing.T) {
	env := newTestEnv(t)
	u1 := mkUser(t, env, "u1@example.com")
	u2 := mkUser(t, env, "u2@example.com")
	room, err := env.rooms.CreateRoom(u1.ID, "Team")
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}

	link, err := env.rooms.CreateInvite(u1.ID, room.ID)
	if err != nil {
		t.Fatalf("CreateInvite() error = %v", err)
	}
	if !strings.HasPrefix(link, "chatApp/invite/") {
		t.Errorf("invite link = %q", link)
	}

	if _, err := env.rooms.CreateInvite(u2.ID, room.ID); !errors.Is(err, ErrNotAParticipant) {
		t.Errorf("CreateInvite() by outsider error = %v, want ErrNotAParticipant", err)
	}
	if _, err := env.rooms.CreateInvite(u1.ID, "missing"); !errors.Is(err, ErrChatRoomNotFound) {
		t.Errorf("CreateInvite() missing room error = %v, want ErrChatRoomNotFound", err)
	}
}

func TestAcceptInvite(t *testing.T) {
	env := newTestEnv(t)
	u1 := mkUser(t, env, "u1@example.com")
	u2 := mkUser(t, env, "u2@example.com")
	room, _ := env.rooms.CreateRoom(u1.ID, "Team")
	link, err := env.rooms.CreateInvite(u1.ID, room.ID)
	if err != nil {
		t.Fatalf("CreateInvite() error = %v", err)
	}

	if err := env.rooms.AcceptInvite(u2.ID, link); err != nil {
		t.Fatalf("AcceptInvite() error = %v", err)
	}

	got, err := env.roomStore.ByID(room.ID)
	if err != nil {
		t.Fatalf("ByID() error = %v", err)
	}
	if !got.IsParticipant(u2.ID) {
		t.Error("accepted caller not added to participants")
	}
	stored, _ := env.principals.ByID(u2.ID)
	if !stored.ChatRooms.Contains(room.ID) {
		t.Error("room id missing from accepter's room set")
	}

	// 同一链接第二次接受必须失败，不得重复加入
	if err := env.rooms.AcceptInvite(u2.ID, link); err == nil {
		t.Fatal("AcceptInvite() second use succeeded")
	} else if !errors.Is(err, ErrAlreadyMember) && !errors.Is(err, ErrInvalidInvitation) {
		t.Errorf("AcceptInvite() second use error = %v", err)
	}
	got, _ = env.roomStore.ByID(room.ID)
	count := 0
	for _, id := range got.ParticipantIDs {
		if id == u2.ID {
			count++
		}
	}
	if count != 1 {
		t.Errorf("participant added %d times", count)
	}

	// 第三人用已消费的链接
	u3 := mkUser(t, env, "u3@example.com")
	if err := env.rooms.AcceptInvite(u3.ID, link); !errors.Is(err, ErrInvalidInvitation) {
		t.Errorf("AcceptInvite() consumed link error = %v, want ErrInvalidInvitation", err)
	}
}

func TestAcceptInvite_SingleUseUnderConcurrency(t *testing.T) {
	env := newTestEnv(t)
	sqlDB, err := env.db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// 单连接串行化底层写入，防止 sqlite 锁错误；服务层的
	// 读-改-写交错照常发生
	sqlDB.SetMaxOpenConns(1)

	u1 := mkUser(t, env, "u1@example.com")
	for trial := 0; trial < 20; trial++ {
		a := mkUser(t, env, fmt.Sprintf("a%d@example.com", trial))
		b := mkUser(t, env, fmt.Sprintf("b%d@example.com", trial))
		room, err := env.rooms.CreateRoom(u1.ID, "Team")
		if err != nil {
			t.Fatalf("CreateRoom() error = %v", err)
		}
		link, err := env.rooms.CreateInvite(u1.ID, room.ID)
		if err != nil {
			t.Fatalf("CreateInvite() error = %v", err)
		}

		start := make(chan struct{})
		results := make(chan error, 2)
		for _, id := range []string{a.ID, b.ID} {
			go func(id string) {
				<-start
				results <- env.rooms.AcceptInvite(id, link)
			}(id)
		}
		close(start)

		var okCount int
		for i := 0; i < 2; i++ {
			switch e := <-results; {
			case e == nil:
				okCount++
			case errors.Is(e, ErrInvalidInvitation):
			default:
				t.Fatalf("trial %d: unexpected error %v", trial, e)
			}
		}
		if okCount != 1 {
			t.Fatalf("trial %d: %d accepts succeeded, want exactly 1", trial, okCount)
		}
		got, err := env.roomStore.ByID(room.ID)
		if err != nil {
			t.Fatalf("ByID() error = %v", err)
		}
		if got.IsParticipant(a.ID) == got.IsParticipant(b.ID) {
			t.Fatalf("trial %d: participants = %v, want exactly one accepter admitted", trial, got.ParticipantIDs)
		}
	}
}

func TestAcceptInvite_UnknownLink(t *testing.T) {
	env := newTestEnv(t)
	u1 := mkUser(t, env, "u1@example.com")

	if err := env.rooms.AcceptInvite(u1.ID, "chatApp/invite/nope"); !errors.Is(err, ErrInvalidInvitation) {
		t.Errorf("AcceptInvite(unknown) error = %v, want ErrInvalidInvitation", err)
	}
}

func TestAcceptInvite_ExpiredLazilyPersisted(t *testing.T) {
	env := newTestEnv(t)
	u1 := mkUser(t, env, "u1@example.com")
	u2 := mkUser(t, env, "u2@example.com")
	room, _ := env.rooms.CreateRoom(u1.ID, "Team")
	link, err := env.rooms.CreateInvite(u1.ID, room.ID)
	if err != nil {
		t.Fatalf("CreateInvite() error = %v", err)
	}

	// 把邀请改老到超过 15 分钟窗口
	err = env.db.Model(&models.Invitation{}).Where("link = ?", link).
		Update("created_at", time.Now().Add(-16*time.Minute)).Error
	if err != nil {
		t.Fatalf("age invitation: %v", err)
	}

	if err := env.rooms.AcceptInvite(u2.ID, link); !errors.Is(err, ErrInvalidInvitation) {
		t.Fatalf("AcceptInvite(stale) error = %v, want ErrInvalidInvitation", err)
	}

	// 懒惰过期必须已落库
	inv, err := env.invites.ByLink(link)
	if err != nil {
		t.Fatalf("ByLink() error = %v", err)
	}
	if !inv.Expired {
		t.Error("stale invitation not flagged expired on access")
	}

	got, _ := env.roomStore.ByID(room.ID)
	if got.IsParticipant(u2.ID) {
		t.Error("stale invitation still admitted the caller")
	}
}

func TestSendMessage(t *testing.T) {
	env := newTestEnv(t)
	u1 := mkUser(t, env, "u1@example.com")
	u2 := mkUser(t, env, "u2@example.com")
	room, _ := env.rooms.CreateRoom(u1.ID, "Team")

	msg, err := env.rooms.SendMessage(u1.ID, room.ID, "hello")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if msg.Sender != "u1@example.com" || msg.Text != "hello" || msg.SentAt.IsZero() {
		t.Errorf("SendMessage() = %+v", msg)
	}

	if _, err := env.rooms.SendMessage(u2.ID, room.ID, "hi"); !errors.Is(err, ErrNotAParticipant) {
		t.Errorf("SendMessage() by outsider error = %v, want ErrNotAParticipant", err)
	}
	if _, err := env.rooms.SendMessage(u1.ID, "missing", "hi"); !errors.Is(err, ErrChatRoomNotFound) {
		t.Errorf("SendMessage() missing room error = %v, want ErrChatRoomNotFound", err)
	}

	msgs, err := env.rooms.MessagesFor(u1.ID, room.ID, 50)
	if err != nil {
		t.Fatalf("MessagesFor() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "hello" {
		t.Errorf("MessagesFor() = %+v", msgs)
	}

	if _, err := env.rooms.MessagesFor(u2.ID, room.ID, 50); !errors.Is(err, ErrNotAParticipant) {
		t.Errorf("MessagesFor() by outsider error = %v, want ErrNotAParticipant", err)
	}
}

func TestLeaveRoom(t *testing.T) {
	env := newTestEnv(t)
	u1 := mkUser(t, env, "u1@example.com")
	u2 := mkUser(t, env, "u2@example.com")
	room, _ := env.rooms.CreateRoom(u1.ID, "Team")
	link, _ := env.rooms.CreateInvite(u1.ID, room.ID)
	if err := env.rooms.AcceptInvite(u2.ID, link); err != nil {
		t.Fatalf("AcceptInvite() error = %v", err)
	}
	if err := env.rooms.PromoteToGroupAdmin(u1.ID, room.ID, u2.ID); err != nil {
		t.Fatalf("PromoteToGroupAdmin() error = %v", err)
	}

	rooms, err := env.rooms.LeaveRoom(u2.ID, room.ID)
	if err != nil {
		t.Fatalf("LeaveRoom() error = %v", err)
	}
	if len(rooms) != 0 {
		t.Errorf("LeaveRoom() remaining rooms = %d, want 0", len(rooms))
	}

	got, _ := env.roomStore.ByID(room.ID)
	if got.IsParticipant(u2.ID) {
		t.Error("leaver still a participant")
	}
	if got.GroupAdminIDs.Contains(u2.ID) {
		t.Error("leaver still a group admin")
	}

	if _, err := env.rooms.LeaveRoom(u2.ID, room.ID); !errors.Is(err, ErrNotAParticipant) {
		t.Errorf("LeaveRoom() twice error = %v, want ErrNotAParticipant", err)
	}
	if _, err := env.rooms.LeaveRoom(u1.ID, "missing"); !errors.Is(err, ErrChatRoomNotFound) {
		t.Errorf("LeaveRoom() missing room error = %v, want ErrChatRoomNotFound", err)
	}
}

func TestRoomsFor_SkipsDanglingIDs(t *testing.T) {
	env := newTestEnv(t)
	u1 := mkUser(t, env, "u1@example.com")
	room, _ := env.rooms.CreateRoom(u1.ID, "Team")

	// 人为制造一个悬空的房间 id
	stored, _ := env.principals.ByID(u1.ID)
	stored.ChatRooms = stored.ChatRooms.Add("gone")
	if err := env.principals.Save(stored); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	rooms, err := env.rooms.RoomsFor(u1.ID)
	if err != nil {
		t.Fatalf("RoomsFor() error = %v", err)
	}
	if len(rooms) != 1 || rooms[0].ID != room.ID {
		t.Errorf("RoomsFor() = %+v", rooms)
	}
}

func TestParticipants(t *testing.T) {
	env := newTestEnv(t)
	u1 := mkUser(t, env, "u1@example.com")
	u2 := mkUser(t, env, "u2@example.com")
	room, _ := env.rooms.CreateRoom(u1.ID, "Team")
	link, _ := env.rooms.CreateInvite(u1.ID, room.ID)
	if err := env.rooms.AcceptInvite(u2.ID, link); err != nil {
		t.Fatalf("AcceptInvite() error = %v", err)
	}

	got, err := env.rooms.Participants(u1.ID, room.ID)
	if err != nil {
		t.Fatalf("Participants() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Participants() len = %d, want 2", len(got))
	}

	u3 := mkUser(t, env, "u3@example.com")
	if _, err := env.rooms.Participants(u3.ID, room.ID); !errors.Is(err, ErrNotAParticipant) {
		t.Errorf("Participants() by outsider error = %v, want ErrNotAParticipant", err)
	}
}
