package service

import (
	"path/filepath"
	"testing"
	"time"

	"chatapp/internal/models"
	"chatapp/internal/store"
	"chatapp/internal/token"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testSecret   = "service-test-secret"
	goodPassword = "Aa1!aaaa"
)

// captureMailer 记录投递请求，测试用。
type captureMailer struct {
	registrations []string
	recoveries    map[string]string
}

func newCaptureMailer() *captureMailer {
	return &captureMailer{recoveries: make(map[string]string)}
}

func (m *captureMailer) SendRegistrationEmail(email string) error {
	m.registrations = append(m.registrations, email)
	return nil
}

func (m *captureMailer) SendRecoveryEmail(email, resetToken string) error {
	m.recoveries[email] = resetToken
	return nil
}

type testEnv struct {
	db         *gorm.DB
	accounts   *AccountService
	rooms      *RoomService
	principals *store.PrincipalStore
	roomStore  *store.RoomStore
	invites    *store.InvitationStore
	tokens     *token.Manager
	mailer     *captureMailer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "service.db")),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := gdb.AutoMigrate(&models.Principal{}, &models.Room{}, &models.Invitation{}, &models.Message{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	principals := store.NewPrincipalStore(gdb)
	roomStore := store.NewRoomStore(gdb)
	invites := store.NewInvitationStore(gdb)
	messages := store.NewMessageStore(gdb)
	tokens := token.NewManager(testSecret, 15*time.Minute, 7*24*time.Hour)
	mailer := newCaptureMailer()
	return &testEnv{
		db:         gdb,
		accounts:   NewAccountService(principals, tokens, mailer),
		rooms:      NewRoomService(gdb, roomStore, invites, principals, messages, 15*time.Minute),
		principals: principals,
		roomStore:  roomStore,
		invites:    invites,
		tokens:     tokens,
		mailer:     mailer,
	}
}

func mkUser(t *testing.T, env *testEnv, email string) *models.Principal {
	t.Helper()
	p, err := env.accounts.Register(email, goodPassword, goodPassword)
	if err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	return p
}
