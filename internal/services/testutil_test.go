package services

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"relaydesk/internal/models"
)

// newTestDB opens an in-memory database pinned to a single connection so
// every goroutine in a test sees the same data.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("raw db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func seedUser(t *testing.T, db *gorm.DB) *models.User {
	t.Helper()
	now := time.Now().UTC()
	user := &models.User{
		ID:            uuid.NewString(),
		Channel:       "telegram",
		ChannelUserID: uuid.NewString(),
		Name:          "Test User",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return user
}

func seedSession(t *testing.T, db *gorm.DB, user *models.User, status string) *models.Session {
	t.Helper()
	now := time.Now().UTC()
	sess := &models.Session{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		Channel:   user.Channel,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if status == models.SessionEscalated {
		sess.EscalatedAt = &now
	}
	if err := db.Create(sess).Error; err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return sess
}
