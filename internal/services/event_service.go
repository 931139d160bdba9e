package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"relaydesk/internal/models"
)

// EventService is the append-only conversation ledger. Events are never
// updated or deleted; order within a session is the per-session seq counter,
// assigned under the session row lock.
type EventService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewEventService(db *gorm.DB, logger *logrus.Logger) *EventService {
	if logger == nil {
		logger = logrus.New()
	}
	return &EventService{db: db, logger: logger}
}

// AppendRequest carries one ledger entry.
type AppendRequest struct {
	SessionID string               `json:"session_id"`
	Type      string               `json:"type" binding:"required"`
	Sender    string               `json:"sender" binding:"required"`
	Content   string               `json:"content"`
	Metadata  models.EventMetadata `json:"metadata"`
}

var validEventTypes = map[string]bool{
	models.EventUserMessage:      true,
	models.EventBotMessage:       true,
	models.EventAgentMessage:     true,
	models.EventCategorySelected: true,
	models.EventEscalation:       true,
	models.EventTakeover:         true,
	models.EventSystem:           true,
}

var validSenders = map[string]bool{
	models.SenderUser:   true,
	models.SenderBot:    true,
	models.SenderAgent:  true,
	models.SenderSystem: true,
}

// Append inserts one immutable event and bumps the owning session's
// updated_at. Fails with ErrNotFound if the session does not exist and with
// ErrInvalidState if it is already closed.
func (s *EventService) Append(ctx context.Context, req *AppendRequest) (*models.Event, error) {
	if !validEventTypes[req.Type] {
		return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidInput, req.Type)
	}
	if !validSenders[req.Sender] {
		return nil, fmt.Errorf("%w: unknown sender %q", ErrInvalidInput, req.Sender)
	}

	var event *models.Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sess, err := lockSession(tx, req.SessionID)
		if err != nil {
			return err
		}
		if sess.Status == models.SessionClosed {
			return fmt.Errorf("%w: session %s is closed", ErrInvalidState, sess.ID)
		}
		event, err = appendEventLocked(tx, sess, req.Type, req.Sender, req.Content, req.Metadata)
		return err
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// History returns events oldest-first, up to limit, starting after the given
// cursor (the last seen seq). Replaying with the returned cursor never
// repeats or skips events.
func (s *EventService) History(ctx context.Context, sessionID string, limit int, cursor int64) ([]models.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Session{}).Where("id = ?", sessionID).Count(&count).Error; err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}

	var events []models.Event
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND seq > ?", sessionID, cursor).
		Order("seq ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

// lockSession loads a session under FOR UPDATE so concurrent mutations of the
// same session serialize. Callers must be inside a transaction.
func lockSession(tx *gorm.DB, sessionID string) (*models.Session, error) {
	var sess models.Session
	err := forUpdate(tx).First(&sess, "id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// appendEventLocked inserts one event for a session already held under the
// row lock, assigning the next seq and bumping updated_at.
func appendEventLocked(tx *gorm.DB, sess *models.Session, eventType, sender, content string, metadata models.EventMetadata) (*models.Event, error) {
	sess.LastEventSeq++
	event := &models.Event{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		Seq:       sess.LastEventSeq,
		Type:      eventType,
		Sender:    sender,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	if err := tx.Create(event).Error; err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}
	err := tx.Model(&models.Session{}).Where("id = ?", sess.ID).
		Updates(map[string]interface{}{
			"last_event_seq": sess.LastEventSeq,
			"updated_at":     time.Now().UTC(),
		}).Error
	if err != nil {
		return nil, fmt.Errorf("bump session: %w", err)
	}
	return event, nil
}

// RecentMessages returns the last n message-bearing events, oldest first,
// for escalation summaries.
func recentMessages(tx *gorm.DB, sessionID string, n int) ([]models.Event, error) {
	var events []models.Event
	err := tx.Where("session_id = ? AND type IN ?", sessionID,
		[]string{models.EventUserMessage, models.EventBotMessage, models.EventAgentMessage}).
		Order("seq DESC").
		Limit(n).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}
