package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"relaydesk/internal/events"
	"relaydesk/internal/models"
)

// SessionService owns the session state machine. Every mutation runs in one
// transaction scoped by the user or session row lock, so conflicting calls on
// the same conversation serialize while unrelated sessions proceed in
// parallel.
type SessionService struct {
	db        *gorm.DB
	logger    *logrus.Logger
	broker    *EscalationBroker
	publisher events.Publisher
}

func NewSessionService(db *gorm.DB, logger *logrus.Logger) *SessionService {
	if logger == nil {
		logger = logrus.New()
	}
	return &SessionService{db: db, logger: logger}
}

// SetBroker injects the escalation broker (optional; without it escalations
// are persisted but not fanned out).
func (s *SessionService) SetBroker(b *EscalationBroker) {
	s.broker = b
}

// SetPublisher injects the optional domain-event publisher.
func (s *SessionService) SetPublisher(p events.Publisher) {
	s.publisher = p
}

// GetOrCreateRequest identifies an inbound contact.
type GetOrCreateRequest struct {
	Channel       string `json:"channel" binding:"required"`
	ChannelUserID string `json:"channel_user_id" binding:"required"`
	DisplayName   string `json:"display_name"`
}

// GetOrCreateResult is what a channel adapter needs to continue the
// conversation.
type GetOrCreateResult struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Category  string `json:"category"`
	Status    string `json:"status"`
	Created   bool   `json:"created"`
}

// GetOrCreateSession upserts the user keyed by (channel, channel user id),
// refreshes last_seen, then returns the user's live session, creating one if
// none has status active or escalated. Safe under concurrent calls for the
// same channel user: the user row lock serializes them, and the unique
// channel index resolves the first-contact race.
func (s *SessionService) GetOrCreateSession(ctx context.Context, req *GetOrCreateRequest) (*GetOrCreateResult, error) {
	if req.Channel == "" || req.ChannelUserID == "" {
		return nil, fmt.Errorf("%w: channel and channel_user_id are required", ErrInvalidInput)
	}

	var result GetOrCreateResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := s.upsertUserLocked(tx, req)
		if err != nil {
			return err
		}
		result.UserID = user.ID

		var sess models.Session
		err = forUpdate(tx).
			Where("user_id = ? AND status IN ?", user.ID,
				[]string{models.SessionActive, models.SessionEscalated}).
			Order("created_at DESC").
			First(&sess).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			now := time.Now().UTC()
			sess = models.Session{
				ID:        uuid.NewString(),
				UserID:    user.ID,
				Channel:   req.Channel,
				Status:    models.SessionActive,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.Create(&sess).Error; err != nil {
				return fmt.Errorf("create session: %w", err)
			}
			result.Created = true
		} else if err != nil {
			return err
		}

		result.SessionID = sess.ID
		result.Category = sess.Category
		result.Status = sess.Status
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// upsertUserLocked finds or creates the channel user under a row lock. A
// losing concurrent insert falls back to re-reading the winner's row.
func (s *SessionService) upsertUserLocked(tx *gorm.DB, req *GetOrCreateRequest) (*models.User, error) {
	lookup := func() (*models.User, error) {
		var user models.User
		err := forUpdate(tx).
			Where("channel = ? AND channel_user_id = ?", req.Channel, req.ChannelUserID).
			First(&user).Error
		if err != nil {
			return nil, err
		}
		return &user, nil
	}

	user, err := lookup()
	if errors.Is(err, gorm.ErrRecordNotFound) {
		now := time.Now().UTC()
		created := &models.User{
			ID:            uuid.NewString(),
			Channel:       req.Channel,
			ChannelUserID: req.ChannelUserID,
			Name:          req.DisplayName,
			LastSeenAt:    &now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		// DoNothing keeps the transaction usable when a concurrent request
		// wins the insert; a raw unique violation aborts the whole
		// transaction on postgres.
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "channel"}, {Name: "channel_user_id"}},
			DoNothing: true,
		}).Create(created)
		if res.Error != nil {
			return nil, fmt.Errorf("create user: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return created, nil
		}
		// Lost the insert race; the winner's row exists now.
		user, err = lookup()
		if err != nil {
			return nil, fmt.Errorf("lookup user after insert conflict: %w", err)
		}
	} else if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{
		"last_seen_at": time.Now().UTC(),
		"updated_at":   time.Now().UTC(),
	}
	// Display name merges only if previously unset.
	if user.Name == "" && req.DisplayName != "" {
		updates["name"] = req.DisplayName
		user.Name = req.DisplayName
	}
	if err := tx.Model(&models.User{}).Where("id = ?", user.ID).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}
	return user, nil
}

// SetCategory records the user's category choice. Last write wins; repeat
// calls are fine. Fails with ErrNotFound for an unknown session and
// ErrInvalidState once the session is terminal.
func (s *SessionService) SetCategory(ctx context.Context, sessionID, category string) error {
	if category == "" {
		return fmt.Errorf("%w: category is required", ErrInvalidInput)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sess, err := lockSession(tx, sessionID)
		if err != nil {
			return err
		}
		if isTerminal(sess.Status) {
			return fmt.Errorf("%w: session %s is %s", ErrInvalidState, sess.ID, sess.Status)
		}
		now := time.Now().UTC()
		err = tx.Model(&models.Session{}).Where("id = ?", sess.ID).
			Updates(map[string]interface{}{
				"category":             category,
				"category_selected_at": now,
				"updated_at":           now,
			}).Error
		if err != nil {
			return err
		}
		_, err = appendEventLocked(tx, sess, models.EventCategorySelected, models.SenderSystem,
			category, models.EventMetadata{Category: category})
		return err
	})
}

// Escalate flags a session for human handling. Escalating an already
// escalated session is a no-op that succeeds; the broker deduplicates by
// session id either way.
func (s *SessionService) Escalate(ctx context.Context, sessionID, reason string) error {
	var summary *EscalationSummary
	var alreadyEscalated bool

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sess, err := lockSession(tx, sessionID)
		if err != nil {
			return err
		}
		if isTerminal(sess.Status) {
			return fmt.Errorf("%w: session %s is %s", ErrInvalidState, sess.ID, sess.Status)
		}

		if sess.Status == models.SessionEscalated {
			alreadyEscalated = true
		} else {
			now := time.Now().UTC()
			err = tx.Model(&models.Session{}).Where("id = ?", sess.ID).
				Updates(map[string]interface{}{
					"status":       models.SessionEscalated,
					"escalated_at": now,
					"updated_at":   now,
				}).Error
			if err != nil {
				return err
			}
			sess.Status = models.SessionEscalated
			sess.EscalatedAt = &now
			_, err = appendEventLocked(tx, sess, models.EventEscalation, models.SenderSystem,
				reason, models.EventMetadata{Reason: reason})
			if err != nil {
				return err
			}
		}

		summary, err = buildEscalationSummary(tx, sess, reason)
		return err
	})
	if err != nil {
		return err
	}

	if s.broker != nil && summary != nil {
		s.broker.Add(*summary)
	}
	if !alreadyEscalated {
		s.publish(ctx, "conversation.escalated", map[string]interface{}{
			"session_id": sessionID,
			"reason":     reason,
		})
		s.logger.WithFields(logrus.Fields{
			"session_id": sessionID,
			"reason":     reason,
		}).Info("Session escalated")
	}
	return nil
}

// Resolve marks a session handled. Valid from active or escalated.
func (s *SessionService) Resolve(ctx context.Context, sessionID string) error {
	return s.finishSession(ctx, sessionID, models.SessionResolved)
}

// Close terminates a session without resolution. Valid from active or
// escalated; a closed session accepts no further mutation.
func (s *SessionService) Close(ctx context.Context, sessionID string) error {
	return s.finishSession(ctx, sessionID, models.SessionClosed)
}

func (s *SessionService) finishSession(ctx context.Context, sessionID, target string) error {
	var wasPendingEscalation bool

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sess, err := lockSession(tx, sessionID)
		if err != nil {
			return err
		}
		if isTerminal(sess.Status) {
			return fmt.Errorf("%w: session %s is %s", ErrInvalidState, sess.ID, sess.Status)
		}
		wasPendingEscalation = sess.Status == models.SessionEscalated && sess.AssignedAgentID == nil

		now := time.Now().UTC()
		updates := map[string]interface{}{
			"status":     target,
			"updated_at": now,
		}
		if target == models.SessionResolved {
			updates["resolved_at"] = now
		}
		if err := tx.Model(&models.Session{}).Where("id = ?", sess.ID).Updates(updates).Error; err != nil {
			return err
		}
		_, err = appendEventLocked(tx, sess, models.EventSystem, models.SenderSystem,
			"session "+target, models.EventMetadata{})
		if err != nil {
			return err
		}

		if sess.AssignedAgentID != nil {
			if err := releaseAgentLocked(tx, *sess.AssignedAgentID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if wasPendingEscalation && s.broker != nil {
		s.broker.Remove(sessionID)
	}
	s.publish(ctx, "conversation."+target, map[string]interface{}{"session_id": sessionID})
	return nil
}

// GetSession returns a session with its user, or ErrNotFound.
func (s *SessionService) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var sess models.Session
	err := s.db.WithContext(ctx).Preload("User").First(&sess, "id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// ListSessions returns sessions filtered by status (all live sessions when
// status is empty), newest first.
func (s *SessionService) ListSessions(ctx context.Context, status string, limit int) ([]models.Session, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Preload("User").Order("updated_at DESC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	} else {
		q = q.Where("status IN ?", []string{models.SessionActive, models.SessionEscalated})
	}
	var sessions []models.Session
	if err := q.Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *SessionService) publish(ctx context.Context, key string, payload map[string]interface{}) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, key, payload); err != nil {
		s.logger.Warnf("publish %s: %v", key, err)
	}
}

func isTerminal(status string) bool {
	return status == models.SessionResolved || status == models.SessionClosed
}

// releaseAgentLocked drops one unit of load from an agent when a session it
// owned reaches a terminal state.
func releaseAgentLocked(tx *gorm.DB, agentID string) error {
	var agent models.Agent
	err := forUpdate(tx).First(&agent, "id = ?", agentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if agent.CurrentLoad > 0 {
		agent.CurrentLoad--
	}
	if agent.CurrentLoad == 0 && agent.Status == models.AgentBusy {
		agent.Status = models.AgentOnline
	}
	agent.UpdatedAt = time.Now().UTC()
	return tx.Save(&agent).Error
}

// buildEscalationSummary assembles what agents see in their pending list.
func buildEscalationSummary(tx *gorm.DB, sess *models.Session, reason string) (*EscalationSummary, error) {
	recent, err := recentMessages(tx, sess.ID, 5)
	if err != nil {
		return nil, err
	}
	var user models.User
	if err := tx.First(&user, "id = ?", sess.UserID).Error; err != nil {
		return nil, err
	}
	msgs := make([]SummaryMessage, 0, len(recent))
	for _, e := range recent {
		msgs = append(msgs, SummaryMessage{
			Sender:  e.Sender,
			Content: e.Content,
			SentAt:  e.CreatedAt,
		})
	}
	escalatedAt := time.Now().UTC()
	if sess.EscalatedAt != nil {
		escalatedAt = *sess.EscalatedAt
	}
	return &EscalationSummary{
		SessionID:      sess.ID,
		UserID:         sess.UserID,
		UserName:       user.Name,
		Channel:        sess.Channel,
		Category:       sess.Category,
		Reason:         reason,
		RecentMessages: msgs,
		EscalatedAt:    escalatedAt,
	}, nil
}
