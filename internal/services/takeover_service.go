package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"relaydesk/internal/events"
	"relaydesk/internal/models"
)

// TakeoverService enforces single-assignment of escalated sessions. The claim
// itself is one conditional UPDATE whose precondition is checked by the
// database, so N racing agents get exactly one success.
type TakeoverService struct {
	db        *gorm.DB
	logger    *logrus.Logger
	broker    *EscalationBroker
	gateway   *Hub
	publisher events.Publisher
}

func NewTakeoverService(db *gorm.DB, logger *logrus.Logger) *TakeoverService {
	if logger == nil {
		logger = logrus.New()
	}
	return &TakeoverService{db: db, logger: logger}
}

func (s *TakeoverService) SetBroker(b *EscalationBroker) {
	s.broker = b
}

func (s *TakeoverService) SetGateway(h *Hub) {
	s.gateway = h
}

func (s *TakeoverService) SetPublisher(p events.Publisher) {
	s.publisher = p
}

// TakeoverResult reports a successful claim.
type TakeoverResult struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
	EventID   string `json:"event_id"`
}

// Takeover atomically assigns an escalated, unassigned session to agentID.
// Returns ErrNotFound if the session does not exist and ErrConflict if it is
// not escalated or another agent already holds it; either way no state
// changes. On success the takeover event, the agent counters and the
// assignment all commit together, then the broker retracts the session for
// every connected agent.
func (s *TakeoverService) Takeover(ctx context.Context, sessionID, agentID, agentName string) (*TakeoverResult, error) {
	if sessionID == "" || agentID == "" {
		return nil, fmt.Errorf("%w: session_id and agent_id are required", ErrInvalidInput)
	}

	result := &TakeoverResult{SessionID: sessionID, AgentID: agentID}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()

		// The claim. The IS NULL precondition is what makes concurrent
		// takeovers on the same session mutually exclusive.
		res := tx.Model(&models.Session{}).
			Where("id = ? AND status = ? AND assigned_agent_id IS NULL",
				sessionID, models.SessionEscalated).
			Updates(map[string]interface{}{
				"assigned_agent_id": agentID,
				"updated_at":        now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&models.Session{}).Where("id = ?", sessionID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
			}
			return fmt.Errorf("%w: session %s already assigned or not escalated", ErrConflict, sessionID)
		}

		sess, err := lockSession(tx, sessionID)
		if err != nil {
			return err
		}
		event, err := appendEventLocked(tx, sess, models.EventTakeover, models.SenderAgent,
			"agent takeover", models.EventMetadata{AgentID: agentID, AgentName: agentName})
		if err != nil {
			return err
		}
		result.EventID = event.ID

		return claimAgentLocked(tx, agentID, agentName, now)
	})
	if err != nil {
		return nil, err
	}

	if s.broker != nil {
		s.broker.Remove(sessionID)
	}
	if s.gateway != nil {
		s.gateway.SendTakeoverSuccess(agentID, sessionID)
	}
	if s.publisher != nil {
		pubErr := s.publisher.Publish(ctx, "conversation.takeover", map[string]interface{}{
			"session_id": sessionID,
			"agent_id":   agentID,
		})
		if pubErr != nil {
			s.logger.Warnf("publish conversation.takeover: %v", pubErr)
		}
	}

	s.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"agent_id":   agentID,
	}).Info("Agent took over session")
	return result, nil
}

// claimAgentLocked bumps the winning agent's counters and marks it busy,
// creating the agent row on first takeover.
func claimAgentLocked(tx *gorm.DB, agentID, agentName string, now time.Time) error {
	var agent models.Agent
	err := forUpdate(tx).First(&agent, "id = ?", agentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		agent = models.Agent{
			ID:        agentID,
			Name:      agentName,
			CreatedAt: now,
		}
	} else if err != nil {
		return err
	}
	if agent.Name == "" && agentName != "" {
		agent.Name = agentName
	}
	agent.CurrentLoad++
	agent.TotalTakeovers++
	agent.Status = models.AgentBusy
	agent.LastActiveAt = &now
	agent.UpdatedAt = now
	return tx.Save(&agent).Error
}
