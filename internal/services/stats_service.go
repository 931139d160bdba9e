package services

import (
	"context"
	"time"

	"gorm.io/gorm"

	"relaydesk/internal/models"
)

// RealtimeMetrics are point-in-time operational counts for the agent console.
type RealtimeMetrics struct {
	ActiveSessions     int64 `json:"active_sessions"`
	MessagesLastHour   int64 `json:"messages_last_hour"`
	EscalationsPending int64 `json:"escalations_pending"`
	AgentsOnline       int64 `json:"agents_online"`
}

// StatsService answers simple live counts. Historical aggregation lives in
// downstream analytics, not here.
type StatsService struct {
	db *gorm.DB
}

func NewStatsService(db *gorm.DB) *StatsService {
	return &StatsService{db: db}
}

func (s *StatsService) Realtime(ctx context.Context) (*RealtimeMetrics, error) {
	var m RealtimeMetrics
	db := s.db.WithContext(ctx)

	if err := db.Model(&models.Session{}).
		Where("status IN ?", []string{models.SessionActive, models.SessionEscalated}).
		Count(&m.ActiveSessions).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.Event{}).
		Where("created_at > ? AND type IN ?", time.Now().UTC().Add(-time.Hour),
			[]string{models.EventUserMessage, models.EventBotMessage, models.EventAgentMessage}).
		Count(&m.MessagesLastHour).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.Session{}).
		Where("status = ? AND assigned_agent_id IS NULL", models.SessionEscalated).
		Count(&m.EscalationsPending).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.Agent{}).
		Where("status IN ?", []string{models.AgentOnline, models.AgentBusy}).
		Count(&m.AgentsOnline).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ListAgents returns every agent, most recently active first.
func (s *StatsService) ListAgents(ctx context.Context) ([]models.Agent, error) {
	var agents []models.Agent
	err := s.db.WithContext(ctx).Order("updated_at DESC").Find(&agents).Error
	return agents, err
}
