package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"relaydesk/internal/models"
)

// CostService is the append-only usage ledger. Records are inserted once and
// never touched again; aggregation is a downstream analytics concern.
type CostService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewCostService(db *gorm.DB, logger *logrus.Logger) *CostService {
	if logger == nil {
		logger = logrus.New()
	}
	return &CostService{db: db, logger: logger}
}

// RecordCostRequest is one usage charge. EventID is optional; when present it
// must reference an event in the same session.
type RecordCostRequest struct {
	SessionID    string  `json:"session_id" binding:"required"`
	EventID      string  `json:"event_id"`
	Service      string  `json:"service" binding:"required"`
	Model        string  `json:"model"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// RecordCost appends one charge. Validation is structural only: non-negative
// token counts, a positive amount, and referenced rows must exist.
func (s *CostService) RecordCost(ctx context.Context, req *RecordCostRequest) (*models.CostRecord, error) {
	if req.InputTokens < 0 || req.OutputTokens < 0 {
		return nil, fmt.Errorf("%w: token counts must be non-negative", ErrInvalidInput)
	}
	if req.CostUSD <= 0 {
		return nil, fmt.Errorf("%w: cost must be positive", ErrInvalidInput)
	}

	var record *models.CostRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Session{}).Where("id = ?", req.SessionID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("%w: session %s", ErrNotFound, req.SessionID)
		}

		var eventID *string
		if req.EventID != "" {
			if err := tx.Model(&models.Event{}).
				Where("id = ? AND session_id = ?", req.EventID, req.SessionID).
				Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return fmt.Errorf("%w: event %s in session %s", ErrNotFound, req.EventID, req.SessionID)
			}
			eventID = &req.EventID
		}

		record = &models.CostRecord{
			ID:           uuid.NewString(),
			SessionID:    req.SessionID,
			EventID:      eventID,
			Service:      req.Service,
			Model:        req.Model,
			InputTokens:  req.InputTokens,
			OutputTokens: req.OutputTokens,
			CostUSD:      req.CostUSD,
			CreatedAt:    time.Now().UTC(),
		}
		return tx.Create(record).Error
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// SessionTotal sums the charges of one conversation.
func (s *CostService) SessionTotal(ctx context.Context, sessionID string) (float64, error) {
	var total float64
	err := s.db.WithContext(ctx).Model(&models.CostRecord{}).
		Where("session_id = ?", sessionID).
		Select("COALESCE(SUM(cost_usd), 0)").
		Scan(&total).Error
	return total, err
}
