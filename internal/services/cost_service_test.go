package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"relaydesk/internal/models"
)

func TestRecordCost_AndSessionTotal(t *testing.T) {
	db := newTestDB(t)
	costs := NewCostService(db, nil)
	eventsSvc := NewEventService(db, nil)
	ctx := context.Background()

	user := seedUser(t, db)
	sess := seedSession(t, db, user, models.SessionActive)

	event, err := eventsSvc.Append(ctx, &AppendRequest{
		SessionID: sess.ID,
		Type:      models.EventBotMessage,
		Sender:    models.SenderBot,
		Content:   "reply",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	_, err = costs.RecordCost(ctx, &RecordCostRequest{
		SessionID:    sess.ID,
		EventID:      event.ID,
		Service:      "openai",
		Model:        "gpt-4",
		InputTokens:  120,
		OutputTokens: 80,
		CostUSD:      0.0084,
	})
	if err != nil {
		t.Fatalf("record with event: %v", err)
	}
	_, err = costs.RecordCost(ctx, &RecordCostRequest{
		SessionID: sess.ID,
		Service:   "whisper",
		CostUSD:   0.0006,
	})
	if err != nil {
		t.Fatalf("record without event: %v", err)
	}

	total, err := costs.SessionTotal(ctx, sess.ID)
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	assert.InDelta(t, 0.0090, total, 1e-9)

	empty, err := costs.SessionTotal(ctx, "no-costs")
	if err != nil {
		t.Fatalf("empty total: %v", err)
	}
	assert.Zero(t, empty)
}

func TestRecordCost_Validation(t *testing.T) {
	db := newTestDB(t)
	costs := NewCostService(db, nil)
	ctx := context.Background()

	user := seedUser(t, db)
	sess := seedSession(t, db, user, models.SessionActive)

	cases := []struct {
		name string
		req  RecordCostRequest
		want error
	}{
		{"negative tokens", RecordCostRequest{SessionID: sess.ID, Service: "openai", InputTokens: -1, CostUSD: 0.01}, ErrInvalidInput},
		{"zero cost", RecordCostRequest{SessionID: sess.ID, Service: "openai"}, ErrInvalidInput},
		{"unknown session", RecordCostRequest{SessionID: "missing", Service: "openai", CostUSD: 0.01}, ErrNotFound},
		{"event from another session", RecordCostRequest{SessionID: sess.ID, EventID: "other-event", Service: "openai", CostUSD: 0.01}, ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := costs.RecordCost(ctx, &tc.req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestStatsService_Realtime(t *testing.T) {
	db := newTestDB(t)
	stats := NewStatsService(db)
	eventsSvc := NewEventService(db, nil)
	ctx := context.Background()

	user := seedUser(t, db)
	active := seedSession(t, db, user, models.SessionActive)
	seedSession(t, db, user, models.SessionEscalated)
	seedSession(t, db, user, models.SessionClosed)

	for i := 0; i < 3; i++ {
		if _, err := eventsSvc.Append(ctx, &AppendRequest{
			SessionID: active.ID,
			Type:      models.EventUserMessage,
			Sender:    models.SenderUser,
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	db.Create(&models.Agent{ID: "a-1", Status: models.AgentOnline})
	db.Create(&models.Agent{ID: "a-2", Status: models.AgentOffline})

	m, err := stats.Realtime(ctx)
	if err != nil {
		t.Fatalf("realtime: %v", err)
	}
	assert.Equal(t, int64(2), m.ActiveSessions)
	assert.Equal(t, int64(3), m.MessagesLastHour)
	assert.Equal(t, int64(1), m.EscalationsPending)
	assert.Equal(t, int64(1), m.AgentsOnline)
}
