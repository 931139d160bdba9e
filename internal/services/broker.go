package services

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"relaydesk/internal/models"
)

// SummaryMessage is one recent message shown in an escalation card.
type SummaryMessage struct {
	Sender  string    `json:"sender"`
	Content string    `json:"content"`
	SentAt  time.Time `json:"sent_at"`
}

// EscalationSummary is what every connected agent sees for one pending
// escalation.
type EscalationSummary struct {
	SessionID      string           `json:"session_id"`
	UserID         string           `json:"user_id"`
	UserName       string           `json:"user_name,omitempty"`
	Channel        string           `json:"channel"`
	Category       string           `json:"category,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	RecentMessages []SummaryMessage `json:"recent_messages"`
	EscalatedAt    time.Time        `json:"escalated_at"`
}

// EscalationNotifier fans broker changes out to connected agents. Implemented
// by the websocket hub.
type EscalationNotifier interface {
	BroadcastEscalation(EscalationSummary)
	BroadcastRemoval(sessionID string)
}

type brokerCmd struct {
	add     *EscalationSummary
	remove  string
	reply   chan []EscalationSummary
	rebuild bool
}

// EscalationBroker owns the in-memory set of sessions awaiting a human. One
// goroutine owns the map and serializes every read and write through the
// command channel; the session store stays authoritative and the set is
// rebuilt from it on startup.
type EscalationBroker struct {
	db       *gorm.DB
	logger   *logrus.Logger
	notifier EscalationNotifier
	cmds     chan brokerCmd
}

func NewEscalationBroker(db *gorm.DB, logger *logrus.Logger) *EscalationBroker {
	if logger == nil {
		logger = logrus.New()
	}
	return &EscalationBroker{
		db:     db,
		logger: logger,
		cmds:   make(chan brokerCmd, 64),
	}
}

// SetNotifier injects the realtime fan-out (optional for tests).
func (b *EscalationBroker) SetNotifier(n EscalationNotifier) {
	b.notifier = n
}

// Run is the actor loop. It rebuilds the pending set from the store, then
// serves commands until ctx is cancelled.
func (b *EscalationBroker) Run(ctx context.Context) {
	pending := b.loadPending(ctx)
	b.logger.Infof("Escalation broker started with %d pending escalations", len(pending))

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-b.cmds:
			switch {
			case cmd.add != nil:
				if _, exists := pending[cmd.add.SessionID]; !exists {
					pending[cmd.add.SessionID] = *cmd.add
					if b.notifier != nil {
						b.notifier.BroadcastEscalation(*cmd.add)
					}
				}
			case cmd.remove != "":
				if _, exists := pending[cmd.remove]; exists {
					delete(pending, cmd.remove)
					if b.notifier != nil {
						b.notifier.BroadcastRemoval(cmd.remove)
					}
				}
			case cmd.reply != nil:
				cmd.reply <- sortedSummaries(pending)
			case cmd.rebuild:
				pending = b.loadPending(ctx)
			}
		}
	}
}

// Add enqueues a pending escalation; duplicates by session id are dropped.
func (b *EscalationBroker) Add(summary EscalationSummary) {
	b.cmds <- brokerCmd{add: &summary}
}

// Remove retracts a session from every agent's pending list.
func (b *EscalationBroker) Remove(sessionID string) {
	b.cmds <- brokerCmd{remove: sessionID}
}

// Snapshot returns the current pending escalations, oldest first.
func (b *EscalationBroker) Snapshot() []EscalationSummary {
	reply := make(chan []EscalationSummary, 1)
	b.cmds <- brokerCmd{reply: reply}
	return <-reply
}

// Resync discards the cache and reloads it from the store. Used when the
// in-memory view may have diverged.
func (b *EscalationBroker) Resync() {
	b.cmds <- brokerCmd{rebuild: true}
}

// loadPending materializes the derived set: escalated sessions with no
// assigned agent.
func (b *EscalationBroker) loadPending(ctx context.Context) map[string]EscalationSummary {
	pending := make(map[string]EscalationSummary)

	var sessions []models.Session
	err := b.db.WithContext(ctx).Preload("User").
		Where("status = ? AND assigned_agent_id IS NULL", models.SessionEscalated).
		Order("escalated_at ASC").
		Find(&sessions).Error
	if err != nil {
		b.logger.Errorf("Failed to load pending escalations: %v", err)
		return pending
	}

	for _, sess := range sessions {
		reason := ""
		var escEvent models.Event
		err := b.db.WithContext(ctx).
			Where("session_id = ? AND type = ?", sess.ID, models.EventEscalation).
			Order("seq DESC").
			First(&escEvent).Error
		if err == nil {
			reason = escEvent.Metadata.Reason
		}

		recent, err := recentMessages(b.db.WithContext(ctx), sess.ID, 5)
		if err != nil {
			b.logger.Warnf("Recent messages for session %s: %v", sess.ID, err)
		}
		msgs := make([]SummaryMessage, 0, len(recent))
		for _, e := range recent {
			msgs = append(msgs, SummaryMessage{Sender: e.Sender, Content: e.Content, SentAt: e.CreatedAt})
		}

		escalatedAt := sess.UpdatedAt
		if sess.EscalatedAt != nil {
			escalatedAt = *sess.EscalatedAt
		}
		pending[sess.ID] = EscalationSummary{
			SessionID:      sess.ID,
			UserID:         sess.UserID,
			UserName:       sess.User.Name,
			Channel:        sess.Channel,
			Category:       sess.Category,
			Reason:         reason,
			RecentMessages: msgs,
			EscalatedAt:    escalatedAt,
		}
	}
	return pending
}

func sortedSummaries(pending map[string]EscalationSummary) []EscalationSummary {
	out := make([]EscalationSummary, 0, len(pending))
	for _, s := range pending {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EscalatedAt.Before(out[j].EscalatedAt)
	})
	return out
}
