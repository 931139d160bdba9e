package models

import (
	"time"
)

// Session status values. Transitions are enforced by the session service:
// active -> escalated -> (resolved|closed), active -> resolved, active -> closed.
const (
	SessionActive    = "active"
	SessionEscalated = "escalated"
	SessionResolved  = "resolved"
	SessionClosed    = "closed"
)

// Event types.
const (
	EventUserMessage      = "user_message"
	EventBotMessage       = "bot_message"
	EventAgentMessage     = "agent_message"
	EventCategorySelected = "category_selected"
	EventEscalation       = "escalation"
	EventTakeover         = "takeover"
	EventSystem           = "system"
)

// Event senders.
const (
	SenderUser   = "user"
	SenderBot    = "bot"
	SenderAgent  = "agent"
	SenderSystem = "system"
)

// Agent status values.
const (
	AgentOnline  = "online"
	AgentOffline = "offline"
	AgentBusy    = "busy"
)

// User is the long-lived identity behind a conversation, unique per
// (channel, channel user id). Created on first contact, never deleted.
type User struct {
	ID            string     `gorm:"primaryKey" json:"id"`
	Channel       string     `gorm:"uniqueIndex:idx_channel_user;not null" json:"channel"`
	ChannelUserID string     `gorm:"uniqueIndex:idx_channel_user;not null" json:"channel_user_id"`
	Name          string     `json:"name"`
	LastSeenAt    *time.Time `json:"last_seen_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`

	Sessions []Session `gorm:"foreignKey:UserID" json:"sessions,omitempty"`
}

// Session is one conversation thread. A user has at most one session with
// status in {active, escalated} at any time.
type Session struct {
	ID              string  `gorm:"primaryKey" json:"id"`
	UserID          string  `gorm:"index;not null" json:"user_id"`
	Channel         string  `gorm:"not null" json:"channel"`
	Category        string  `json:"category"`
	Status          string  `gorm:"default:'active';index" json:"status"`
	AssignedAgentID *string `gorm:"index" json:"assigned_agent_id"`

	// LastEventSeq is the per-session event counter, only ever bumped under
	// the session row lock so event order stays unambiguous.
	LastEventSeq int64 `gorm:"default:0" json:"-"`

	CategorySelectedAt *time.Time `json:"category_selected_at"`
	EscalatedAt        *time.Time `json:"escalated_at"`
	ResolvedAt         *time.Time `json:"resolved_at"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`

	User          User         `gorm:"foreignKey:UserID" json:"user,omitempty"`
	AssignedAgent *Agent       `gorm:"foreignKey:AssignedAgentID" json:"assigned_agent,omitempty"`
	Events        []Event      `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"events,omitempty"`
	Costs         []CostRecord `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"costs,omitempty"`
}

// EventMetadata is the closed set of structured payload fields an event may
// carry. Unknown JSON fields from older or newer writers are dropped on read
// but never break decoding.
type EventMetadata struct {
	Reason    string `json:"reason,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	AgentName string `json:"agent_name,omitempty"`
	Category  string `json:"category,omitempty"`
	Source    string `json:"source,omitempty"`
}

// Event is one immutable fact in a session's history. Rows are insert-only.
type Event struct {
	ID        string        `gorm:"primaryKey" json:"id"`
	SessionID string        `gorm:"uniqueIndex:idx_session_seq;not null" json:"session_id"`
	Seq       int64         `gorm:"uniqueIndex:idx_session_seq;not null" json:"seq"`
	Type      string        `gorm:"not null" json:"type"`
	Sender    string        `gorm:"not null" json:"sender"`
	Content   string        `gorm:"type:text" json:"content"`
	Metadata  EventMetadata `gorm:"serializer:json" json:"metadata"`
	CreatedAt time.Time     `json:"created_at"`

	Session Session `gorm:"foreignKey:SessionID" json:"-"`
}

// Agent is a human operator.
type Agent struct {
	ID             string     `gorm:"primaryKey" json:"id"`
	Name           string     `json:"name"`
	Status         string     `gorm:"default:'offline'" json:"status"` // online, offline, busy
	CurrentLoad    int        `gorm:"default:0" json:"current_load"`
	TotalTakeovers int        `gorm:"default:0" json:"total_takeovers"`
	LastActiveAt   *time.Time `json:"last_active_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// CostRecord is one append-only API usage charge attached to a session and,
// optionally, the event that incurred it.
type CostRecord struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	SessionID    string    `gorm:"index;not null" json:"session_id"`
	EventID      *string   `gorm:"index" json:"event_id"`
	Service      string    `gorm:"not null" json:"service"` // e.g. openai_completion, openai_embedding
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	CreatedAt    time.Time `json:"created_at"`

	Session Session `gorm:"foreignKey:SessionID" json:"-"`
	Event   *Event  `gorm:"foreignKey:EventID" json:"-"`
}

// All returns every model for AutoMigrate.
func All() []interface{} {
	return []interface{}{
		&User{}, &Session{}, &Event{}, &Agent{}, &CostRecord{},
	}
}
