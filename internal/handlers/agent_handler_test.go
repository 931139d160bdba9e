package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"

	"relaydesk/internal/config"
	"relaydesk/internal/middleware"
	"relaydesk/internal/models"
	"relaydesk/internal/services"
)

const agentTestSecret = "agent-api-secret"

type agentTestEnv struct {
	router *gin.Engine
	db     *gorm.DB
	broker *services.EscalationBroker
}

func newAgentRouter(t *testing.T) *agentTestEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := newHandlerTestDB(t)
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	cfg := config.GetDefaultConfig()
	cfg.JWT.Secret = agentTestSecret

	broker := services.NewEscalationBroker(db, logger)
	brokerCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go broker.Run(brokerCtx)

	hub := services.NewHub(db, logger, services.GatewayOptions{})
	broker.SetNotifier(hub)
	hub.SetBroker(broker)
	go hub.Run()

	events := services.NewEventService(db, logger)
	stats := services.NewStatsService(db)
	takeover := services.NewTakeoverService(db, logger)
	takeover.SetBroker(broker)
	takeover.SetGateway(hub)

	r := gin.New()
	api := r.Group("/api")
	authed := api.Group("/")
	authed.Use(middleware.AgentAuth(cfg))
	RegisterAgentRoutes(authed, NewAgentHandler(takeover, events, broker, stats, hub, logger))
	RegisterStatsRoutes(authed, NewStatsHandler(stats, hub, logger))

	return &agentTestEnv{router: r, db: db, broker: broker}
}

func (e *agentTestEnv) doAuthed(t *testing.T, agentID, agentName, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	token, err := middleware.CreateAgentToken(agentTestSecret, agentID, agentName, time.Hour)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	w := httptest.NewRecorder()
	req := newJSONRequest(t, method, path, body)
	req.Header.Set("Authorization", "Bearer "+token)
	e.router.ServeHTTP(w, req)
	return w
}

func (e *agentTestEnv) seedEscalated(t *testing.T) *models.Session {
	t.Helper()
	now := time.Now().UTC()
	user := &models.User{ID: "u-1", Channel: "web", ChannelUserID: "w-1", CreatedAt: now, UpdatedAt: now}
	if err := e.db.FirstOrCreate(user, "id = ?", user.ID).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	sess := &models.Session{
		ID: "sess-" + now.Format("150405.000000000"), UserID: user.ID, Channel: "web",
		Status: models.SessionEscalated, EscalatedAt: &now, CreatedAt: now, UpdatedAt: now,
	}
	if err := e.db.Create(sess).Error; err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return sess
}

func TestAgentAPI_RequiresAuth(t *testing.T) {
	env := newAgentRouter(t)

	w := httptest.NewRecorder()
	req := newJSONRequest(t, http.MethodGet, "/api/agent/escalations", nil)
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAgentAPI_TakeoverFlow(t *testing.T) {
	env := newAgentRouter(t)
	sess := env.seedEscalated(t)

	w := env.doAuthed(t, "agent-1", "Ann", http.MethodPost, "/api/agent/takeover",
		gin.H{"session_id": sess.ID})
	assert.Equal(t, http.StatusOK, w.Code)
	var result services.TakeoverResult
	json.Unmarshal(w.Body.Bytes(), &result)
	assert.Equal(t, "agent-1", result.AgentID)

	// Someone else loses the race.
	w = env.doAuthed(t, "agent-2", "Ben", http.MethodPost, "/api/agent/takeover",
		gin.H{"session_id": sess.ID})
	assert.Equal(t, http.StatusConflict, w.Code)

	// The winner can message the session; identity comes from the token.
	w = env.doAuthed(t, "agent-1", "Ann", http.MethodPost,
		"/api/agent/conversations/"+sess.ID+"/messages", gin.H{"content": "hi, Ann here"})
	assert.Equal(t, http.StatusCreated, w.Code)
	var event models.Event
	json.Unmarshal(w.Body.Bytes(), &event)
	assert.Equal(t, models.EventAgentMessage, event.Type)
	assert.Equal(t, "agent-1", event.Metadata.AgentID)
	assert.Equal(t, "Ann", event.Metadata.AgentName)
}

func TestAgentAPI_TakeoverUnknownSession(t *testing.T) {
	env := newAgentRouter(t)

	w := env.doAuthed(t, "agent-1", "Ann", http.MethodPost, "/api/agent/takeover",
		gin.H{"session_id": "missing"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAgentAPI_ListEscalations(t *testing.T) {
	env := newAgentRouter(t)
	sess := env.seedEscalated(t)
	env.broker.Resync()

	w := env.doAuthed(t, "agent-1", "Ann", http.MethodGet, "/api/agent/escalations", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data  []services.EscalationSummary `json:"data"`
		Count int                          `json:"count"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if assert.Equal(t, 1, resp.Count) {
		assert.Equal(t, sess.ID, resp.Data[0].SessionID)
	}
}

func TestAgentAPI_ListAgentsAndMetrics(t *testing.T) {
	env := newAgentRouter(t)
	sess := env.seedEscalated(t)

	w := env.doAuthed(t, "agent-1", "Ann", http.MethodPost, "/api/agent/takeover",
		gin.H{"session_id": sess.ID})
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.doAuthed(t, "agent-1", "Ann", http.MethodGet, "/api/agent/agents", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "agent-1")
	assert.Contains(t, w.Body.String(), `"connected":false`)

	w = env.doAuthed(t, "agent-1", "Ann", http.MethodGet, "/api/metrics/realtime", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Metrics services.RealtimeMetrics `json:"metrics"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	assert.Equal(t, int64(1), resp.Metrics.ActiveSessions)
	assert.Equal(t, int64(0), resp.Metrics.EscalationsPending, "assigned sessions are no longer pending")
}
