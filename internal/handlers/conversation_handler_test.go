package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"relaydesk/internal/models"
	"relaydesk/internal/services"
)

func newHandlerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newConversationRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := newHandlerTestDB(t)
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	sessions := services.NewSessionService(db, logger)
	events := services.NewEventService(db, logger)
	costs := services.NewCostService(db, logger)

	r := gin.New()
	api := r.Group("/api")
	RegisterConversationRoutes(api, NewConversationHandler(sessions, events, costs, logger))
	RegisterCostRoutes(api, NewCostHandler(costs, logger))
	return r, db
}

func newJSONRequest(t *testing.T, method, path string, body interface{}) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, newJSONRequest(t, method, path, body))
	return w
}

func TestConversationAPI_Lifecycle(t *testing.T) {
	r, _ := newConversationRouter(t)

	// First contact creates the session.
	w := doJSON(t, r, http.MethodPost, "/api/conversations", gin.H{
		"channel":         "telegram",
		"channel_user_id": "tg-1",
		"display_name":    "Alice",
	})
	assert.Equal(t, http.StatusCreated, w.Code)
	var created services.GetOrCreateResult
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	sessionID := created.SessionID

	// Second contact reuses it.
	w = doJSON(t, r, http.MethodPost, "/api/conversations", gin.H{
		"channel":         "telegram",
		"channel_user_id": "tg-1",
	})
	assert.Equal(t, http.StatusOK, w.Code)

	// Category, a message, escalation.
	w = doJSON(t, r, http.MethodPut, "/api/conversations/"+sessionID+"/category", gin.H{"category": "billing"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/conversations/"+sessionID+"/events", gin.H{
		"type":    models.EventUserMessage,
		"sender":  models.SenderUser,
		"content": "my invoice is wrong",
	})
	assert.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/conversations/"+sessionID+"/escalate", gin.H{"reason": "billing dispute"})
	assert.Equal(t, http.StatusOK, w.Code)

	// Detail view shows the escalated status.
	w = doJSON(t, r, http.MethodGet, "/api/conversations/"+sessionID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), models.SessionEscalated)

	// Resolve, then any further mutation conflicts.
	w = doJSON(t, r, http.MethodPost, "/api/conversations/"+sessionID+"/resolve", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/conversations/"+sessionID+"/escalate", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestConversationAPI_HistoryPagination(t *testing.T) {
	r, _ := newConversationRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/conversations", gin.H{
		"channel":         "web",
		"channel_user_id": "w-1",
	})
	var created services.GetOrCreateResult
	json.Unmarshal(w.Body.Bytes(), &created)

	for i := 0; i < 7; i++ {
		w = doJSON(t, r, http.MethodPost, "/api/conversations/"+created.SessionID+"/events", gin.H{
			"type":    models.EventBotMessage,
			"sender":  models.SenderBot,
			"content": fmt.Sprintf("m%d", i),
		})
		assert.Equal(t, http.StatusCreated, w.Code)
	}

	var page struct {
		Data       []models.Event `json:"data"`
		Count      int            `json:"count"`
		NextCursor int64          `json:"next_cursor"`
	}
	w = doJSON(t, r, http.MethodGet, "/api/conversations/"+created.SessionID+"/events?limit=5", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	json.Unmarshal(w.Body.Bytes(), &page)
	assert.Equal(t, 5, page.Count)
	assert.Equal(t, int64(5), page.NextCursor)

	w = doJSON(t, r, http.MethodGet,
		fmt.Sprintf("/api/conversations/%s/events?limit=5&after=%d", created.SessionID, page.NextCursor), nil)
	json.Unmarshal(w.Body.Bytes(), &page)
	assert.Equal(t, 2, page.Count)
	assert.Equal(t, int64(6), page.Data[0].Seq)
}

func TestConversationAPI_ErrorMapping(t *testing.T) {
	r, _ := newConversationRouter(t)

	// Missing required fields.
	w := doJSON(t, r, http.MethodPost, "/api/conversations", gin.H{"channel": "web"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Unknown session.
	w = doJSON(t, r, http.MethodGet, "/api/conversations/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/conversations/missing/escalate", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Invalid event type.
	created := services.GetOrCreateResult{}
	w = doJSON(t, r, http.MethodPost, "/api/conversations", gin.H{"channel": "web", "channel_user_id": "w-9"})
	json.Unmarshal(w.Body.Bytes(), &created)
	w = doJSON(t, r, http.MethodPost, "/api/conversations/"+created.SessionID+"/events", gin.H{
		"type":   "bogus",
		"sender": models.SenderUser,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCostAPI_RecordAndTotal(t *testing.T) {
	r, _ := newConversationRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/conversations", gin.H{"channel": "web", "channel_user_id": "w-1"})
	var created services.GetOrCreateResult
	json.Unmarshal(w.Body.Bytes(), &created)

	// Explicit amount.
	w = doJSON(t, r, http.MethodPost, "/api/costs", gin.H{
		"session_id": created.SessionID,
		"service":    "whisper",
		"cost_usd":   0.002,
	})
	assert.Equal(t, http.StatusCreated, w.Code)

	// Amount computed from the pricing table.
	w = doJSON(t, r, http.MethodPost, "/api/costs", gin.H{
		"session_id":    created.SessionID,
		"service":       "openai",
		"model":         "gpt-4",
		"input_tokens":  1000,
		"output_tokens": 1000,
	})
	assert.Equal(t, http.StatusCreated, w.Code)
	var record models.CostRecord
	json.Unmarshal(w.Body.Bytes(), &record)
	assert.InDelta(t, 0.09, record.CostUSD, 1e-9)

	var total struct {
		TotalCostUSD float64 `json:"total_cost_usd"`
	}
	w = doJSON(t, r, http.MethodGet, "/api/costs/sessions/"+created.SessionID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	json.Unmarshal(w.Body.Bytes(), &total)
	assert.InDelta(t, 0.092, total.TotalCostUSD, 1e-9)

	// Unknown session is a 404.
	w = doJSON(t, r, http.MethodPost, "/api/costs", gin.H{
		"session_id": "missing",
		"service":    "openai",
		"cost_usd":   0.01,
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
