package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"relaydesk/internal/config"
)

const testSecret = "test-secret"

func TestCreateAndVerifyAgentToken(t *testing.T) {
	token, err := CreateAgentToken(testSecret, "agent-1", "Ann", 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	claims, err := VerifyAgentToken(testSecret, token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	assert.Equal(t, "agent-1", claims.AgentID)
	assert.Equal(t, "Ann", claims.AgentName)
}

func TestVerifyAgentToken_Failures(t *testing.T) {
	token, _ := CreateAgentToken(testSecret, "agent-1", "Ann", time.Hour)

	if _, err := VerifyAgentToken("wrong-secret", token); err == nil {
		t.Fatal("expected signature verification to fail")
	}
	if _, err := VerifyAgentToken(testSecret, "garbage"); err == nil {
		t.Fatal("expected malformed token to fail")
	}

	expired, _ := CreateAgentToken(testSecret, "agent-1", "Ann", -time.Hour)
	if _, err := VerifyAgentToken(testSecret, expired); err == nil {
		t.Fatal("expected expired token to fail")
	}

	if _, err := CreateAgentToken(testSecret, "", "Ann", 0); err == nil {
		t.Fatal("expected empty agent id to be rejected")
	}
	if _, err := CreateAgentToken("", "agent-1", "Ann", 0); err == nil {
		t.Fatal("expected empty secret to be rejected")
	}
}

func newAuthRouter(secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	cfg := config.GetDefaultConfig()
	cfg.JWT.Secret = secret

	r := gin.New()
	r.GET("/whoami", AgentAuth(cfg), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"agent_id":   c.GetString("agent_id"),
			"agent_name": c.GetString("agent_name"),
		})
	})
	return r
}

func TestAgentAuth_BearerHeader(t *testing.T) {
	r := newAuthRouter(testSecret)
	token, _ := CreateAgentToken(testSecret, "agent-9", "Ida", time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "agent-9")
	assert.Contains(t, w.Body.String(), "Ida")
}

func TestAgentAuth_QueryTokenFallback(t *testing.T) {
	r := newAuthRouter(testSecret)
	token, _ := CreateAgentToken(testSecret, "agent-9", "Ida", time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/whoami?token="+token, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAgentAuth_Rejections(t *testing.T) {
	r := newAuthRouter(testSecret)

	// No credentials.
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Wrong secret.
	other, _ := CreateAgentToken("other-secret", "agent-9", "Ida", time.Hour)
	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+other)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
