package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"relaydesk/internal/config"
)

// Agent tokens are long-lived bearer credentials minted offline and handed to
// the agent console.
const defaultTokenTTL = 365 * 24 * time.Hour

// AgentClaims is the verified identity extracted from an agent token.
type AgentClaims struct {
	AgentID   string
	AgentName string
}

// CreateAgentToken mints an HS256 JWT for one agent. A zero ttl uses the
// default one-year lifetime.
func CreateAgentToken(secret, agentID, agentName string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is not configured")
	}
	if agentID == "" {
		return "", errors.New("agent id is required")
	}
	if ttl == 0 {
		ttl = defaultTokenTTL
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  agentID,
		"name": agentName,
		"type": "agent",
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	})
	return token.SignedString([]byte(secret))
}

// VerifyAgentToken validates signature, expiry, and the agent token type.
func VerifyAgentToken(secret, tokenString string) (*AgentClaims, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is not configured")
	}
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if typ, _ := claims["type"].(string); typ != "agent" {
		return nil, errors.New("not an agent token")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, errors.New("token has no subject")
	}
	name, _ := claims["name"].(string)
	return &AgentClaims{AgentID: sub, AgentName: name}, nil
}

// AgentAuth enforces Authorization: Bearer <jwt> on protected routes. On
// success it injects "agent_id" and "agent_name" into the gin context.
func AgentAuth(cfg *config.Config) gin.HandlerFunc {
	secret := ""
	if cfg != nil {
		secret = cfg.JWT.Secret
	}
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthorized",
				"message": "missing bearer token",
			})
			return
		}
		claims, err := VerifyAgentToken(secret, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthorized",
				"message": err.Error(),
			})
			return
		}
		c.Set("agent_id", claims.AgentID)
		c.Set("agent_name", claims.AgentName)
		c.Next()
	}
}

// bearerToken pulls the token from the Authorization header, falling back to
// the "token" query parameter. Browser WebSocket clients cannot set headers,
// so the gateway route relies on the query form.
func bearerToken(c *gin.Context) string {
	ah := c.GetHeader("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		return strings.TrimSpace(ah[len("Bearer "):])
	}
	return strings.TrimSpace(c.Query("token"))
}
