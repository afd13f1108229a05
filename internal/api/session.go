// Package api is the HTTP ingress: checkout creation, payment webhooks,
// deployment status, and the usage callback from running bots.
package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SessionCodec signs and verifies the session tokens the auth frontend
// issues. A token is base64url(claims) + "." + base64url(hmac-sha256).
type SessionCodec struct {
	secret []byte
}

func NewSessionCodec(secret string) *SessionCodec {
	return &SessionCodec{secret: []byte(secret)}
}

type sessionClaims struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`
	Exp   int64  `json:"exp"`
}

func (s *SessionCodec) sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Encode issues a token. Used by tests and by operators minting tokens out
// of band; the auth frontend holds the same secret.
func (s *SessionCodec) Encode(sub, email string, ttl time.Duration) string {
	payload, _ := json.Marshal(sessionClaims{Sub: sub, Email: email, Exp: time.Now().Add(ttl).Unix()}) //nolint:errcheck
	return base64.RawURLEncoding.EncodeToString(payload) + "." + s.sign(payload)
}

func (s *SessionCodec) decode(token string) (*sessionClaims, error) {
	payloadB64, sig, found := strings.Cut(token, ".")
	if !found {
		return nil, fmt.Errorf("malformed session token")
	}
	payload, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, fmt.Errorf("malformed session token")
	}
	if !hmac.Equal([]byte(sig), []byte(s.sign(payload))) {
		return nil, fmt.Errorf("session signature mismatch")
	}
	var claims sessionClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("malformed session claims")
	}
	if claims.Sub == "" || claims.Email == "" {
		return nil, fmt.Errorf("incomplete session claims")
	}
	if time.Now().Unix() >= claims.Exp {
		return nil, fmt.Errorf("session expired")
	}
	return &claims, nil
}

// Authenticate resolves the session into a persisted user and stores it on
// the context. The token comes from the session cookie or a bearer header.
func (h *Handler) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := c.Cookie("session")
		if err != nil || token == "" {
			token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		claims, err := h.sessions.decode(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		user, err := h.repo.UpsertUser(c.Request.Context(), claims.Sub, claims.Email)
		if err != nil {
			h.log.Error("user upsert failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "an error occurred"})
			return
		}
		c.Set("user", user)
		c.Next()
	}
}
