package http

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/carlcord/voice/internal/adapters/signal"
	"github.com/carlcord/voice/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	clientTokenKey = "client_token"
	adminHeader    = "X-Admin-Secret"
)

var ErrTokenMissing = errors.New("token missing")

type claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware gives every browser a stable anonymous id kept in the cookie session.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		token, _ := session.Get(clientTokenKey).(string)
		if token == "" {
			token = genClientToken()
			session.Set(clientTokenKey, token)
			if err := session.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
			}
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

// IdentityMiddleware resolves the caller. With a secret it demands an HS256
// token whose subject is the user id; without one it trusts ?user= and falls
// back to the session client token.
func IdentityMiddleware(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			uid  domain.UserID
			name string
			err  error
		)
		if jwtSecret != "" {
			uid, name, err = verifyToken(bearerToken(c), jwtSecret)
		} else {
			raw := c.Query("user")
			if raw == "" {
				raw = c.GetString(clientTokenKey)
			}
			uid, err = domain.ParseUserID(raw)
			name = c.Query("name")
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(signal.UserIDKey, string(uid))
		c.Set(signal.UsernameKey, name)
		c.Next()
	}
}

// AdminMiddleware lets through callers presenting the server secret.
func AdminMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(adminHeader)
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	if t := c.Query("token"); t != "" {
		return t
	}
	h := c.GetHeader("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}

func verifyToken(raw, secret string) (domain.UserID, string, error) {
	if raw == "" {
		return "", "", ErrTokenMissing
	}
	var cl claims
	_, err := jwt.ParseWithClaims(raw, &cl, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", "", err
	}
	uid, err := domain.ParseUserID(cl.Subject)
	if err != nil {
		return "", "", err
	}
	return uid, cl.Name, nil
}

func userOf(c *gin.Context) domain.UserID {
	return domain.UserID(c.GetString(signal.UserIDKey))
}
