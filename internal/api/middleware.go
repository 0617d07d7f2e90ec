package api

import (
	"slices"
	"strings"
	"time"

	"github.com/faizrhashmi/theautodoctor/internal/apperr"
	"github.com/faizrhashmi/theautodoctor/internal/lifecycle"
	"github.com/faizrhashmi/theautodoctor/internal/mechanic"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	requestIDHeader = "X-Request-Id"

	ctxRequestID = "request_id"
	ctxUserID    = "user_id"
	ctxActor     = "actor"
)

// requestLogger tags every request with an id and logs its outcome.
func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		reqID := c.GetHeader(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header(requestIDHeader, reqID)
		c.Set(ctxRequestID, reqID)

		c.Next()

		status := c.Writer.Status()
		entry := log.WithFields(logrus.Fields{
			"request_id": reqID,
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     status,
			"latency_ms": time.Since(start).Milliseconds(),
			"ip":         c.ClientIP(),
		})
		if a, ok := actorOf(c); ok {
			entry = entry.WithField("actor", a.String())
		}
		if len(c.Errors) > 0 {
			entry = entry.WithField("errors", c.Errors.String())
		}

		switch {
		case status >= 500:
			entry.Error("request")
		case status >= 400:
			entry.Warn("request")
		default:
			entry.Info("request")
		}
	}
}

// Claims are the JWT claims the API understands. Subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// IssueToken signs an HS256 token for subject with the given role.
func IssueToken(secret, subject string, role lifecycle.Role, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: string(role),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// authenticate verifies the bearer token and resolves the caller to an
// actor. Browsers cannot set headers on an EventSource, so the token is
// also accepted as the access_token query parameter.
func (s *server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if raw == "" || raw == c.GetHeader("Authorization") {
			raw = c.Query("access_token")
		}
		if raw == "" {
			writeError(c, apperr.E(apperr.Unauthorized, "api.authenticate", "missing bearer token", nil))
			return
		}

		claims := &Claims{}
		tok, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return s.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !tok.Valid {
			writeError(c, apperr.E(apperr.Unauthorized, "api.authenticate", "invalid token", nil))
			return
		}
		if claims.Subject == "" {
			writeError(c, apperr.E(apperr.Unauthorized, "api.authenticate", "missing subject", nil))
			return
		}

		actor := lifecycle.Actor{Role: lifecycle.Role(claims.Role), ID: claims.Subject}
		switch actor.Role {
		case lifecycle.RoleCustomer, lifecycle.RoleAdmin:
		case lifecycle.RoleMechanic:
			m, err := mechanic.GetByUserID(s.db, claims.Subject)
			if err != nil {
				if apperr.Is(err, apperr.NotFound) {
					err = apperr.E(apperr.Forbidden, "api.authenticate", "no mechanic registered for this user", nil)
				}
				writeError(c, err)
				return
			}
			actor.ID = m.ID
		default:
			writeError(c, apperr.E(apperr.Unauthorized, "api.authenticate", "unknown role", nil))
			return
		}

		c.Set(ctxUserID, claims.Subject)
		c.Set(ctxActor, actor)
		c.Next()
	}
}

// requireRole aborts with Forbidden unless the actor has one of roles.
func requireRole(roles ...lifecycle.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		a, ok := actorOf(c)
		if !ok || !slices.Contains(roles, a.Role) {
			writeError(c, apperr.E(apperr.Forbidden, "api.requireRole", "forbidden", nil))
			return
		}
		c.Next()
	}
}

func actorOf(c *gin.Context) (lifecycle.Actor, bool) {
	v, ok := c.Get(ctxActor)
	if !ok {
		return lifecycle.Actor{}, false
	}
	a, ok := v.(lifecycle.Actor)
	return a, ok
}
