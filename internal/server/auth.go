package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/vesaa/talonops/internal/models"
	"github.com/vesaa/talonops/internal/scope"
	"go.uber.org/zap"
)

const (
	ctxScope    = "scope"
	ctxUsername = "username"
	ctxDevice   = "device"

	tokenTTL = 24 * time.Hour
)

// ─── JWT control-plane auth ───────────────────────────────────────────────────

// Claims is the payload embedded in every JWT issued by /api/login.
type Claims struct {
	UserID   uint        `json:"uid"`
	Username string      `json:"username"`
	Role     models.Role `json:"role"`
	jwt.RegisteredClaims
}

// GenerateJWT creates a signed HS256 JWT valid for 24 hours.
func (s *Server) GenerateJWT(u *models.User) (string, error) {
	now := s.now()
	claims := Claims{
		UserID:   u.ID,
		Username: u.Username,
		Role:     u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "talonops",
			Subject:   u.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// parseJWT validates a token string and returns the claims.
func (s *Server) parseJWT(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// bearer extracts the token from "Authorization: Bearer <token>".
// ok is false when the header is present but malformed.
func bearer(c *gin.Context) (token string, present, ok bool) {
	raw := c.GetHeader("Authorization")
	if raw == "" {
		return "", false, true
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", true, false
	}
	return parts[1], true, true
}

// ScopeMiddleware resolves the caller's tenant scope for every console
// request. A missing token is not rejected here: it resolves to an empty
// scope (or full access from loopback). A present but invalid token is 401.
func (s *Server) ScopeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, present, ok := bearer(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid Authorization format, expected: Bearer <token>",
			})
			return
		}

		var user *scope.User
		if present {
			claims, err := s.parseJWT(token)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "invalid or expired token",
				})
				return
			}
			user = &scope.User{ID: claims.UserID, Role: claims.Role}
			c.Set(ctxUsername, claims.Username)
		}

		c.Set(ctxScope, s.resolver.Resolve(c.Request.Context(), c.Request.RemoteAddr, user))
		c.Next()
	}
}

// RequireAdmin rejects callers whose scope is not unrestricted.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !scopeFrom(c).IsAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin access required"})
			return
		}
		c.Next()
	}
}

// scopeFrom returns the resolved scope, failing closed when absent.
func scopeFrom(c *gin.Context) *scope.Scope {
	if v, ok := c.Get(ctxScope); ok {
		if sc, ok := v.(*scope.Scope); ok && sc != nil {
			return sc
		}
	}
	return scope.None()
}

// actor names the caller for audit fields such as acknowledged_by.
func actor(c *gin.Context) string {
	if name := c.GetString(ctxUsername); name != "" {
		return name
	}
	if scope.TrustedLocalOrigin(c.Request.RemoteAddr) {
		return "local"
	}
	return "anonymous"
}

// ─── Device data-plane auth ──────────────────────────────────────────────────

// DeviceAuthMiddleware authenticates an enrolled agent by
// X-Device-ID plus "Authorization: Bearer <secret>".
func (s *Server) DeviceAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		deviceID := c.GetHeader("X-Device-ID")
		secret, present, ok := bearer(c)
		if deviceID == "" || !present || !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing device credentials",
			})
			return
		}

		dev, err := s.repo.VerifyDeviceSecret(c.Request.Context(), deviceID, secret)
		if err != nil {
			if !errors.Is(err, ErrDeviceNotFound) && !errors.Is(err, ErrInvalidCredentials) {
				s.logger.Error("device auth lookup failed", zap.String("device_id", deviceID), zap.Error(err))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid device credentials",
			})
			return
		}

		c.Set(ctxDevice, dev)
		c.Next()
	}
}

func deviceFrom(c *gin.Context) *models.Device {
	return c.MustGet(ctxDevice).(*models.Device)
}
