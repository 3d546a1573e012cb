package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	userIDKey contextKey = "authUserID"
	rolesKey  contextKey = "authRoles"
)

// RoleAdmin grants access to operational endpoints such as metrics.
const RoleAdmin = "admin"

// Claims are the bearer token claims. Roles may arrive as a list or as a
// single "role" string.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
	Role  string   `json:"role,omitempty"`
}

func (c *Claims) roles() []string {
	roles := append([]string(nil), c.Roles...)
	if c.Role != "" {
		roles = append(roles, c.Role)
	}
	return roles
}

// APIKeyHeader carries a static service key as an alternative to a bearer token.
const APIKeyHeader = "X-API-Key"

// GetUserID retrieves the authenticated subject from context.
func GetUserID(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if value, ok := ctx.Value(userIDKey).(string); ok && value != "" {
		return value, true
	}
	return "", false
}

// WithUserID returns a context carrying the authenticated subject.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetRoles returns the roles granted to the authenticated subject.
func GetRoles(ctx context.Context) []string {
	if ctx == nil {
		return nil
	}
	roles, _ := ctx.Value(rolesKey).([]string)
	return roles
}

// WithRoles returns a context carrying the subject's roles.
func WithRoles(ctx context.Context, roles []string) context.Context {
	return context.WithValue(ctx, rolesKey, roles)
}

// HasRole reports whether the authenticated subject holds role.
func HasRole(ctx context.Context, role string) bool {
	for _, r := range GetRoles(ctx) {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// Middleware authenticates a request with either an X-API-Key header or an
// HMAC-signed bearer token. Keys in adminKeys authenticate with the admin
// role; keys in apiKeys authenticate without roles.
func Middleware(secret, audience string, apiKeys, adminKeys []string) gin.HandlerFunc {
	jwtAuth := JWTMiddleware(secret, audience)
	keys := trimKeys(apiKeys)
	admins := trimKeys(adminKeys)

	return func(c *gin.Context) {
		presented := strings.TrimSpace(c.GetHeader(APIKeyHeader))
		if presented == "" {
			jwtAuth(c)
			return
		}
		var roles []string
		switch {
		case matchAPIKey(admins, []byte(presented)):
			roles = []string{RoleAdmin}
		case matchAPIKey(keys, []byte(presented)):
		default:
			unauthorized(c, "invalid api key")
			return
		}
		setUser(c, apiKeyUser(presented), roles)
		c.Next()
	}
}

// RequireRole rejects authenticated requests lacking role with 403. It must
// run after Middleware.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !HasRole(c.Request.Context(), role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
			return
		}
		c.Next()
	}
}

// JWTMiddleware validates bearer tokens and injects user identity.
func JWTMiddleware(secret, audience string) gin.HandlerFunc {
	secret = strings.TrimSpace(secret)
	audience = strings.TrimSpace(audience)

	return func(c *gin.Context) {
		tokenString, err := extractBearerToken(c.Request.Header.Get("Authorization"))
		if err != nil {
			unauthorized(c, err.Error())
			return
		}

		if secret == "" {
			unauthorized(c, "missing JWT secret")
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			unauthorized(c, "invalid token")
			return
		}

		if audience != "" && !containsAudience(claims.Audience, audience) {
			unauthorized(c, "invalid audience")
			return
		}

		if claims.Subject == "" {
			unauthorized(c, "missing subject")
			return
		}

		setUser(c, claims.Subject, claims.roles())
		c.Next()
	}
}

func setUser(c *gin.Context, userID string, roles []string) {
	ctx := WithRoles(WithUserID(c.Request.Context(), userID), roles)
	c.Request = c.Request.WithContext(ctx)
	c.Set(string(userIDKey), userID)
}

func trimKeys(in []string) [][]byte {
	keys := make([][]byte, 0, len(in))
	for _, k := range in {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, []byte(k))
		}
	}
	return keys
}

func matchAPIKey(keys [][]byte, presented []byte) bool {
	matched := 0
	for _, k := range keys {
		matched |= subtle.ConstantTimeCompare(k, presented)
	}
	return matched == 1
}

// apiKeyUser derives a stable subject without keeping the key itself.
func apiKeyUser(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "apikey:" + hex.EncodeToString(sum[:6])
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header required")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("token missing")
	}
	return token, nil
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
}

func containsAudience(claims jwt.ClaimStrings, expected string) bool {
	for _, aud := range claims {
		if aud == expected {
			return true
		}
	}
	return false
}
