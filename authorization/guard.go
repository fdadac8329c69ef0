package authorization

import (
	"fmt"
	"net/http"
	"strings"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
)

// Guard exposes role checks on top of the JWT middleware.
type Guard struct {
	jwt *jwt.GinJWTMiddleware
}

// NewGuard returns nil when no middleware is configured.
func NewGuard(jwtMiddleware *jwt.GinJWTMiddleware) *Guard {
	if jwtMiddleware == nil {
		return nil
	}
	return &Guard{jwt: jwtMiddleware}
}

// Guard returns the guard backed by the module's middleware.
func (m *Module) Guard() *Guard {
	if m == nil {
		return nil
	}
	return NewGuard(m.jwtMiddleware)
}

// RequireAuthenticated rejects requests without a valid token.
func (g *Guard) RequireAuthenticated() gin.HandlerFunc {
	if g == nil || g.jwt == nil {
		return func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		}
	}
	return g.jwt.MiddlewareFunc()
}

// RequireAnyRole lets the request through when the token carries one of roles.
func (g *Guard) RequireAnyRole(roles ...string) gin.HandlerFunc {
	expected := make(map[string]struct{}, len(roles))
	labels := make([]string, 0, len(roles))
	for _, role := range roles {
		trimmed := strings.TrimSpace(role)
		if trimmed == "" {
			continue
		}
		expected[strings.ToLower(trimmed)] = struct{}{}
		labels = append(labels, trimmed)
	}
	if len(expected) == 0 {
		return func(c *gin.Context) { c.Next() }
	}

	message := fmt.Sprintf("one of [%s] roles required", strings.Join(labels, ", "))
	if len(labels) == 1 {
		message = fmt.Sprintf("%s role required", labels[0])
	}

	return func(c *gin.Context) {
		claims := jwt.ExtractClaims(c)
		if len(claims) == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		for _, has := range extractRoles(claims) {
			if _, ok := expected[strings.ToLower(strings.TrimSpace(has))]; ok {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": message})
	}
}

// RequireRole is RequireAnyRole with a single role.
func (g *Guard) RequireRole(role string) gin.HandlerFunc {
	return g.RequireAnyRole(role)
}

func extractRoles(claims jwt.MapClaims) []string {
	switch raw := claims["roles"].(type) {
	case []string:
		return append([]string{}, raw...)
	case []interface{}:
		roles := make([]string, 0, len(raw))
		for _, role := range raw {
			if name, ok := role.(string); ok {
				roles = append(roles, name)
			}
		}
		return roles
	default:
		return []string{}
	}
}
