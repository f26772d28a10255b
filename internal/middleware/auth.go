package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"telehealth-chat/internal/auth"
	"telehealth-chat/internal/models"
)

const (
	UserIDKey = "userID"
	RoleKey   = "role"
)

// AuthMiddleware validates the bearer token and stores the caller in the gin context.
func AuthMiddleware(verifier *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		token, ok := auth.BearerToken(header)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
			return
		}

		identity, err := verifier.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(UserIDKey, identity.UserID)
		c.Set(RoleKey, string(identity.Role))
		c.Next()
	}
}

// IdentityFromContext returns the caller set by AuthMiddleware, or the zero identity.
func IdentityFromContext(c *gin.Context) models.Identity {
	return models.Identity{
		UserID: c.GetInt(UserIDKey),
		Role:   models.Role(c.GetString(RoleKey)),
	}
}
