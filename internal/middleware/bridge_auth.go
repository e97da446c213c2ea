package middleware

import (
	"github.com/copyarena-server/pkg/keygen"
	"github.com/copyarena-server/pkg/response"
	"github.com/gin-gonic/gin"
)

// APIKeyResolver maps a bridge API key to the single account it is
// authorized for
type APIKeyResolver interface {
	ResolveAPIKey(apiKey string) (accountID uint, err error)
}

// BridgeAuthMiddleware authenticates terminal bridge calls. The bridge
// presents its API key as a bearer token; every call is scoped to exactly
// one account.
func BridgeAuthMiddleware(resolver APIKeyResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := bearerToken(c)
		if apiKey == "" {
			response.Unauthorized(c, "API key required")
			c.Abort()
			return
		}

		accountID, err := resolver.ResolveAPIKey(apiKey)
		if err != nil {
			LogError("bridge auth failed for key %s: %v", keygen.MaskKey(apiKey), err)
			response.Unauthorized(c, "invalid API key")
			c.Abort()
			return
		}

		c.Set(ContextKeyUserID, accountID)
		c.Next()
	}
}
