package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/parsascontentcorner/liveringserver/internal/auth"
	"github.com/parsascontentcorner/liveringserver/pkg/logger"
)

const ginIdentityKey = "identity"

// TokenVerifier turns a bearer token into a verified identity.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// requireIdentity rejects requests without a valid identity token and stores
// the identity on both the gin and the request context.
func requireIdentity(verifier TokenVerifier, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.TokenFromRequest(c.Request)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		identity, err := verifier.Verify(token)
		if err != nil {
			logger.FromGin(c, log).Debug("rejected identity token", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), identity))
		c.Set(ginIdentityKey, identity)
		c.Next()
	}
}

// identityFrom returns the identity set by requireIdentity.
func identityFrom(c *gin.Context) auth.Identity {
	if v, ok := c.Get(ginIdentityKey); ok {
		if id, ok := v.(auth.Identity); ok {
			return id
		}
	}
	id, _ := auth.FromContext(c.Request.Context())
	return id
}
