package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"peerwire/internal/core/domain"
	"peerwire/internal/core/ports"
)

// PeerIDContextKey is where the authenticated peer ID lands in the gin
// context.
const PeerIDContextKey = "peer_id"

// AuthMiddleware requires a valid bearer token and binds the authenticated
// peer ID to the request context.
func AuthMiddleware(tokens ports.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.Request)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			c.Abort()
			return
		}

		peerID, err := tokens.Verify(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Set(PeerIDContextKey, peerID)
		c.Next()
	}
}

// bearerToken pulls the credential from the Authorization header or, for
// websocket clients that cannot set headers, from the token query
// parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// AuthenticatedPeerID reads the peer ID bound by AuthMiddleware.
func AuthenticatedPeerID(c *gin.Context) (domain.PeerID, bool) {
	v, ok := c.Get(PeerIDContextKey)
	if !ok {
		return "", false
	}
	peerID, ok := v.(domain.PeerID)
	return peerID, ok
}
