// Package http exposes the relay's REST surface: token issuing, room
// inspection and instance resolution.
package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"peerwire/internal/core/domain"
	"peerwire/internal/core/ports"
	"peerwire/pkg/errors"
	"peerwire/pkg/utils"
	"peerwire/pkg/validation"
)

// TokenHandler issues relay credentials.
type TokenHandler struct {
	tokens   ports.TokenService
	tokenTTL time.Duration
}

func NewTokenHandler(tokens ports.TokenService, tokenTTL time.Duration) *TokenHandler {
	return &TokenHandler{tokens: tokens, tokenTTL: tokenTTL}
}

func (h *TokenHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/auth")
	{
		api.POST("/token", h.IssueToken)
	}
}

type TokenRequest struct {
	PeerID string `json:"peer_id" binding:"max=100"`
}

// IssueToken mints a token for the given peer ID, generating one when the
// client does not bring its own.
func (h *TokenHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.PeerID = strings.TrimSpace(req.PeerID)
	if req.PeerID == "" {
		req.PeerID = utils.GeneratePeerID()
	}
	if err := validation.ValidatePeerID(req.PeerID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	token, err := h.tokens.Issue(domain.PeerID(req.PeerID))
	if err != nil {
		c.Error(errors.NewInternalError("failed to issue token"))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"peer_id":    req.PeerID,
		"token":      token,
		"expires_in": int(h.tokenTTL / time.Second),
	})
}
