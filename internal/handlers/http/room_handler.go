package http

import (
	"context"
	goerrors "errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"peerwire/internal/core/domain"
	"peerwire/internal/core/ports"
	"peerwire/internal/infrastructure/loadbalancer"
	"peerwire/internal/infrastructure/monitoring"
	"peerwire/pkg/cache"
	"peerwire/pkg/errors"
	"peerwire/pkg/validation"
)

// listCacheTTL bounds how stale the room listing may be. Listings hit the
// repository on every miss, which matters for the redis backend.
const listCacheTTL = 2 * time.Second

// RoomHandler serves room inspection and relay status endpoints.
type RoomHandler struct {
	rooms    ports.RoomService
	director *loadbalancer.RoomDirector
	metrics  *monitoring.PrometheusCollector
	health   *monitoring.HealthChecker
	listings *cache.Cache
}

// NewRoomHandler builds the handler. director and metrics may be nil when
// the deployment runs a single instance or has monitoring disabled.
func NewRoomHandler(
	rooms ports.RoomService,
	director *loadbalancer.RoomDirector,
	metrics *monitoring.PrometheusCollector,
	health *monitoring.HealthChecker,
) *RoomHandler {
	return &RoomHandler{
		rooms:    rooms,
		director: director,
		metrics:  metrics,
		health:   health,
		listings: cache.New(listCacheTTL),
	}
}

// SetupRoutes registers the API routes. Middleware passed here guards the
// /api/v1 group only; health and readiness stay open for probes.
func (h *RoomHandler) SetupRoutes(router *gin.Engine, mw ...gin.HandlerFunc) {
	api := router.Group("/api/v1", mw...)
	{
		api.GET("/rooms", h.ListRooms)
		api.GET("/rooms/:id", h.GetRoom)
		api.GET("/rooms/:id/instance", h.GetRoomInstance)
		api.GET("/stats", h.GetStats)
	}
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
}

func (h *RoomHandler) ListRooms(c *gin.Context) {
	rooms, err := h.listings.GetOrSet(c.Request.Context(), "rooms", func(ctx context.Context) (interface{}, error) {
		return h.rooms.List(ctx)
	})
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to list rooms"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"rooms": rooms,
	})
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	roomID := c.Param("id")
	if err := validation.ValidateRoomID(roomID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	room, err := h.rooms.Get(c.Request.Context(), domain.RoomID(roomID))
	if err != nil {
		if goerrors.Is(err, domain.ErrRoomNotFound) {
			c.Error(errors.NewNotFoundError("room"))
			return
		}
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to get room"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"room": room,
	})
}

// GetRoomInstance tells the client which relay instance hosts its room.
// Single-instance deployments have no director and always answer local.
func (h *RoomHandler) GetRoomInstance(c *gin.Context) {
	roomID := c.Param("id")
	if err := validation.ValidateRoomID(roomID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	if h.director == nil {
		c.JSON(http.StatusOK, gin.H{"instance": gin.H{"id": "local"}})
		return
	}

	inst, err := h.director.InstanceFor(c.Request.Context(), domain.RoomID(roomID))
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to resolve instance"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"instance": inst,
	})
}

func (h *RoomHandler) GetStats(c *gin.Context) {
	if h.metrics == nil {
		c.JSON(http.StatusOK, gin.H{"stats": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stats": h.metrics.Snapshot(),
	})
}

func (h *RoomHandler) Health(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *RoomHandler) Ready(c *gin.Context) {
	if h.health.IsReady(c.Request.Context()) {
		c.JSON(http.StatusOK, gin.H{"ready": true})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
}
