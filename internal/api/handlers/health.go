package handlers

import (
	"context"
	"time"

	"github.com/dhima/ledger-bus/internal/api/response"
	"github.com/dhima/ledger-bus/internal/logging"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check requests.
type HealthHandler struct {
	logger  logging.Logger
	store   Pinger
	service string
	version string
}

// NewHealthHandler creates a new health check handler. store may be nil.
func NewHealthHandler(logger logging.Logger, store Pinger, service, version string) *HealthHandler {
	return &HealthHandler{logger: logger, store: store, service: service, version: version}
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status   string `json:"status" example:"ok"`
	Service  string `json:"service" example:"ledger-bus"`
	Version  string `json:"version" example:"1.0.0"`
	Database string `json:"database" example:"up"`
} // @name HealthResponse

// Health godoc
// @Summary Health check endpoint
// @Description Returns the health status of the service and its ledger store
// @Tags System
// @Produce json
// @Success 200 {object} HealthResponse
// @Failure 503 {object} response.ErrorResponse "Ledger store unreachable"
// @Router /health [get]
func (h *HealthHandler) Health(c *gin.Context) {
	resp := HealthResponse{
		Status:   "ok",
		Service:  h.service,
		Version:  h.version,
		Database: "up",
	}
	if h.store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.store.Ping(ctx); err != nil {
			h.logger.Warn("health check failed",
				zap.Error(err),
				zap.String("request_id", response.GetRequestID(c)))
			resp.Status = "degraded"
			resp.Database = "down"
			response.ServiceUnavailable(c, "ledger store unreachable", resp)
			return
		}
	}
	response.OK(c, resp)
}
