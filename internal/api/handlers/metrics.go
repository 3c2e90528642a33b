package handlers

import (
	"github.com/dhima/ledger-bus/internal/api/response"
	"github.com/dhima/ledger-bus/internal/events"
	"github.com/dhima/ledger-bus/internal/logging"
	"github.com/dhima/ledger-bus/internal/relay"
	"github.com/dhima/ledger-bus/internal/scheduler"
	platformEvents "github.com/dhima/ledger-bus/platform/events"
	"github.com/gin-gonic/gin"
)

// MetricsSources supplies the counters reported by /metrics. Nil fields are
// left out of the response.
type MetricsSources struct {
	Bus       func() events.Stats
	Relay     func() relay.Stats
	Forwarder func() platformEvents.ForwarderStats
	Jobs      func() []scheduler.JobStatus
}

// MetricsHandler handles metrics requests.
type MetricsHandler struct {
	logger  logging.Logger
	sources MetricsSources
}

// NewMetricsHandler creates a new metrics handler.
func NewMetricsHandler(logger logging.Logger, sources MetricsSources) *MetricsHandler {
	return &MetricsHandler{logger: logger, sources: sources}
}

// MetricsResponse represents the metrics response.
type MetricsResponse struct {
	Bus       *events.Stats                  `json:"bus,omitempty"`
	Relay     *relay.Stats                   `json:"relay,omitempty"`
	Forwarder *platformEvents.ForwarderStats `json:"forwarder,omitempty"`
	Jobs      []scheduler.JobStatus          `json:"jobs,omitempty"`
} // @name MetricsResponse

// Metrics godoc
// @Summary Get service metrics
// @Description Returns event bus, relay, Kafka forwarder and scheduler counters
// @Tags System
// @Produce json
// @Success 200 {object} MetricsResponse
// @Router /metrics [get]
func (h *MetricsHandler) Metrics(c *gin.Context) {
	var metrics MetricsResponse
	if h.sources.Bus != nil {
		s := h.sources.Bus()
		metrics.Bus = &s
	}
	if h.sources.Relay != nil {
		s := h.sources.Relay()
		metrics.Relay = &s
	}
	if h.sources.Forwarder != nil {
		s := h.sources.Forwarder()
		metrics.Forwarder = &s
	}
	if h.sources.Jobs != nil {
		metrics.Jobs = h.sources.Jobs()
	}
	response.OK(c, metrics)
}
