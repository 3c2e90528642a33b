package handlers

import (
	"context"
	"errors"

	"github.com/dhima/ledger-bus/internal/api/middleware"
	"github.com/dhima/ledger-bus/internal/api/response"
	"github.com/dhima/ledger-bus/internal/events"
	"github.com/dhima/ledger-bus/internal/logging"
	"github.com/dhima/ledger-bus/internal/models"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// EventService is the part of the event bus the HTTP layer needs.
type EventService interface {
	Publish(ctx context.Context, eventType, source string, data any, metadata map[string]any) (events.Event, error)
	GetEvents(ctx context.Context, q events.Query) ([]events.Event, error)
}

// EventHandler handles event publish and history requests.
type EventHandler struct {
	logger  logging.Logger
	service EventService
}

// NewEventHandler creates a new event handler.
func NewEventHandler(logger logging.Logger, service EventService) *EventHandler {
	return &EventHandler{
		logger:  logger.With(zap.String("handler", "event")),
		service: service,
	}
}

// PublishEvent godoc
// @Summary Publish an event
// @Description Appends an event to the ledger and delivers it to local subscribers. Other instances receive it through their pollers.
// @Tags Events
// @Accept json
// @Produce json
// @Param event body models.PublishEventRequest true "Event to publish"
// @Success 201 {object} models.EventResponse
// @Failure 400 {object} response.ErrorResponse "Invalid event"
// @Failure 429 {object} response.ErrorResponse "Rate limit exceeded"
// @Failure 500 {object} response.ErrorResponse "Ledger store unavailable"
// @Router /api/v1/events [post]
func (h *EventHandler) PublishEvent(c *gin.Context) {
	var req models.PublishEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid publish event request",
			zap.Error(err),
			zap.String("request_id", response.GetRequestID(c)),
		)
		response.BadRequest(c, "invalid request body", err.Error())
		return
	}

	ev, err := h.service.Publish(c.Request.Context(), req.Type, req.Source, req.Data, withRequestID(c, req.Metadata))
	if err != nil {
		var verr *events.ValidationError
		if errors.As(err, &verr) {
			response.BadRequest(c, "invalid event", verr.Reason)
			return
		}
		h.logger.Error("failed to publish event",
			zap.Error(err),
			zap.String("type", req.Type),
			zap.String("request_id", response.GetRequestID(c)),
		)
		response.InternalServerError(c, "failed to publish event")
		return
	}

	h.logger.Info("event published",
		zap.String("event_id", ev.ID),
		zap.String("type", ev.Type),
		zap.String("source", ev.Source),
	)
	response.Created(c, toEventResponse(ev), "event published")
}

// ListEvents godoc
// @Summary List recent events
// @Description Returns stored events newest first. Cache entries are never listed.
// @Tags Events
// @Produce json
// @Param type query string false "Filter by event type"
// @Param source query string false "Filter by event source"
// @Param limit query int false "Maximum number of events" default(100) minimum(1) maximum(1000)
// @Success 200 {object} models.EventListResponse
// @Failure 400 {object} response.ErrorResponse "Invalid query parameters"
// @Failure 500 {object} response.ErrorResponse "Internal server error"
// @Router /api/v1/events [get]
func (h *EventHandler) ListEvents(c *gin.Context) {
	var query models.ListEventsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		h.logger.Warn("invalid list events query",
			zap.Error(err),
			zap.String("request_id", response.GetRequestID(c)),
		)
		response.BadRequest(c, "invalid query parameters", err.Error())
		return
	}

	list, err := h.service.GetEvents(c.Request.Context(), events.Query{
		Type:   query.Type,
		Source: query.Source,
		Limit:  query.Limit,
	})
	if err != nil {
		h.logger.Error("failed to list events",
			zap.Error(err),
			zap.String("request_id", response.GetRequestID(c)),
		)
		response.InternalServerError(c, "failed to list events")
		return
	}

	result := models.EventListResponse{
		Events: make([]models.EventResponse, 0, len(list)),
		Count:  len(list),
	}
	for _, ev := range list {
		result.Events = append(result.Events, toEventResponse(ev))
	}
	c.Header("Cache-Control", "no-store")
	response.OK(c, result)
}

// RequestIDMetadataKey is the metadata entry that ties a stored event back to
// the HTTP request that published it.
const RequestIDMetadataKey = "request_id"

// withRequestID copies metadata and adds the request's correlation ID. A
// request_id the publisher set itself wins.
func withRequestID(c *gin.Context, metadata map[string]any) map[string]any {
	id, ok := middleware.RequestIDFrom(c)
	if !ok {
		return metadata
	}
	if _, taken := metadata[RequestIDMetadataKey]; taken {
		return metadata
	}
	out := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	out[RequestIDMetadataKey] = id
	return out
}

func toEventResponse(ev events.Event) models.EventResponse {
	return models.EventResponse{
		ID:        ev.ID,
		Type:      ev.Type,
		Source:    ev.Source,
		Timestamp: ev.Timestamp,
		Data:      ev.Data,
		Metadata:  ev.Metadata,
	}
}
