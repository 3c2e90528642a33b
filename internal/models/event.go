package models

import (
	"encoding/json"
	"time"
)

// PublishEventRequest is the body of POST /api/v1/events.
type PublishEventRequest struct {
	Type     string          `json:"type" binding:"required" example:"factory.alert"`
	Source   string          `json:"source" example:"sugar"`
	Data     json.RawMessage `json:"data" swaggertype:"object"`
	Metadata map[string]any  `json:"metadata,omitempty"`
} // @name PublishEventRequest

// EventResponse represents a single stored event.
type EventResponse struct {
	ID        string          `json:"id" example:"660e8400-e29b-41d4-a716-446655440000"`
	Type      string          `json:"type" example:"factory.alert"`
	Source    string          `json:"source" example:"sugar"`
	Timestamp time.Time       `json:"timestamp" example:"2025-11-05T10:30:00Z"`
	Data      json.RawMessage `json:"data,omitempty" swaggertype:"object"`
	Metadata  json.RawMessage `json:"metadata,omitempty" swaggertype:"object"`
} // @name EventResponse

// ListEventsQuery represents query parameters for listing events.
type ListEventsQuery struct {
	Type   string `form:"type" example:"factory.alert"`
	Source string `form:"source" example:"sugar"`
	Limit  int    `form:"limit" binding:"omitempty,min=1,max=1000" example:"100"`
} // @name ListEventsQuery

// EventListResponse represents the response for listing events, newest first.
type EventListResponse struct {
	Events []EventResponse `json:"events"`
	Count  int             `json:"count" example:"1"`
} // @name EventListResponse
