// Package docs holds the OpenAPI document served under /swagger.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "license": {
            "name": "MIT",
            "url": "https://opensource.org/licenses/MIT"
        },
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/api/v1/events": {
            "get": {
                "description": "Returns stored events newest first. Cache entries are never listed.",
                "produces": ["application/json"],
                "tags": ["Events"],
                "summary": "List recent events",
                "parameters": [
                    {"type": "string", "description": "Filter by event type", "name": "type", "in": "query"},
                    {"type": "string", "description": "Filter by event source", "name": "source", "in": "query"},
                    {"maximum": 1000, "minimum": 1, "type": "integer", "default": 100, "description": "Maximum number of events", "name": "limit", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/EventListResponse"}},
                    "400": {"description": "Invalid query parameters", "schema": {"$ref": "#/definitions/response.ErrorResponse"}},
                    "429": {"description": "Rate limit exceeded", "schema": {"$ref": "#/definitions/response.ErrorResponse"}},
                    "500": {"description": "Internal server error", "schema": {"$ref": "#/definitions/response.ErrorResponse"}}
                }
            },
            "post": {
                "description": "Appends an event to the ledger and delivers it to local subscribers. Other instances receive it through their pollers.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Events"],
                "summary": "Publish an event",
                "parameters": [
                    {"description": "Event to publish", "name": "event", "in": "body", "required": true, "schema": {"$ref": "#/definitions/PublishEventRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/EventResponse"}},
                    "400": {"description": "Invalid event", "schema": {"$ref": "#/definitions/response.ErrorResponse"}},
                    "429": {"description": "Rate limit exceeded", "schema": {"$ref": "#/definitions/response.ErrorResponse"}},
                    "500": {"description": "Ledger store unavailable", "schema": {"$ref": "#/definitions/response.ErrorResponse"}}
                }
            }
        },
        "/health": {
            "get": {
                "description": "Returns the health status of the service and its ledger store",
                "produces": ["application/json"],
                "tags": ["System"],
                "summary": "Health check endpoint",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/HealthResponse"}},
                    "503": {"description": "Ledger store unreachable", "schema": {"$ref": "#/definitions/response.ErrorResponse"}}
                }
            }
        },
        "/metrics": {
            "get": {
                "description": "Returns event bus, relay, Kafka forwarder and scheduler counters",
                "produces": ["application/json"],
                "tags": ["System"],
                "summary": "Get service metrics",
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object"}}
                }
            }
        }
    },
    "definitions": {
        "EventListResponse": {
            "type": "object",
            "properties": {
                "count": {"type": "integer", "example": 1},
                "events": {"type": "array", "items": {"$ref": "#/definitions/EventResponse"}}
            }
        },
        "EventResponse": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "id": {"type": "string", "example": "660e8400-e29b-41d4-a716-446655440000"},
                "metadata": {"type": "object"},
                "source": {"type": "string", "example": "sugar"},
                "timestamp": {"type": "string", "example": "2025-11-05T10:30:00Z"},
                "type": {"type": "string", "example": "factory.alert"}
            }
        },
        "HealthResponse": {
            "type": "object",
            "properties": {
                "database": {"type": "string", "example": "up"},
                "service": {"type": "string", "example": "ledger-bus"},
                "status": {"type": "string", "example": "ok"},
                "version": {"type": "string", "example": "1.0.0"}
            }
        },
        "PublishEventRequest": {
            "type": "object",
            "required": ["type"],
            "properties": {
                "data": {"type": "object"},
                "metadata": {"type": "object", "additionalProperties": true},
                "source": {"type": "string", "example": "sugar"},
                "type": {"type": "string", "example": "factory.alert"}
            }
        },
        "response.ErrorResponse": {
            "type": "object",
            "properties": {
                "details": {},
                "error": {"type": "string"},
                "trace_id": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8080",
	BasePath:         "/",
	Schemes:          []string{"http", "https"},
	Title:            "Ledger Bus API",
	Description:      "Event bus, cache and WebSocket relay backed by a single ledger table.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
