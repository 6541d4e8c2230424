package api

import (
	"net/http"
)

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the courier API.
func buildOpenAPIDoc(tierNames []string) map[string]any {
	secured := []map[string]any{{"BearerAuth": []string{}}}
	jsonBody := func(ref string) map[string]any {
		return map[string]any{
			"content": map[string]any{
				"application/json": map[string]any{
					"schema": map[string]any{"$ref": "#/components/schemas/" + ref},
				},
			},
		}
	}
	idParam := map[string]any{
		"name": "id", "in": "path", "required": true,
		"schema": map[string]any{"type": "string", "format": "uuid"},
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Courier",
			"version": "1.0",
		},
		"paths": map[string]any{
			"/healthz": map[string]any{
				"get": map[string]any{
					"summary":   "Dispatcher health",
					"responses": map[string]any{"200": jsonBody("Healthz"), "503": jsonBody("Healthz")},
				},
			},
			"/requests": map[string]any{
				"post": map[string]any{
					"summary":     "Submit a request",
					"security":    secured,
					"requestBody": jsonBody("SubmitRequest"),
					"parameters": []map[string]any{{
						"name": "wait", "in": "query",
						"schema": map[string]any{"type": "boolean"},
					}},
					"responses": map[string]any{
						"202": jsonBody("SubmitResponse"),
						"400": jsonBody("Error"),
						"503": jsonBody("Error"),
					},
				},
			},
			"/requests/{id}": map[string]any{
				"get": map[string]any{
					"summary":    "Request status",
					"security":   secured,
					"parameters": []map[string]any{idParam},
					"responses":  map[string]any{"200": jsonBody("RequestStatus"), "404": jsonBody("Error")},
				},
			},
			"/requests/{id}/wait": map[string]any{
				"get": map[string]any{
					"summary":  "Wait for a request outcome",
					"security": secured,
					"parameters": []map[string]any{idParam, {
						"name": "timeout", "in": "query",
						"schema": map[string]any{"type": "string", "example": "30s"},
					}},
					"responses": map[string]any{
						"200": jsonBody("RequestStatus"),
						"202": jsonBody("Timeout"),
						"404": jsonBody("Error"),
					},
				},
			},
			"/events": map[string]any{
				"get": map[string]any{
					"summary":  "Lifecycle event stream (SSE)",
					"security": secured,
					"responses": map[string]any{
						"200": map[string]any{"content": map[string]any{"text/event-stream": map[string]any{}}},
					},
				},
			},
		},
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
			"schemas": map[string]any{
				"SubmitRequest": map[string]any{
					"type":     "object",
					"required": []string{"payload"},
					"properties": map[string]any{
						"payload": map[string]any{"type": "string", "minLength": 1},
						"priority": map[string]any{"oneOf": []map[string]any{
							{"type": "string", "enum": tierNames},
							{"type": "integer"},
						}},
						"timeout": map[string]any{"type": "string", "example": "45s"},
					},
				},
				"SubmitResponse": objectOf("request_id", "status", "priority", "priority_value"),
				"RequestStatus":  objectOf("request_id", "status", "priority", "payload", "submitted_at", "sent_at", "deadline", "completed_at", "reply", "error"),
				"Timeout":        objectOf("request_id", "status", "timeout_exceeded", "message"),
				"Healthz":        objectOf("status", "uptime_seconds", "peer", "queue_depth", "in_flight", "pending", "breaker_state"),
				"Error":          objectOf("error"),
			},
		},
	}
}

func objectOf(fields ...string) map[string]any {
	props := make(map[string]any, len(fields))
	for _, f := range fields {
		props[f] = map[string]any{}
	}
	return map[string]any{"type": "object", "properties": props}
}

// handleOpenAPI handles GET /openapi.json (no auth).
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.config.Tiers.Names()))
}
