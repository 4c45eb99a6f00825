package api

import (
	"net/http"
	"strconv"
)

func errorResponses(codes ...int) map[string]any {
	out := map[string]any{}
	for _, c := range codes {
		out[strconv.Itoa(c)] = map[string]any{
			"description": http.StatusText(c),
			"content": map[string]any{
				"application/json": map[string]any{
					"schema": map[string]any{"$ref": "#/components/schemas/Error"},
				},
			},
		}
	}
	return out
}

func operation(id, summary, scope string, extra map[string]any) map[string]any {
	responses := errorResponses(http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests)
	responses["200"] = map[string]any{"description": "OK"}
	op := map[string]any{
		"operationId": id,
		"summary":     summary,
		"tags":        []string{"gateway"},
		"responses":   responses,
		"security":    []any{map[string]any{"BearerAuth": []string{}}},
		"x-scope":     scope,
	}
	for k, v := range extra {
		op[k] = v
	}
	return op
}

func queryParam(name, description string) map[string]any {
	return map[string]any{
		"name":        name,
		"in":          "query",
		"required":    false,
		"description": description,
		"schema":      map[string]any{"type": "string"},
	}
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the management API.
func buildOpenAPIDoc() map[string]any {
	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "hl7gw management API",
			"version": "1.0",
		},
		"paths": map[string]any{
			"/healthz": map[string]any{
				"get": map[string]any{
					"operationId": "healthz",
					"summary":     "Liveness and per-endpoint in-flight counts",
					"responses":   map[string]any{"200": map[string]any{"description": "OK"}},
				},
			},
			"/exchanges": map[string]any{
				"get": operation("listExchanges", "List journaled exchanges, newest first", "exchanges:ro", map[string]any{
					"parameters": []any{
						queryParam("endpoint", "Only this endpoint"),
						queryParam("outcome", "ack, nack, error or timeout"),
						queryParam("control_id", "MSH-10 of the request"),
						queryParam("limit", "Maximum rows (default 50, max 1000)"),
					},
				}),
			},
			"/exchanges/{exchangeID}": map[string]any{
				"get": operation("getExchange", "One exchange with request and response", "exchanges:ro", map[string]any{
					"parameters": []any{map[string]any{
						"name":     "exchangeID",
						"in":       "path",
						"required": true,
						"schema":   map[string]any{"type": "string"},
					}},
				}),
			},
			"/stats": map[string]any{
				"get": operation("getStats", "Outcome counters per endpoint", "stats:ro", nil),
			},
			"/events": map[string]any{
				"get": operation("streamEvents", "Server-sent exchange events", "events:ro", map[string]any{
					"parameters": []any{queryParam("endpoint", "Only this endpoint")},
				}),
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
				"Error": map[string]any{
					"type":       "object",
					"properties": map[string]any{"error": map[string]any{"type": "string"}},
				},
			},
		},
	}
}

// handleOpenAPI handles GET /openapi.json (no auth).
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}
