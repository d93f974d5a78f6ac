package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"

	"github.com/d4l-data4life/go-tool-router/pkg/metrics"
	"github.com/d4l-data4life/go-tool-router/pkg/routing"

	"github.com/d4l-data4life/go-svc/pkg/logging"
)

// RouteHandler exposes the routing engine over HTTP
type RouteHandler struct {
	engine *routing.Engine
}

// NewRouteHandler creates a new routing handler
func NewRouteHandler(engine *routing.Engine) *RouteHandler {
	return &RouteHandler{engine: engine}
}

// Routes returns the routing endpoints
func (h *RouteHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Route)
	return r
}

// RouteRequest carries one user turn
type RouteRequest struct {
	Message string `json:"message"`
}

// Route decides whether a tool or the language model answers the message and
// returns the decision with its provenance.
func (h *RouteHandler) Route(w http.ResponseWriter, r *http.Request) {
	var req RouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "Invalid request body"})
		return
	}
	if req.Message == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "Message is required"})
		return
	}

	decision := h.engine.Route(r.Context(), req.Message)
	metrics.ObserveRoutingDecision(decision.Source)
	logging.LogDebugf("Routed message: source=%s tool=%s confidence=%.2f",
		decision.Source, decision.ToolName, decision.Confidence)

	render.JSON(w, r, decision)
}
