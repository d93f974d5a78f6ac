package handlers

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"

	"github.com/d4l-data4life/go-tool-router/pkg/mcp/registry"

	"github.com/d4l-data4life/go-svc/pkg/logging"
)

// ToolServersHandler handles tool server and catalog endpoints
type ToolServersHandler struct {
	registry *registry.Registry
}

// NewToolServersHandler creates a new tool servers handler
func NewToolServersHandler(reg *registry.Registry) *ToolServersHandler {
	return &ToolServersHandler{registry: reg}
}

// Routes returns tool server routes
func (h *ToolServersHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListServers)
	r.Post("/{name}/reinitialize", h.ReinitializeServer)

	return r
}

// ToolRoutes returns the flattened catalog routes
func (h *ToolServersHandler) ToolRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.ListTools)
	return r
}

// ToolInfo represents one entry of the flattened tool catalog
type ToolInfo struct {
	Name         string                 `json:"name"`
	Description  string                 `json:"description"`
	Server       string                 `json:"server"`
	AutoApproved bool                   `json:"autoApproved"`
	InputSchema  map[string]interface{} `json:"inputSchema"`
}

// ListServers returns all configured tool servers and their status
func (h *ToolServersHandler) ListServers(w http.ResponseWriter, r *http.Request) {
	status := h.registry.GetServerStatus()

	names := make([]string, 0, len(status))
	for name := range status {
		names = append(names, name)
	}
	sort.Strings(names)

	views := make([]registry.SessionView, 0, len(names))
	for _, name := range names {
		views = append(views, status[name])
	}

	render.JSON(w, r, views)
}

// ReinitializeServer tears down and reconnects one tool server
func (h *ToolServersHandler) ReinitializeServer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if _, ok := h.registry.GetSession(name); !ok {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, map[string]string{"error": "Unknown tool server"})
		return
	}

	if err := h.registry.ReinitializeServer(r.Context(), name); err != nil {
		logging.LogErrorf(err, "Failed to reinitialize tool server %s", name)
		render.Status(r, http.StatusBadGateway)
		render.JSON(w, r, map[string]string{"error": err.Error()})
		return
	}

	session, _ := h.registry.GetSession(name)
	render.JSON(w, r, session.View())
}

// ListTools returns the flattened catalog of all connected servers
func (h *ToolServersHandler) ListTools(w http.ResponseWriter, r *http.Request) {
	toolInfos := make([]ToolInfo, 0)
	for _, tool := range h.registry.GetAvailableTools() {
		info := ToolInfo{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		}
		if session, _, found := h.registry.FindTool(tool.Name); found {
			info.Server = session.Config().Name
			info.AutoApproved = session.Config().IsAutoApproved(tool.Name)
		}
		toolInfos = append(toolInfos, info)
	}

	render.JSON(w, r, toolInfos)
}
