package server

import (
	"net/http"
	"strings"

	"gorm.io/gorm"

	"github.com/d4l-data4life/go-tool-router/pkg/config"
	"github.com/d4l-data4life/go-tool-router/pkg/handlers"
	"github.com/d4l-data4life/go-tool-router/pkg/mcp/registry"
	"github.com/d4l-data4life/go-tool-router/pkg/routing"
	"github.com/d4l-data4life/go-svc/pkg/logging"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies bundles the shared components the handlers need
type Dependencies struct {
	DB       *gorm.DB
	Registry *registry.Registry
	Engine   *routing.Engine
}

// SetupRoutes adds all routes that the server should listen to
func SetupRoutes(mux *chi.Mux, deps Dependencies) {
	ch := handlers.NewChecksHandler(deps.DB)
	routeHandler := handlers.NewRouteHandler(deps.Engine)
	serversHandler := handlers.NewToolServersHandler(deps.Registry)

	mux.Mount("/checks", ch.Routes())
	mux.Mount("/metrics", promhttp.Handler())

	mux.
		With(logging.Logger().HTTPMiddleware()).
		Route(config.APIPrefixV1, func(r chi.Router) {
			r.Mount("/chat", routeHandler.Routes())
			r.Mount("/servers", serversHandler.Routes())
			r.Mount("/tools", serversHandler.ToolRoutes())
		})

	// Displays all API paths in when debug enabled
	walkFunc := func(method string, route string, handler http.Handler, middlewares ...func(http.Handler) http.Handler) error {
		route = strings.Replace(route, "/*/", "/", -1)
		logging.LogDebugf("%s %s\n", method, route)
		return nil
	}
	if err := chi.Walk(mux, walkFunc); err != nil {
		logging.LogErrorf(err, "logging error")
	}
}
