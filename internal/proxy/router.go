package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/semantic-gateway/pkg/apierr"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Handler builds the routed handler with the full middleware chain.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()
	// The router's built-in fallbacks call ctx.Error, which resets headers
	// already set by the middleware.
	r.NotFound = handleNotFound
	r.MethodNotAllowed = handleMethodNotAllowed

	r.POST("/v1/chat/completions", g.dispatchChat)
	r.GET("/v1/models", g.handleModels)

	r.PUT("/v1/user/api-key", g.handlePutAPIKey)
	r.GET("/v1/user/api-key", g.handleGetAPIKey)
	r.PUT("/v1/user/model", g.handlePutModel)
	r.GET("/v1/user/model", g.handleGetModel)

	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery(g.log),
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// NewServer returns a server for Handler. The write timeout leaves room for
// the longest allowed stream.
func (g *Gateway) NewServer(mgmt *ManagementRoutes) *fasthttp.Server {
	return &fasthttp.Server{
		Handler:      g.Handler(mgmt),
		Name:         "semantic-gateway",
		ReadTimeout:  60 * time.Second,
		WriteTimeout: g.streamTimeout + 30*time.Second,
		IdleTimeout:  2 * time.Minute,
	}
}

func handleNotFound(ctx *fasthttp.RequestCtx) {
	apierr.Write(ctx, fasthttp.StatusNotFound, "route not found", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
}

func handleMethodNotAllowed(ctx *fasthttp.RequestCtx) {
	apierr.Write(ctx, fasthttp.StatusMethodNotAllowed, "method not allowed", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok"})
		return
	}
	writeJSON(ctx, g.health.Snapshot())
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
