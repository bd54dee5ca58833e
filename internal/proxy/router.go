package proxy

import (
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional handlers registered alongside the proxy
// routes: the Prometheus endpoint and the admin API.
type ManagementRoutes struct {
	Metrics RouteHandler

	// RegisterAdmin mounts the admin API routes on the shared router.
	RegisterAdmin func(r *router.Router)
}

// Handler builds the full request handler: routes plus middleware chain.
// Pass nil for mgmt to serve the proxy surface only.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/messages", g.handleMessages)
	r.GET("/", g.handleRoot)

	if mgmt != nil {
		if mgmt.Metrics != nil {
			r.GET("/metrics", mgmt.Metrics)
		}
		if mgmt.RegisterAdmin != nil {
			mgmt.RegisterAdmin(r)
		}
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		g.observe,
		corsHandler(g.corsOrigins),
	)
}

// Server wraps the handler in a fasthttp server with streaming enabled:
// responses must be written incrementally and upstream SSE sessions can run
// well past a minute.
func (g *Gateway) Server(mgmt *ManagementRoutes) *fasthttp.Server {
	return &fasthttp.Server{
		Handler:            g.Handler(mgmt),
		ReadTimeout:        60 * time.Second,
		StreamRequestBody:  true,
		MaxRequestBodySize: 32 << 20,
	}
}
