// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"presto/internal/ai"
	"presto/internal/http/handlers"
	"presto/internal/http/middleware"
	"presto/internal/modules/dispatch"
	"presto/internal/modules/presence"
	"presto/internal/modules/quota"
	"presto/internal/modules/request"
	"presto/internal/modules/wallet"
	"presto/internal/ws"
)

// Deps bundles everything the router wires into handlers. Socket and
// Advisor may be nil; their routes then answer 503.
type Deps struct {
	Requests *request.Service
	Registry *presence.Registry
	Broker   *dispatch.Broker
	Wallet   *wallet.Service
	Advisor  ai.Advisor
	Quota    *quota.Service
	Socket   *ws.Handler
	Tokens   middleware.TokenValidator
	Log      zerolog.Logger
}

func NewRouter(deps Deps) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(middleware.Recovery(deps.Log))
	r.Use(middleware.Logging(deps.Log))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	// The socket authenticates in-band with its first frame, so it stays
	// outside the Auth group.
	if deps.Socket != nil {
		r.GET("/ws", deps.Socket.Handle)
	}

	api := r.Group("/api")
	api.Use(middleware.Auth(deps.Tokens))

	requestHandler := handlers.NewRequestHandler(deps.Requests, deps.Broker)
	api.POST("/requests", requestHandler.Create)
	api.GET("/requests", requestHandler.ListPublished)
	api.GET("/requests/:id", requestHandler.Get)
	api.PATCH("/requests/:id", requestHandler.ChangeStatus)
	api.POST("/requests/:id/accept", requestHandler.Accept)

	aiHandler := handlers.NewAIHandler(deps.Advisor, deps.Quota)
	api.POST("/requests/suggest-category", aiHandler.SuggestCategory)

	providerHandler := handlers.NewProviderHandler(deps.Registry, deps.Wallet)
	api.GET("/providers", providerHandler.List)
	api.GET("/providers/:id", providerHandler.Get)
	api.GET("/providers/:id/wallet", providerHandler.Wallet)

	return r
}
