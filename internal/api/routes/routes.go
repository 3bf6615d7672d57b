package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/ollivr/soketi/internal/api/handlers"
	"github.com/ollivr/soketi/internal/api/middleware"
	"github.com/ollivr/soketi/internal/apps"
	"github.com/ollivr/soketi/internal/channels"
	"github.com/ollivr/soketi/internal/registry"
)

type Router struct {
	engine         *gin.Engine
	wsHandler      *handlers.WSHandler
	eventsHandler  *handlers.EventsHandler
	channelHandler *handlers.ChannelHandler
	appManager     apps.AppManager
}

func NewRouter(
	reg *registry.Registry,
	channelManager *channels.Manager,
	appManager apps.AppManager,
) *Router {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS())
	engine.Use(middleware.LogAPI())

	return &Router{
		engine:         engine,
		wsHandler:      handlers.NewWSHandler(reg),
		eventsHandler:  handlers.NewEventsHandler(channelManager),
		channelHandler: handlers.NewChannelHandler(channelManager),
		appManager:     appManager,
	}
}

func (r *Router) SetupRoutes() {
	r.engine.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Client WebSocket endpoint
	r.engine.GET("/app/:key", r.wsHandler.HandleWebSocket)

	// Backend HTTP API, signed per request with the app secret
	api := r.engine.Group("/apps/:app_id", middleware.AppAuth(r.appManager))
	{
		api.POST("/events", r.eventsHandler.Trigger)
		api.POST("/batch_events", r.eventsHandler.BatchTrigger)
		api.GET("/channels", r.channelHandler.List)
		api.GET("/channels/:channel_name", r.channelHandler.Info)
		api.GET("/channels/:channel_name/users", r.channelHandler.Users)
	}
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}
