package server

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/loomstudio/loom-backend/internal/handlers"
	"github.com/loomstudio/loom-backend/internal/middleware"
)

type RouterConfig struct {
	AllowOrigins []string

	AuthMiddleware     *middleware.AuthMiddleware
	InternalMiddleware *middleware.InternalAuthMiddleware

	AuthHandler     *handlers.AuthHandler
	UserHandler     *handlers.UserHandler
	ProjectHandler  *handlers.ProjectHandler
	NodeHandler     *handlers.NodeHandler
	PipelineHandler *handlers.PipelineHandler
	ChatHandler     *handlers.ChatHandler
	SSEHandler      *handlers.SSEHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(otelgin.Middleware("loom-backend"))
	router.Use(middleware.ObserveRequests())

	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000", "http://localhost:5173"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	// Public
	router.GET("/healthcheck", handlers.HealthCheck)
	router.POST("/register", cfg.AuthHandler.Register)
	router.POST("/login", cfg.AuthHandler.Login)
	router.POST("/refresh", cfg.AuthHandler.Refresh)
	router.POST("/logout", cfg.AuthHandler.Logout)

	// Internal (service-to-service)
	internalGroup := router.Group("/internal")
	internalGroup.Use(cfg.InternalMiddleware.RequireInternal())
	internalGroup.POST("/tasks/callback", cfg.PipelineHandler.TaskCallback)

	// Protected
	protected := router.Group("/api")
	protected.Use(cfg.AuthMiddleware.RequireAuth())

	// User
	protected.GET("/user", cfg.UserHandler.GetMe)

	// Projects
	protected.POST("/projects", cfg.ProjectHandler.Create)
	protected.GET("/projects", cfg.ProjectHandler.List)
	protected.GET("/projects/:id", cfg.ProjectHandler.Get)
	protected.PATCH("/projects/:id", cfg.ProjectHandler.Update)
	protected.DELETE("/projects/:id", cfg.ProjectHandler.Delete)
	protected.GET("/projects/:id/canvas", cfg.ProjectHandler.GetCanvas)
	protected.PUT("/projects/:id/timeline", cfg.ProjectHandler.UpdateTimeline)

	// Chat
	protected.GET("/projects/:id/chat", cfg.ChatHandler.List)
	protected.POST("/projects/:id/chat", cfg.ChatHandler.Append)

	// Nodes
	protected.POST("/nodes", cfg.NodeHandler.Create)
	protected.GET("/nodes/:id", cfg.NodeHandler.Get)
	protected.PATCH("/nodes/:id", cfg.NodeHandler.Update)
	protected.DELETE("/nodes/:id", cfg.NodeHandler.Delete)
	protected.POST("/nodes/:id/upload", cfg.NodeHandler.UploadAsset)
	protected.POST("/nodes/:id/generate", cfg.NodeHandler.Generate)
	protected.POST("/nodes/:id/cancel", cfg.NodeHandler.Cancel)
	protected.GET("/nodes/:id/placeholder", cfg.NodeHandler.Placeholder)
	protected.GET("/nodes/:id/run", cfg.PipelineHandler.GetNodeRun)

	// Edges
	protected.POST("/edges", cfg.NodeHandler.CreateEdge)
	protected.DELETE("/edges/:id", cfg.NodeHandler.DeleteEdge)

	// SSE
	protected.GET("/sse/stream", cfg.SSEHandler.Stream)

	return router
}

// SplitOrigins parses a comma-separated CORS origin list from config.
func SplitOrigins(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
