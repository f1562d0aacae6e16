package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/spritehub/spritehub/internal/common/logger"
	"github.com/spritehub/spritehub/internal/streaming"
)

// SetupRoutes configures all API routes on the gin engine.
func SetupRoutes(router *gin.Engine, handler *Handler, hub *streaming.Hub, servicePassword string, log *logger.Logger) {
	router.Use(RequestLogger(log))
	router.Use(ErrorHandler(log))
	router.Use(Recovery(log))
	router.Use(CORS())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	// Event streaming is authenticated per subscription message, not by
	// the service password, so browsers can connect directly.
	router.GET("/ws", gin.WrapF(hub.ServeWS))

	api := router.Group("/api/v1")
	api.Use(ServiceAuth(servicePassword))
	{
		tasks := api.Group("/tasks")
		{
			tasks.POST("", handler.CreateTask)
			tasks.GET("", handler.ListTasks)
			tasks.GET("/:taskId", handler.GetTask)
			tasks.DELETE("/:taskId", handler.DeleteTask)
			tasks.GET("/:taskId/messages", handler.ListMessages)
			tasks.POST("/:taskId/messages", handler.SendMessage)
			tasks.GET("/:taskId/sessions", handler.ListExecutionSessions)
			tasks.POST("/:taskId/session/open", handler.OpenSession)
			tasks.POST("/:taskId/session/stop", handler.StopSession)
			tasks.POST("/:taskId/interrupt", handler.InterruptSession)
		}

		repos := api.Group("/repos")
		{
			repos.POST("", handler.CreateRepo)
			repos.GET("", handler.ListRepos)
			repos.GET("/:repoId/lock", handler.RepoLockStatus)
		}

		tokens := api.Group("/token")
		{
			tokens.POST("/seed", handler.SeedToken)
			tokens.POST("/refresh", handler.RefreshToken)
		}

		sprites := api.Group("/sprites")
		{
			sprites.GET("", handler.ListSprites)
			sprites.POST("/:name/hibernate", handler.HibernateSprite)
			sprites.DELETE("/:name", handler.DeleteSprite)
		}
	}
}
