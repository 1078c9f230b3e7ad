package routes

import (
	"github.com/Cyvadra/broker-sync/internal/handlers"
	"github.com/gin-gonic/gin"
)

// SetupRoutes configures all the routes for the application
func SetupRoutes(r *gin.Engine, syncHandler *handlers.SyncHandler) {
	if syncHandler == nil {
		syncHandler = handlers.GetGlobalHandler()
	}

	// API routes
	api := r.Group("/api/v1")
	{
		connections := api.Group("/connections")
		{
			connections.POST("/validate", syncHandler.ValidateCredentials)
			connections.GET("/:id", syncHandler.GetConnection)
			connections.POST("/:id/sync", syncHandler.TriggerSync)
			connections.POST("/:id/validate", syncHandler.ValidateConnection)
			connections.PATCH("/:id/settings", syncHandler.UpdateSettings)
			connections.GET("/:id/sync-logs", syncHandler.GetSyncLogs)
		}

		api.GET("/sync-logs/:id", syncHandler.GetSyncLog)
		api.GET("/users/:id/trades", syncHandler.GetUserTrades)

		scheduler := api.Group("/scheduler")
		{
			scheduler.GET("/status", syncHandler.GetSchedulerStatus)
			scheduler.POST("/run", syncHandler.RunScheduler)
		}
	}

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"service": "broker-sync",
		})
	})

	// Root endpoint
	r.GET("/", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"message": "Broker Sync Service",
			"version": "1.0.0",
			"endpoints": gin.H{
				"sync":      "/api/v1/connections/:id/sync",
				"validate":  "/api/v1/connections/validate",
				"sync_logs": "/api/v1/sync-logs/:id",
				"trades":    "/api/v1/users/:id/trades",
				"scheduler": "/api/v1/scheduler/status",
				"health":    "/health",
			},
		})
	})
}
