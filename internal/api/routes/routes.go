package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/ipmon/ipmon/internal/api/handlers"
	"github.com/ipmon/ipmon/internal/services"
)

// Deps are the runtime collaborators the HTTP API needs beyond the database.
type Deps struct {
	Poller      handlers.HostPoller
	Scheduler   handlers.Reconfigurer
	Jobs        handlers.JobRegistry
	Ready       <-chan struct{}
	Gatherer    prometheus.Gatherer
	StaticDir   string
	NewTelegram services.TelegramFactory
}

// Register wires up API routes.
func Register(router *gin.Engine, db *gorm.DB, deps Deps) error {
	router.GET("/api/v1/health", handlers.HealthHandler)
	if deps.Ready != nil {
		router.GET("/api/v1/ready", handlers.ReadyHandler(deps.Ready))
	}
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}
	if deps.NewTelegram == nil {
		deps.NewTelegram = services.NewBotTelegramFactory()
	}

	hostService := services.NewHostService(db)
	historyService := services.NewHistoryService(db)
	alertService := services.NewAlertService(db)
	settingsService := services.NewSettingsService(db)
	mailService := services.NewMailService(db)
	notificationService := services.NewNotificationService(db)

	api := router.Group("/api/v1")

	hostHandler := handlers.NewHostHandler(hostService, historyService, deps.Poller, deps.StaticDir)
	api.GET("/hosts", hostHandler.List)
	api.POST("/hosts", hostHandler.Create)
	api.DELETE("/hosts", hostHandler.DeleteAll)
	api.GET("/hosts/counts", hostHandler.Counts)
	api.GET("/hosts/:id", hostHandler.Get)
	api.DELETE("/hosts/:id", hostHandler.Delete)
	api.POST("/hosts/:id/poll", hostHandler.Poll)
	api.PUT("/hosts/:id/alerts", hostHandler.SetAlerts)
	api.GET("/hosts/:id/history", hostHandler.History)
	api.GET("/hosts/:id/images", hostHandler.Images)
	api.POST("/hosts/:id/images", hostHandler.UploadImage)

	alertHandler := handlers.NewAlertHandler(alertService)
	api.GET("/alerts", alertHandler.List)
	api.POST("/alerts/clear", alertHandler.ClearAll)
	api.POST("/alerts/:id/clear", alertHandler.Clear)

	settingsHandler := handlers.NewSettingsHandler(settingsService, mailService, deps.Scheduler, deps.NewTelegram)
	api.GET("/settings", settingsHandler.GetSettings)
	api.POST("/settings", settingsHandler.UpdateSetting)
	api.GET("/settings/polling", settingsHandler.GetPollingConfig)
	api.PUT("/settings/polling", settingsHandler.UpdatePollingConfig)
	api.GET("/settings/alerts", settingsHandler.GetAlertsEnabled)
	api.PUT("/settings/alerts", settingsHandler.SetAlertsEnabled)
	api.GET("/settings/telegram", settingsHandler.GetTelegramConfig)
	api.PUT("/settings/telegram", settingsHandler.UpdateTelegramConfig)
	api.POST("/settings/telegram/test", settingsHandler.TestTelegram)
	api.GET("/settings/smtp", settingsHandler.GetSMTPConfig)
	api.PUT("/settings/smtp", settingsHandler.UpdateSMTPConfig)
	api.POST("/settings/smtp/test", settingsHandler.TestSMTPConfig)

	notificationHandler := handlers.NewNotificationHandler(notificationService)
	api.GET("/notifications", notificationHandler.List)
	api.POST("/notifications/:id/read", notificationHandler.MarkAsRead)
	api.POST("/notifications/read-all", notificationHandler.MarkAllAsRead)

	providerHandler := handlers.NewNotificationProviderHandler(notificationService)
	api.GET("/notifications/providers", providerHandler.List)
	api.POST("/notifications/providers", providerHandler.Create)
	api.PUT("/notifications/providers/:id", providerHandler.Update)
	api.DELETE("/notifications/providers/:id", providerHandler.Delete)
	api.POST("/notifications/providers/test", providerHandler.Test)

	if deps.Jobs != nil {
		jobHandler := handlers.NewJobHandler(deps.Jobs)
		api.GET("/jobs", jobHandler.List)
		api.POST("/jobs/:id/trigger", jobHandler.Trigger)
	}

	return nil
}
