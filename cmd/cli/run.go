package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"

	"relaydesk/internal/config"
	"relaydesk/internal/events"
	"relaydesk/internal/handlers"
	"relaydesk/internal/middleware"
	"relaydesk/internal/models"
	"relaydesk/internal/observability"
	"relaydesk/internal/services"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the relaydesk server",
	Run:   run,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) {
	cfg := config.Load()

	if err := config.InitLogger(cfg); err != nil {
		logrus.Fatalf("Failed to initialize logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	shutdownOTel, err := observability.SetupTracing(context.Background(), cfg)
	if err != nil {
		appLogger.Warnf("init tracing: %v", err)
	} else {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=%s",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password,
		cfg.Database.Name, cfg.Database.Port, cfg.Database.SSLMode, cfg.Database.TimeZone)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}
	if cfg.Monitoring.Tracing.Enabled {
		_ = db.Use(gormtracing.NewPlugin())
	}

	if err := db.AutoMigrate(models.All()...); err != nil {
		appLogger.Fatalf("Failed to migrate database: %v", err)
	}

	// Domain event fan-out is optional: without a broker URL the publisher
	// is a no-op.
	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.Events.URL != "" {
		dialCtx, cancelDial := context.WithTimeout(context.Background(), 2*time.Minute)
		p, err := events.DialWithRetry(dialCtx, cfg.Events.URL, cfg.Events.Exchange,
			cfg.Events.RetryAttempts, cfg.Events.RetryDelay, appLogger)
		cancelDial()
		if err != nil {
			appLogger.Warnf("Event publisher unavailable, continuing without fan-out: %v", err)
		} else {
			publisher = p
			defer publisher.Close()
		}
	}

	broker := services.NewEscalationBroker(db, appLogger)
	hub := services.NewHub(db, appLogger, services.GatewayOptions{
		PingInterval:   cfg.Realtime.PingInterval,
		DeadMultiplier: cfg.Realtime.DeadMultiplier,
		SendQueueSize:  cfg.Realtime.SendQueueSize,
		WriteTimeout:   cfg.Realtime.WriteTimeout,
	})
	broker.SetNotifier(hub)
	hub.SetBroker(broker)

	sessionService := services.NewSessionService(db, appLogger)
	sessionService.SetBroker(broker)
	sessionService.SetPublisher(publisher)
	eventService := services.NewEventService(db, appLogger)
	costService := services.NewCostService(db, appLogger)
	statsService := services.NewStatsService(db)
	takeoverService := services.NewTakeoverService(db, appLogger)
	takeoverService.SetBroker(broker)
	takeoverService.SetGateway(hub)
	takeoverService.SetPublisher(publisher)

	brokerCtx, cancelBroker := context.WithCancel(context.Background())
	defer cancelBroker()
	go broker.Run(brokerCtx)
	go hub.Run()
	broker.Resync()

	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := setupRouter(cfg, db, sessionService, eventService, costService, statsService, takeoverService, broker, hub, appLogger)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	go func() {
		appLogger.Infof("Starting server on %s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		appLogger.Errorf("Server forced to shutdown: %v", err)
	}

	appLogger.Info("Server exited")
}

func setupRouter(cfg *config.Config, db *gorm.DB,
	sessions *services.SessionService, eventsSvc *services.EventService,
	costs *services.CostService, stats *services.StatsService,
	takeover *services.TakeoverService, broker *services.EscalationBroker,
	hub *services.Hub, appLogger *logrus.Logger) *gin.Engine {

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(corsMiddlewareWithConfig(cfg))
	if cfg.Monitoring.Tracing.Enabled {
		router.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	healthHandler := handlers.NewHealthHandler(db)
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)

	api := router.Group("/api")
	handlers.RegisterConversationRoutes(api, handlers.NewConversationHandler(sessions, eventsSvc, costs, appLogger))
	handlers.RegisterCostRoutes(api, handlers.NewCostHandler(costs, appLogger))

	authed := api.Group("/")
	authed.Use(middleware.AgentAuth(cfg))
	handlers.RegisterAgentRoutes(authed, handlers.NewAgentHandler(takeover, eventsSvc, broker, stats, hub, appLogger))
	handlers.RegisterStatsRoutes(authed, handlers.NewStatsHandler(stats, hub, appLogger))

	handlers.RegisterGatewayRoutes(router.Group("/"), handlers.NewGatewayHandler(hub, cfg))

	return router
}

func corsMiddlewareWithConfig(cfg *config.Config) gin.HandlerFunc {
	corsCfg := cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "Cache-Control", "X-Requested-With"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if cfg != nil && cfg.Security.CORS.Enabled {
		if len(cfg.Security.CORS.AllowedOrigins) > 0 {
			corsCfg.AllowOrigins = cfg.Security.CORS.AllowedOrigins
		}
		if len(cfg.Security.CORS.AllowedMethods) > 0 {
			corsCfg.AllowMethods = cfg.Security.CORS.AllowedMethods
		}
		if len(cfg.Security.CORS.AllowedHeaders) > 0 {
			corsCfg.AllowHeaders = cfg.Security.CORS.AllowedHeaders
		}
	}
	return cors.New(corsCfg)
}
