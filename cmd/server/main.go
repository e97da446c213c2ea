package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/copyarena-server/internal/config"
	"github.com/copyarena-server/internal/handler"
	"github.com/copyarena-server/internal/middleware"
	"github.com/copyarena-server/internal/models"
	"github.com/copyarena-server/internal/repository"
	"github.com/copyarena-server/internal/service"
	"github.com/copyarena-server/internal/ws"
)

// Build info (injected at build time via -ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Set Gin mode
	gin.SetMode(cfg.Server.Mode)

	// Initialize file logger
	if err := middleware.InitLogger(cfg.Log.Dir); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	// Initialize database
	db, err := initDatabase(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	// Initialize Redis
	rdb := initRedis(cfg)

	// Auto migrate database
	if err := autoMigrate(db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	// Initialize repositories
	userRepo := repository.NewUserRepository(db)
	tradeRepo := repository.NewTradeRepository(db)
	snapshotRepo := repository.NewSnapshotRepository(db)

	// Initialize services
	authService := service.NewAuthService(userRepo, cfg.JWT)
	marginMonitor := service.NewMarginMonitor(cfg.Risk)
	hashCache := service.NewSnapshotHashCache(rdb, cfg.Sync.HashTTL())

	// Websocket hub fans reconciliation events out to viewers
	hub := ws.NewHub(rdb, cfg.WS.PingInterval(), cfg.WS.MissedPongLimit, cfg.WS.SendBuffer)

	reconciler := service.NewReconciler(
		db,
		tradeRepo,
		snapshotRepo,
		marginMonitor,
		hub,
		hashCache,
		cfg.Sync.ProfitDelta,
	)

	// Flags bridges that stop pushing without a disconnect call
	watchdog := service.NewBridgeWatchdog(snapshotRepo, marginMonitor, hashCache, hub, cfg.Sync.StaleAfter())
	watchdog.Start()

	// Initialize handlers
	authHandler := handler.NewAuthHandler(authService)
	bridgeHandler := handler.NewBridgeHandler(reconciler, snapshotRepo, marginMonitor, hashCache, hub, cfg.Sync)
	ledgerHandler := handler.NewLedgerHandler(tradeRepo, snapshotRepo, reconciler)
	wsHandler := handler.NewWSHandler(hub)

	// Create Gin router
	router := gin.Default()

	// Add request logging middleware (logs all requests with error details)
	router.Use(middleware.RequestLoggerMiddleware())

	// Add CORS middleware
	router.Use(corsMiddleware())

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"version":     Version,
			"commit":      Commit,
			"build_time":  BuildTime,
			"time":        time.Now().Unix(),
			"connections": hub.TotalConnections(),
		})
	})

	authMiddleware := middleware.AuthMiddleware(authService)
	bridgeAuth := middleware.BridgeAuthMiddleware(authService)

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		// Auth and profile routes
		authHandler.RegisterRoutes(v1, authMiddleware)

		// Ledger query routes (protected)
		ledgerHandler.RegisterRoutes(v1, authMiddleware)
	}

	// Bridge ingestion routes (API-key authenticated)
	bridge := router.Group("/api/bridge")
	bridge.Use(middleware.SyncLoggerMiddleware())
	bridgeHandler.RegisterRoutes(bridge, bridgeAuth)

	// Websocket route registers on the root engine for the upgrade handshake
	wsHandler.RegisterRoutes(router, authMiddleware)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Starting server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	watchdog.Stop()

	// Close viewer connections before tearing the listener down
	hub.Shutdown()

	// Graceful shutdown with 10 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	// Close Redis connection
	if err := rdb.Close(); err != nil {
		log.Printf("Error closing Redis connection: %v", err)
	}

	log.Println("Server exited properly")
}

func initDatabase(cfg *config.Config) (*gorm.DB, error) {
	gormLogger := logger.Default.LogMode(logger.Info)
	if cfg.Server.Mode == "release" {
		gormLogger = logger.Default.LogMode(logger.Warn)
	}

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, err
	}

	// Configure connection pool
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db, nil
}

func initRedis(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Trade{},
		&models.AccountSnapshot{},
		&models.BridgeLink{},
	)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
