package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Cyvadra/broker-sync/broker"
	"github.com/Cyvadra/broker-sync/broker/flexreport"
	"github.com/Cyvadra/broker-sync/broker/oauthrest"
	"github.com/Cyvadra/broker-sync/internal/config"
	"github.com/Cyvadra/broker-sync/internal/database"
	"github.com/Cyvadra/broker-sync/internal/handlers"
	"github.com/Cyvadra/broker-sync/internal/routes"
	"github.com/Cyvadra/broker-sync/internal/services"
	"github.com/Cyvadra/broker-sync/internal/vault"
	"github.com/gin-gonic/gin"
)

func main() {
	// Parse command line flags
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	connectionsFile := flag.String("connections", "connections.yaml", "Path to connection seeds file")
	initConfig := flag.Bool("init", false, "Write a default configuration with a new vault key and exit")
	flag.Parse()

	if *initConfig {
		if err := writeDefaultConfig(*configFile); err != nil {
			log.Fatalf("Failed to write default config: %v", err)
		}
		log.Printf("Default configuration written to %s", *configFile)
		return
	}

	// Load configuration
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config from %s: %v", *configFile, err)
	}

	// Load connection seeds
	seeds, err := config.LoadConnectionSeeds(*connectionsFile)
	if err != nil {
		log.Fatalf("Failed to load connections from %s: %v", *connectionsFile, err)
	}

	credentialVault, err := vault.New(cfg.Vault.Key)
	if err != nil {
		log.Fatalf("Failed to initialize credential vault: %v", err)
	}

	// Initialize database
	if err := database.InitDatabase(cfg.Database.DSN, cfg.Database.LogLevel); err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	// Set up services with configuration
	syncHandler, syncService, scheduler := setupServices(cfg, credentialVault, seeds)

	// Set up Gin
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// Add middleware
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	// Set up routes
	routes.SetupRoutes(r, syncHandler)

	if scheduler != nil {
		scheduler.Start()
	}

	// Start server
	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{Addr: addr, Handler: r}

	go func() {
		log.Printf("Starting server on %s", addr)
		log.Printf("Manual sync endpoint: http://%s/api/v1/connections/:id/sync", addr)
		log.Printf("Health check: http://%s/health", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// stop accepting manual syncs before draining the running ones
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if scheduler != nil {
		scheduler.Stop()
	}
	if err := syncService.WaitContext(ctx); err != nil {
		log.Printf("Manual syncs still running at shutdown: %v", err)
	}
}

// setupServices wires adapters, stores and the scheduler from the configuration
func setupServices(cfg *config.Config, credentialVault *vault.Vault, seeds *config.ConnectionSeeds) (*handlers.SyncHandler, *services.SyncService, *services.Scheduler) {
	db := database.GetDB()

	connections := services.NewConnectionService(db, credentialVault)
	if _, err := connections.FailInterruptedSyncLogs(context.Background()); err != nil {
		log.Printf("Failed to close interrupted sync logs: %v", err)
	}

	flexClient := flexreport.NewClient(cfg.Brokers.FlexReport)
	oauthClient := oauthrest.NewClient(cfg.Brokers.OAuthREST, connections)
	registry := broker.NewRegistry(flexClient, oauthClient)

	trades := services.NewTradeService(db)
	syncService := services.NewSyncService(connections, registry,
		services.NewDuplicateResolver(db), trades)
	if cfg.Notifier.WebhookURL != "" {
		syncService.SetNotifier(services.MultiNotifier{
			services.NewLogNotifier(),
			services.NewWebhookNotifier(cfg.Notifier.WebhookURL, cfg.Notifier.Timeout),
		})
	}

	created, err := connections.SeedConnections(context.Background(), seeds.Active())
	if err != nil {
		log.Printf("Failed to seed connections: %v", err)
	}
	// newly seeded connections become active once their credentials check out
	for _, id := range created {
		go func(connectionID uint) {
			result, err := syncService.ValidateConnection(context.Background(), connectionID)
			if err != nil {
				log.Printf("Failed to validate seeded connection %d: %v", connectionID, err)
				return
			}
			log.Printf("Seeded connection %d valid=%t: %s", connectionID, result.Valid, result.Message)
		}(id)
	}

	var scheduler *services.Scheduler
	if cfg.Scheduler.Enabled {
		scheduler = services.NewScheduler(connections, syncService, cfg.Scheduler)
	}

	syncHandler := handlers.NewSyncHandler(connections, syncService, trades, scheduler)

	// Store the configured handler globally so routes can access it
	handlers.SetGlobalHandler(syncHandler)

	return syncHandler, syncService, scheduler
}

// writeDefaultConfig saves the default configuration with a freshly generated vault key
func writeDefaultConfig(filename string) error {
	if _, err := os.Stat(filename); err == nil {
		return fmt.Errorf("%s already exists", filename)
	}
	key, err := vault.GenerateKey()
	if err != nil {
		return err
	}
	cfg := config.Default()
	cfg.Vault.Key = key
	return config.SaveConfig(cfg, filename)
}
