package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lekesiz/BDC-sub001/internal/ai"
	"github.com/lekesiz/BDC-sub001/internal/config"
	"github.com/lekesiz/BDC-sub001/internal/database/mongo"
	"github.com/lekesiz/BDC-sub001/internal/database/redis"
	"github.com/lekesiz/BDC-sub001/internal/event"
	"github.com/lekesiz/BDC-sub001/internal/handlers"
	"github.com/lekesiz/BDC-sub001/internal/repository"
	"github.com/lekesiz/BDC-sub001/internal/scoring"
	"github.com/lekesiz/BDC-sub001/internal/services"
	"github.com/lekesiz/BDC-sub001/pkg/discovery"

	"github.com/gofiber/fiber/v3"
)

func setupLogging() (*os.File, error) {
	logDir := filepath.Join("/evolvia", "log", "evaluation_service")
	err := os.MkdirAll(logDir, 0755)
	if err != nil {
		return nil, fmt.Errorf("failed to create log directory: %v", err)
	}

	currentTime := time.Now()
	logFileName := fmt.Sprintf("log_%s.log", currentTime.Format("2006-01-02"))
	logFile := filepath.Join(logDir, logFileName)

	file, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %v", err)
	}

	log.SetOutput(file)
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	return file, nil
}

func main() {
	logFile, err := setupLogging()
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer logFile.Close()

	cfg := config.ServiceConfig

	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	})

	// Initialize repositories
	testRepo := repository.NewTestRepository(mongo.Mongo_Database)
	sessionRepo := repository.NewSessionRepository(mongo.Mongo_Database)
	analysisRepo := repository.NewAnalysisRepository(mongo.Mongo_Database)
	reviewRepo := repository.NewReviewRepository(mongo.Mongo_Database)
	cache := repository.NewCacheRepository(redis.Redis_Client, cfg.Redis.CacheTTL)

	// Create database indexes
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := testRepo.CreateIndexes(ctx); err != nil {
		log.Printf("Warning: Failed to create test indexes: %v", err)
	}
	if err := sessionRepo.CreateIndexes(ctx); err != nil {
		log.Printf("Warning: Failed to create session indexes: %v", err)
	}
	if err := analysisRepo.CreateIndexes(ctx); err != nil {
		log.Printf("Warning: Failed to create analysis indexes: %v", err)
	}
	if err := reviewRepo.CreateIndexes(ctx); err != nil {
		log.Printf("Warning: Failed to create review indexes: %v", err)
	}
	cancel()

	// Initialize event publisher; fall back to the disabled publisher so
	// state transitions keep working without the broker
	eventPublisher, err := event.NewEventPublisher(cfg.RabbitMQ.URI)
	if err != nil {
		log.Printf("Warning: Failed to initialize event publisher: %v", err)
		eventPublisher, _ = event.NewEventPublisher("")
	}

	// Initialize services
	engine := scoring.NewEngine()
	provider := ai.NewOpenAIClient(cfg.Analysis.ProviderURL, cfg.Analysis.ProviderAPIKey,
		cfg.Analysis.ProviderModel, cfg.Analysis.RequestTimeout)

	catalogService := services.NewCatalogService(testRepo, cache)
	sessionService := services.NewSessionService(sessionRepo, testRepo, analysisRepo, reviewRepo,
		cache, engine, eventPublisher)
	orchestrator := services.NewAnalysisOrchestrator(sessionRepo, testRepo, analysisRepo, reviewRepo,
		cache, engine, provider, eventPublisher)
	reviewService := services.NewReviewService(reviewRepo, analysisRepo, sessionRepo, testRepo,
		cache, engine, eventPublisher)
	sweeper := services.NewSweeper(sessionRepo, sessionService, reviewRepo, orchestrator)

	orchestrator.Start()
	sweeper.Start()

	// Initialize event consumer
	eventConsumer, err := event.NewEventConsumer(cfg.RabbitMQ.URI, orchestrator)
	if err != nil {
		log.Printf("Warning: Failed to initialize event consumer: %v", err)
	} else if err := eventConsumer.Start(); err != nil {
		log.Printf("Warning: Failed to start event consumer: %v", err)
		eventConsumer.Close()
		eventConsumer = nil
	} else {
		log.Println("Successfully started analysis dispatch consumer")
	}

	// Initialize and register handlers
	sessionHandler := handlers.NewSessionHandler(sessionService)
	sessionHandler.RegisterRoutes(app)
	reviewHandler := handlers.NewReviewHandler(reviewService)
	reviewHandler.RegisterRoutes(app)
	catalogHandler := handlers.NewCatalogHandler(catalogService)
	catalogHandler.RegisterRoutes(app)

	shutdownChan := make(chan os.Signal, 1)
	doneChan := make(chan bool, 1)

	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on port %s", cfg.Server.Port)
		if err := app.Listen(fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)); err != nil {
			log.Fatalf("Error starting server: %v", err)
		}
		doneChan <- true
	}()

	if err := discovery.ServiceDiscovery.Register(); err != nil {
		log.Printf("Warning: Failed to register with service discovery: %v", err)
	}

	<-shutdownChan
	log.Println("Shutting down server...")

	ctx, cancel = context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("Error shutting down HTTP server: %v", err)
	}

	// Deregister from service discovery
	if discovery.ServiceDiscovery != nil {
		if err := discovery.ServiceDiscovery.Deregister(); err != nil {
			log.Printf("Error deregistering from service discovery: %v", err)
		}
	}

	// Stop event intake before draining the background workers
	if eventConsumer != nil {
		if err := eventConsumer.Close(); err != nil {
			log.Printf("Error closing event consumer: %v", err)
		}
	}

	if err := sweeper.Close(); err != nil {
		log.Printf("Error closing sweeper: %v", err)
	}

	if err := orchestrator.Close(); err != nil {
		log.Printf("Error closing analysis orchestrator: %v", err)
	}

	// Close event publisher
	if eventPublisher != nil {
		if err := eventPublisher.Close(); err != nil {
			log.Printf("Error closing event publisher: %v", err)
		}
	}

	// Disconnect from MongoDB and Redis
	mongo.DisconnectMongo()
	redis.CloseRedis()

	<-doneChan
	log.Println("Server shutdown complete")
}
