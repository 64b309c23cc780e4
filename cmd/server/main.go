package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/convocrm/backend/internal/application/services"
	"github.com/convocrm/backend/internal/bootstrap"
	"github.com/convocrm/backend/internal/domain/events"
	"github.com/convocrm/backend/internal/infrastructure/collaborators"
	"github.com/convocrm/backend/internal/infrastructure/database"
	"github.com/convocrm/backend/internal/infrastructure/persistence"
	"github.com/convocrm/backend/internal/interfaces/rest"
	"github.com/convocrm/backend/pkg/expression"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "3001"
	}

	// Initialize database connection
	db, err := database.GetInstance()
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	log.Println("✅ Database connection established")

	ctx := context.Background()
	if err := persistence.EnsureSchema(ctx, db.DB()); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}

	// Repositories
	conversationRepo := persistence.NewConversationRepository(db.DB())
	dedupRepo := persistence.NewDedupRepository(db.DB())
	outboxRepo := persistence.NewOutboxRepository(db.DB())
	flowRepo := persistence.NewFlowRepository(db.DB())

	// Seed standard flows
	if err := bootstrap.InitializeFlows(ctx, flowRepo); err != nil {
		log.Printf("⚠️  Warning: Failed to initialize flows: %v", err)
	}

	// Collaborators and engine services
	eventBus := services.NewEventBus()
	evaluator := expression.NewEngine()
	profiles := collaborators.NewProfileProviderFromEnv()
	sender := collaborators.NewChannelSenderFromEnv()
	actions := collaborators.NewDefaultActionRegistry(db.DB(), eventBus)

	flowCache := services.NewFlowCache(flowRepo)
	resolver := services.NewContextResolver(profiles, evaluator)
	transitions := services.NewTransitionResolver(evaluator)
	conversations := services.NewConversationService()
	dispatcher := services.NewActionDispatcher(actions, resolver, eventBus)
	executor := services.NewStepExecutor(flowCache, conversations, resolver, transitions, dispatcher, eventBus)
	outbox := services.NewOutboundOutbox(outboxRepo, sender)
	engine := services.NewEngineService(conversations, executor, flowCache, conversationRepo, dedupRepo, outbox, eventBus)
	sweeper := services.NewTimeoutSweeper(conversationRepo, engine, os.Getenv("SWEEP_SCHEDULE"))
	log.Println("🔧 Engine services initialized")

	// Background workers
	outbox.StartWorker(5 * time.Second)
	if err := sweeper.Start(); err != nil {
		log.Fatalf("Failed to start timeout sweeper: %v", err)
	}

	// Handlers and router
	eventHandler := rest.NewEventHandler(engine)
	conversationHandler := rest.NewConversationHandler(engine)
	flowHandler := rest.NewFlowHandler(flowRepo, flowCache)
	router := rest.SetupRouter(eventHandler, conversationHandler, flowHandler)

	eventBus.PublishAsync(events.SystemStartup, map[string]interface{}{"port": port})

	server := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	go func() {
		log.Printf("🚀 Engine listening on port %s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("⏸️ Shutting down...")

	sweeper.Stop()
	outbox.StopWorker()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("❌ Server shutdown failed: %v", err)
	}

	if err := db.Close(); err != nil {
		log.Printf("⚠️  Failed to close database: %v", err)
	}
	log.Println("✅ Shutdown complete")
}
