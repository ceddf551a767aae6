// Command arborchat runs the conversation state service: per-conversation
// actors over a durable backend, attachment ingestion and retrieval, and
// the owner quota ledger, behind a JSON/HTTP API.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arborchat-dev/arborchat/internal/server"
	"github.com/arborchat-dev/arborchat/pkg/config"
	"github.com/arborchat-dev/arborchat/pkg/convstate"
	"github.com/arborchat-dev/arborchat/pkg/embeddings"
	"github.com/arborchat-dev/arborchat/pkg/observability"
	"github.com/arborchat-dev/arborchat/pkg/pipeline"
	"github.com/arborchat-dev/arborchat/pkg/quota"
)

// Version is set via ldflags.
var Version = "dev"

var configFile string

var rootCmd = &cobra.Command{
	Use:   "arborchat",
	Short: "Branching conversation state service",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config YAML")
	rootCmd.AddCommand(serveCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func loadConfig() (*config.Config, error) {
	if configFile == "" {
		return config.Default(), nil
	}
	return config.LoadConfig(configFile)
}

func buildBackend(cfg *config.Config) (convstate.StorageBackend, error) {
	switch cfg.Storage.Provider {
	case "memory":
		return convstate.NewMemoryBackend(), nil
	case "redis":
		return convstate.NewRedisBackend(convstate.RedisConfig{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
			StateTTL: cfg.Storage.Redis.StateTTL,
			PoolSize: cfg.Storage.Redis.PoolSize,
		})
	case "firestore":
		return convstate.NewFirestoreBackend(context.Background(), convstate.FirestoreConfig{
			ProjectID:       cfg.Storage.Firestore.ProjectID,
			CredentialsFile: cfg.Storage.Firestore.CredentialsFile,
			Collection:      cfg.Storage.Firestore.Collection,
		})
	default:
		return nil, fmt.Errorf("unsupported storage provider: %s", cfg.Storage.Provider)
	}
}

// buildQuotaBackend keeps the quota ledger on the same store as the
// conversation state where possible. Firestore deployments fall back to
// Redis when configured, memory otherwise.
func buildQuotaBackend(cfg *config.Config) (quota.StorageBackend, error) {
	if cfg.Storage.Provider == "redis" || (cfg.Storage.Provider == "firestore" && cfg.Storage.Redis.Addr != "") {
		return quota.NewRedisBackend(cfg.Storage.Redis.Addr, cfg.Storage.Redis.Password, cfg.Storage.Redis.DB)
	}
	return quota.NewMemoryBackend(), nil
}

func serve() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log.Printf("Starting arborchat v%s (storage: %s, embeddings: %s)",
		Version, cfg.Storage.Provider, cfg.Embeddings.Provider)

	observability.InitMetrics()
	if err := observability.InitTracingFromEnv(); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	backend, err := buildBackend(cfg)
	if err != nil {
		return fmt.Errorf("create storage backend: %w", err)
	}
	manager, err := convstate.NewManager(backend, convstate.ManagerConfig{
		IdleTTL:          cfg.Actors.IdleTTL,
		EvictionSchedule: cfg.Actors.EvictionSchedule,
	})
	if err != nil {
		return fmt.Errorf("create actor manager: %w", err)
	}
	defer manager.Close()

	quotaBackend, err := buildQuotaBackend(cfg)
	if err != nil {
		return fmt.Errorf("create quota backend: %w", err)
	}
	ledger := quota.NewLedger(quotaBackend, cfg.Quota.DefaultTotal)
	defer ledger.Close()

	embedder, err := embeddings.New(cfg.Embeddings)
	if err != nil {
		return fmt.Errorf("create embedding service: %w", err)
	}
	defer embedder.Close()

	var sender *pipeline.Sender
	if cfg.Generation.OpenAIKey != "" {
		generator, err := pipeline.NewOpenAIGenerator(cfg.Generation.OpenAIKey, cfg.Generation.BaseURL)
		if err != nil {
			return fmt.Errorf("create generator: %w", err)
		}
		sender = pipeline.NewSender(ledger, generator)
	} else {
		log.Println("No generation key configured; the send route is disabled")
	}

	srv := server.New(
		manager,
		ledger,
		pipeline.NewIngestor(embedder, cfg.Retrieval.ChunkBudget, cfg.Retrieval.EmbedParallelism),
		pipeline.NewWebIndexer(embedder),
		pipeline.NewRetriever(embedder),
		sender,
		server.Options{
			AttachmentCap:     cfg.Attachments.MaxPerConversation,
			ChunkBudget:       cfg.Retrieval.ChunkBudget,
			EmbedParallelism:  cfg.Retrieval.EmbedParallelism,
			RequestsPerSecond: cfg.Server.RequestsPerSecond,
			Burst:             cfg.Server.Burst,
		},
	)

	httpServer := srv.HTTPServer(cfg.Server.ListenAddr)
	errChan := make(chan error, 1)
	go func() {
		log.Printf("Listening on %s", cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("HTTP server: %w", err)
	case sig := <-quit:
		log.Printf("Received %s, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown: %v", err)
	}
	if err := observability.ShutdownTracing(ctx); err != nil {
		log.Printf("Tracing shutdown: %v", err)
	}
	log.Println("Server stopped")
	return nil
}
