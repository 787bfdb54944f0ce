package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"abobi.legal/advisor-service/internal/api"
	"abobi.legal/advisor-service/internal/blob"
	"abobi.legal/advisor-service/internal/config"
	"abobi.legal/advisor-service/internal/core"
	"abobi.legal/advisor-service/internal/logging"
	"abobi.legal/advisor-service/internal/metrics"
	"abobi.legal/advisor-service/internal/store"
)

func main() {
	migrateOnly := flag.Bool("migrate", false, "Apply the index schema and exit")
	flag.Parse()

	load := config.Load
	if *migrateOnly {
		load = config.LoadForMigrate
	}
	cfg, err := load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	// NewSQLiteStore applies the schema on open.
	index, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize index database")
	}
	defer index.Close()

	if *migrateOnly {
		log.WithField("database", cfg.DatabaseURL).Info("Schema is up to date. Exiting.")
		return
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ctx := context.Background()

	blobs, closeBlobs, err := newContentStore(ctx, cfg, log, m)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize content store")
	}
	defer closeBlobs()

	llm, closeLLM, err := newInference(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize inference provider")
	}
	defer closeLLM()

	chatService := core.NewChatService(index, blobs, llm, core.ChatConfig{
		ContextWindow:    cfg.ContextWindow,
		MaxMessageLength: cfg.MaxMessageLength,
		Location:         cfg.Location,
	}, log, m)
	documentService := core.NewDocumentService(index, blobs, cfg.BlobMaxBytes, log)

	apiHandler := api.NewAPIHandler(chatService, documentService, index, log)
	router := api.NewRouter(apiHandler, m, log)

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.InferenceTimeout + 30*time.Second, // inference plus publish
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.WithFields(logrus.Fields{
			"addr":      serverAddr,
			"inference": cfg.InferenceProvider,
			"blobs":     cfg.BlobBackend,
		}).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatalf("Could not listen on %s", serverAddr)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}
	log.Info("Server exiting gracefully")
}

// newContentStore builds the configured backend and layers encryption, the
// read cache and metrics on top of it. Handles are computed over what the
// backend stores, so the cache sits above the cipher.
func newContentStore(ctx context.Context, cfg *config.Config, log *logrus.Logger, m *metrics.Collector) (blob.Store, func(), error) {
	closer := func() {}

	var backend blob.Store
	switch cfg.BlobBackend {
	case config.BackendRedis:
		client, err := blob.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		backend = blob.NewRedisStore(client, cfg.BlobMaxBytes)
		closer = func() { _ = client.Close() }
	case config.BackendGateway:
		gw, err := blob.NewGatewayStore(blob.GatewayConfig{
			BaseURL:    cfg.GatewayURL,
			Token:      cfg.GatewayToken,
			MaxRetries: cfg.GatewayMaxRetries,
			MaxBytes:   cfg.BlobMaxBytes,
			Logger:     log,
		})
		if err != nil {
			return nil, nil, err
		}
		backend = gw
	default:
		log.Warn("Using the in-memory content store; sessions will not survive a restart")
		backend = blob.NewMemoryStore(cfg.BlobMaxBytes)
	}

	var cipher blob.Cipher = blob.Plaintext{}
	if cfg.BlobEncryptionKey != "" {
		c, err := blob.NewAESGCM([]byte(cfg.BlobEncryptionKey))
		if err != nil {
			closer()
			return nil, nil, err
		}
		cipher = c
	} else {
		log.Warn("BLOB_ENCRYPTION_KEY is not set; content is stored unencrypted")
	}

	var s blob.Store = blob.NewSealedStore(backend, cipher)
	if cfg.BlobCacheSize > 0 {
		cached, err := blob.NewCachedStore(s, cfg.BlobCacheSize)
		if err != nil {
			closer()
			return nil, nil, err
		}
		s = cached
	}
	return blob.NewInstrumentedStore(s, cfg.BlobBackend, m), closer, nil
}

func newInference(ctx context.Context, cfg *config.Config, log *logrus.Logger) (core.Inference, func(), error) {
	switch cfg.InferenceProvider {
	case config.ProviderOpenAI:
		return core.NewOpenAIInference(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, core.LLMConfig{
			Model:       cfg.OpenAIModel,
			MaxTokens:   cfg.InferenceMaxTokens,
			Temperature: &cfg.InferenceTemperature,
			Timeout:     cfg.InferenceTimeout,
		}), func() {}, nil
	default:
		g, err := core.NewGeminiInference(ctx, cfg.GeminiAPIKey, core.LLMConfig{
			Model:       cfg.GeminiModel,
			MaxTokens:   cfg.InferenceMaxTokens,
			Temperature: &cfg.InferenceTemperature,
			Timeout:     cfg.InferenceTimeout,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return g, g.Close, nil
	}
}
