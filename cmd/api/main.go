package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/d4l-data4life/go-tool-router/pkg/config"
	"github.com/d4l-data4life/go-tool-router/pkg/llm"
	"github.com/d4l-data4life/go-tool-router/pkg/llm/ollama"
	"github.com/d4l-data4life/go-tool-router/pkg/mcp/invoker"
	"github.com/d4l-data4life/go-tool-router/pkg/mcp/registry"
	"github.com/d4l-data4life/go-tool-router/pkg/mcp/transport"
	"github.com/d4l-data4life/go-tool-router/pkg/metrics"
	"github.com/d4l-data4life/go-tool-router/pkg/models"
	"github.com/d4l-data4life/go-tool-router/pkg/routing"
	"github.com/d4l-data4life/go-tool-router/pkg/routing/keyword"
	"github.com/d4l-data4life/go-tool-router/pkg/server"
	"github.com/d4l-data4life/go-tool-router/pkg/store"

	"github.com/d4l-data4life/go-svc/pkg/logging"
)

func main() {
	// Local development convenience, absent in deployed environments
	_ = godotenv.Load()
	config.SetupEnv()

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db := openDatabase()
	keywordStore := newKeywordStore(db)

	reg := registry.New(transport.DefaultFactory{}, config.Name, config.Version)
	loadServerConfigs(runCtx, reg)

	inv := invoker.New(reg, invoker.Options{
		Timeout:       viper.GetDuration("INVOKE_TIMEOUT"),
		RetryAttempts: viper.GetInt("INVOKE_RETRY_ATTEMPTS"),
		ValidateInput: true,
	})

	recorder := store.NewUsageRecorder(db)

	ollamaCfg := config.GetOllamaConfig()
	llmTimeout, _ := time.ParseDuration(ollamaCfg.RequestTimeout)
	var llmClient llm.Client = ollama.NewClient(ollama.Config{
		BaseURL: ollamaCfg.BaseURL,
		Model:   ollamaCfg.DefaultModel,
		Timeout: llmTimeout,
	})

	routingCfg := config.GetRoutingConfig()
	scoring := keyword.DefaultScoringConfig()
	if routingCfg.TopN > 0 {
		scoring.TopN = routingCfg.TopN
	}
	index := keyword.NewIndex(keywordStore, scoring)
	resolver := keyword.NewParamResolver(keywordStore)

	engine := routing.NewEngine(index, resolver, inv, reg, llmClient, routingCfg)
	engine.SetModel(ollamaCfg.DefaultModel)
	engine.SetStatsSink(recorder)

	generator := routing.NewLLMKeywordGenerator(llmClient, ollamaCfg.DefaultModel)
	enricher := keyword.NewEnricher(keywordStore, generator)
	engine.SetEnricher(enricher)
	engine.SeedKeywords(runCtx, keywordStore)

	metrics.Register()
	metrics.AddBuildInfoMetric()

	corsOptions := config.CorsConfig(strings.Split(viper.GetString("CORS_HOSTS"), " "))
	srv := server.NewServer(config.Name,
		cors.New(corsOptions),
		viper.GetInt("HTTP_MAX_PARALLEL_REQUESTS"),
		viper.GetDuration("HTTP_REQUEST_TIMEOUT"),
	)
	server.SetupRoutes(srv.Mux(), server.Dependencies{
		DB:       db,
		Registry: reg,
		Engine:   engine,
	})

	httpServer := &http.Server{
		Addr:    ":" + viper.GetString("PORT"),
		Handler: srv.Mux(),
	}

	go func() {
		logging.LogInfof("%s listening on port %s", config.Name, viper.GetString("PORT"))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.LogErrorf(err, "HTTP server failed")
			stop()
		}
	}()

	<-runCtx.Done()
	logging.LogInfof("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.LogErrorf(err, "HTTP server shutdown failed")
	}

	reg.Shutdown()
	enricher.Stop()
	recorder.Stop()
}

// openDatabase connects to postgres and runs migrations. Returns nil when
// persistence is disabled; the service then runs on in-memory stores.
func openDatabase() *gorm.DB {
	if !viper.GetBool("DB_ENABLED") {
		logging.LogInfof("Database disabled, using in-memory keyword store")
		return nil
	}

	db, err := gorm.Open(postgres.Open(config.DatabaseDSN()), &gorm.Config{})
	if err != nil {
		logging.LogErrorf(err, "Failed to connect to database, falling back to in-memory keyword store")
		return nil
	}
	if err := models.MigrationFunc(db); err != nil {
		logging.LogErrorf(err, "Database migration failed")
		os.Exit(1)
	}
	return db
}

func newKeywordStore(db *gorm.DB) keyword.Store {
	if db == nil {
		return store.NewMemoryStore()
	}
	return store.NewGormStore(db)
}

// loadServerConfigs reads the tool server definitions and runs all
// handshakes. A missing or empty config file leaves the registry empty but
// the service up.
func loadServerConfigs(ctx context.Context, reg *registry.Registry) {
	configFile := viper.GetString("SERVERS_CONFIG_FILE")
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.MergeInConfig(); err != nil {
			logging.LogErrorf(err, "Failed to read tool server config file %s", configFile)
		}
	}

	servers, err := config.ViperServerLoader{}.Load()
	if err != nil {
		logging.LogErrorf(err, "Failed to parse tool server configuration")
		return
	}
	if len(servers) == 0 {
		logging.LogWarningf(nil, "No tool servers configured, all requests will route to the language model")
		return
	}

	reg.InitializeFromConfig(ctx, servers)
}
