// Command orchestrator boots the build orchestrator: it wires the
// persistence layer, the Build Registry, the configured LLM provider and
// sandbox executor, and the HTTP surface (spec §6), then blocks until an
// interrupt triggers a graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"orchestrator/pkg/artifact"
	"orchestrator/pkg/config"
	"orchestrator/pkg/httpapi"
	"orchestrator/pkg/llm"
	"orchestrator/pkg/llm/anthropic"
	"orchestrator/pkg/llm/google"
	"orchestrator/pkg/llm/ollama"
	"orchestrator/pkg/llm/openai"
	"orchestrator/pkg/logx"
	"orchestrator/pkg/metrics"
	"orchestrator/pkg/objectstore"
	"orchestrator/pkg/orchestrator"
	"orchestrator/pkg/persistence"
	"orchestrator/pkg/registry"
	"orchestrator/pkg/sandbox"
)

// shutdownTimeout bounds how long graceful shutdown waits for in-flight
// builds' sandboxes to be torn down and the HTTP server to drain.
const shutdownTimeout = 30 * time.Second

func main() {
	var interactive, setSecrets bool
	flag.BoolVar(&interactive, "interactive", false, "prompt for an app spec and submit it to the local /builds endpoint")
	flag.BoolVar(&setSecrets, "set-secrets", false, "prompt for LLM/object-store credentials and encrypt them to .orchestrator/secrets.json.enc")
	flag.Parse()

	if setSecrets {
		if err := runSetSecrets(); err != nil {
			log.Fatalf("failed to set secrets: %v", err)
		}
		return
	}

	if err := loadSecretsIfPresent(); err != nil {
		log.Fatalf("failed to load secrets file: %v", err)
	}

	fmt.Println("orchestrator boot")

	cfg := config.Load()
	logger := logx.NewLogger("main")

	db, err := persistence.InitializeDatabase(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to initialize database: %v", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Error("failed to close database: %v", closeErr)
		}
	}()
	dbOps := persistence.NewDatabaseOperations(db)

	persistCh := make(chan *persistence.Request, 256)

	reg := registry.New()

	llmClient, err := newLLMClient(cfg)
	if err != nil {
		log.Fatalf("failed to configure LLM client: %v", err)
	}

	sandboxProvider := sandbox.NewProvider(sandbox.Kind(cfg.SandboxMode))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storeAccessKey, storeSecretKey := config.ObjectStoreCredentials()
	store, err := objectstore.NewFromConfig(ctx, cfg.ObjectStoreBucket, cfg.ObjectStoreAddr, storeAccessKey, storeSecretKey, "artifacts")
	if err != nil {
		log.Fatalf("failed to configure object store: %v", err)
	}

	recorder := metrics.NewPrometheusRecorder()
	pipeline := artifact.New(store, recorder)

	var designResearcher orchestrator.DesignResearcher
	if cfg.LLMProvider == config.ProviderGoogle && !config.DesignResearchDisabled() {
		designResearcher = orchestrator.NewGeminiDesignResearcher(llmClient)
	} else if apiKey, secErr := config.GetSecret(config.EnvGoogleAPIKey); secErr == nil && apiKey != "" && !config.DesignResearchDisabled() {
		designResearcher = orchestrator.NewGeminiDesignResearcher(google.NewGeminiClientWithModel(apiKey, config.ModelGeminiPro))
	}

	orch := orchestrator.New(reg, persistCh, sandboxProvider, llmClient, designResearcher, recorder, pipeline, cfg)

	worker := newPersistenceWorker(persistCh, dbOps, logger)
	go worker.run(ctx)

	server := httpapi.New(orch, dbOps, reg, store)
	if err := server.StartServer(ctx, cfg.HTTPAddr); err != nil {
		log.Fatalf("failed to start HTTP surface: %v", err)
	}
	logger.Info("orchestrator listening on %s", cfg.HTTPAddr)

	if interactive {
		go runInteractive(cfg.HTTPAddr)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received signal %v, initiating graceful shutdown", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := reg.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down active builds: %v", err)
	}
	cancel()

	logger.Info("orchestrator shutdown complete")
}

// newLLMClient selects and constructs the LLM client named by cfg.LLMProvider,
// mirroring the credential precedence of spec §6 (OAuth token preferred over
// a static API key for Anthropic).
func newLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLMProvider {
	case config.ProviderAnthropic:
		token, _, err := config.LLMCredential()
		if err != nil {
			return nil, err
		}
		return anthropic.NewClaudeClientWithModel(token, cfg.LLMModel), nil
	case config.ProviderOpenAI:
		apiKey, err := config.GetSecret(config.EnvOpenAIAPIKey)
		if err != nil {
			return nil, err
		}
		return openai.NewChatClientWithModel(apiKey, cfg.LLMModel), nil
	case config.ProviderGoogle:
		apiKey, err := config.GetSecret(config.EnvGoogleAPIKey)
		if err != nil {
			return nil, err
		}
		return google.NewGeminiClientWithModel(apiKey, cfg.LLMModel), nil
	case config.ProviderOllama:
		host := os.Getenv(config.EnvOllamaHost)
		if host == "" {
			host = "http://localhost:11434"
		}
		return ollama.NewOllamaClientWithModel(host, cfg.LLMModel), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.LLMProvider)
	}
}
