// Command streamd is the streaming conversation orchestrator's HTTP
// entrypoint. It loads configuration, wires every collaborator into an
// explicit Services struct (no module-level singleton container, per the
// documented redesign away from the source's ambient DI container), and
// serves POST /chat. Grounded on internal/agentd/run.go's Run/newApp shape:
// load env, load config, init observability, construct every collaborator
// as a field, build a router, listen.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"streamorch/internal/admission"
	"streamorch/internal/agentloop"
	"streamorch/internal/apperrors"
	"streamorch/internal/checkpointworker"
	"streamorch/internal/chatdispatch"
	"streamorch/internal/chunker"
	"streamorch/internal/config"
	"streamorch/internal/embedding"
	"streamorch/internal/kv"
	"streamorch/internal/llm"
	"streamorch/internal/llm/anthropicprovider"
	"streamorch/internal/llm/openaiprovider"
	"streamorch/internal/longtermmemory"
	"streamorch/internal/memory"
	"streamorch/internal/messagerepo"
	"streamorch/internal/metrics/clickhouse"
	"streamorch/internal/multiagent"
	"streamorch/internal/observability"
	"streamorch/internal/requestcache"
	"streamorch/internal/resume"
	"streamorch/internal/sessionstore"
	"streamorch/internal/streamprogress"
	"streamorch/internal/tooling"
	"streamorch/internal/toolkit/mcp"
	"streamorch/internal/toolkit/webread"
	"streamorch/internal/uploads"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Services bundles every collaborator this process wires, threaded
// explicitly through main instead of reached via a package-level
// singleton.
type Services struct {
	Config     *config.Config
	Dispatcher *chatdispatch.Dispatcher
	Pool       *pgxpool.Pool
	SessionKV  kv.Client
	Checkpoint *checkpointworker.Pool
	LTM        *longtermmemory.Store
	Metrics    *clickhouse.Client
	MCP        *mcp.Manager
}

func main() {
	cfg, err := config.Load(os.Getenv("STREAMORCH_CONFIG"))
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		log.Fatal().Err(err).Msg("config_load_failed")
	}

	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	ctx := context.Background()
	shutdown, err := observability.InitOTel(ctx, observability.OTelConfig{
		OTLPEndpoint:   cfg.Obs.OTLP,
		ServiceName:    cfg.Obs.ServiceName,
		ServiceVersion: cfg.Obs.ServiceVersion,
		Environment:    cfg.Obs.Environment,
	})
	if err != nil {
		log.Warn().Err(err).Msg("otel_init_failed_continuing_without_observability")
		shutdown = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdown(context.Background()) }()

	svc, err := newServices(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("service_init_failed")
	}
	defer svc.Close()

	mux := http.NewServeMux()
	mux.Handle("/chat", svc.Dispatcher)

	handler := otelhttp.NewHandler(mux, "streamd")

	log.Info().Str("addr", cfg.HTTP.Addr).Msg("streamd_listening")
	if err := http.ListenAndServe(cfg.HTTP.Addr, handler); err != nil {
		log.Fatal().Err(err).Msg("server_failed")
	}
}

// newServices builds every collaborator, failing fast only on the
// components a usable server genuinely cannot run without (Postgres,
// session KV, and an LLM provider with an API key); optional collaborators (ClickHouse metrics, MCP servers,
// whisper transcription, S3) degrade to a no-op or are skipped with a
// warning, never block boot.
func newServices(ctx context.Context, cfg *config.Config) (*Services, error) {
	pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	repo := messagerepo.NewPostgresRepository(pool)
	if err := repo.Init(ctx); err != nil {
		return nil, fmt.Errorf("init message schema: %w", err)
	}

	sessionKV, err := buildKVClient(ctx, cfg.SessionKV)
	if err != nil {
		return nil, fmt.Errorf("connect session kv: %w", err)
	}

	embedder := buildEmbedder(cfg.Embedding)

	ltm := longtermmemory.New(pool, embedder, cfg.Embedding.Dim)
	if err := ltm.Init(ctx); err != nil {
		log.Warn().Err(err).Msg("longtermmemory_init_failed_recall_disabled")
	}
	memoryBuilder := memory.NewBuilder(repo, ltm)

	cache := requestcache.New(sessionKV, requestcache.Options{
		MaxPerUser:          cfg.Cache.MaxPerUser,
		TTL:                 time.Duration(cfg.Cache.TTLDays) * 24 * time.Hour,
		SimilarityThreshold: cfg.Cache.SimilarityThresh,
	})

	progress := streamprogress.New(sessionKV, time.Duration(cfg.Cache.SessionBaseTTLSecs)*time.Second)

	sessStore := sessionstore.New(sessionKV,
		time.Duration(cfg.Cache.SessionBaseTTLSecs)*time.Second,
		time.Duration(cfg.Cache.SessionPerRoundSec)*time.Second)

	checkpointPool := checkpointworker.New(sessStore, cfg.Checkpoint.QueueCapacity, cfg.Checkpoint.Workers)

	metricsClient, err := clickhouse.New(ctx, cfg.ClickHouse)
	if err != nil {
		log.Warn().Err(err).Msg("clickhouse_metrics_disabled")
		metricsClient = nil
	}
	var metricsSink tooling.MetricsSink
	if metricsClient != nil {
		metricsSink = clickhouse.ToolingSink{Sink: metricsClient}
	}

	registry := tooling.NewRegistry()
	registry.Register(webread.NewTool())
	mcpMgr := mcp.NewManager()
	mcpCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	mcpMgr.RegisterAll(mcpCtx, registry, cfg.MCP)
	cancel()

	toolConfigs := map[string]tooling.ToolConfig{
		"web_read": {RateLimitPerSecond: 2, RateLimitBurst: 4, BreakerThreshold: cfg.Tooling.BreakerFailN, BreakerCooldown: time.Duration(cfg.Tooling.BreakerCoolSec) * time.Second, CacheTTL: time.Minute, Timeout: 15 * time.Second},
	}
	dispatcher := tooling.NewDispatcher(registry, toolConfigs)
	dispatcher.Metrics = metricsSink

	provider, err := buildProvider(cfg.LLM)
	if err != nil {
		return nil, err
	}

	singleAgent := &agentloop.Loop{
		Provider:      provider,
		Tools:         dispatcher,
		Repo:          repo,
		Memory:        memoryBuilder,
		Progress:      progress,
		Cache:         cache,
		Embedder:      embedder,
		ToolSchema:    registry.Schemas(),
		MaxToolRounds: cfg.Tooling.MaxToolRounds,
	}

	multiAgent := &multiagent.Orchestrator{
		Provider:     provider,
		ModelType:    cfg.LLM.OpenAI.Model,
		SessionStore: sessStore,
		Repo:         repo,
		Embedder:     embedder,
		Checkpoints:  checkpointPool,
		Tools:        dispatcher,
	}

	longTextChunker := &chunker.Chunker{
		Provider: provider,
		Repo:     repo,
		Tools:    dispatcher,
	}

	resumer := &resume.Resumer{
		Progress: progress,
		Repo:     repo,
	}

	uploadAssembler, err := buildUploadAssembler(ctx, cfg.Upload)
	if err != nil {
		log.Warn().Err(err).Msg("upload_assembler_disabled")
	}

	dispatch := &chatdispatch.Dispatcher{
		Admission:    admission.NewController(),
		Capacity:     cfg.Admission,
		Repo:         repo,
		Cache:        cache,
		Embedder:     embedder,
		Uploads:      uploadAssembler,
		SingleAgent:  singleAgent,
		MultiAgent:   multiAgent,
		Chunker:      longTextChunker,
		Resumer:      resumer,
		SystemPrompt: defaultSystemPrompt,
		MemoryConfig: memory.Config{
			WindowSize:         20,
			MaxTokens:          6000,
			EnableKeywordMatch: true,
			KeywordMatchCount:  5,
		},
		MaxRounds:         cfg.Tooling.MaxIterations,
		HeartbeatInterval: time.Duration(cfg.SSE.HeartbeatMS) * time.Millisecond,
		ReplayFrameSize:   cfg.Cache.ReplayChunkChars,
		ReplayFrameDelay:  time.Duration(cfg.Cache.ReplayDelayMillis) * time.Millisecond,
	}

	return &Services{
		Config:     cfg,
		Dispatcher: dispatch,
		Pool:       pool,
		SessionKV:  sessionKV,
		Checkpoint: checkpointPool,
		LTM:        ltm,
		Metrics:    metricsClient,
		MCP:        mcpMgr,
	}, nil
}

const defaultSystemPrompt = "You are a helpful assistant with access to tools. Use them when they would improve the accuracy of your answer."

func buildKVClient(ctx context.Context, cfg config.RedisConfig) (kv.Client, error) {
	if cfg.Addr == "" {
		return kv.NewMemClient(), nil
	}
	return kv.NewRedisClient(ctx, kv.RedisOptions{
		Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB, UseTLS: cfg.UseTLS,
	})
}

func buildEmbedder(cfg config.EmbeddingConfig) embedding.Service {
	if cfg.Host == "" {
		return embedding.NewFakeService()
	}
	return embedding.NewHTTPService(embedding.Options{Host: cfg.Host, APIKey: cfg.APIKey})
}

func buildProvider(cfg config.LLMConfig) (llm.Provider, error) {
	switch cfg.Provider {
	case "", "openai":
		if cfg.OpenAI.APIKey == "" {
			return nil, fmt.Errorf("%w: openai api_key not configured", apperrors.ErrUpstreamFatal)
		}
		return openaiprovider.New(cfg.OpenAI), nil
	case "anthropic":
		if cfg.Anthropic.APIKey == "" {
			return nil, fmt.Errorf("%w: anthropic api_key not configured", apperrors.ErrUpstreamFatal)
		}
		return anthropicprovider.New(cfg.Anthropic), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

func buildUploadAssembler(ctx context.Context, cfg config.UploadConfig) (chatdispatch.UploadAssembler, error) {
	registry := uploads.NewSessionRegistry()

	var remote uploads.ObjectFetcher
	if cfg.S3Bucket != "" {
		fetcher, err := uploads.NewS3Fetcher(ctx, uploads.S3Config{
			Bucket: cfg.S3Bucket, Region: cfg.S3Region, Endpoint: cfg.S3Endpoint, UsePathStyle: cfg.S3PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("init s3 fetcher: %w", err)
		}
		remote = fetcher
	}

	var transcriber uploads.Transcriber
	if cfg.WhisperModel != "" {
		t, err := uploads.NewWhisperTranscriber(cfg.WhisperModel)
		if err != nil {
			return nil, fmt.Errorf("load whisper model: %w", err)
		}
		transcriber = t
	}

	return uploads.NewAssembler(registry, remote, transcriber), nil
}

// Close releases every collaborator holding a live connection or
// background goroutine.
func (s *Services) Close() {
	if s.MCP != nil {
		s.MCP.Close()
	}
	if s.Checkpoint != nil {
		s.Checkpoint.Close()
	}
	if s.Metrics != nil {
		_ = s.Metrics.Close()
	}
	if s.SessionKV != nil {
		_ = s.SessionKV.Close()
	}
	if s.Pool != nil {
		s.Pool.Close()
	}
}
