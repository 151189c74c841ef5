// Package config loads the service's YAML configuration, layered under
// environment variables (env wins), following a nested-struct YAML
// convention. Only fields this service's components actually read are
// modeled here — the reference config this was patterned on carries many
// unrelated feature sections (whisper fleets, A2A, playground) that have no
// SPEC_FULL.md component and are not reproduced.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration object.
type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Admission  AdmissionConfig  `yaml:"admission"`
	SSE        SSEConfig        `yaml:"sse"`
	Tooling    ToolingConfig    `yaml:"tooling"`
	SessionKV  RedisConfig      `yaml:"session_kv"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Cache      CacheConfig      `yaml:"cache"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Upload     UploadConfig     `yaml:"upload"`
	LLM        LLMConfig        `yaml:"llm"`
	MCP        MCPConfig        `yaml:"mcp"`
	Obs        ObsConfig        `yaml:"observability"`
	LogLevel   string           `yaml:"log_level"`
	LogPath    string           `yaml:"log_path"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// AdmissionConfig sets per-mode/identity concurrency caps.
type AdmissionConfig struct {
	DefaultCapacity int            `yaml:"default_capacity"`
	ModeCapacity    map[string]int `yaml:"mode_capacity"`
}

type SSEConfig struct {
	HeartbeatMS int `yaml:"heartbeat_ms"`
}

type ToolingConfig struct {
	MaxToolRounds  int `yaml:"max_tool_rounds"`
	WallClockSecs  int `yaml:"wall_clock_secs"`
	MaxIterations  int `yaml:"max_iterations"`
	BreakerFailN   int `yaml:"breaker_fail_threshold"`
	BreakerCoolSec int `yaml:"breaker_cooldown_secs"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	UseTLS   bool   `yaml:"tls"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type EmbeddingConfig struct {
	Host   string `yaml:"host"`
	APIKey string `yaml:"api_key"`
	Dim    int    `yaml:"dim"`
}

type CacheConfig struct {
	MaxPerUser         int     `yaml:"max_per_user"`
	TTLDays            int     `yaml:"ttl_days"`
	SimilarityThresh   float64 `yaml:"similarity_threshold"`
	ReplayChunkChars   int     `yaml:"replay_chunk_chars"`
	ReplayDelayMillis  int     `yaml:"replay_delay_millis"`
	SessionBaseTTLSecs int     `yaml:"session_base_ttl_secs"`
	SessionPerRoundSec int     `yaml:"session_per_round_ttl_secs"`
}

type CheckpointConfig struct {
	QueueCapacity int `yaml:"queue_capacity"`
	Workers       int `yaml:"workers"`
}

type ClickHouseConfig struct {
	DSN string `yaml:"dsn"`
}

type UploadConfig struct {
	S3Bucket     string `yaml:"s3_bucket"`
	S3Region     string `yaml:"s3_region"`
	S3Endpoint   string `yaml:"s3_endpoint"`
	S3PathStyle  bool   `yaml:"s3_path_style"`
	WhisperModel string `yaml:"whisper_model_path"`
}

// LLMConfig selects and configures the chat backend. Provider is one of
// "openai" or "anthropic"; empty defaults to "openai".
type LLMConfig struct {
	Provider  string          `yaml:"provider"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
}

type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type AnthropicConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// MCPConfig lists external MCP servers whose tools are registered into the
// tool dispatcher alongside in-process tools.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes one MCP server connection: either a local
// command (stdio transport) or a remote URL (Streamable HTTP transport).
type MCPServerConfig struct {
	Name        string            `yaml:"name"`
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
	URL         string            `yaml:"url"`
	BearerToken string            `yaml:"bearer_token"`
	Headers     map[string]string `yaml:"headers"`
}

type ObsConfig struct {
	OTLP           string `yaml:"otlp_endpoint"`
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`
}

// Defaults returns the documented environment defaults for every field.
func Defaults() *Config {
	return &Config{
		HTTP: HTTPConfig{Addr: ":8080"},
		Admission: AdmissionConfig{
			DefaultCapacity: 2,
			ModeCapacity:    map[string]int{},
		},
		SSE: SSEConfig{HeartbeatMS: 15000},
		Tooling: ToolingConfig{
			MaxToolRounds:  5,
			WallClockSecs:  120,
			MaxIterations:  10,
			BreakerFailN:   5,
			BreakerCoolSec: 30,
		},
		Cache: CacheConfig{
			MaxPerUser:         30,
			TTLDays:            30,
			SimilarityThresh:   0.95,
			ReplayChunkChars:   40,
			ReplayDelayMillis:  20,
			SessionBaseTTLSecs: 180,
			SessionPerRoundSec: 60,
		},
		Checkpoint: CheckpointConfig{QueueCapacity: 256, Workers: 4},
		LLM:        LLMConfig{Provider: "openai"},
		LogLevel:   "info",
		Obs: ObsConfig{
			ServiceName:    "streamorch",
			ServiceVersion: "dev",
			Environment:    "development",
		},
	}
}

// Load reads .env (if present, ignored if absent) then a YAML file at path
// (if non-empty) on top of Defaults(), then applies a small set of
// environment-variable overrides for values operators commonly inject via
// the process environment rather than a checked-in file.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // optional; missing .env is not an error

	cfg := Defaults()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SSE_HEARTBEAT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SSE.HeartbeatMS = n
		}
	}
	if v := os.Getenv("MAX_TOOL_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Tooling.MaxToolRounds = n
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.SessionKV.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.SessionKV.Password = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("EMBEDDING_HOST"); v != "" {
		cfg.Embedding.Host = v
	}
	if v := os.Getenv("CLICKHOUSE_DSN"); v != "" {
		cfg.ClickHouse.DSN = v
	}
	if v := os.Getenv("OTLP_ENDPOINT"); v != "" {
		cfg.Obs.OTLP = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.LLM.OpenAI.APIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.LLM.Anthropic.APIKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Heartbeat returns the configured SSE heartbeat interval as a duration.
func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.SSE.HeartbeatMS) * time.Millisecond
}

// ModeCapacityFor returns the configured concurrency cap for mode, falling
// back to DefaultCapacity when the mode has no specific override.
func (a AdmissionConfig) ModeCapacityFor(mode string) int {
	if n, ok := a.ModeCapacity[mode]; ok && n > 0 {
		return n
	}
	return a.DefaultCapacity
}
