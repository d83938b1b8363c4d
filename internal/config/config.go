package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the Conclave control plane.
type Config struct {
	Port         int                `yaml:"port"`
	Version      string             `yaml:"version"`
	Models       ModelsConfig       `yaml:"models"`
	Servers      ServersConfig      `yaml:"servers"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Retrieval    RetrievalConfig    `yaml:"retrieval"`
	Cache        CacheConfig        `yaml:"cache"`
	WebSearch    WebSearchConfig    `yaml:"webSearch"`
	Events       EventsConfig       `yaml:"events"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Agent        AgentConfig        `yaml:"agent"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// OrchestratorConfig controls the query pipeline.
type OrchestratorConfig struct {
	QueryTimeout        time.Duration `yaml:"queryTimeout"`
	ComplexityThreshold float64       `yaml:"complexityThreshold"` // two-stage escalation
	Stage1MaxTokens     int           `yaml:"stage1MaxTokens"`
	CouncilRoundTokens  int           `yaml:"councilRoundTokens"`
	DefaultMaxTokens    int           `yaml:"defaultMaxTokens"`
	DefaultTemperature  float64       `yaml:"defaultTemperature"`
	ContextTokenBudget  int           `yaml:"contextTokenBudget"`
	MaxArtifacts        int           `yaml:"maxArtifacts"`
	BenchmarkBatchSize  int           `yaml:"benchmarkBatchSize"`
}

// ModelsConfig controls discovery and the registry.
type ModelsConfig struct {
	ScanPath          string  `yaml:"scanPath"`
	RegistryPath      string  `yaml:"registryPath"`
	InstancePath      string  `yaml:"instancePath"`
	PortRangeLo       int     `yaml:"portRangeLo"`
	PortRangeHi       int     `yaml:"portRangeHi"`
	InstancePortLo    int     `yaml:"instancePortLo"`
	InstancePortHi    int     `yaml:"instancePortHi"`
	PowerfulThreshold float64 `yaml:"powerfulThreshold"`
	FastThreshold     float64 `yaml:"fastThreshold"`
}

// ServersConfig controls inference server supervision.
type ServersConfig struct {
	BinaryPath     string        `yaml:"binaryPath"`
	MaxStartupTime time.Duration `yaml:"maxStartupTime"`
	StopTimeout    time.Duration `yaml:"stopTimeout"`
	NGPULayers     int           `yaml:"nGpuLayers"`
	CtxSize        int           `yaml:"ctxSize"`
	NThreads       int           `yaml:"nThreads"`
	BatchSize      int           `yaml:"batchSize"`
	UBatchSize     int           `yaml:"ubatchSize"`
	FlashAttention bool          `yaml:"flashAttention"`
	NoMmap         bool          `yaml:"noMmap"`
	External       bool          `yaml:"external"`
	BridgeHost     string        `yaml:"bridgeHost"`
	HostAgentURL   string        `yaml:"hostAgentUrl"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

// RetrievalConfig controls the vector retrieval engine.
type RetrievalConfig struct {
	IndexDir     string `yaml:"indexDir"`
	ChunkSize    int    `yaml:"chunkSize"`    // words per chunk
	ChunkOverlap int    `yaml:"chunkOverlap"` // words of overlap
}

// CacheConfig controls the Redis response cache.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	Addr    string        `yaml:"addr"`
	TTL     time.Duration `yaml:"ttl"`
}

// WebSearchConfig controls the optional search enrichment.
type WebSearchConfig struct {
	Endpoint   string `yaml:"endpoint"`
	MaxResults int    `yaml:"maxResults"`
}

// EventsConfig controls the event bus.
type EventsConfig struct {
	HistorySize     int           `yaml:"historySize"`
	SubscriberQueue int           `yaml:"subscriberQueue"`
	DispatchTimeout time.Duration `yaml:"dispatchTimeout"`
}

// MetricsConfig controls the time-series aggregator.
type MetricsConfig struct {
	RingCapacity int           `yaml:"ringCapacity"`
	Retention    time.Duration `yaml:"retention"`
}

// AgentConfig controls the code-chat agent.
type AgentConfig struct {
	WorkspaceRoot  string        `yaml:"workspaceRoot"`
	MaxIterations  int           `yaml:"maxIterations"`
	ConfirmTimeout time.Duration `yaml:"confirmTimeout"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// Load reads configuration from environment variables with sensible
// defaults, then overlays a YAML file if CONCLAVE_CONFIG points at one.
func Load() (*Config, error) {
	cfg := &Config{
		Port:    envInt("CONCLAVE_PORT", 8085),
		Version: envStr("CONCLAVE_VERSION", "0.4.0"),
		Models: ModelsConfig{
			ScanPath:          envStr("CONCLAVE_SCAN_PATH", defaultDataPath("models")),
			RegistryPath:      envStr("CONCLAVE_REGISTRY_PATH", defaultDataPath("registry.json")),
			InstancePath:      envStr("CONCLAVE_INSTANCE_PATH", defaultDataPath("instances.json")),
			PortRangeLo:       envInt("CONCLAVE_PORT_RANGE_LO", 8700),
			PortRangeHi:       envInt("CONCLAVE_PORT_RANGE_HI", 8720),
			InstancePortLo:    envInt("CONCLAVE_INSTANCE_PORT_LO", 8721),
			InstancePortHi:    envInt("CONCLAVE_INSTANCE_PORT_HI", 8740),
			PowerfulThreshold: envFloat("CONCLAVE_POWERFUL_THRESHOLD", 14),
			FastThreshold:     envFloat("CONCLAVE_FAST_THRESHOLD", 7),
		},
		Servers: ServersConfig{
			BinaryPath:     envStr("CONCLAVE_LLAMA_SERVER", "llama-server"),
			MaxStartupTime: envDur("CONCLAVE_MAX_STARTUP_TIME", 120*time.Second),
			StopTimeout:    envDur("CONCLAVE_STOP_TIMEOUT", 10*time.Second),
			NGPULayers:     envInt("CONCLAVE_N_GPU_LAYERS", 99),
			CtxSize:        envInt("CONCLAVE_CTX_SIZE", 8192),
			NThreads:       envInt("CONCLAVE_N_THREADS", 8),
			BatchSize:      envInt("CONCLAVE_BATCH_SIZE", 512),
			UBatchSize:     envInt("CONCLAVE_UBATCH_SIZE", 256),
			FlashAttention: envBool("CONCLAVE_FLASH_ATTN", false),
			NoMmap:         envBool("CONCLAVE_NO_MMAP", false),
			External:       envBool("CONCLAVE_EXTERNAL_SERVERS", false),
			BridgeHost:     envStr("CONCLAVE_BRIDGE_HOST", "127.0.0.1"),
			HostAgentURL:   envStr("CONCLAVE_HOST_AGENT_URL", ""),
			RequestTimeout: envDur("CONCLAVE_REQUEST_TIMEOUT", 300*time.Second),
		},
		Orchestrator: OrchestratorConfig{
			QueryTimeout:        envDur("CONCLAVE_QUERY_TIMEOUT", 600*time.Second),
			ComplexityThreshold: envFloat("CONCLAVE_COMPLEXITY_THRESHOLD", 7),
			Stage1MaxTokens:     envInt("CONCLAVE_STAGE1_MAX_TOKENS", 500),
			CouncilRoundTokens:  envInt("CONCLAVE_COUNCIL_ROUND_TOKENS", 500),
			DefaultMaxTokens:    envInt("CONCLAVE_DEFAULT_MAX_TOKENS", 1024),
			DefaultTemperature:  envFloat("CONCLAVE_DEFAULT_TEMPERATURE", 0.7),
			ContextTokenBudget:  envInt("CONCLAVE_CONTEXT_TOKEN_BUDGET", 2048),
			MaxArtifacts:        envInt("CONCLAVE_MAX_ARTIFACTS", 5),
			BenchmarkBatchSize:  envInt("CONCLAVE_BENCHMARK_BATCH", 2),
		},
		Retrieval: RetrievalConfig{
			IndexDir:     envStr("CONCLAVE_INDEX_DIR", defaultDataPath("index")),
			ChunkSize:    envInt("CONCLAVE_CHUNK_SIZE", 300),
			ChunkOverlap: envInt("CONCLAVE_CHUNK_OVERLAP", 50),
		},
		Cache: CacheConfig{
			Enabled: envBool("CONCLAVE_CACHE_ENABLED", true),
			Addr:    envStr("CONCLAVE_REDIS_ADDR", "localhost:6379"),
			TTL:     envDur("CONCLAVE_CACHE_TTL", time.Hour),
		},
		WebSearch: WebSearchConfig{
			Endpoint:   envStr("CONCLAVE_SEARCH_ENDPOINT", ""),
			MaxResults: envInt("CONCLAVE_SEARCH_MAX_RESULTS", 5),
		},
		Events: EventsConfig{
			HistorySize:     envInt("CONCLAVE_EVENT_HISTORY", 50),
			SubscriberQueue: envInt("CONCLAVE_EVENT_QUEUE", 256),
			DispatchTimeout: envDur("CONCLAVE_EVENT_DISPATCH_TIMEOUT", 2*time.Second),
		},
		Metrics: MetricsConfig{
			RingCapacity: envInt("CONCLAVE_METRIC_RING", 500_000),
			Retention:    envDur("CONCLAVE_METRIC_RETENTION", 30*24*time.Hour),
		},
		Agent: AgentConfig{
			WorkspaceRoot:  envStr("CONCLAVE_AGENT_WORKSPACE", defaultDataPath("workspace")),
			MaxIterations:  envInt("CONCLAVE_AGENT_MAX_ITERATIONS", 15),
			ConfirmTimeout: envDur("CONCLAVE_AGENT_CONFIRM_TIMEOUT", 5*time.Minute),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "conclave-control-plane"),
		},
	}

	if path := os.Getenv("CONCLAVE_CONFIG"); path != "" {
		if err := overlayFile(cfg, path); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	return cfg, nil
}

// overlayFile merges a YAML config file over the env-derived defaults.
// Only fields present in the file are overridden.
func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func defaultDataPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return home + "/.conclave/" + name
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
