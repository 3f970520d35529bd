package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	internal "github.com/askfolio/agentd/agentd"

	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Agent     AgentConfig     `mapstructure:"agent"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Selection SelectionConfig `mapstructure:"selection"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Harness   HarnessConfig   `mapstructure:"harness"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
}

// DatabaseConfig stores database connection details.
type DatabaseConfig struct {
	DSN  string `mapstructure:"dsn"`
	Type string `mapstructure:"type"`
	// Embedded-only configuration
	LibSQLDataDir string `mapstructure:"libsql_data_dir"` // Directory for database files
}

// AgentConfig stores application-level settings.
type AgentConfig struct {
	CacheDir string         `mapstructure:"cacheDir"`
	Database DatabaseConfig `mapstructure:"database"`
}

// EmbeddingConfig stores embedding service configurations.
type EmbeddingConfig struct {
	Provider      string        `mapstructure:"provider"`       // "static", "remote"
	Dims          int           `mapstructure:"dims"`           // Embedding dimensions
	BatchSize     int           `mapstructure:"batch_size"`     // Batch size for EmbedBatch
	CacheCapacity int           `mapstructure:"cache_capacity"` // Exact-text cache capacity
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`      // Exact-text cache TTL
	Timeout       time.Duration `mapstructure:"timeout"`        // Per-call timeout
}

// SelectionConfig stores hybrid tool-selection settings.
type SelectionConfig struct {
	ArtifactPath        string        `mapstructure:"artifact_path"`        // Trained classifier weights (JSON)
	WatchArtifact       bool          `mapstructure:"watch_artifact"`       // Hot-reload on artifact change
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold"` // Min per-tool probability
	AugmentThreshold    float64       `mapstructure:"augment_threshold"`    // Avg confidence below which doc-sim augments
	DocScoreDampening   float64       `mapstructure:"doc_score_dampening"`  // Scale factor for doc-sim scores on merge
	DocSimThreshold     float64       `mapstructure:"doc_sim_threshold"`    // Min cosine similarity for doc matches
	MaxTools            int           `mapstructure:"max_tools"`            // Cap on tools exposed per query
	ResultCacheCapacity int           `mapstructure:"result_cache_capacity"`
	ResultCacheTTL      time.Duration `mapstructure:"result_cache_ttl"`
}

// MemoryConfig stores conversation memory tier settings.
type MemoryConfig struct {
	ShortTermTTL    time.Duration `mapstructure:"short_term_ttl"`    // Raw-turn retention
	MediumTermTTL   time.Duration `mapstructure:"medium_term_ttl"`   // Rolling summary retention
	LongTermTTL     time.Duration `mapstructure:"long_term_ttl"`     // Cross-conversation retention
	EntityTTL       time.Duration `mapstructure:"entity_ttl"`        // Extracted-fact retention
	ShortTermTurns  int           `mapstructure:"short_term_turns"`  // Raw turns kept per conversation
	SummaryMinTurns int           `mapstructure:"summary_min_turns"` // Turn count before a summary exists
	SummaryEveryK   int           `mapstructure:"summary_every_k"`   // Refresh at most every K messages
	SummaryMaxAge   time.Duration `mapstructure:"summary_max_age"`   // ... or after this much time
	LongTermMinTurn int           `mapstructure:"long_term_min_turn"` // Turn count before long-term promotion
	MaxLongTermHits int           `mapstructure:"max_long_term_hits"`
	MaxEntityHits   int           `mapstructure:"max_entity_hits"`
	MinEntities     int           `mapstructure:"min_entities"` // Below this, the learned extractor pass runs
	ContextBudget   int           `mapstructure:"context_budget"` // Token budget for assembled context
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
}

// BudgetConfig stores token budget settings.
type BudgetConfig struct {
	MaxTokens          int `mapstructure:"max_tokens"`           // Conversation budget
	PreserveUserTurns  int `mapstructure:"preserve_user_turns"`  // Last K user messages never evicted
	EstimateCacheSize  int `mapstructure:"estimate_cache_size"`  // Cached text-length estimates
	ToolResultCeiling  int `mapstructure:"tool_result_ceiling"`  // Token ceiling per tool response
	ToolResultTopItems int `mapstructure:"tool_result_top_items"` // List payloads keep top-K items
}

// HarnessConfig stores tool-execution loop configurations.
type HarnessConfig struct {
	// Cache settings
	CacheEnabled    bool `mapstructure:"cache_enabled"`     // Enable response caching
	CacheCapacity   int  `mapstructure:"cache_capacity"`    // LRU cache capacity
	CacheTTLSeconds int  `mapstructure:"cache_ttl_seconds"` // Cache entry TTL

	// Rate limiting
	RateLimitEnabled    bool          `mapstructure:"rate_limit_enabled"`
	RateLimitCapacity   int           `mapstructure:"rate_limit_capacity"`
	RateLimitRefillRate time.Duration `mapstructure:"rate_limit_refill_rate"`

	// Policies
	MaxIterations   int           `mapstructure:"max_iterations"`    // Max model/tool rounds per turn
	ToolTimeout     time.Duration `mapstructure:"tool_timeout"`      // Per-tool timeout
	ToolConcurrency int           `mapstructure:"tool_concurrency"`  // Max concurrent tool executions
	MaxStreamChunks int           `mapstructure:"max_stream_chunks"` // Hard ceiling on stream chunks

	// Safety and validation
	EnableGuardrails bool     `mapstructure:"enable_guardrails"`
	AllowedTools     []string `mapstructure:"allowed_tools"` // Empty means allow all registered tools

	// Telemetry
	EnableTracing bool `mapstructure:"enable_tracing"`
}

// DedupConfig stores request deduplication settings.
type DedupConfig struct {
	TTL            time.Duration `mapstructure:"ttl"`             // Completed-response retention
	InFlightExpiry time.Duration `mapstructure:"inflight_expiry"` // Staleness bound on in-flight markers
	Capacity       int           `mapstructure:"capacity"`
}

var AppConfig Config

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("..")
		viper.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		viper.AddConfigPath(internal.DefaultConfigPath)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	// Set default values
	viper.SetDefault("agent.cacheDir", internal.DefaultCacheDir)
	viper.SetDefault("agent.database.dsn", internal.DefaultDatabaseDSN)
	viper.SetDefault("agent.database.type", internal.DefaultDatabaseType)
	viper.SetDefault("agent.database.libsql_data_dir", internal.DefaultDatabaseDir)

	// Embedding defaults
	viper.SetDefault("embedding.provider", "static")
	viper.SetDefault("embedding.dims", 256)
	viper.SetDefault("embedding.batch_size", 32)
	viper.SetDefault("embedding.cache_capacity", 1000)
	viper.SetDefault("embedding.cache_ttl", "24h")
	viper.SetDefault("embedding.timeout", "10s")

	// Selection defaults (augment/dampening are tuned constants, not proven optimal)
	viper.SetDefault("selection.artifact_path", "")
	viper.SetDefault("selection.watch_artifact", false)
	viper.SetDefault("selection.confidence_threshold", 0.3)
	viper.SetDefault("selection.augment_threshold", 0.4)
	viper.SetDefault("selection.doc_score_dampening", 0.7)
	viper.SetDefault("selection.doc_sim_threshold", 0.35)
	viper.SetDefault("selection.max_tools", 5)
	viper.SetDefault("selection.result_cache_capacity", 500)
	viper.SetDefault("selection.result_cache_ttl", "10m")

	// Memory defaults (TTLs must be strictly increasing across tiers)
	viper.SetDefault("memory.short_term_ttl", "6h")
	viper.SetDefault("memory.medium_term_ttl", "48h")
	viper.SetDefault("memory.long_term_ttl", "336h")
	viper.SetDefault("memory.entity_ttl", "720h")
	viper.SetDefault("memory.short_term_turns", 20)
	viper.SetDefault("memory.summary_min_turns", 10)
	viper.SetDefault("memory.summary_every_k", 6)
	viper.SetDefault("memory.summary_max_age", "10m")
	viper.SetDefault("memory.long_term_min_turn", 30)
	viper.SetDefault("memory.max_long_term_hits", 3)
	viper.SetDefault("memory.max_entity_hits", 5)
	viper.SetDefault("memory.min_entities", 2)
	viper.SetDefault("memory.context_budget", 2000)
	viper.SetDefault("memory.janitor_interval", "5m")

	// Budget defaults
	viper.SetDefault("budget.max_tokens", 8000)
	viper.SetDefault("budget.preserve_user_turns", 2)
	viper.SetDefault("budget.estimate_cache_size", 2048)
	viper.SetDefault("budget.tool_result_ceiling", 800)
	viper.SetDefault("budget.tool_result_top_items", 5)

	// Harness defaults (production-optimized)
	viper.SetDefault("harness.cache_enabled", true)
	viper.SetDefault("harness.cache_capacity", 1000)
	viper.SetDefault("harness.cache_ttl_seconds", 3600) // 1 hour
	viper.SetDefault("harness.rate_limit_enabled", true)
	viper.SetDefault("harness.rate_limit_capacity", 10)
	viper.SetDefault("harness.rate_limit_refill_rate", "1s")
	viper.SetDefault("harness.max_iterations", 3)
	viper.SetDefault("harness.tool_timeout", "30s")
	viper.SetDefault("harness.tool_concurrency", 5)
	viper.SetDefault("harness.max_stream_chunks", 1000)
	viper.SetDefault("harness.enable_guardrails", true)
	viper.SetDefault("harness.allowed_tools", []string{}) // Empty means allow all by default
	viper.SetDefault("harness.enable_tracing", true)

	// Dedup defaults
	viper.SetDefault("dedup.ttl", "60s")
	viper.SetDefault("dedup.inflight_expiry", "30s")
	viper.SetDefault("dedup.capacity", 500)

	viper.AutomaticEnv()
	// Replace dots with underscores in env var names e.g. selection.max_tools becomes SELECTION_MAX_TOOLS
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; defaults will be used. Not an error to halt on.
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	err := viper.Unmarshal(&AppConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := AppConfig.Memory.validateTiers(); err != nil {
		return nil, err
	}

	return &AppConfig, nil
}

// validateTiers enforces strictly increasing retention across the memory
// tiers. An inverted ordering would expire summaries before the raw turns
// they condense.
func (c MemoryConfig) validateTiers() error {
	if c.ShortTermTTL <= 0 || c.MediumTermTTL <= 0 || c.LongTermTTL <= 0 {
		return fmt.Errorf("memory tier TTLs must be positive: short %s, medium %s, long %s",
			c.ShortTermTTL, c.MediumTermTTL, c.LongTermTTL)
	}
	if c.ShortTermTTL >= c.MediumTermTTL || c.MediumTermTTL >= c.LongTermTTL {
		return fmt.Errorf("memory tier TTLs must strictly increase: short %s < medium %s < long %s",
			c.ShortTermTTL, c.MediumTermTTL, c.LongTermTTL)
	}
	return nil
}
