// Package config loads and validates ragwell's per-project configuration.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Backend selects which storage.Backend implementation is constructed.
type Backend string

const (
	BackendEmbedded  Backend = "embedded"
	BackendRelational Backend = "relational"
)

// Distance selects the vector similarity function a backend ranks by.
type Distance string

const (
	DistanceCosine      Distance = "cosine"
	DistanceL2          Distance = "l2"
	DistanceInnerProduct Distance = "inner_product"
)

// Config is the complete ragwell configuration. It mirrors the schema table
// in spec.md §6 exactly: one nested struct per Section.Option prefix.
type Config struct {
	Version   int             `yaml:"version" json:"version"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding" json:"embedding"`
	Query     QueryConfig     `yaml:"query" json:"query"`
	Reranker  RerankerConfig  `yaml:"reranker" json:"reranker"`
	Queue     QueueConfig     `yaml:"queue" json:"queue"`
	Server    ServerConfig    `yaml:"server" json:"server"`
}

// StorageConfig selects and tunes the backend.
type StorageConfig struct {
	Backend    Backend          `yaml:"backend" json:"backend"`
	Relational RelationalConfig `yaml:"relational" json:"relational"`
}

// RelationalConfig configures the Postgres+pgvector backend.
type RelationalConfig struct {
	Host        string   `yaml:"host" json:"host"`
	Port        int      `yaml:"port" json:"port"`
	Database    string   `yaml:"database" json:"database"`
	User        string   `yaml:"user" json:"user"`
	PasswordEnv string   `yaml:"password_env" json:"password_env"`
	PoolSize    int      `yaml:"pool_size" json:"pool_size"`
	MaxOverflow int      `yaml:"max_overflow" json:"max_overflow"`
	Language    string   `yaml:"language" json:"language"`
	Distance    Distance `yaml:"distance" json:"distance"`
	ANN         ANNConfig `yaml:"ann" json:"ann"`
}

// ANNConfig tunes the HNSW approximate-nearest-neighbor index pgvector builds.
type ANNConfig struct {
	M             int `yaml:"m" json:"m"`
	EfConstruction int `yaml:"ef_construction" json:"ef_construction"`
	EfSearch      int `yaml:"ef_search" json:"ef_search"`
}

// EmbeddingConfig selects the embedding provider and its declared dimension.
type EmbeddingConfig struct {
	Provider  string `yaml:"provider" json:"provider"`
	Model     string `yaml:"model" json:"model"`
	Dimension int    `yaml:"dimension" json:"dimension"`
}

// QueryConfig sets retrieval pipeline defaults.
type QueryConfig struct {
	Defaults QueryDefaults `yaml:"defaults" json:"defaults"`
}

// QueryDefaults are applied whenever a query omits the corresponding field.
type QueryDefaults struct {
	TopK      int     `yaml:"top_k" json:"top_k"`
	Threshold float64 `yaml:"threshold" json:"threshold"`
	Alpha     float64 `yaml:"alpha" json:"alpha"`
	RRFK      int     `yaml:"rrf_k" json:"rrf_k"`
}

// RerankerConfig configures the optional two-stage reranking pass.
type RerankerConfig struct {
	Enabled            bool   `yaml:"enabled" json:"enabled"`
	Provider           string `yaml:"provider" json:"provider"`
	Model              string `yaml:"model" json:"model"`
	CandidateMultiplier int   `yaml:"candidate_multiplier" json:"candidate_multiplier"`
	LatencyBudgetMs    int    `yaml:"latency_budget_ms" json:"latency_budget_ms"`
}

// QueueConfig tunes the durable indexing job queue.
type QueueConfig struct {
	MaxSize             int `yaml:"max_size" json:"max_size"`
	JobTimeoutSeconds   int `yaml:"job_timeout_seconds" json:"job_timeout_seconds"`
	CompactionAgeHours  int `yaml:"compaction_age_hours" json:"compaction_age_hours"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	LogLevel string `yaml:"log_level" json:"log_level"`
	DataDir  string `yaml:"data_dir" json:"data_dir"`
}

var defaultExcludePatterns = []string{
	"**/node_modules/**",
	"**/.git/**",
	"**/vendor/**",
	"**/__pycache__/**",
	"**/dist/**",
	"**/build/**",
	"**/go.sum",
}

// DefaultExcludePatterns returns the glob patterns the default document
// loader always excludes, regardless of project configuration.
func DefaultExcludePatterns() []string {
	out := make([]string, len(defaultExcludePatterns))
	copy(out, defaultExcludePatterns)
	return out
}

// New returns a Config populated with ragwell's built-in defaults.
func New() *Config {
	return &Config{
		Version: 1,
		Storage: StorageConfig{
			Backend: BackendEmbedded,
			Relational: RelationalConfig{
				Host:        "localhost",
				Port:        5432,
				Database:    "ragwell",
				User:        "ragwell",
				PasswordEnv: "RAGWELL_DB_PASSWORD",
				PoolSize:    10,
				MaxOverflow: 5,
				Language:    "english",
				Distance:    DistanceCosine,
				ANN: ANNConfig{
					M:              16,
					EfConstruction: 64,
					EfSearch:       40,
				},
			},
		},
		Embedding: EmbeddingConfig{
			Provider:  "",
			Model:     "qwen3-embedding:8b",
			Dimension: 0,
		},
		Query: QueryConfig{
			Defaults: QueryDefaults{
				TopK:      20,
				Threshold: 0.0,
				Alpha:     0.5,
				RRFK:      60,
			},
		},
		Reranker: RerankerConfig{
			Enabled:             false,
			Provider:            "noop",
			CandidateMultiplier: 3,
			LatencyBudgetMs:     100,
		},
		Queue: QueueConfig{
			MaxSize:            100,
			JobTimeoutSeconds:  7200,
			CompactionAgeHours: 24,
		},
		Server: ServerConfig{
			Host:     "127.0.0.1",
			Port:     8765,
			LogLevel: "info",
			DataDir:  defaultDataDir(),
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".ragwell")
	}
	return filepath.Join(home, ".ragwell")
}

// Load builds a Config for the project rooted at dir: defaults, then
// .ragwell.yaml in dir, then STORAGE_BACKEND_OVERRIDE, then validation.
func Load(dir string) (*Config, error) {
	cfg := New()

	if err := cfg.loadFromFile(dir); err != nil {
		return nil, err
	}

	cfg.applyEnvOverride()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFromFile(dir string) error {
	for _, name := range []string{".ragwell.yaml", ".ragwell.yml"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return c.loadYAML(path)
		}
	}
	return nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	c.mergeWith(&parsed)
	return nil
}

func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}
	if other.Storage.Backend != "" {
		c.Storage.Backend = other.Storage.Backend
	}
	r, d := &c.Storage.Relational, &other.Storage.Relational
	if d.Host != "" {
		r.Host = d.Host
	}
	if d.Port != 0 {
		r.Port = d.Port
	}
	if d.Database != "" {
		r.Database = d.Database
	}
	if d.User != "" {
		r.User = d.User
	}
	if d.PasswordEnv != "" {
		r.PasswordEnv = d.PasswordEnv
	}
	if d.PoolSize != 0 {
		r.PoolSize = d.PoolSize
	}
	if d.MaxOverflow != 0 {
		r.MaxOverflow = d.MaxOverflow
	}
	if d.Language != "" {
		r.Language = d.Language
	}
	if d.Distance != "" {
		r.Distance = d.Distance
	}
	if d.ANN.M != 0 {
		r.ANN.M = d.ANN.M
	}
	if d.ANN.EfConstruction != 0 {
		r.ANN.EfConstruction = d.ANN.EfConstruction
	}
	if d.ANN.EfSearch != 0 {
		r.ANN.EfSearch = d.ANN.EfSearch
	}

	if other.Embedding.Provider != "" {
		c.Embedding.Provider = other.Embedding.Provider
	}
	if other.Embedding.Model != "" {
		c.Embedding.Model = other.Embedding.Model
	}
	if other.Embedding.Dimension != 0 {
		c.Embedding.Dimension = other.Embedding.Dimension
	}

	qd, od := &c.Query.Defaults, &other.Query.Defaults
	if od.TopK != 0 {
		qd.TopK = od.TopK
	}
	if od.Threshold != 0 {
		qd.Threshold = od.Threshold
	}
	if od.Alpha != 0 {
		qd.Alpha = od.Alpha
	}
	if od.RRFK != 0 {
		qd.RRFK = od.RRFK
	}

	if other.Reranker.Provider != "" {
		c.Reranker.Enabled = other.Reranker.Enabled
		c.Reranker.Provider = other.Reranker.Provider
	}
	if other.Reranker.Model != "" {
		c.Reranker.Model = other.Reranker.Model
	}
	if other.Reranker.CandidateMultiplier != 0 {
		c.Reranker.CandidateMultiplier = other.Reranker.CandidateMultiplier
	}
	if other.Reranker.LatencyBudgetMs != 0 {
		c.Reranker.LatencyBudgetMs = other.Reranker.LatencyBudgetMs
	}

	if other.Queue.MaxSize != 0 {
		c.Queue.MaxSize = other.Queue.MaxSize
	}
	if other.Queue.JobTimeoutSeconds != 0 {
		c.Queue.JobTimeoutSeconds = other.Queue.JobTimeoutSeconds
	}
	if other.Queue.CompactionAgeHours != 0 {
		c.Queue.CompactionAgeHours = other.Queue.CompactionAgeHours
	}

	if other.Server.Host != "" {
		c.Server.Host = other.Server.Host
	}
	if other.Server.Port != 0 {
		c.Server.Port = other.Server.Port
	}
	if other.Server.LogLevel != "" {
		c.Server.LogLevel = other.Server.LogLevel
	}
	if other.Server.DataDir != "" {
		c.Server.DataDir = other.Server.DataDir
	}
}

// applyEnvOverride applies the single documented environment override.
func (c *Config) applyEnvOverride() {
	if v := os.Getenv("STORAGE_BACKEND_OVERRIDE"); v != "" {
		c.Storage.Backend = Backend(v)
	}
}

// Validate rejects a configuration the rest of the module cannot act on.
// Invalid configuration is a ConfigurationError: callers should treat a
// non-nil return as fatal at startup, never catch-and-continue.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendEmbedded, BackendRelational:
	default:
		return fmt.Errorf("storage.backend must be 'embedded' or 'relational', got %q", c.Storage.Backend)
	}

	switch c.Storage.Relational.Distance {
	case DistanceCosine, DistanceL2, DistanceInnerProduct:
	default:
		return fmt.Errorf("storage.relational.distance must be 'cosine', 'l2', or 'inner_product', got %q", c.Storage.Relational.Distance)
	}

	if c.Query.Defaults.Alpha < 0 || c.Query.Defaults.Alpha > 1 {
		return fmt.Errorf("query.defaults.alpha must be between 0 and 1, got %f", c.Query.Defaults.Alpha)
	}
	if c.Query.Defaults.TopK < 0 {
		return fmt.Errorf("query.defaults.top_k must be non-negative, got %d", c.Query.Defaults.TopK)
	}
	if c.Query.Defaults.RRFK <= 0 {
		return fmt.Errorf("query.defaults.rrf_k must be positive, got %d", c.Query.Defaults.RRFK)
	}

	if c.Queue.MaxSize <= 0 {
		return fmt.Errorf("queue.max_size must be positive, got %d", c.Queue.MaxSize)
	}
	if c.Queue.JobTimeoutSeconds <= 0 {
		return fmt.Errorf("queue.job_timeout_seconds must be positive, got %d", c.Queue.JobTimeoutSeconds)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Server.LogLevel)] {
		return fmt.Errorf("server.log_level must be 'debug', 'info', 'warn', or 'error', got %s", c.Server.LogLevel)
	}

	if math.IsNaN(c.Query.Defaults.Alpha) {
		return fmt.Errorf("query.defaults.alpha must not be NaN")
	}

	return nil
}

// WriteYAML persists the configuration to path.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// RelationalDSN builds a libpq-style connection string for the relational
// backend, reading the password from the environment variable named by
// PasswordEnv rather than storing it in the config struct itself.
func (r RelationalConfig) RelationalDSN() string {
	password := os.Getenv(r.PasswordEnv)
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", r.User, password, r.Host, r.Port, r.Database)
}

// DefaultIndexWorkers returns a sensible indexing worker-pool size derived
// from the host's CPU count, used when a deployment has not tuned it.
func DefaultIndexWorkers() int {
	return runtime.NumCPU()
}

func parseFloat64(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}
