package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server,omitempty"`
	Database  DatabaseConfig  `yaml:"database" json:"database,omitempty"`
	Graph     GraphConfig     `yaml:"graph" json:"graph,omitempty"`
	Review    ReviewConfig    `yaml:"review" json:"review,omitempty"`
	Oracles   OraclesConfig   `yaml:"oracles" json:"oracles,omitempty"`
	GitHub    GitHubConfig    `yaml:"github" json:"github,omitempty"`
	NATS      NATSConfig      `yaml:"nats" json:"nats,omitempty"`
	Cache     CacheConfig     `yaml:"cache" json:"cache,omitempty"`
	Temporal  TemporalConfig  `yaml:"temporal" json:"temporal,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry,omitempty"`
	Security  SecurityConfig  `yaml:"security" json:"security,omitempty"`
	Watcher   WatcherConfig   `yaml:"watcher" json:"watcher,omitempty"`
	Snapshot  SnapshotConfig  `yaml:"snapshot" json:"snapshot,omitempty"`
	Ingest    IngestConfig    `yaml:"ingest" json:"ingest,omitempty"`
}

type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

type DatabaseConfig struct {
	Type string `yaml:"type"` // "memory", "postgres", "badger"
	DSN  string `yaml:"dsn"`  // For Postgres
	Path string `yaml:"path"` // For Badger
}

// VocabularyTerm maps a phrase found in issue text to a canonical concept name
type VocabularyTerm struct {
	Term    string `yaml:"term" json:"term"`
	Concept string `yaml:"concept" json:"concept"`
}

type GraphConfig struct {
	DocumentRoots  []string         `yaml:"document_roots"`
	Vocabulary     []VocabularyTerm `yaml:"vocabulary"`
	ExtractPhrases bool             `yaml:"extract_phrases"`  // Capitalized multi-word phrases
	MaxImpactDepth int              `yaml:"max_impact_depth"` // 0 = unlimited
}

// ScoreWeights weights the reviewer scores when computing confidence
type ScoreWeights struct {
	Safety    float64 `yaml:"safety" json:"safety"`
	Relevance float64 `yaml:"relevance" json:"relevance"`
	Quality   float64 `yaml:"quality" json:"quality"`
}

// MaxReviewIterations bounds review.max_iterations: a chain gets at most
// three review rounds.
const MaxReviewIterations = 2

type ReviewConfig struct {
	Engine            string        `yaml:"engine"` // "inprocess" or "temporal"
	MergeThreshold    float64       `yaml:"merge_threshold"`
	IterateThreshold  float64       `yaml:"iterate_threshold"`
	SafetyFloor       float64       `yaml:"safety_floor"`
	MaxIterations     int           `yaml:"max_iterations"`
	Weights           ScoreWeights  `yaml:"weights"`
	AllowedPaths      []string      `yaml:"allowed_paths"`
	ReviewerTimeout   time.Duration `yaml:"reviewer_timeout"`
	GeneratorTimeout  time.Duration `yaml:"generator_timeout"`
	EscalationLabel   string        `yaml:"escalation_label"`
	IterationCapLabel string        `yaml:"iteration_cap_label"`
	AutoReview        bool          `yaml:"auto_review"` // Review PRs as soon as they are ingested
	// WatchdogInterval is how often stalled reviews are looked for; 0 disables the watchdog.
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
	StaleAfter       time.Duration `yaml:"stale_after"`
}

type OracleEndpoint struct {
	Endpoint      string        `yaml:"endpoint"`
	APIKey        string        `yaml:"api_key" json:"-"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
}

type OraclesConfig struct {
	Reviewer  OracleEndpoint `yaml:"reviewer"`
	Generator OracleEndpoint `yaml:"generator"`
}

type GitHubConfig struct {
	Enabled bool   `yaml:"enabled"`
	Repo    string `yaml:"repo"` // owner/name
	GHPath  string `yaml:"gh_path"`
	DryRun  bool   `yaml:"dry_run"`
}

type NATSConfig struct {
	Enabled          bool          `yaml:"enabled"`
	URL              string        `yaml:"url"`
	StreamName       string        `yaml:"stream_name"`
	ConsumeLifecycle bool          `yaml:"consume_lifecycle"`
	Timeout          time.Duration `yaml:"timeout"`
}

type CacheConfig struct {
	Enabled    bool          `yaml:"enabled" json:"enabled"`
	Backend    string        `yaml:"backend" json:"backend"` // "memory" or "redis"
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`
	MaxSize    int           `yaml:"max_size" json:"max_size"`
	RedisURL   string        `yaml:"redis_url" json:"redis_url,omitempty"`
}

type TemporalConfig struct {
	Host                     string        `yaml:"host"`
	Namespace                string        `yaml:"namespace"`
	TaskQueue                string        `yaml:"task_queue"`
	WorkflowExecutionTimeout time.Duration `yaml:"workflow_execution_timeout"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

type SecurityConfig struct {
	WebhookSecret  string   `yaml:"webhook_secret" json:"webhook_secret,omitempty"` // GitHub webhook secret
	AllowedOrigins []string `yaml:"allowed_origins"`                                // websocket origin check
}

type WatcherConfig struct {
	Enabled  bool          `yaml:"enabled"`
	RootDir  string        `yaml:"root_dir"` // Checkout containing the document roots
	Debounce time.Duration `yaml:"debounce"`
}

type SnapshotConfig struct {
	OutputPath string        `yaml:"output_path"`
	Interval   time.Duration `yaml:"interval"` // 0 = only after merges
}

type IngestConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// LoadConfigFromFile reads a YAML config, expanding ${VAR} references, on top
// of DefaultConfig.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return config, nil
}

// DefaultVocabulary is the built-in term list used for concept extraction
func DefaultVocabulary() []VocabularyTerm {
	return []VocabularyTerm{
		{Term: "Storage API", Concept: "StorageAPI"},
		{Term: "Jobs API", Concept: "JobsAPI"},
		{Term: "Stack URL", Concept: "StackURL"},
		{Term: "Project ID", Concept: "ProjectID"},
		{Term: "Token", Concept: "Authentication"},
		{Term: "Input Mapping", Concept: "InputMapping"},
		{Term: "Output Mapping", Concept: "OutputMapping"},
		{Term: "Custom Python", Concept: "CustomPython"},
		{Term: "Streamlit", Concept: "Streamlit"},
		{Term: "Flow", Concept: "Flows"},
	}
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Database: DatabaseConfig{
			Type: "memory",
			Path: "./data/graph",
		},
		Graph: GraphConfig{
			DocumentRoots:  []string{"docs/", "skills/"},
			Vocabulary:     DefaultVocabulary(),
			ExtractPhrases: true,
		},
		Review: ReviewConfig{
			Engine:           "inprocess",
			MergeThreshold:   0.80,
			IterateThreshold: 0.60,
			SafetyFloor:      0.80,
			MaxIterations:    2,
			Weights: ScoreWeights{
				Safety:    0.50,
				Relevance: 0.25,
				Quality:   0.25,
			},
			AllowedPaths:      []string{"docs/", "skills/"},
			ReviewerTimeout:   2 * time.Minute,
			GeneratorTimeout:  5 * time.Minute,
			EscalationLabel:   "needs-human-review",
			IterationCapLabel: "iteration-cap-exhausted",
			AutoReview:        true,
			WatchdogInterval:  5 * time.Minute,
			StaleAfter:        30 * time.Minute,
		},
		Oracles: OraclesConfig{
			Reviewer: OracleEndpoint{
				Timeout:       2 * time.Minute,
				RatePerSecond: 1,
				Burst:         2,
			},
			Generator: OracleEndpoint{
				Timeout:       5 * time.Minute,
				RatePerSecond: 0.5,
				Burst:         1,
			},
		},
		GitHub: GitHubConfig{
			GHPath: "gh",
		},
		NATS: NATSConfig{
			URL:        "nats://localhost:4222",
			StreamName: "DOCLOOP",
			Timeout:    10 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:    true,
			Backend:    "memory",
			DefaultTTL: 10 * time.Minute,
			MaxSize:    256,
		},
		Temporal: TemporalConfig{
			Host:                     "localhost:7233",
			Namespace:                "docloop",
			TaskQueue:                "docloop-review",
			WorkflowExecutionTimeout: 2 * time.Hour,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "docloop",
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"*"},
		},
		Watcher: WatcherConfig{
			RootDir:  ".",
			Debounce: 500 * time.Millisecond,
		},
		Snapshot: SnapshotConfig{
			OutputPath: "./data/graph.json",
		},
		Ingest: IngestConfig{
			Workers:   4,
			QueueSize: 256,
		},
	}
}

// Validate reports every configuration problem found, joined
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Type {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for postgres"))
		}
	case "badger":
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database.path is required for badger"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database.type %q", c.Database.Type))
	}

	if len(c.Graph.DocumentRoots) == 0 {
		errs = append(errs, errors.New("graph.document_roots must not be empty"))
	}
	if c.Graph.MaxImpactDepth < 0 {
		errs = append(errs, errors.New("graph.max_impact_depth must be >= 0"))
	}

	r := c.Review
	switch r.Engine {
	case "inprocess", "temporal":
	default:
		errs = append(errs, fmt.Errorf("unknown review.engine %q", r.Engine))
	}
	for name, v := range map[string]float64{
		"merge_threshold":   r.MergeThreshold,
		"iterate_threshold": r.IterateThreshold,
		"safety_floor":      r.SafetyFloor,
	} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("review.%s must be within [0,1]", name))
		}
	}
	if r.IterateThreshold > r.MergeThreshold {
		errs = append(errs, errors.New("review.iterate_threshold must not exceed merge_threshold"))
	}
	if r.WatchdogInterval < 0 || r.StaleAfter < 0 {
		errs = append(errs, errors.New("review.watchdog_interval and review.stale_after must be >= 0"))
	}
	if r.MaxIterations < 0 || r.MaxIterations > MaxReviewIterations {
		errs = append(errs, fmt.Errorf("review.max_iterations must be within [0,%d]", MaxReviewIterations))
	}
	if r.Weights.Safety < 0 || r.Weights.Relevance < 0 || r.Weights.Quality < 0 {
		errs = append(errs, errors.New("review.weights must be non-negative"))
	}
	if r.Weights.Safety+r.Weights.Relevance+r.Weights.Quality <= 0 {
		errs = append(errs, errors.New("review.weights must not all be zero"))
	}
	if r.Weights.Safety < r.Weights.Relevance || r.Weights.Safety < r.Weights.Quality {
		errs = append(errs, errors.New("review.weights.safety must be the highest weight"))
	}
	for _, p := range r.AllowedPaths {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, errors.New("review.allowed_paths must not contain empty prefixes"))
			break
		}
	}

	if c.GitHub.Enabled && c.GitHub.Repo == "" {
		errs = append(errs, errors.New("github.repo is required when github is enabled"))
	}
	switch c.Cache.Backend {
	case "", "memory":
	case "redis":
		if c.Cache.Enabled && c.Cache.RedisURL == "" {
			errs = append(errs, errors.New("cache.redis_url is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache.backend %q", c.Cache.Backend))
	}
	if c.Ingest.Workers <= 0 {
		errs = append(errs, errors.New("ingest.workers must be > 0"))
	}

	return errors.Join(errs...)
}
