package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/theimaginaryfoundation/narrative-analyzer/narrative"
	"github.com/theimaginaryfoundation/narrative-analyzer/narrative/store"
)

type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	DBDriver    string `yaml:"db_driver"`
	DatabaseURL string `yaml:"database_url"`
	AutoMigrate bool   `yaml:"auto_migrate"`

	Provider    string `yaml:"provider"`
	Model       string `yaml:"model"`
	AssistModel string `yaml:"assist_model"`
	BaseURL     string `yaml:"base_url"`
	APIKey      string `yaml:"-"`

	BaseDelay         time.Duration `yaml:"base_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	MaxRetries        int           `yaml:"max_retries"`
	CallTimeout       time.Duration `yaml:"call_timeout"`
	Concurrency       int           `yaml:"concurrency"`

	OveruseThreshold  int   `yaml:"overuse_threshold"`
	UnderuseThreshold int   `yaml:"underuse_threshold"`
	MinThemes         int   `yaml:"min_themes"`
	MinAssistLabelLen int   `yaml:"min_assist_label_len"`
	DisableAssist     bool  `yaml:"disable_assisted_match"`
	AvoidTopN         int   `yaml:"avoid_top_n"`
	MaxTextChars      int   `yaml:"max_text_chars"`
	Seed              int64 `yaml:"seed"`

	Limit         int  `yaml:"limit"`
	ShortestFirst bool `yaml:"shortest_first"`
	Reconcile     bool `yaml:"reconcile"`
	DryRun        bool `yaml:"dry_run"`

	CheckpointBackend string `yaml:"checkpoint_backend"`
	CheckpointPath    string `yaml:"checkpoint_path"`
	CheckpointName    string `yaml:"checkpoint_name"`

	OutDir               string `yaml:"out_dir"`
	Pretty               bool   `yaml:"pretty"`
	IndexSummaryMaxChars int    `yaml:"index_summary_max_chars"`
	IndexListMax         int    `yaml:"index_list_max"`
}

const (
	checkpointFile = "file"
	checkpointDB   = "db"
)

func defaultConfig() Config {
	return Config{
		LogLevel:  "",
		LogFormat: "console",

		DBDriver:    store.DriverSQLite,
		DatabaseURL: "narratives.db",
		AutoMigrate: true,

		Provider: "openai",
		Model:    "gpt-5-mini",

		BaseDelay:         2 * time.Second,
		BackoffMultiplier: 2,
		MaxDelay:          5 * time.Minute,
		MaxRetries:        3,
		CallTimeout:       2 * time.Minute,
		Concurrency:       1,

		OveruseThreshold:  10,
		UnderuseThreshold: 3,
		MinThemes:         2,
		MinAssistLabelLen: 3,
		AvoidTopN:         narrative.DefaultAvoidTopN,
		MaxTextChars:      narrative.DefaultMaxTextChars,
		Seed:              1,

		ShortestFirst: true,
		Reconcile:     true,

		CheckpointBackend: checkpointFile,
		CheckpointPath:    filepath.FromSlash("state/checkpoint.json"),
		CheckpointName:    store.DefaultCheckpointName,

		IndexSummaryMaxChars: 600,
		IndexListMax:         8,
	}
}

func (c Config) Validate() error {
	if _, err := store.NormalizeDriver(c.DBDriver); err != nil {
		return err
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return errors.New("missing --database-url (or DATABASE_URL)")
	}
	switch c.Provider {
	case "openai", "gemini":
	default:
		return fmt.Errorf("unknown provider %q (openai|gemini)", c.Provider)
	}
	if c.Model == "" {
		return errors.New("missing --model")
	}
	if c.BaseDelay < 0 || c.MaxDelay < 0 || c.CallTimeout < 0 {
		return errors.New("delays and timeouts must be >= 0")
	}
	if c.BackoffMultiplier < 1 {
		return errors.New("backoff-multiplier must be >= 1")
	}
	if c.MaxRetries < 1 {
		return errors.New("max-retries must be >= 1")
	}
	if c.Concurrency < 1 {
		return errors.New("concurrency must be >= 1")
	}
	if c.OveruseThreshold < 0 || c.UnderuseThreshold < 0 || c.MinThemes < 0 || c.MinAssistLabelLen < 0 {
		return errors.New("theme thresholds must be >= 0")
	}
	if c.AvoidTopN < 0 || c.MaxTextChars < 0 || c.Limit < 0 {
		return errors.New("avoid-top-n, max-text-chars and limit must be >= 0")
	}
	switch c.CheckpointBackend {
	case checkpointFile:
		if c.CheckpointPath == "" {
			return errors.New("missing --checkpoint-path")
		}
	case checkpointDB:
		if c.CheckpointName == "" {
			return errors.New("missing --checkpoint-name")
		}
	default:
		return fmt.Errorf("unknown checkpoint backend %q (file|db)", c.CheckpointBackend)
	}
	if c.IndexSummaryMaxChars < 0 || c.IndexListMax < 0 {
		return errors.New("index limits must be >= 0")
	}
	return nil
}

// RequireAPIKey is checked only by commands that call the service.
func (c Config) RequireAPIKey() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("missing API key for %s (--api-key or %s)", c.Provider, apiKeyEnv(c.Provider))
	}
	return nil
}

func apiKeyEnv(provider string) string {
	if provider == "gemini" {
		return "GEMINI_API_KEY"
	}
	return "OPENAI_API_KEY"
}

func loadConfigFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// flagBinding ties one flag to the Config field it overrides.
type flagBinding struct {
	name string
	copy func(dst, src *Config)
}

// bindFlags registers flags on cmd backed by vals and returns the bindings used to
// layer explicitly-set flags over the file config.
func bindFlags(cmd *cobra.Command, vals *Config, persistent bool) []flagBinding {
	fs := cmd.Flags()
	if persistent {
		fs = cmd.PersistentFlags()
	}
	var out []flagBinding
	str := func(p *string, name, usage string, field func(*Config) *string) {
		fs.StringVar(p, name, *p, usage)
		out = append(out, flagBinding{name, func(dst, src *Config) { *field(dst) = *field(src) }})
	}
	integer := func(p *int, name, usage string, field func(*Config) *int) {
		fs.IntVar(p, name, *p, usage)
		out = append(out, flagBinding{name, func(dst, src *Config) { *field(dst) = *field(src) }})
	}
	boolean := func(p *bool, name, usage string, field func(*Config) *bool) {
		fs.BoolVar(p, name, *p, usage)
		out = append(out, flagBinding{name, func(dst, src *Config) { *field(dst) = *field(src) }})
	}
	dur := func(p *time.Duration, name, usage string, field func(*Config) *time.Duration) {
		fs.DurationVar(p, name, *p, usage)
		out = append(out, flagBinding{name, func(dst, src *Config) { *field(dst) = *field(src) }})
	}

	if persistent {
		str(&vals.LogLevel, "log-level", "Log level: debug, info, warn, error (default from NARRATIVE_LOG_LEVEL, else info)", func(c *Config) *string { return &c.LogLevel })
		str(&vals.LogFormat, "log-format", "Log format: console or json", func(c *Config) *string { return &c.LogFormat })
		str(&vals.DBDriver, "db-driver", "Datastore driver: sqlite or postgres", func(c *Config) *string { return &c.DBDriver })
		str(&vals.DatabaseURL, "database-url", "SQLite file path or Postgres URL (overrides DATABASE_URL)", func(c *Config) *string { return &c.DatabaseURL })
		str(&vals.CheckpointBackend, "checkpoint-backend", "Checkpoint backend: file or db", func(c *Config) *string { return &c.CheckpointBackend })
		str(&vals.CheckpointPath, "checkpoint-path", "Checkpoint file for the file backend", func(c *Config) *string { return &c.CheckpointPath })
		str(&vals.CheckpointName, "checkpoint-name", "Checkpoint row name for the db backend", func(c *Config) *string { return &c.CheckpointName })
		return out
	}

	str(&vals.Provider, "provider", "Language-analysis service: openai or gemini", func(c *Config) *string { return &c.Provider })
	str(&vals.Model, "model", "Model used for analysis", func(c *Config) *string { return &c.Model })
	str(&vals.AssistModel, "assist-model", "Model used for assisted theme matching (default: --model)", func(c *Config) *string { return &c.AssistModel })
	str(&vals.BaseURL, "base-url", "Override the OpenAI API base URL", func(c *Config) *string { return &c.BaseURL })
	str(&vals.APIKey, "api-key", "API key (overrides OPENAI_API_KEY / GEMINI_API_KEY)", func(c *Config) *string { return &c.APIKey })
	boolean(&vals.AutoMigrate, "auto-migrate", "Apply schema migrations before running", func(c *Config) *bool { return &c.AutoMigrate })

	dur(&vals.BaseDelay, "base-delay", "Minimum spacing between calls; also the first backoff step", func(c *Config) *time.Duration { return &c.BaseDelay })
	cmd.Flags().Float64Var(&vals.BackoffMultiplier, "backoff-multiplier", vals.BackoffMultiplier, "Backoff growth per attempt")
	out = append(out, flagBinding{"backoff-multiplier", func(dst, src *Config) { dst.BackoffMultiplier = src.BackoffMultiplier }})
	dur(&vals.MaxDelay, "max-delay", "Cap on computed backoff delays (0 = uncapped)", func(c *Config) *time.Duration { return &c.MaxDelay })
	integer(&vals.MaxRetries, "max-retries", "Attempts per item before it is marked failed", func(c *Config) *int { return &c.MaxRetries })
	dur(&vals.CallTimeout, "call-timeout", "Timeout for each analysis attempt", func(c *Config) *time.Duration { return &c.CallTimeout })
	integer(&vals.Concurrency, "concurrency", "Workers sharing one rate limiter (1 = sequential)", func(c *Config) *int { return &c.Concurrency })

	integer(&vals.OveruseThreshold, "overuse-threshold", "Themes used more often than this are only accepted as an item's first theme", func(c *Config) *int { return &c.OveruseThreshold })
	integer(&vals.UnderuseThreshold, "underuse-threshold", "Backfill draws from themes used fewer times than this", func(c *Config) *int { return &c.UnderuseThreshold })
	integer(&vals.MinThemes, "min-themes", "Backfill target per result", func(c *Config) *int { return &c.MinThemes })
	integer(&vals.MinAssistLabelLen, "min-assist-label-len", "Labels this short never use assisted matching", func(c *Config) *int { return &c.MinAssistLabelLen })
	boolean(&vals.DisableAssist, "no-assist", "Disable assisted theme matching", func(c *Config) *bool { return &c.DisableAssist })
	integer(&vals.AvoidTopN, "avoid-top-n", "Most-used theme names the prompt asks the model to avoid", func(c *Config) *int { return &c.AvoidTopN })
	integer(&vals.MaxTextChars, "max-text-chars", "Transcript characters sent per analysis", func(c *Config) *int { return &c.MaxTextChars })
	cmd.Flags().Int64Var(&vals.Seed, "seed", vals.Seed, "Seed for backfill selection")
	out = append(out, flagBinding{"seed", func(dst, src *Config) { dst.Seed = src.Seed }})

	integer(&vals.Limit, "limit", "Process only the first N pending items (0 = all)", func(c *Config) *int { return &c.Limit })
	boolean(&vals.ShortestFirst, "shortest-first", "Process shorter transcripts first", func(c *Config) *bool { return &c.ShortestFirst })
	boolean(&vals.DryRun, "dry-run", "Analyze without writing results or checkpoints to the datastore", func(c *Config) *bool { return &c.DryRun })
	boolean(&vals.Reconcile, "reconcile", "Mark transcripts that already have results as processed before running", func(c *Config) *bool { return &c.Reconcile })

	str(&vals.OutDir, "out-dir", "Also write <item>.analysis.json files and index.jsonl here", func(c *Config) *string { return &c.OutDir })
	boolean(&vals.Pretty, "pretty", "Pretty-print result files", func(c *Config) *bool { return &c.Pretty })
	integer(&vals.IndexSummaryMaxChars, "index-summary-max-chars", "Max summary chars in index rows (0 = no limit)", func(c *Config) *int { return &c.IndexSummaryMaxChars })
	integer(&vals.IndexListMax, "index-list-max", "Max emotions/topics in index rows (0 = no limit)", func(c *Config) *int { return &c.IndexListMax })
	return out
}

// resolveConfig layers defaults, the optional YAML file, environment secrets and
// explicitly-set flags, in that order, then cleans paths.
func resolveConfig(cmd *cobra.Command, configPath string, flagVals *Config, bindings []flagBinding) (Config, error) {
	cfg := defaultConfig()
	if configPath != "" {
		if err := loadConfigFile(configPath, &cfg); err != nil {
			return Config{}, err
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}

	for _, b := range bindings {
		if cmd.Flags().Changed(b.name) {
			b.copy(&cfg, flagVals)
		}
	}
	if !cmd.Flags().Changed("api-key") {
		cfg.APIKey = os.Getenv(apiKeyEnv(cfg.Provider))
	}
	if cfg.AssistModel == "" {
		cfg.AssistModel = cfg.Model
	}
	if driver, err := store.NormalizeDriver(cfg.DBDriver); err == nil {
		cfg.DBDriver = driver
	}
	if cfg.CheckpointPath != "" {
		cfg.CheckpointPath = filepath.Clean(cfg.CheckpointPath)
	}
	if cfg.OutDir != "" {
		cfg.OutDir = filepath.Clean(cfg.OutDir)
	}
	return cfg, cfg.Validate()
}
