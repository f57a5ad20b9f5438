package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/theimaginaryfoundation/narrative-analyzer/narrative"
	"github.com/theimaginaryfoundation/narrative-analyzer/narrative/provider"
	"github.com/theimaginaryfoundation/narrative-analyzer/narrative/store"
)

func TestDefaultConfig_Valid(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.BaseDelay != 2*time.Second || cfg.MaxRetries != 3 || cfg.BackoffMultiplier != 2 {
		t.Fatalf("retry defaults=%v/%d/%v", cfg.BaseDelay, cfg.MaxRetries, cfg.BackoffMultiplier)
	}
	if cfg.OveruseThreshold != 10 || cfg.UnderuseThreshold != 3 || cfg.MinThemes != 2 {
		t.Fatalf("theme defaults=%d/%d/%d", cfg.OveruseThreshold, cfg.UnderuseThreshold, cfg.MinThemes)
	}
}

func TestConfigValidate_Rejects(t *testing.T) {
	t.Parallel()

	cases := map[string]func(*Config){
		"driver":      func(c *Config) { c.DBDriver = "mysql" },
		"dsn":         func(c *Config) { c.DatabaseURL = " " },
		"provider":    func(c *Config) { c.Provider = "local" },
		"model":       func(c *Config) { c.Model = "" },
		"delay":       func(c *Config) { c.BaseDelay = -time.Second },
		"multiplier":  func(c *Config) { c.BackoffMultiplier = 0.5 },
		"retries":     func(c *Config) { c.MaxRetries = 0 },
		"concurrency": func(c *Config) { c.Concurrency = 0 },
		"threshold":   func(c *Config) { c.OveruseThreshold = -1 },
		"limit":       func(c *Config) { c.Limit = -1 },
		"backend":     func(c *Config) { c.CheckpointBackend = "s3" },
		"path":        func(c *Config) { c.CheckpointPath = "" },
	}
	for name, mutate := range cases {
		cfg := defaultConfig()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestResolveConfig_FlagsOverrideFileOverridesDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "gk")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yml := "provider: gemini\nmodel: from-file\nbase_delay: 5s\nconcurrency: 3\nmin_themes: 4\ncheckpoint_path: " +
		dir + "/cp/../cp.json\n"
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cmd := &cobra.Command{Use: "run"}
	vals := defaultConfig()
	bindings := append(bindFlags(cmd, &vals, true), bindFlags(cmd, &vals, false)...)
	if err := cmd.ParseFlags([]string{"--concurrency", "2", "--db-driver", "postgres", "--database-url", "postgres://x"}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}

	cfg, err := resolveConfig(cmd, path, &vals, bindings)
	if err != nil {
		t.Fatalf("resolveConfig: %v", err)
	}
	if cfg.Provider != "gemini" || cfg.Model != "from-file" || cfg.AssistModel != "from-file" {
		t.Fatalf("provider=%q model=%q assist=%q", cfg.Provider, cfg.Model, cfg.AssistModel)
	}
	if cfg.BaseDelay != 5*time.Second || cfg.MinThemes != 4 {
		t.Fatalf("file values not applied: delay=%v min=%d", cfg.BaseDelay, cfg.MinThemes)
	}
	if cfg.Concurrency != 2 {
		t.Fatalf("Concurrency=%d, want flag value 2", cfg.Concurrency)
	}
	if cfg.MaxRetries != 3 {
		t.Fatalf("MaxRetries=%d, want default 3", cfg.MaxRetries)
	}
	if cfg.DBDriver != store.DriverPostgres || cfg.DatabaseURL != "postgres://x" {
		t.Fatalf("driver=%q dsn=%q", cfg.DBDriver, cfg.DatabaseURL)
	}
	if cfg.APIKey != "gk" {
		t.Fatalf("APIKey=%q, want GEMINI_API_KEY", cfg.APIKey)
	}
	if cfg.CheckpointPath != filepath.Join(dir, "cp.json") {
		t.Fatalf("CheckpointPath=%q", cfg.CheckpointPath)
	}
}

func TestLoadConfigFile_UnknownFieldFails(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("modle: typo\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg := defaultConfig()
	if err := loadConfigFile(path, &cfg); err == nil {
		t.Fatalf("expected error for unknown field")
	}
	empty := filepath.Join(t.TempDir(), "empty.yaml")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := loadConfigFile(empty, &cfg); err != nil {
		t.Fatalf("empty file: %v", err)
	}
}

func TestExecute_Version(t *testing.T) {
	t.Parallel()

	var out, errOut bytes.Buffer
	if code := execute(context.Background(), []string{"version"}, &out, &errOut); code != 0 {
		t.Fatalf("code=%d stderr=%s", code, errOut.String())
	}
	if !strings.HasPrefix(out.String(), "narrative-analyzer dev") {
		t.Fatalf("out=%q", out.String())
	}
}

func TestExecute_ConfigErrorsExitTwo(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("DATABASE_URL", "")

	cases := [][]string{
		{"run", "--no-such-flag"},
		{"run", "--concurrency", "0"},
		{"run", "--database-url", filepath.Join(t.TempDir(), "x.db")},
		{"frobnicate"},
	}
	for _, args := range cases {
		var out, errOut bytes.Buffer
		if code := execute(context.Background(), args, &out, &errOut); code != exitConfig {
			t.Fatalf("%v: code=%d, want %d (stderr=%s)", args, code, exitConfig, errOut.String())
		}
	}
}

func TestExecute_EmptyCatalogIsSetupError(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "k")
	t.Setenv("DATABASE_URL", "")

	dbPath := migratedDB(t)
	var out, errOut bytes.Buffer
	code := execute(context.Background(), []string{
		"run", "--database-url", dbPath, "--checkpoint-path", filepath.Join(t.TempDir(), "cp.json"),
	}, &out, &errOut)
	if code != exitSetup {
		t.Fatalf("code=%d, want %d (stderr=%s)", code, exitSetup, errOut.String())
	}
	if !strings.Contains(errOut.String(), "catalog is empty") {
		t.Fatalf("stderr=%q", errOut.String())
	}
}

type countingCompleter struct {
	calls atomic.Int32
	reply string
}

func (c *countingCompleter) Complete(context.Context, provider.Request) (string, error) {
	c.calls.Add(1)
	return c.reply, nil
}

func TestExecute_RunResumesAndWritesOutputs(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "k")
	t.Setenv("DATABASE_URL", "")

	fake := &countingCompleter{reply: `{"themes":["Resilience"],"emotions":["hope"],"topics":["school"],` +
		`"quotes":["we kept going"],"summary":"s","insights":[],"cultural_elements":[],"sensitivity_flags":[],` +
		`"confidence_score":0.9,"quality_score":0.8}`}
	prev := newCompleter
	newCompleter = func(context.Context, Config, string) (provider.Completer, error) { return fake, nil }
	t.Cleanup(func() { newCompleter = prev })

	dbPath := migratedDB(t)
	seedDB(t, dbPath,
		`INSERT INTO themes (id, name, category) VALUES ('t1', 'Resilience', 'inner life')`,
		`INSERT INTO themes (id, name) VALUES ('t2', 'Family')`,
		`INSERT INTO transcripts (id, title, body) VALUES ('s1', 'One', 'a long story about getting through hard years')`,
		`INSERT INTO transcripts (id, title, body) VALUES ('s2', 'Two', 'short one')`,
	)
	dir := t.TempDir()
	cpPath := filepath.Join(dir, "cp.json")
	outDir := filepath.Join(dir, "out")
	args := []string{
		"run", "--database-url", dbPath, "--checkpoint-path", cpPath, "--out-dir", outDir,
		"--base-delay", "0s", "--no-assist",
	}

	var out, errOut bytes.Buffer
	if code := execute(context.Background(), args, &out, &errOut); code != 0 {
		t.Fatalf("code=%d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "2 processed, 0 failed, 2 total") {
		t.Fatalf("report=%q", out.String())
	}
	if got := fake.calls.Load(); got != 2 {
		t.Fatalf("calls=%d, want 2", got)
	}

	b, err := os.ReadFile(cpPath)
	if err != nil {
		t.Fatalf("read checkpoint: %v", err)
	}
	rec, err := narrative.DecodeCheckpoint(b, time.Now())
	if err != nil {
		t.Fatalf("DecodeCheckpoint: %v", err)
	}
	if !rec.Processed.Has("s1") || !rec.Processed.Has("s2") || len(rec.Failed) != 0 {
		t.Fatalf("processed=%v failed=%v", rec.Processed.Sorted(), rec.Failed.Sorted())
	}
	for _, name := range []string{"s1.analysis.json", "s2.analysis.json", "index.jsonl"} {
		if _, err := os.Stat(filepath.Join(outDir, name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}

	// A second run finds nothing left to do.
	out.Reset()
	if code := execute(context.Background(), args, &out, &errOut); code != 0 {
		t.Fatalf("rerun code=%d stderr=%s", code, errOut.String())
	}
	if got := fake.calls.Load(); got != 2 {
		t.Fatalf("rerun made calls: %d", got)
	}
	if !strings.Contains(out.String(), "skipped (already processed)  2") {
		t.Fatalf("rerun report=%q", out.String())
	}

	out.Reset()
	if code := execute(context.Background(), []string{"status", "--checkpoint-path", cpPath}, &out, &errOut); code != 0 {
		t.Fatalf("status code=%d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "processed") || !strings.Contains(out.String(), "2") {
		t.Fatalf("status=%q", out.String())
	}

	out.Reset()
	if code := execute(context.Background(), []string{"catalog", "--database-url", dbPath}, &out, &errOut); code != 0 {
		t.Fatalf("catalog code=%d stderr=%s", code, errOut.String())
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[1], "t1") || !strings.HasSuffix(strings.TrimSpace(lines[1]), "2") {
		t.Fatalf("catalog=%q", out.String())
	}
}

func TestExecute_DryRunLeavesDatastoreUntouched(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "k")
	t.Setenv("DATABASE_URL", "")

	fake := &countingCompleter{reply: "not json at all"}
	prev := newCompleter
	newCompleter = func(context.Context, Config, string) (provider.Completer, error) { return fake, nil }
	t.Cleanup(func() { newCompleter = prev })

	dbPath := migratedDB(t)
	seedDB(t, dbPath,
		`INSERT INTO themes (id, name) VALUES ('t1', 'Resilience')`,
		`INSERT INTO transcripts (id, title, body) VALUES ('s1', 'One', 'story')`,
	)
	cpPath := filepath.Join(t.TempDir(), "cp.json")

	var out, errOut bytes.Buffer
	code := execute(context.Background(), []string{
		"run", "--database-url", dbPath, "--checkpoint-path", cpPath, "--base-delay", "0s", "--no-assist", "--dry-run",
	}, &out, &errOut)
	if code != 0 {
		t.Fatalf("code=%d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "succeeded") {
		t.Fatalf("report=%q", out.String())
	}
	if _, err := os.Stat(cpPath); !os.IsNotExist(err) {
		t.Fatalf("dry run wrote checkpoint file: %v", err)
	}

	st := openTestStore(t, dbPath)
	ids, err := st.AnalyzedTranscriptIDs(context.Background())
	if err != nil {
		t.Fatalf("AnalyzedTranscriptIDs: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("dry run persisted results: %v", ids)
	}
}

func migratedDB(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "narratives.db")
	var out, errOut bytes.Buffer
	if code := execute(context.Background(), []string{"migrate", "--database-url", path}, &out, &errOut); code != 0 {
		t.Fatalf("migrate code=%d stderr=%s", code, errOut.String())
	}
	return path
}

func openTestStore(t *testing.T, path string) *store.Store {
	t.Helper()

	db, err := store.Open(context.Background(), store.DriverSQLite, path, store.DefaultOptions(store.DriverSQLite))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	st, err := store.New(db, store.DriverSQLite)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return st
}

func seedDB(t *testing.T, path string, stmts ...string) {
	t.Helper()

	st := openTestStore(t, path)
	for _, q := range stmts {
		if _, err := st.DB.Exec(q); err != nil {
			t.Fatalf("seed %q: %v", q, err)
		}
	}
}
