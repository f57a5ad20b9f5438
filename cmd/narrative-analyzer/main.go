package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/theimaginaryfoundation/narrative-analyzer/logging"
	"github.com/theimaginaryfoundation/narrative-analyzer/narrative"
	"github.com/theimaginaryfoundation/narrative-analyzer/narrative/provider"
	"github.com/theimaginaryfoundation/narrative-analyzer/narrative/store"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

const (
	exitSetup     = 1
	exitConfig    = 2
	exitCancelled = 130
)

// exitError carries the process exit code for a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configErr(err error) error { return &exitError{code: exitConfig, err: err} }
func setupErr(err error) error { return &exitError{code: exitSetup, err: err} }

// newCompleter builds the transport for model. Tests replace it.
var newCompleter = func(ctx context.Context, cfg Config, model string) (provider.Completer, error) {
	switch cfg.Provider {
	case "gemini":
		return provider.NewGemini(ctx, cfg.APIKey, model)
	default:
		return provider.NewOpenAI(cfg.APIKey, cfg.BaseURL, model), nil
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	fmt.Fprintln(stderr, "error:", err)
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	// Unknown commands, bad flag values and argument errors come from cobra.
	return exitConfig
}

type app struct {
	configPath string
	flagVals   Config
	persistent []flagBinding
}

func newRootCmd() *cobra.Command {
	a := &app{flagVals: defaultConfig()}
	root := &cobra.Command{
		Use:           "narrative-analyzer",
		Short:         "Analyze personal narratives against a controlled theme catalog",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "YAML config file; explicitly-set flags override it")
	a.persistent = bindFlags(root, &a.flagVals, true)

	root.AddCommand(a.runCmd(), a.statusCmd(), a.migrateCmd(), a.catalogCmd(), versionCmd())
	return root
}

// config resolves the layered configuration for cmd and initializes logging.
func (a *app) config(cmd *cobra.Command, bindings []flagBinding) (Config, error) {
	cfg, err := resolveConfig(cmd, a.configPath, &a.flagVals, bindings)
	if err != nil {
		return Config{}, configErr(err)
	}
	logging.Init(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

func (a *app) runCmd() *cobra.Command {
	var bindings []flagBinding
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Analyze every transcript not yet processed, resuming from the checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config(cmd, append(append([]flagBinding{}, a.persistent...), bindings...))
			if err != nil {
				return err
			}
			return runBatch(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
	bindings = bindFlags(cmd, &a.flagVals, false)
	return cmd
}

func runBatch(ctx context.Context, cfg Config, out io.Writer) error {
	if err := cfg.RequireAPIKey(); err != nil {
		return configErr(err)
	}
	st, closeDB, err := openStore(ctx, cfg, cfg.AutoMigrate)
	if err != nil {
		return err
	}
	defer closeDB()

	catalog, err := narrative.LoadCatalog(ctx, st)
	if err != nil {
		return setupErr(err)
	}
	items, err := st.Transcripts(ctx)
	if err != nil {
		return setupErr(err)
	}
	if cfg.ShortestFirst {
		narrative.SortShortestFirst(items)
	}

	var (
		cp    narrative.CheckpointStore
		usage narrative.UsageSource
		sinks narrative.MultiSink
	)
	if cfg.DryRun {
		seed, err := st.ThemeUsage(ctx)
		if err != nil {
			return setupErr(err)
		}
		tally := narrative.NewUsageTally(seed)
		cp, usage, sinks = &narrative.MemoryCheckpointStore{}, tally, narrative.MultiSink{tally}
	} else {
		cp, usage, sinks = checkpointStore(cfg, st), st, narrative.MultiSink{st}
	}
	if cfg.OutDir != "" {
		sinks = append(sinks, narrative.ResultFiles{Dir: cfg.OutDir, Pretty: cfg.Pretty})
	}
	if cfg.Reconcile {
		if err := reconcile(ctx, cp, st, items); err != nil {
			return setupErr(err)
		}
	}

	analysis, err := newCompleter(ctx, cfg, cfg.Model)
	if err != nil {
		return setupErr(err)
	}
	// Analysis and assisted-match calls draw on one pacing budget.
	pacer := narrative.NewPacer(cfg.BaseDelay)
	var assist narrative.ThemePicker
	if !cfg.DisableAssist {
		picker := analysis
		if cfg.AssistModel != cfg.Model {
			if picker, err = newCompleter(ctx, cfg, cfg.AssistModel); err != nil {
				return setupErr(err)
			}
		}
		assist = narrative.AssistedMatcher{Completer: pacer.Wrap(picker)}
	}
	resolver := narrative.NewResolver(catalog, narrative.DefaultSemanticGroups(), assist, narrative.ResolverOptions{
		OveruseThreshold:  cfg.OveruseThreshold,
		UnderuseThreshold: cfg.UnderuseThreshold,
		MinThemes:         cfg.MinThemes,
		MinAssistLabelLen: cfg.MinAssistLabelLen,
		MinKeywordLen:     narrative.DefaultResolverOptions().MinKeywordLen,
	}, cfg.Seed)

	sched := &narrative.Scheduler{
		Processor: &narrative.Pipeline{
			Catalog: catalog,
			Invoker: narrative.Invoker{
				Completer:    analysis,
				MaxTextChars: cfg.MaxTextChars,
				AvoidTopN:    cfg.AvoidTopN,
			},
			Resolver: resolver,
			Usage:    usage,
			Sink:     sinks,
			Model:    cfg.Model,
		},
		Store: cp,
		Pacer: pacer,
		Config: narrative.SchedulerConfig{
			Retry: narrative.RetryPolicy{
				BaseDelay:  cfg.BaseDelay,
				Multiplier: cfg.BackoffMultiplier,
				MaxDelay:   cfg.MaxDelay,
				MaxRetries: cfg.MaxRetries,
			},
			CallTimeout: cfg.CallTimeout,
			Concurrency: cfg.Concurrency,
			Limit:       cfg.Limit,
		},
	}
	log.Info().
		Int("items", len(items)).
		Int("themes", catalog.Len()).
		Str("provider", cfg.Provider).
		Str("model", cfg.Model).
		Bool("dry_run", cfg.DryRun).
		Msg("starting run")

	rep, err := sched.Run(ctx, items)
	if err != nil {
		return setupErr(err)
	}
	if err := rep.WriteText(out); err != nil {
		return setupErr(err)
	}

	if cfg.OutDir != "" {
		n, err := narrative.ResultFiles{Dir: cfg.OutDir, Pretty: cfg.Pretty}.RebuildIndex(narrative.IndexOptions{
			SummaryMaxChars: cfg.IndexSummaryMaxChars,
			ListMax:         cfg.IndexListMax,
		})
		if err != nil {
			log.Error().Err(err).Str("out_dir", cfg.OutDir).Msg("rebuild index failed")
		} else {
			log.Info().Int("results", n).Str("out_dir", cfg.OutDir).Msg("index rebuilt")
		}
	}
	if rep.Cancelled {
		return &exitError{code: exitCancelled, err: errors.New("run cancelled; run again to resume")}
	}
	return nil
}

// reconcile aligns the checkpoint with the current item list and with results that
// already exist in the datastore.
func reconcile(ctx context.Context, cp narrative.CheckpointStore, st *store.Store, items []narrative.AnalysisInput) error {
	rec, err := cp.Load(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	done, err := st.AnalyzedTranscriptIDs(ctx)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ItemID)
	}
	rec.Reconcile(ids, done)
	if err := cp.Save(ctx, rec); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print checkpoint progress and the last error of each failed item",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config(cmd, a.persistent)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			var st *store.Store
			if cfg.CheckpointBackend == checkpointDB {
				s, closeDB, err := openStore(ctx, cfg, false)
				if err != nil {
					return err
				}
				defer closeDB()
				st = s
			}
			rec, err := checkpointStore(cfg, st).Load(ctx)
			if err != nil {
				return setupErr(err)
			}
			return narrative.WriteStatus(cmd.OutOrStdout(), rec)
		},
	}
}

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply datastore schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config(cmd, a.persistent)
			if err != nil {
				return err
			}
			_, closeDB, err := openStore(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			closeDB()
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func (a *app) catalogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "Print the theme catalog with usage counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config(cmd, a.persistent)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, closeDB, err := openStore(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer closeDB()

			catalog, err := narrative.LoadCatalog(ctx, st)
			if err != nil {
				return setupErr(err)
			}
			usage, err := st.ThemeUsage(ctx)
			if err != nil {
				return setupErr(err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tCATEGORY\tUSAGE")
			for _, t := range catalog.Themes() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", t.ID, t.Name, t.Category, usage[t.ID])
			}
			return tw.Flush()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "narrative-analyzer %s (%s, %s)\n", version, commit, buildDate)
		},
	}
}

// openStore opens the datastore, optionally migrating it. The returned func closes it.
func openStore(ctx context.Context, cfg Config, migrate bool) (*store.Store, func(), error) {
	db, err := store.Open(ctx, cfg.DBDriver, cfg.DatabaseURL, store.DefaultOptions(cfg.DBDriver))
	if err != nil {
		return nil, nil, setupErr(err)
	}
	closeDB := func() {
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Msg("close datastore")
		}
	}
	if migrate {
		if err := store.Migrate(ctx, db, cfg.DBDriver); err != nil {
			closeDB()
			return nil, nil, setupErr(err)
		}
	}
	st, err := store.New(db, cfg.DBDriver)
	if err != nil {
		closeDB()
		return nil, nil, setupErr(err)
	}
	return st, closeDB, nil
}

func checkpointStore(cfg Config, st *store.Store) narrative.CheckpointStore {
	if cfg.CheckpointBackend == checkpointDB {
		return &store.CheckpointStore{Store: st, Name: cfg.CheckpointName}
	}
	return narrative.NewFileCheckpointStore(cfg.CheckpointPath)
}
