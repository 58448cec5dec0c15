package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"doc-spooler/spooler"
)

var (
	configPath  string
	dbPath      string
	logLevel    string
	logJSON     bool
	metricsAddr string
	baseURL     string
	apiToken    string

	// run-once / watch
	runTimeout time.Duration

	// mail
	mailOnce bool

	// sync / cache
	partitionFlag int64
	syncPages     int
	clearAll      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "doc-spooler",
		Short: "Deduplicating document ingestion into Mayan EDMS",
		Long: `doc-spooler ingests files from watched directories and a maildir into a
Mayan EDMS instance. Every file is fingerprinted (SHA-256) and stored at most
once per cabinet; the fingerprint is embedded in the document description so
the local hash cache can be rebuilt from the store.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(cmd)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "doc-spooler.db", "SQLite file for the hash cache and ingest journal")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Log JSON lines instead of console output")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "Mayan EDMS base URL")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "Mayan EDMS API token")

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch input directories (and the maildir, if configured) until interrupted",
		RunE:  runWatch,
	}
	watchCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9108)")
	rootCmd.AddCommand(watchCmd)

	runOnceCmd := &cobra.Command{
		Use:   "run-once",
		Short: "Ingest every file currently in the input directories and exit",
		RunE:  runOnce,
	}
	runOnceCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Overall timeout for the pass (e.g. 30s, 2m)")
	rootCmd.AddCommand(runOnceCmd)

	mailCmd := &cobra.Command{
		Use:   "mail",
		Short: "Ingest attachments from the configured maildir",
		RunE:  runMail,
	}
	mailCmd.Flags().BoolVar(&mailOnce, "once", false, "Poll once and exit")
	rootCmd.AddCommand(mailCmd)

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Backfill an empty hash cache from the document store",
		RunE:  runSync,
	}
	syncCmd.Flags().Int64Var(&partitionFlag, "partition", 0, "Cabinet id (0 = all documents)")
	syncCmd.Flags().IntVar(&syncPages, "pages", spooler.DefaultSyncPages, "Maximum pages to read")
	rootCmd.AddCommand(syncCmd)

	rootCmd.AddCommand(newCacheCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newCacheCmd() *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or maintain the local hash cache",
	}
	cacheCmd.PersistentFlags().Int64Var(&partitionFlag, "partition", 0, "Cabinet id (0 = no partition filter)")

	cacheCmd.AddCommand(&cobra.Command{
		Use:   "count",
		Short: "Count cached fingerprints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd, func(ctx context.Context, cache *spooler.HashCache) error {
				fmt.Println(cache.Count(ctx, partitionArg(cmd)))
				return nil
			})
		},
	})

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete cached fingerprints of a partition (or all with --all)",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := partitionArg(cmd)
			if p == nil && !clearAll {
				return errors.New("refusing to clear the whole cache without --all")
			}
			return withCache(cmd, func(ctx context.Context, cache *spooler.HashCache) error {
				n, err := cache.Clear(ctx, p)
				if err != nil {
					return err
				}
				fmt.Printf("deleted %d records\n", n)
				return nil
			})
		},
	}
	clearCmd.Flags().BoolVar(&clearAll, "all", false, "Clear every partition")
	cacheCmd.AddCommand(clearCmd)

	cacheCmd.AddCommand(&cobra.Command{
		Use:   "remove <fingerprint>",
		Short: "Forget one fingerprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd, func(ctx context.Context, cache *spooler.HashCache) error {
				ok, err := cache.Remove(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("fingerprint %s not cached", args[0])
				}
				fmt.Println("removed")
				return nil
			})
		},
	})

	cacheCmd.AddCommand(&cobra.Command{
		Use:   "get <fingerprint>",
		Short: "Show the document cached for a fingerprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd, func(ctx context.Context, cache *spooler.HashCache) error {
				rec, ok := cache.Get(ctx, args[0], partitionArg(cmd))
				if !ok {
					return fmt.Errorf("fingerprint %s not cached", args[0])
				}
				fmt.Printf("document_id:    %s\n", rec.DocumentID)
				fmt.Printf("filename:       %s\n", rec.Filename)
				fmt.Printf("correlation_id: %s\n", rec.CorrelationID)
				fmt.Printf("partition:      %s\n", partitionText(rec.PartitionID))
				fmt.Printf("created_at:     %s\n", rec.CreatedAt.Format(time.RFC3339))
				fmt.Printf("updated_at:     %s\n", rec.UpdatedAt.Format(time.RFC3339))
				return nil
			})
		},
	})
	return cacheCmd
}

func setupLogging(cmd *cobra.Command) {
	zerolog.TimeFieldFormat = time.RFC3339

	cfg := loadFileConfig()
	level := logLevel
	if !cmd.Flags().Changed("log-level") && cfg.LogLevel != "" {
		level = cfg.LogLevel
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if logJSON || (!cmd.Flags().Changed("log-json") && cfg.LogJSON) {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func loadFileConfig() *spooler.FileConfig {
	if configPath == "" {
		return &spooler.FileConfig{}
	}
	cfg, err := spooler.LoadConfig(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("load config")
	}
	return cfg
}

// settings merges the config file with flags; a flag only wins when set.
func settings(cmd *cobra.Command) *spooler.FileConfig {
	cfg := loadFileConfig()
	if cmd.Flags().Changed("db") || cfg.Database == "" {
		cfg.Database = dbPath
	}
	if cmd.Flags().Changed("base-url") {
		cfg.Remote.BaseURL = baseURL
	}
	if cmd.Flags().Changed("token") {
		cfg.Remote.Token = apiToken
	}
	if env := os.Getenv("DOC_SPOOLER_TOKEN"); env != "" && cfg.Remote.Token == "" {
		cfg.Remote.Token = env
	}
	if f := cmd.Flags().Lookup("metrics-addr"); f != nil && f.Changed {
		cfg.MetricsAddr = metricsAddr
	}
	if f := cmd.Flags().Lookup("timeout"); f != nil && f.Changed {
		cfg.Directory.Timeout = runTimeout
	}
	return cfg
}

func partitionArg(cmd *cobra.Command) *int64 {
	if !cmd.Flags().Changed("partition") || partitionFlag == 0 {
		return nil
	}
	return spooler.Partition(partitionFlag)
}

func partitionText(p *int64) string {
	if p == nil {
		return "none"
	}
	return fmt.Sprint(*p)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

type app struct {
	cfg      *spooler.FileConfig
	db       *gorm.DB
	pipe     *spooler.Pipeline
	registry *prometheus.Registry
}

func openApp(cmd *cobra.Command) (*app, error) {
	cfg := settings(cmd)
	remote, err := spooler.NewMayanClient(cfg.Remote, nil, log.Logger)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := remote.Ping(pingCtx); err != nil {
		log.Warn().Err(err).Str("base_url", cfg.Remote.BaseURL).Msg("document store not reachable, continuing")
	}
	cancel()
	db, err := spooler.OpenDB(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.Database, err)
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	pcfg := cfg.Dedup.Pipeline()
	pcfg.Logger = log.Logger
	pcfg.Metrics = spooler.NewMetrics(registry)
	return &app{
		cfg:      cfg,
		db:       db,
		pipe:     spooler.NewPipeline(db, remote, pcfg),
		registry: registry,
	}, nil
}

func (a *app) Close() {
	if err := spooler.CloseDB(a.db); err != nil {
		log.Warn().Err(err).Msg("close database")
	}
}

func (a *app) runner() (*spooler.Runner, error) {
	d := a.cfg.Directory
	return spooler.NewRunner(a.pipe, spooler.RunnerConfig{
		Inputs:       d.Inputs(),
		After:        spooler.AfterAction(d.After),
		ProcessedDir: d.ProcessedDir,
		Timeout:      d.Timeout,
		SettleDelay:  d.Settle,
		PollInterval: d.PollInterval,
		Logger:       log.Logger,
	})
}

func (a *app) mailProcessor() (*spooler.MailProcessor, error) {
	m := a.cfg.Mail
	box, err := spooler.NewMaildir(m.Maildir, m.IncludeCur, log.Logger)
	if err != nil {
		return nil, err
	}
	return spooler.NewMailProcessor(box, spooler.NewSenderFilter(m.AllowedSenders), a.pipe, spooler.MailProcessorConfig{
		Partition:    m.Partition,
		BatchSize:    m.BatchSize,
		PollInterval: m.PollInterval,
		Logger:       log.Logger,
	}), nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	started := 0
	if len(a.cfg.Directory.Files.Items) > 0 {
		r, err := a.runner()
		if err != nil {
			return err
		}
		started++
		g.Go(func() error { return r.Watch(ctx) })
	}
	if a.cfg.Mail.Maildir != "" {
		mp, err := a.mailProcessor()
		if err != nil {
			return err
		}
		started++
		g.Go(func() error { return mp.Run(ctx) })
	}
	if started == 0 {
		return errors.New("nothing to watch: configure directory.files or mail.maildir")
	}
	if a.cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              a.cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info().Str("addr", srv.Addr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	log.Info().Msg("doc-spooler started")
	err = g.Wait()
	log.Info().Msg("doc-spooler stopped")
	return err
}

func runOnce(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	r, err := a.runner()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()
	stats, err := r.RunOnce(ctx)
	fmt.Printf("files=%d created=%d duplicates=%d skipped=%d failed=%d disposed=%d\n",
		stats.FilesSeen, stats.Created, stats.Duplicates, stats.Skipped, stats.Failed, stats.Disposed)
	if err != nil {
		return err
	}
	if stats.Failed > 0 {
		return fmt.Errorf("%d files failed", stats.Failed)
	}
	return nil
}

func runMail(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	mp, err := a.mailProcessor()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()
	if !mailOnce {
		return mp.Run(ctx)
	}
	stats, err := mp.RunOnce(ctx)
	fmt.Printf("messages=%d rejected=%d attachments=%d created=%d duplicates=%d failed=%d\n",
		stats.Messages, stats.Rejected, stats.Attachments, stats.Created, stats.Duplicates, stats.Failed)
	return err
}

func runSync(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx, stop := signalContext()
	defer stop()
	n, err := a.pipe.Synchronizer.SyncFromRemote(ctx, partitionArg(cmd), syncPages)
	fmt.Printf("synced=%d\n", n)
	return err
}

// withCache opens only the local database; no remote store is needed.
func withCache(cmd *cobra.Command, fn func(context.Context, *spooler.HashCache) error) error {
	cfg := settings(cmd)
	db, err := spooler.OpenDB(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.Database, err)
	}
	cache := spooler.NewHashCache(db, log.Logger)
	defer func() { _ = cache.Close() }()
	ctx, stop := signalContext()
	defer stop()
	return fn(ctx, cache)
}
