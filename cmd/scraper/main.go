package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/aluiziolira/go-scrape-catalog/config"
	"github.com/aluiziolira/go-scrape-catalog/diagnostics"
	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/aluiziolira/go-scrape-catalog/pipeline"
	"github.com/aluiziolira/go-scrape-catalog/scraper"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

type options struct {
	input           string
	url             string
	items           int
	pages           int
	parallelism     int
	delayMs         int
	randomDelayMs   int
	maxRetries      int
	retryBackoffMs  int
	retryBackoffMax int
	respectRobots   bool
	outputFile      string
	outputFormat    string
	postgresDSN     string
	postgresTable   string
	redisURL        string
	diagnosticsDir  string
	metricsAddr     string
	logFile         string
	verbose         bool
}

func main() {
	defaultCfg := config.DefaultConfig()

	itemsDefault := envIntOrExit("SCRAPER_ITEMS", defaultCfg.MaxItems)
	pagesDefault := envIntOrExit("SCRAPER_PAGES", defaultCfg.MaxPages)
	parallelDefault := envIntOrExit("SCRAPER_PARALLEL", defaultCfg.Parallelism)

	var opts options
	flag.StringVar(&opts.input, "input", envOr("SCRAPER_INPUT", ""), "Input document (YAML or JSON) with startUrls, maxItems, maxPages")
	flag.StringVar(&opts.url, "url", envOr("SCRAPER_URL", ""), "Comma-separated start URLs")
	flag.IntVar(&opts.items, "items", itemsDefault, "Maximum products to save")
	flag.IntVar(&opts.pages, "pages", pagesDefault, "Maximum listing pages per seed chain")
	flag.IntVar(&opts.parallelism, "parallel", parallelDefault, "Number of concurrent requests")
	flag.IntVar(&opts.delayMs, "delay", 0, "Extra delay between requests (milliseconds)")
	flag.IntVar(&opts.randomDelayMs, "random-delay", 0, "Random jitter added to delay (milliseconds)")
	flag.IntVar(&opts.maxRetries, "max-retries", defaultCfg.MaxRetries, "Maximum retry attempts per URL")
	flag.IntVar(&opts.retryBackoffMs, "retry-backoff", int(defaultCfg.RetryBackoff/time.Millisecond), "Initial retry backoff (milliseconds)")
	flag.IntVar(&opts.retryBackoffMax, "retry-backoff-max", int(defaultCfg.RetryBackoffMax/time.Millisecond), "Maximum retry backoff (milliseconds)")
	flag.BoolVar(&opts.respectRobots, "respect-robots", false, "Respect robots.txt directives")
	flag.StringVar(&opts.outputFile, "output", envOr("SCRAPER_OUTPUT", defaultCfg.OutputFile), "Output file path")
	flag.StringVar(&opts.outputFormat, "format", envOr("SCRAPER_FORMAT", defaultCfg.OutputFormat), "Output format: csv, json, dual, or postgres")
	flag.StringVar(&opts.postgresDSN, "postgres-dsn", envOr("SCRAPER_POSTGRES_DSN", ""), "Postgres connection string for -format postgres")
	flag.StringVar(&opts.postgresTable, "postgres-table", envOr("SCRAPER_POSTGRES_TABLE", defaultCfg.PostgresTable), "Postgres table for products")
	flag.StringVar(&opts.redisURL, "redis-url", envOr("SCRAPER_REDIS_URL", ""), "Redis URL for page diagnostics")
	flag.StringVar(&opts.diagnosticsDir, "diagnostics-dir", envOr("SCRAPER_DIAGNOSTICS_DIR", ""), "Directory for page diagnostics")
	flag.StringVar(&opts.metricsAddr, "metrics-addr", envOr("SCRAPER_METRICS_ADDR", defaultCfg.MetricsAddr), "Prometheus metrics listen address (e.g. :9090)")
	flag.StringVar(&opts.logFile, "log-file", envOr("SCRAPER_LOG_FILE", ""), "Also write logs to this rotated file")
	flag.BoolVar(&opts.verbose, "v", false, "Enable verbose logging")

	flag.Parse()

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	logger, level := newLogger(opts.verbose, opts.logFile)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	var input *config.Input
	if opts.input != "" {
		in, err := config.LoadInput(opts.input)
		if err != nil {
			slog.Error("loading input", slog.String("file", opts.input), slog.Any("error", err))
			os.Exit(1)
		}
		input = in
	}

	cfg, err := buildConfig(opts, input, set)
	if errors.Is(err, config.ErrNoSeedURLs) {
		fmt.Fprintln(os.Stderr, "no valid start URLs provided: supply absolute http(s) URLs via startUrls, startUrl, url or -url")
		os.Exit(1)
	}
	if err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := uuid.NewString()
	slog.Info("starting scrape",
		slog.String("run_id", runID),
		slog.Any("start_urls", cfg.StartURLs),
		slog.Int("items", cfg.MaxItems),
		slog.Int("pages", cfg.MaxPages),
		slog.Int("workers", cfg.Parallelism),
	)

	store, err := createDiagnosticsStore(ctx, cfg, runID)
	if err != nil {
		slog.Error("creating diagnostics store", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("close diagnostics store", slog.Any("error", err))
		}
	}()

	s, err := scraper.NewScraper(cfg, scraper.WithRunID(runID), scraper.WithDiagnostics(store))
	if err != nil {
		slog.Error("initialising scraper", slog.Any("error", err))
		os.Exit(1)
	}

	writer, err := createWriter(ctx, cfg, runID)
	if err != nil {
		slog.Error("creating writer", slog.Any("error", err))
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, waiting for in-flight work to finish")
	}()

	// records already admitted are still written after a signal
	p := pipeline.NewPipeline(context.WithoutCancel(ctx), writer, cfg)
	// one worker keeps page batches in crawl order
	p.Start(1)
	if cfg.Verbose {
		p.StartMetricsReporting(10 * time.Second)
	}

	startTime := time.Now()
	result, err := run(ctx, cfg, s, p)
	if err != nil {
		slog.Error("scraping failed", slog.Any("error", err))
		os.Exit(1)
	}

	if err := finishOutput(writer); err != nil {
		slog.Error("finishing output", slog.Any("error", err))
		os.Exit(1)
	}

	printSummary(result, time.Since(startTime), cfg, p.GetMetrics())
}

// run crawls while the metrics server, when enabled, serves alongside. The pipeline is drained
// before run returns.
func run(ctx context.Context, cfg *config.Config, s *scraper.Scraper, p *pipeline.Pipeline) (*models.ScraperResult, error) {
	g, gCtx := errgroup.WithContext(ctx)

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" && s.Metrics != nil {
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(s.Metrics.Registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve metrics: %w", err)
			}
			return nil
		})
	}

	var result *models.ScraperResult
	g.Go(func() error {
		defer func() {
			if metricsServer == nil {
				return
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				slog.Error("metrics server shutdown failed", slog.Any("error", err))
			}
		}()

		res, err := s.Run(gCtx, p)
		if closeErr := p.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close pipeline: %w", closeErr))
		}
		if err != nil {
			return err
		}
		result = res
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// buildConfig layers defaults, SCRAPER_* env (already folded into the flag defaults), the input
// document and explicitly set flags, in that order.
func buildConfig(opts options, input *config.Input, set map[string]bool) (*config.Config, error) {
	cfg := config.DefaultConfig()
	cfg.Parallelism = opts.parallelism
	cfg.Delay = time.Duration(opts.delayMs) * time.Millisecond
	cfg.RandomDelay = time.Duration(opts.randomDelayMs) * time.Millisecond
	cfg.MaxRetries = opts.maxRetries
	cfg.RetryBackoff = time.Duration(opts.retryBackoffMs) * time.Millisecond
	cfg.RetryBackoffMax = time.Duration(opts.retryBackoffMax) * time.Millisecond
	cfg.RespectRobotsTxt = opts.respectRobots
	cfg.OutputFile = opts.outputFile
	cfg.OutputFormat = strings.ToLower(opts.outputFormat)
	cfg.PostgresDSN = opts.postgresDSN
	cfg.PostgresTable = opts.postgresTable
	cfg.RedisURL = opts.redisURL
	cfg.DiagnosticsDir = opts.diagnosticsDir
	cfg.MetricsAddr = opts.metricsAddr
	cfg.LogFile = opts.logFile
	cfg.Verbose = opts.verbose
	cfg.MaxItems = opts.items
	cfg.MaxPages = opts.pages

	if input != nil {
		if err := input.Apply(cfg); err != nil {
			return nil, err
		}
		if set["items"] {
			cfg.MaxItems = opts.items
		}
		if set["pages"] {
			cfg.MaxPages = opts.pages
		}
	}

	if strings.TrimSpace(opts.url) != "" && (input == nil || set["url"]) {
		seeds := config.NormalizeURLs(strings.Split(opts.url, ","))
		if len(seeds) == 0 {
			return nil, config.ErrNoSeedURLs
		}
		cfg.StartURLs = seeds
	}
	return cfg, nil
}

func createWriter(ctx context.Context, cfg *config.Config, runID string) (pipeline.OutputWriter, error) {
	switch cfg.OutputFormat {
	case "json":
		return pipeline.NewJSONWriter(cfg.OutputFile)
	case "csv":
		return pipeline.NewCSVWriter(cfg.OutputFile)
	case "dual":
		jsonFilename := strings.TrimSuffix(cfg.OutputFile, ".csv") + ".json"
		return pipeline.NewDualWriter(cfg.OutputFile, jsonFilename)
	case "postgres":
		pg, err := pipeline.NewPostgresWriter(ctx, cfg.PostgresDSN, cfg.PostgresTable, runID)
		if err != nil {
			return nil, err
		}
		if cfg.OutputFile == "" {
			return pg, nil
		}
		// keep a local CSV copy next to the table
		csvWriter, err := pipeline.NewCSVWriter(cfg.OutputFile)
		if err != nil {
			pg.Close()
			return nil, err
		}
		return pipeline.NewMultiWriter(map[string]pipeline.OutputWriter{
			"postgres": pg,
			"csv":      csvWriter,
		}, "postgres", "csv"), nil
	default:
		return nil, fmt.Errorf("unsupported format: %s", cfg.OutputFormat)
	}
}

// finishOutput validates the writer while its file handles and pool are still open, then
// closes it.
func finishOutput(writer pipeline.OutputWriter) error {
	if err := writer.Validate(); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			slog.Error("close writer", slog.Any("error", closeErr))
		}
		return fmt.Errorf("validate output: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

func createDiagnosticsStore(ctx context.Context, cfg *config.Config, runID string) (diagnostics.Store, error) {
	switch {
	case cfg.RedisURL != "":
		return diagnostics.NewRedisStore(ctx, cfg.RedisURL, runID, cfg.DiagnosticsTTL)
	case cfg.DiagnosticsDir != "":
		return diagnostics.NewFileStore(filepath.Join(cfg.DiagnosticsDir, runID))
	default:
		return diagnostics.NopStore{}, nil
	}
}

func printSummary(result *models.ScraperResult, duration time.Duration, cfg *config.Config, metrics map[string]interface{}) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Scrape complete")

	written := int64(0)
	if processed, ok := metrics["processed_products"].(int64); ok {
		written = processed
	}
	itemsPerSec := 0.0
	if duration.Seconds() > 0 {
		itemsPerSec = float64(written) / duration.Seconds()
	}

	fmt.Printf("  Saved:         %d of %d (candidates %d)\n", result.SavedCount, cfg.MaxItems, result.TotalCount)
	fmt.Printf("  Written:       %d\n", written)
	fmt.Printf("  Pages:         %d (max page %d of %d)\n", result.PageCount, result.MaxPageNumber, cfg.MaxPages)
	fmt.Printf("  Blocked/empty: %d/%d\n", result.BlockedPages, result.EmptyPages)
	if len(result.StrategyHits) > 0 {
		names := make([]string, 0, len(result.StrategyHits))
		for name := range result.StrategyHits {
			names = append(names, name)
		}
		sort.Strings(names)
		hits := make([]string, 0, len(names))
		for _, name := range names {
			hits = append(hits, fmt.Sprintf("%s=%d", name, result.StrategyHits[name]))
		}
		fmt.Printf("  Strategies:    %s\n", strings.Join(hits, " "))
	}

	successRate := 0.0
	if result.RequestCount > 0 {
		successRate = float64(result.RequestCount-result.ErrorCount) / float64(result.RequestCount) * 100
	}
	fmt.Printf("  Success rate:  %.2f%%\n", successRate)
	fmt.Printf("  Errors:        %d\n", result.ErrorCount)
	fmt.Printf("  Retries:       %d\n", result.RetryCount)
	fmt.Printf("  Failed URLs:   %d\n", len(result.FailedURLs))
	if len(result.ErrorsByType) > 0 {
		fmt.Printf("  Error types:   %v\n", result.ErrorsByType)
	}
	if valErrors, ok := metrics["validation_errors"].(map[string]int); ok && len(valErrors) > 0 {
		fmt.Printf("  Validation:    %v\n", valErrors)
	}
	fmt.Printf("  Duration:      %v\n", duration)
	fmt.Printf("  Items/sec:     %.2f\n", itemsPerSec)
	if cfg.OutputFormat == "postgres" {
		fmt.Printf("  Output table:  %s\n", cfg.PostgresTable)
	}
	if cfg.OutputFile != "" {
		fmt.Printf("  Output file:   %s\n", cfg.OutputFile)
	}
	fmt.Println(separator)
}

func newLogger(verbose bool, logFile string) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o750); err != nil {
			fmt.Fprintf(os.Stderr, "create log directory: %v\n", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    5,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
		}
		return slog.New(slog.NewJSONHandler(io.MultiWriter(os.Stdout, rotator), opts)), level
	}

	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

func envIntOrExit(key string, fallback int) int {
	value, ok, err := config.EnvInt(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s: %v\n", key, err)
		os.Exit(1)
	}
	if !ok {
		return fallback
	}
	return value
}

func envOr(key, fallback string) string {
	if value, ok := config.EnvString(key); ok {
		return value
	}
	return fallback
}
