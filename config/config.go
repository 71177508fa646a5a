package config

import (
	"fmt"
	"net/url"
	"time"
)

// DefaultStartURL is crawled when no seed URL is supplied at all.
const DefaultStartURL = "https://www.myntra.com/men-tshirts"

// Config holds scraper configuration.
type Config struct {
	StartURLs        []string
	MaxItems         int
	MaxPages         int
	Parallelism      int
	Delay            time.Duration // fixed extra delay per request
	RandomDelay      time.Duration
	StealthDelayMin  time.Duration
	StealthDelayMax  time.Duration
	Timeout          time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
	RetryBackoffMax  time.Duration
	OutputFile       string
	OutputFormat     string // csv, json, dual or postgres
	UserAgent        string
	Verbose          bool
	RespectRobotsTxt bool
	MetricsAddr      string
	LogFile          string

	PipelineBufferSize int
	BatchSize          int
	DedupeMaxSize      int

	PageParam    string
	BlobVariable string
	ProxyURLs    []string

	SessionPoolSize      int
	SessionMaxUsage      int
	SessionMaxErrorScore float64

	DiagnosticsDir string
	RedisURL       string
	DiagnosticsTTL time.Duration

	PostgresDSN   string
	PostgresTable string
}

// DefaultConfig returns conservative defaults for a guarded storefront.
func DefaultConfig() *Config {
	return &Config{
		StartURLs:            []string{DefaultStartURL},
		MaxItems:             20,
		MaxPages:             10,
		Parallelism:          3,
		Delay:                0,
		RandomDelay:          0,
		StealthDelayMin:      1 * time.Second,
		StealthDelayMax:      3 * time.Second,
		Timeout:              30 * time.Second,
		MaxRetries:           5,
		RetryBackoff:         500 * time.Millisecond,
		RetryBackoffMax:      10 * time.Second,
		OutputFile:           "output/products.csv",
		OutputFormat:         "csv",
		UserAgent:            "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		Verbose:              false,
		RespectRobotsTxt:     false,
		PipelineBufferSize:   64,
		BatchSize:            64,
		DedupeMaxSize:        100000,
		PageParam:            "p",
		BlobVariable:         "__myx",
		SessionPoolSize:      50,
		SessionMaxUsage:      10,
		SessionMaxErrorScore: 3,
		DiagnosticsTTL:       72 * time.Hour,
		PostgresTable:        "products",
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if len(c.StartURLs) == 0 {
		return ErrNoSeedURLs
	}
	for _, raw := range c.StartURLs {
		parsedURL, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid start URL %q: %w", raw, err)
		}
		if parsedURL.Host == "" {
			return fmt.Errorf("start URL %q must include a host", raw)
		}
	}

	if c.MaxItems <= 0 {
		return fmt.Errorf("max items must be positive")
	}
	if c.MaxPages <= 0 {
		return fmt.Errorf("max pages must be positive")
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive")
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	if c.RandomDelay < 0 {
		return fmt.Errorf("random delay cannot be negative")
	}
	if c.StealthDelayMin < 0 || c.StealthDelayMax < 0 {
		return fmt.Errorf("stealth delay cannot be negative")
	}
	if c.StealthDelayMax < c.StealthDelayMin {
		return fmt.Errorf("stealth delay max (%s) cannot be below min (%s)", c.StealthDelayMax, c.StealthDelayMin)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	switch c.OutputFormat {
	case "csv", "json", "dual":
		if c.OutputFile == "" {
			return fmt.Errorf("output file cannot be empty")
		}
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres output requires a DSN")
		}
		if c.PostgresTable == "" {
			return fmt.Errorf("postgres table cannot be empty")
		}
	default:
		return fmt.Errorf("output format must be csv, json, dual, or postgres")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.PipelineBufferSize <= 0 {
		return fmt.Errorf("pipeline buffer size must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.DedupeMaxSize <= 0 {
		return fmt.Errorf("dedupe max size must be positive")
	}
	if c.PageParam == "" {
		return fmt.Errorf("page parameter cannot be empty")
	}
	if c.SessionPoolSize <= 0 || c.SessionMaxUsage <= 0 || c.SessionMaxErrorScore <= 0 {
		return fmt.Errorf("session pool limits must be positive")
	}
	for _, proxy := range c.ProxyURLs {
		if parsed, err := url.Parse(proxy); err != nil || parsed.Host == "" {
			return fmt.Errorf("invalid proxy URL %q", proxy)
		}
	}

	return nil
}
