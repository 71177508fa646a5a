package config

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrNoSeedURLs is returned when seed URLs were supplied but none of them is usable.
var ErrNoSeedURLs = errors.New("no valid start URLs provided")

// SeedEntry is a start URL given either as a plain string or as an object with a url key.
type SeedEntry struct {
	URL string
}

// UnmarshalYAML accepts "https://..." as well as {url: "https://..."}.
func (s *SeedEntry) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&s.URL)
	case yaml.MappingNode:
		var obj struct {
			URL string `yaml:"url"`
		}
		if err := node.Decode(&obj); err != nil {
			return err
		}
		s.URL = obj.URL
		return nil
	default:
		// Unsupported shapes are discarded like any other invalid seed.
		return nil
	}
}

// ProxyInput is forwarded to the fetch engine untouched.
type ProxyInput struct {
	ProxyURLs []string `yaml:"proxyUrls"`
}

// Input is the crawl input document. JSON documents are accepted as well, being valid YAML.
type Input struct {
	StartURLs          []SeedEntry `yaml:"startUrls"`
	StartURL           string      `yaml:"startUrl"`
	URL                string      `yaml:"url"`
	ResultsWanted      any         `yaml:"results_wanted"`
	MaxItems           any         `yaml:"maxItems"`
	MaxPages           any         `yaml:"maxPages"`
	ExtraDelaySecs     *float64    `yaml:"extraDelaySecs"`
	ProxyConfiguration *ProxyInput `yaml:"proxyConfiguration"`
}

// LoadInput reads an input document from disk.
func LoadInput(filename string) (*Input, error) {
	if filename == "" {
		return nil, fmt.Errorf("input filename cannot be empty")
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read input file: %w", err)
	}
	return ParseInput(data)
}

// ParseInput decodes an input document.
func ParseInput(data []byte) (*Input, error) {
	var in Input
	if len(strings.TrimSpace(string(data))) == 0 {
		return &in, nil
	}
	if err := yaml.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("parse input: %w", err)
	}
	return &in, nil
}

// SeedURLs returns the first seed set with at least one valid URL, checking startUrls,
// startUrl and url in that order. With no seed supplied at all the default start URL is used.
func (in *Input) SeedURLs() ([]string, error) {
	sets := [][]string{nil, {in.StartURL}, {in.URL}}
	for _, entry := range in.StartURLs {
		sets[0] = append(sets[0], entry.URL)
	}

	supplied := false
	for _, set := range sets {
		valid := NormalizeURLs(set)
		if len(valid) > 0 {
			return valid, nil
		}
		for _, raw := range set {
			if strings.TrimSpace(raw) != "" {
				supplied = true
			}
		}
	}
	if supplied {
		return nil, ErrNoSeedURLs
	}
	return []string{DefaultStartURL}, nil
}

// Apply copies the input onto cfg. Missing or invalid numeric values keep cfg's current value.
func (in *Input) Apply(cfg *Config) error {
	seeds, err := in.SeedURLs()
	if err != nil {
		return err
	}
	cfg.StartURLs = seeds

	wanted := in.ResultsWanted
	if unset(wanted) {
		wanted = in.MaxItems
	}
	cfg.MaxItems = ToPositiveInt(wanted, cfg.MaxItems)
	cfg.MaxPages = ToPositiveInt(in.MaxPages, cfg.MaxPages)

	if in.ExtraDelaySecs != nil {
		if *in.ExtraDelaySecs < 0 || math.IsNaN(*in.ExtraDelaySecs) {
			return fmt.Errorf("extra delay cannot be negative")
		}
		cfg.Delay = time.Duration(*in.ExtraDelaySecs * float64(time.Second))
	}
	if in.ProxyConfiguration != nil && len(in.ProxyConfiguration.ProxyURLs) > 0 {
		cfg.ProxyURLs = append([]string(nil), in.ProxyConfiguration.ProxyURLs...)
	}
	return nil
}

// unset reports a missing, zero or blank value, which defers to the next item ceiling field.
func unset(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case bool:
		return !v
	case int:
		return v == 0
	case int64:
		return v == 0
	case float64:
		return v == 0 || math.IsNaN(v)
	case string:
		return v == ""
	}
	return false
}

// NormalizeURLs keeps absolute http(s) URLs, drops everything else and removes duplicates
// while preserving order.
func NormalizeURLs(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	var out []string
	for _, value := range raw {
		parsed, err := url.Parse(strings.TrimSpace(value))
		if err != nil || parsed.Host == "" {
			continue
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			continue
		}
		normalized := parsed.String()
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out
}

// ToPositiveInt floors a loosely typed number, falling back when it is missing or not positive.
func ToPositiveInt(value any, fallback int) int {
	var f float64
	switch v := value.(type) {
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case float64:
		f = v
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fallback
		}
		f = parsed
	default:
		return fallback
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 1 {
		return fallback
	}
	return int(math.Floor(f))
}
