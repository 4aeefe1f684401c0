package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"tsgrab/internal/key"
	"tsgrab/internal/network"
	"tsgrab/internal/scheduler"

	"gopkg.in/yaml.v3"
)

// Defaults applied when a field is absent from the file.
const (
	DefaultUserAgent   = "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0"
	DefaultStorageRoot = ".tsgrab"
	DefaultWorkers     = 8
	DefaultPolicy      = "parallel"
	DefaultMerge       = "mux"
	DefaultFFmpeg      = "ffmpeg"
	DefaultKeyStrategy = "comparison"
	DefaultQuality     = "best"
	DefaultLogLevel    = "info"
)

// Config holds the fully processed application configuration.
type Config struct {
	LogLevel string

	UserAgent      string
	Session        network.Session
	RequestTimeout time.Duration
	RateLimit      float64

	StorageRoot string
	OutputDir   string
	FilePattern string
	Quality     string

	Policy      scheduler.Policy
	Workers     int
	MergePolicy string
	FFmpegPath  string
	KeepChunks  bool

	IncludeFiller      bool
	FillerHosts        []string
	SegmentsViaSession bool

	KeyStrategy string
	// StaticKey is the processed decryption key, decoded from a hex string.
	StaticKey []byte
}

// rawConfig maps directly to the YAML file.
type rawConfig struct {
	LogLevel string `yaml:"logLevel"`

	UserAgent      string            `yaml:"userAgent"`
	Headers        map[string]string `yaml:"headers"`
	Cookies        map[string]string `yaml:"cookies"`
	RequestTimeout string            `yaml:"requestTimeout"`
	RateLimit      float64           `yaml:"rateLimit"`

	StorageRoot string `yaml:"storageRoot"`
	OutputDir   string `yaml:"outputDir"`
	FilePattern string `yaml:"filePattern"`
	Quality     string `yaml:"quality"`

	Policy     string `yaml:"policy"`
	Workers    *int   `yaml:"workers"`
	Merge      string `yaml:"merge"`
	FFmpegPath string `yaml:"ffmpeg"`
	KeepChunks bool   `yaml:"keepChunks"`

	IncludeFiller      bool     `yaml:"includeFiller"`
	FillerHosts        []string `yaml:"fillerHosts"`
	SegmentsViaSession bool     `yaml:"segmentsViaSession"`

	KeyStrategy string `yaml:"keyStrategy"`
	StaticKey   string `yaml:"staticKey"` // hex, optionally kid:key
}

// LoadConfig reads and parses the configuration file at path.
// A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}
	return Parse(data)
}

// Default returns the configuration used without a config file.
func Default() *Config {
	cfg, err := process(rawConfig{})
	if err != nil {
		panic(err) // defaults are always valid
	}
	return cfg
}

// Parse decodes YAML config data. Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	var raw rawConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}
	return process(raw)
}

func process(raw rawConfig) (*Config, error) {
	cfg := &Config{
		LogLevel:           orDefault(raw.LogLevel, DefaultLogLevel),
		UserAgent:          orDefault(raw.UserAgent, DefaultUserAgent),
		Session:            network.Session{Headers: raw.Headers, Cookies: raw.Cookies}.Clone(),
		RateLimit:          raw.RateLimit,
		StorageRoot:        orDefault(raw.StorageRoot, DefaultStorageRoot),
		OutputDir:          orDefault(raw.OutputDir, "."),
		FilePattern:        raw.FilePattern,
		Quality:            strings.ToLower(orDefault(raw.Quality, DefaultQuality)),
		Workers:            DefaultWorkers,
		MergePolicy:        strings.ToLower(orDefault(raw.Merge, DefaultMerge)),
		FFmpegPath:         orDefault(raw.FFmpegPath, DefaultFFmpeg),
		KeepChunks:         raw.KeepChunks,
		IncludeFiller:      raw.IncludeFiller,
		FillerHosts:        raw.FillerHosts,
		SegmentsViaSession: raw.SegmentsViaSession,
		KeyStrategy:        strings.ToLower(orDefault(raw.KeyStrategy, DefaultKeyStrategy)),
	}

	policy, err := scheduler.ParsePolicy(orDefault(raw.Policy, DefaultPolicy))
	if err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	cfg.Policy = policy

	if raw.Workers != nil {
		if *raw.Workers < 0 {
			return nil, fmt.Errorf("workers must not be negative, got %d", *raw.Workers)
		}
		cfg.Workers = *raw.Workers
	}

	if raw.RequestTimeout != "" {
		d, err := time.ParseDuration(raw.RequestTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid requestTimeout '%s': %w", raw.RequestTimeout, err)
		}
		cfg.RequestTimeout = d
	} else {
		cfg.RequestTimeout = network.DefaultRequestTimeout
	}
	if cfg.RateLimit < 0 {
		return nil, fmt.Errorf("rateLimit must not be negative, got %v", cfg.RateLimit)
	}

	switch cfg.MergePolicy {
	case "concat", "mux":
	default:
		return nil, fmt.Errorf("invalid merge policy '%s': expected concat or mux", cfg.MergePolicy)
	}

	if raw.StaticKey != "" {
		k, err := decodeKey(raw.StaticKey)
		if err != nil {
			return nil, err
		}
		cfg.StaticKey = k
		if raw.KeyStrategy == "" {
			cfg.KeyStrategy = "static"
		}
	}
	if _, err := key.NewStrategy(cfg.KeyStrategy, nil, cfg.StaticKey); err != nil {
		return nil, fmt.Errorf("invalid key configuration: %w", err)
	}
	return cfg, nil
}

// decodeKey accepts "hex" or "kid:hex".
func decodeKey(s string) ([]byte, error) {
	keyHex := s
	if parts := strings.Split(s, ":"); len(parts) == 2 {
		keyHex = parts[1]
	} else if len(parts) > 2 {
		return nil, fmt.Errorf("invalid key format: expected 'key' or 'kid:key', got '%s'", s)
	}
	k, err := hex.DecodeString(strings.TrimSpace(keyHex))
	if err != nil {
		return nil, fmt.Errorf("failed to decode hex key: %w", err)
	}
	if len(k) != key.Size {
		return nil, fmt.Errorf("%w: static key is %d bytes, want %d", key.ErrInvalidKey, len(k), key.Size)
	}
	return k, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}
