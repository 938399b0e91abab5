// Package config defines the ingestion configuration and its loaders.
//
// Files may be JSON or YAML (picked by extension). Environment variables
// prefixed STATLOAD_ override the storage and runtime fields after decoding.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration for the pipeline and its CLIs.
type Config struct {
	PreviewRowLimit     int      `json:"previewRowLimit" yaml:"previewRowLimit"`
	SampleValueLimit    int      `json:"sampleValueLimit" yaml:"sampleValueLimit"`
	MaxColumns          int      `json:"maxColumns" yaml:"maxColumns"`
	ConfidenceThreshold float64  `json:"confidenceThreshold" yaml:"confidenceThreshold"`
	DefaultBatchSize    int      `json:"defaultBatchSize" yaml:"defaultBatchSize"`
	MaxBatchSize        int      `json:"maxBatchSize" yaml:"maxBatchSize"`
	MaxErrors           int      `json:"maxErrors" yaml:"maxErrors"`
	Workers             int      `json:"workers" yaml:"workers"`
	JobTimeout          string   `json:"jobTimeout" yaml:"jobTimeout"`
	TimePatterns        []string `json:"timePatterns" yaml:"timePatterns"`
	LocationPatterns    []string `json:"locationPatterns" yaml:"locationPatterns"`
	UnitVocabulary      []string `json:"unitVocabulary" yaml:"unitVocabulary"`
	UploadRoot          string   `json:"uploadRoot" yaml:"uploadRoot"`

	Storage Storage `json:"storage" yaml:"storage"`
	Metrics Metrics `json:"metrics" yaml:"metrics"`
}

// Storage selects and configures the repository backend.
type Storage struct {
	Kind    string  `json:"kind" yaml:"kind"`
	DSN     string  `json:"dsn" yaml:"dsn"`
	Migrate bool    `json:"migrate" yaml:"migrate"`
	Options Options `json:"options,omitempty" yaml:"options,omitempty"`
}

// Metrics selects the metrics backend ("", "none", "datadog").
type Metrics struct {
	Backend    string `json:"backend" yaml:"backend"`
	FlushEvery string `json:"flushEvery" yaml:"flushEvery"`
	Tags       string `json:"tags" yaml:"tags"`
}

// Defaults returns a configuration usable without a file: local sqlite
// storage under ./data and the built-in classifier vocabularies.
func Defaults() Config {
	return Config{
		PreviewRowLimit:     1000,
		SampleValueLimit:    20,
		MaxColumns:          500,
		ConfidenceThreshold: 0.7,
		DefaultBatchSize:    1000,
		MaxBatchSize:        100000,
		MaxErrors:           1000,
		Workers:             2,
		JobTimeout:          "30m",
		LocationPatterns:    DefaultGazetteer(),
		UnitVocabulary:      DefaultUnits(),
		UploadRoot:          "uploads",
		Storage: Storage{
			Kind:    "sqlite",
			DSN:     "file:data/statload.db?_pragma=busy_timeout(5000)",
			Migrate: true,
		},
		Metrics: Metrics{FlushEvery: "10s"},
	}
}

// Load reads path (JSON or YAML) over Defaults and applies env overrides.
// An empty path returns Defaults with env overrides.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := Decode(b, filepath.Ext(path), &cfg); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.Storage.DSN = os.ExpandEnv(cfg.Storage.DSN)
	return cfg, nil
}

// Decode unmarshals b into cfg according to ext (".json", ".yaml", ".yml").
func Decode(b []byte, ext string, cfg *Config) error {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if len(bytes.TrimSpace(b)) == 0 {
			return nil
		}
		return yaml.Unmarshal(b, cfg)
	case ".json", "":
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		return dec.Decode(cfg)
	default:
		return fmt.Errorf("unsupported config extension %q", ext)
	}
}

func (c *Config) applyEnv() {
	c.Storage.Kind = GetEnvStr("STATLOAD_STORAGE_KIND", c.Storage.Kind)
	c.Storage.DSN = GetEnvStr("STATLOAD_STORAGE_DSN", c.Storage.DSN)
	c.UploadRoot = GetEnvStr("STATLOAD_UPLOAD_ROOT", c.UploadRoot)
	c.Workers = GetEnvInt("STATLOAD_WORKERS", c.Workers)
	if d := GetEnvDuration("STATLOAD_JOB_TIMEOUT", 0); d > 0 {
		c.JobTimeout = d.String()
	}
}

// JobTimeoutDuration parses JobTimeout; empty or invalid means no timeout.
func (c Config) JobTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(c.JobTimeout))
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// FlushInterval parses Metrics.FlushEvery, defaulting to 10s.
func (c Config) FlushInterval() time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(c.Metrics.FlushEvery))
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}
