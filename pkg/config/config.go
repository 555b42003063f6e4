// Package config loads and validates the service configuration. The loaded
// Config is an immutable value handed to components at construction time;
// nothing re-reads it mid-evaluation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// InjectionPattern is one known adversarial phrase the pre-filter screens
// for. Patterns are matched case-insensitively as substrings.
type InjectionPattern struct {
	Pattern     string `json:"pattern" yaml:"pattern"`
	Description string `json:"description" yaml:"description"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	ListenAddr      string        `json:"listen_addr" yaml:"listen_addr"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// ClassifierConfig holds settings for the external structured-extraction
// service and the embedding capability.
type ClassifierConfig struct {
	BaseURL        string `json:"base_url" yaml:"base_url"`
	APIKey         string `json:"-" yaml:"-"`
	Model          string `json:"model" yaml:"model"`
	EmbeddingModel string `json:"embedding_model" yaml:"embedding_model"`
}

// TelemetryConfig holds OTLP trace export settings. An empty endpoint
// disables export.
type TelemetryConfig struct {
	Endpoint    string `json:"endpoint" yaml:"endpoint"`
	Environment string `json:"environment" yaml:"environment"`
	Insecure    bool   `json:"insecure" yaml:"insecure"`
}

// PipelineConfig holds every threshold the orchestrator compares against.
// Thresholds only gate comparisons; they introduce no behavioural branching
// beyond that.
type PipelineConfig struct {
	SecurityConfidenceThreshold      float64            `json:"security_confidence_threshold" yaml:"security_confidence_threshold"`
	JobPostingConfidenceThreshold    float64            `json:"job_posting_confidence_threshold" yaml:"job_posting_confidence_threshold"`
	InvestigationConfidenceThreshold float64            `json:"investigation_confidence_threshold" yaml:"investigation_confidence_threshold"`
	FinalOutputConfidenceThreshold   float64            `json:"final_output_confidence_threshold" yaml:"final_output_confidence_threshold"`
	MaxParallelInvestigations        int                `json:"max_parallel_investigations" yaml:"max_parallel_investigations"`
	InvestigationTimeout             time.Duration      `json:"investigation_timeout" yaml:"investigation_timeout"`
	VectorSimilarityThreshold        float64            `json:"vector_similarity_threshold" yaml:"vector_similarity_threshold"`
	InjectionPatterns                []InjectionPattern `json:"injection_patterns" yaml:"injection_patterns"`
}

// Config is the root configuration for the policykit service.
type Config struct {
	Server       ServerConfig     `json:"server" yaml:"server"`
	Classifier   ClassifierConfig `json:"classifier" yaml:"classifier"`
	Telemetry    TelemetryConfig  `json:"telemetry" yaml:"telemetry"`
	Pipeline     PipelineConfig   `json:"pipeline" yaml:"pipeline"`
	TaxonomyPath string           `json:"taxonomy_path" yaml:"taxonomy_path"`
	LogLevel     string           `json:"log_level" yaml:"log_level"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    2 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Classifier: ClassifierConfig{
			Model:          "gpt-4o",
			EmbeddingModel: "text-embedding-3-small",
		},
		Pipeline: PipelineConfig{
			SecurityConfidenceThreshold:      0.9,
			JobPostingConfidenceThreshold:    0.9,
			InvestigationConfidenceThreshold: 0.7,
			FinalOutputConfidenceThreshold:   0.85,
			MaxParallelInvestigations:        3,
			InvestigationTimeout:             30 * time.Second,
			VectorSimilarityThreshold:        0.98,
			InjectionPatterns:                DefaultInjectionPatterns(),
		},
		TaxonomyPath: "taxonomy.yaml",
		LogLevel:     "info",
	}
}

// DefaultInjectionPatterns returns the built-in adversarial phrase list.
func DefaultInjectionPatterns() []InjectionPattern {
	return []InjectionPattern{
		{Pattern: "ignore previous instructions", Description: "Attempt to override system instructions"},
		{Pattern: "system prompt", Description: "Attempt to access system prompt"},
		{Pattern: "disregard all prior", Description: "Attempt to override system behavior"},
		{Pattern: "forget your previous", Description: "Attempt to reset system state"},
		{Pattern: "you are now", Description: "Attempt to change system identity"},
		{Pattern: "bypass security", Description: "Attempt to circumvent security controls"},
		{Pattern: "reveal your training", Description: "Attempt to extract system information"},
		{Pattern: "let's play a game", Description: "Common social engineering pattern"},
		{Pattern: "pretend to be", Description: "Attempt to change system behavior"},
		{Pattern: "do not check", Description: "Attempt to bypass validation"},
	}
}

// Load reads configuration from path, layered over defaults, then applies
// environment overrides and validates. Files may be YAML or JSON.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		// #nosec G304 -- File path is configured at startup
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
				return nil, fmt.Errorf("parse config file: %v", err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Classifier.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.Classifier.BaseURL = v
	}
	if v := os.Getenv("POLICYKIT_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("POLICYKIT_TAXONOMY_PATH"); v != "" {
		cfg.TaxonomyPath = v
	}
	if v := os.Getenv("POLICYKIT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Endpoint = v
	}
}

// Validate checks threshold ranges and structural settings.
func (c *Config) Validate() error {
	thresholds := map[string]float64{
		"security_confidence_threshold":      c.Pipeline.SecurityConfidenceThreshold,
		"job_posting_confidence_threshold":   c.Pipeline.JobPostingConfidenceThreshold,
		"investigation_confidence_threshold": c.Pipeline.InvestigationConfidenceThreshold,
		"final_output_confidence_threshold":  c.Pipeline.FinalOutputConfidenceThreshold,
		"vector_similarity_threshold":        c.Pipeline.VectorSimilarityThreshold,
	}
	for name, value := range thresholds {
		if value < 0 || value > 1 {
			return fmt.Errorf("%s must be in [0,1], got %v", name, value)
		}
	}

	if c.Pipeline.MaxParallelInvestigations <= 0 {
		return fmt.Errorf("max_parallel_investigations must be positive")
	}
	if c.Pipeline.InvestigationTimeout <= 0 {
		return fmt.Errorf("investigation_timeout must be positive")
	}
	for i, p := range c.Pipeline.InjectionPatterns {
		if strings.TrimSpace(p.Pattern) == "" {
			return fmt.Errorf("injection_patterns[%d]: pattern must not be empty", i)
		}
	}
	if c.Classifier.Model == "" {
		return fmt.Errorf("classifier model must not be empty")
	}
	if c.Classifier.EmbeddingModel == "" {
		return fmt.Errorf("classifier embedding_model must not be empty")
	}
	return nil
}
