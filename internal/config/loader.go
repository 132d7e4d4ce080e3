package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq"},
	"embeddings": {"openai", "ollama"},
	"classifier": {"keyword"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Misconfigurations fail here, at load time, never mid-turn.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	validateProviderName("classifier", cfg.Providers.Classifier.Name)

	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; replies and condensation summaries will not be available")
	}
	if cfg.Providers.Embeddings.Name == "" {
		slog.Warn("no embeddings provider configured; knowledge retrieval will not be available")
	}

	// Embeddings ↔ memory dimensions
	if cfg.Providers.Embeddings.Name != "" && cfg.Memory.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but memory.embedding_dimensions is not set; defaulting to 1536")
	}
	if cfg.Memory.PostgresDSN == "" {
		slog.Warn("memory.postgres_dsn is empty; sessions and knowledge will not survive restarts")
	}
	if cfg.Memory.MinSimilarity < -1 || cfg.Memory.MinSimilarity > 1 {
		errs = append(errs, fmt.Errorf("memory.min_similarity %.2f is out of range [-1, 1]", cfg.Memory.MinSimilarity))
	}

	// Condenser
	if cfg.Condenser.MaxEvents < 0 {
		errs = append(errs, fmt.Errorf("condenser.max_events %d must not be negative", cfg.Condenser.MaxEvents))
	}
	if cfg.Condenser.KeepFirst < 0 {
		errs = append(errs, fmt.Errorf("condenser.keep_first %d must not be negative", cfg.Condenser.KeepFirst))
	}
	if cfg.Condenser.MaxEvents > 0 && cfg.Condenser.TargetEvents > cfg.Condenser.MaxEvents {
		errs = append(errs, fmt.Errorf("condenser.target_events %d exceeds condenser.max_events %d", cfg.Condenser.TargetEvents, cfg.Condenser.MaxEvents))
	}

	// Retriever
	if cfg.Retriever.K < 0 {
		errs = append(errs, fmt.Errorf("retriever.k %d must not be negative", cfg.Retriever.K))
	}
	if cfg.Retriever.OverfetchFactor < 0 {
		errs = append(errs, fmt.Errorf("retriever.overfetch_factor %d must not be negative", cfg.Retriever.OverfetchFactor))
	}
	if cfg.Retriever.MMRLambda < 0 || cfg.Retriever.MMRLambda > 1 {
		errs = append(errs, fmt.Errorf("retriever.mmr_lambda %.2f is out of range [0, 1]", cfg.Retriever.MMRLambda))
	}
	if cfg.Retriever.DomainConfidenceThreshold < 0 || cfg.Retriever.DomainConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("retriever.domain_confidence_threshold %.2f is out of range [0, 1]", cfg.Retriever.DomainConfidenceThreshold))
	}

	// Ingest
	for i, p := range cfg.Ingest.Paths {
		if p == "" {
			errs = append(errs, fmt.Errorf("ingest.paths[%d] is empty", i))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
