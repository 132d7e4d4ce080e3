package config_test

import (
	"strings"
	"testing"

	"github.com/monetahq/moneta/internal/config"
)

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":8080"
  log_level: info
providers:
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o
  embeddings:
    name: openai
    api_key: sk-test
    model: text-embedding-3-small
  classifier:
    name: keyword
memory:
  postgres_dsn: "postgres://localhost/moneta"
  embedding_dimensions: 1536
  min_similarity: 0.2
condenser:
  max_events: 50
  keep_first: 2
  target_events: 35
retriever:
  k: 5
  overfetch_factor: 3
  rrf_constant: 60
  mmr_lambda: 0.5
  domain_confidence_threshold: 0.7
ingest:
  paths:
    - knowledge/lbo.yaml
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Condenser.MaxEvents != 50 || cfg.Condenser.KeepFirst != 2 {
		t.Errorf("condenser = %+v", cfg.Condenser)
	}
	if cfg.Retriever.RRFConstant != 60 || cfg.Retriever.MMRLambda != 0.5 {
		t.Errorf("retriever = %+v", cfg.Retriever)
	}
	if len(cfg.Ingest.Paths) != 1 {
		t.Errorf("ingest paths = %v", cfg.Ingest.Paths)
	}
}

func TestLoadFromReader_UnknownFields(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_address: ":8080"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: verbose
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for bad log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_TargetExceedsMax(t *testing.T) {
	t.Parallel()
	yaml := `
condenser:
  max_events: 10
  keep_first: 1
  target_events: 12
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for target_events > max_events, got nil")
	}
	if !strings.Contains(err.Error(), "target_events") {
		t.Errorf("error should mention target_events, got: %v", err)
	}
}

func TestValidate_RetrieverRanges(t *testing.T) {
	t.Parallel()
	yaml := `
retriever:
  mmr_lambda: 1.5
  domain_confidence_threshold: -0.1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors for out-of-range retriever values, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "mmr_lambda") {
		t.Errorf("error should mention mmr_lambda, got: %v", err)
	}
	if !strings.Contains(errStr, "domain_confidence_threshold") {
		t.Errorf("error should mention domain_confidence_threshold, got: %v", err)
	}
}

func TestValidate_TLSRequiresBothFiles(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  tls:
    cert_file: /etc/moneta/tls.crt
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for partial TLS config, got nil")
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	// Sanity-check that the map is populated.
	if len(config.ValidProviderNames) == 0 {
		t.Fatal("ValidProviderNames should not be empty")
	}
	llmNames := config.ValidProviderNames["llm"]
	if len(llmNames) == 0 {
		t.Fatal("ValidProviderNames[\"llm\"] should not be empty")
	}
	found := false
	for _, n := range llmNames {
		if n == "openai" {
			found = true
			break
		}
	}
	if !found {
		t.Error("ValidProviderNames[\"llm\"] should contain \"openai\"")
	}
}
