package config_test

import (
	"testing"

	"github.com/monetahq/moneta/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server:    config.ServerConfig{LogLevel: config.LogInfo},
		Condenser: config.CondenserConfig{MaxEvents: 50, KeepFirst: 2},
		Retriever: config.RetrieverConfig{K: 5, MMRLambda: 0.5},
	}
	d := config.Diff(cfg, cfg)
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false for identical configs")
	}
	if d.RetrieverChanged {
		t.Error("expected RetrieverChanged=false for identical configs")
	}
	if d.CondenserChanged {
		t.Error("expected CondenserChanged=false for identical configs")
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_RetrieverChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Retriever: config.RetrieverConfig{K: 5, MMRLambda: 0.5}}
	new := &config.Config{Retriever: config.RetrieverConfig{K: 8, MMRLambda: 0.7}}

	d := config.Diff(old, new)
	if !d.RetrieverChanged {
		t.Error("expected RetrieverChanged=true")
	}
	if d.NewRetriever.K != 8 || d.NewRetriever.MMRLambda != 0.7 {
		t.Errorf("unexpected NewRetriever: %+v", d.NewRetriever)
	}
}

func TestDiff_CondenserChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Condenser: config.CondenserConfig{MaxEvents: 50, KeepFirst: 1}}
	new := &config.Config{Condenser: config.CondenserConfig{MaxEvents: 80, KeepFirst: 1}}

	d := config.Diff(old, new)
	if !d.CondenserChanged {
		t.Error("expected CondenserChanged=true")
	}
	if d.NewCondenser.MaxEvents != 80 {
		t.Errorf("unexpected NewCondenser: %+v", d.NewCondenser)
	}
}

func TestDiff_MultipleChanges(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Server:    config.ServerConfig{LogLevel: config.LogInfo},
		Retriever: config.RetrieverConfig{K: 5},
	}
	new := &config.Config{
		Server:    config.ServerConfig{LogLevel: config.LogWarn},
		Retriever: config.RetrieverConfig{K: 10},
	}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if !d.RetrieverChanged {
		t.Error("expected RetrieverChanged=true")
	}
}
