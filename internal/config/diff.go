package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	// RetrieverChanged is true when any retrieval tunable changed. Retrieval
	// parameters are pure per-request inputs, so they reload without restart.
	RetrieverChanged bool
	NewRetriever     RetrieverConfig

	// CondenserChanged is true when the condensation budget changed. New
	// budgets apply to condensers built for subsequent turns.
	CondenserChanged bool
	NewCondenser     CondenserConfig

	LogLevelChanged bool
	NewLogLevel     LogLevel
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart; provider,
// server, and storage changes require one.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Retriever != new.Retriever {
		d.RetrieverChanged = true
		d.NewRetriever = new.Retriever
	}

	if old.Condenser != new.Condenser {
		d.CondenserChanged = true
		d.NewCondenser = new.Condenser
	}

	return d
}
