package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when no entry in a [FallbackGroup] could serve the
// call, whether by failing or by having an open breaker.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig holds the circuit breaker settings applied to every entry of
// a [FallbackGroup].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// FallbackGroup chains a primary provider with optional fallbacks of the same
// type. Each entry gets its own [CircuitBreaker]; calls walk the chain in
// registration order and stop at the first success.
//
// Safe for concurrent use.
type FallbackGroup[T any] struct {
	chain []chainEntry[T]
	cfg   FallbackConfig
}

type chainEntry[T any] struct {
	name     string
	provider T
	breaker  *CircuitBreaker
}

// NewFallbackGroup builds a group whose first entry is primary. Register
// further entries with [FallbackGroup.AddFallback].
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.append(primaryName, primary)
	return fg
}

// Primary returns the first registered provider. Useful for static metadata
// that must not vary with failover, such as model identifiers.
func (fg *FallbackGroup[T]) Primary() T {
	return fg.chain[0].provider
}

// AddFallback registers another provider at the end of the chain.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	fg.append(name, fallback)
}

func (fg *FallbackGroup[T]) append(name string, provider T) {
	breakerCfg := fg.cfg.CircuitBreaker
	breakerCfg.Name = name
	fg.chain = append(fg.chain, chainEntry[T]{
		name:     name,
		provider: provider,
		breaker:  NewCircuitBreaker(breakerCfg),
	})
}

// Execute walks the chain until fn succeeds against some entry. Entries with
// an open breaker are skipped. When the whole chain fails the last error is
// wrapped in [ErrAllFailed].
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(p T) (struct{}, error) {
		return struct{}{}, fn(p)
	})
	return err
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that produce a
// value. It is a package-level function because methods cannot introduce the
// result type parameter.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var lastErr error
	for i := range fg.chain {
		entry := &fg.chain[i]

		var result R
		err := entry.breaker.Execute(func() error {
			var callErr error
			result, callErr = fn(entry.provider)
			return callErr
		})
		if err == nil {
			return result, nil
		}

		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider (circuit open)", "provider", entry.name)
		} else {
			slog.Warn("provider failed, trying next",
				"provider", entry.name, "error", err)
		}
	}

	var zero R
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
