package flagcore

import (
	"context"
	"time"
)

// Core wires together the Store, Evaluator, Fetcher, DataAdapter,
// Diagnostics, and ErrorBoundary into the minimal public surface this
// module provides. It is deliberately narrower than a full SDK façade
// (batched exposure logging, a CLI, client-side bootstrapping payloads are
// out of scope per SPEC_FULL.md §1) — just enough to check a gate, read a
// config, and read a layer.
type Core struct {
	store         *Store
	evaluator     *Evaluator
	errorBoundary *errorBoundary
	shutdownOnce  chan struct{}
}

// NewCore constructs and initializes a Core, blocking until the startup
// fan-in (adapter → bootstrap → network) completes or opts.InitTimeout
// elapses, whichever comes first (spec.md §5).
func NewCore(sdkKey string, opts Options) (*Core, error) {
	if sdkKey == "" && !opts.LocalMode {
		return nil, &InvalidArgumentError{Message: "a non-empty SDK key is required unless LocalMode is set"}
	}
	opts = opts.withDefaults()

	if opts.OutputLoggerOptions.LogCallback != nil || opts.OutputLoggerOptions.EnableDebug {
		InitializeGlobalOutputLogger(opts.OutputLoggerOptions)
	}

	diagnostics := opts.Diagnostics
	if diagnostics == nil {
		diagnostics = NoopDiagnostics{}
	}

	eb := newErrorBoundary(sdkKey, opts.ExceptionEndpoint)

	fetcher := Fetcher(newHTTPFetcher(opts.API, sdkKey, opts.Transport, opts.LocalMode))

	store := newStore(fetcher, opts.DataAdapter, diagnostics, eb, opts)

	var countryLookup CountryLookup = noopCountryLookup{}
	if !opts.IPCountryOptions.Disabled {
		countryLookup = newDefaultCountryLookup(opts.IPCountryOptions.LazyLoad, opts.IPCountryOptions.EnsureLoaded)
	}
	var uaParser UAParser = noopUAParser{}
	if !opts.UAParserOptions.Disabled {
		uaParser = newDefaultUAParser(opts.UAParserOptions.LazyLoad, opts.UAParserOptions.EnsureLoaded)
	}

	evaluator := NewEvaluator(store, countryLookup, uaParser)

	core := &Core{store: store, evaluator: evaluator, errorBoundary: eb, shutdownOnce: make(chan struct{})}

	done := make(chan struct{})
	go func() {
		store.initialize(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(opts.InitTimeout):
		Logger().Debug("initialization timed out; serving defaults until the background sync completes")
	}

	return core, nil
}

// CheckGate evaluates a feature gate for user, logging (via ErrorBoundary)
// rather than returning an error for unexpected evaluation failures —
// callers get a safe false instead of a broken request.
func (c *Core) CheckGate(user User, name string) bool {
	var result *EvalResult
	c.errorBoundary.Capture("check_gate", func() error {
		result = c.evaluator.CheckGate(user, name)
		return nil
	})
	if result == nil {
		return false
	}
	v, _ := result.Value.(bool)
	return v
}

// GetConfig evaluates a dynamic config for user.
func (c *Core) GetConfig(user User, name string) *EvalResult {
	var result *EvalResult
	c.errorBoundary.Capture("get_config", func() error {
		result = c.evaluator.GetConfig(user, name)
		return nil
	})
	return result
}

// GetLayer evaluates a layer for user.
func (c *Core) GetLayer(user User, name string) *EvalResult {
	var result *EvalResult
	c.errorBoundary.Capture("get_layer", func() error {
		result = c.evaluator.GetLayer(user, name)
		return nil
	})
	return result
}

// IsServingChecks reports whether the underlying store has loaded at least
// one spec payload from any source.
func (c *Core) IsServingChecks() bool {
	return c.store.isServingChecks()
}

// GetInitReason reports which source most recently populated the served
// snapshot (spec.md §4.5).
func (c *Core) GetInitReason() EvaluationSource {
	return c.store.getInitReason()
}

// GetLastUpdateTime returns the server time of the most recently applied
// snapshot, or 0 if none has ever been applied.
func (c *Core) GetLastUpdateTime() int64 {
	return c.store.getLastUpdateTime()
}

// GetExperimentLayer reports which layer, if any, the server allocated the
// named experiment into (spec.md §3's experimentToLayer invariant: an
// experiment belongs to at most one layer).
func (c *Core) GetExperimentLayer(experimentName string) (string, bool) {
	return c.store.getLayerForExperiment(experimentName)
}

// GetAppForClientSDKKey resolves a client SDK key to its owning application
// ID, as served alongside the config specs.
func (c *Core) GetAppForClientSDKKey(sdkKey string) (string, bool) {
	return c.store.getAppForClientSDKKey(sdkKey)
}

// GetSamplingRate returns the diagnostics sampling rate (per 10,000) the
// server most recently set for context, already clamped to
// [0, maxSamplingRate].
func (c *Core) GetSamplingRate(context string) (int, bool) {
	return c.store.getSamplingRate(context)
}

// ResetSyncTimerIfExited runs the watchdog check described in spec.md §4.5,
// restarting either polling loop that has gone silent for longer than its
// tolerated staleness window.
func (c *Core) ResetSyncTimerIfExited() error {
	return c.store.resetSyncTimerIfExited()
}

// Shutdown stops all background polling and releases the data adapter.
// Safe to call more than once. In-flight ticks are not awaited.
func (c *Core) Shutdown() {
	if !c.markShutdown() {
		return
	}
	c.store.shutdown()
}

// ShutdownAsync is Shutdown but additionally waits for any in-flight tick
// of either polling loop to finish before returning.
func (c *Core) ShutdownAsync() {
	if !c.markShutdown() {
		return
	}
	c.store.shutdownAsync()
}

// markShutdown reports whether this call is the one that should actually
// run shutdown logic; it's false for every call after the first. When two
// callers race past the select, the loser's close panics and is recovered.
func (c *Core) markShutdown() (first bool) {
	defer func() {
		if recover() != nil {
			first = false
		}
	}()
	select {
	case <-c.shutdownOnce:
		return false
	default:
		close(c.shutdownOnce)
		return true
	}
}
