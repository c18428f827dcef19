package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// OverrideEntry is one upstream's operator-facing override.
//
// MaxCallAttempts implements the hook design doc §7 "Idempotency caution"
// asks for: operators of non-idempotent tools can pin a single upstream's
// per-call attempt budget to 1 without touching the main JSON config or
// restarting the process.
type OverrideEntry struct {
	MaxCallAttempts int `yaml:"maxCallAttempts,omitempty"`
}

// overridesFile is the on-disk YAML shape: upstream name -> override.
// A second top-level key lets operators extend the reconnect manager's
// error-signature classifier (design doc §9 "Implementations SHOULD
// expose the matcher as configuration") without a rebuild.
type overridesFile struct {
	Upstreams          map[string]OverrideEntry `yaml:"upstreams"`
	RecoverablePatterns []string                `yaml:"recoverablePatterns"`
}

// Overrides holds the hot-reloadable, operator-facing knobs that sit
// alongside the immutable JSON upstream config. Unlike Config, Overrides
// may change for the lifetime of the process — a file watcher (see
// Watcher) calls Reload when the backing file changes.
//
// Thread-safe: MaxCallAttemptsFor is read on every request path
// (executor) and RecoverablePatterns on each classifier reload, while
// Reload runs from the watcher's goroutine.
type Overrides struct {
	mu   sync.RWMutex
	path string
	file overridesFile

	onReload func()
}

// OnReload registers a callback invoked after every successful reload
// that happens after registration; the initial load in NewOverrides runs
// before any callback can be registered. Used to recompile the reconnect
// classifier's extra patterns whenever the overrides file changes, since
// the Watcher only knows how to reload one target directly.
func (o *Overrides) OnReload(fn func()) {
	o.mu.Lock()
	o.onReload = fn
	o.mu.Unlock()
}

// NewOverrides loads overrides from path. A missing file is not an error
// — it means no operator overrides are active yet.
func NewOverrides(path string) (*Overrides, error) {
	o := &Overrides{path: path}
	if err := o.reload(); err != nil {
		return nil, err
	}
	return o, nil
}

// MaxCallAttemptsFor returns the operator override for upstream name, if
// any, and whether one is set.
func (o *Overrides) MaxCallAttemptsFor(name string) (int, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	entry, ok := o.file.Upstreams[name]
	if !ok || entry.MaxCallAttempts <= 0 {
		return 0, false
	}
	return entry.MaxCallAttempts, true
}

// RecoverablePatterns returns the operator-supplied extension patterns for
// the reconnect manager's error classifier, in addition to its built-ins.
func (o *Overrides) RecoverablePatterns() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]string, len(o.file.RecoverablePatterns))
	copy(out, o.file.RecoverablePatterns)
	return out
}

// Reload re-reads the overrides file from disk. Called by Watcher when
// the file changes; safe to call directly (e.g. from tests).
func (o *Overrides) Reload() error {
	return o.reload()
}

func (o *Overrides) reload() error {
	data, err := os.ReadFile(o.path)
	if err != nil {
		if os.IsNotExist(err) {
			o.mu.Lock()
			o.file = overridesFile{}
			cb := o.onReload
			o.mu.Unlock()
			if cb != nil {
				cb()
			}
			return nil
		}
		return fmt.Errorf("reading overrides %s: %w", o.path, err)
	}
	if len(data) == 0 {
		o.mu.Lock()
		o.file = overridesFile{}
		cb := o.onReload
		o.mu.Unlock()
		if cb != nil {
			cb()
		}
		return nil
	}

	var parsed overridesFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parsing overrides %s: %w", o.path, err)
	}

	o.mu.Lock()
	o.file = parsed
	cb := o.onReload
	o.mu.Unlock()

	if cb != nil {
		cb()
	}

	slog.Info("overrides reloaded", "upstreams", len(parsed.Upstreams), "patterns", len(parsed.RecoverablePatterns))
	return nil
}
