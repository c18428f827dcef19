// Package reconnect classifies upstream errors as recoverable or not, and
// drives the atomic session-swap reconnect cycle for one upstream.
package reconnect

import (
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

// builtinRecoverableSignatures are the recoverable error-signature
// patterns baked in: any 5xx in the 502-525 range, common transport
// failures, and timeout variants.
var builtinRecoverableSignatures = []string{
	"*502*", "*503*", "*504*",
	"*520*", "*521*", "*522*", "*523*", "*524*", "*525*",
	"*connection reset*",
	"*connection refused*",
	"*timeout*",
	"*network unreachable*",
}

// criticalSignatures are the subset of recoverable signatures that bypass
// the error_count >= threshold throttle gate: any 5xx in 502-525, or any
// timeout.
var criticalSignatures = []string{
	"*502*", "*503*", "*504*",
	"*520*", "*521*", "*522*", "*523*", "*524*", "*525*",
	"*timeout*",
}

// Classifier matches an error's string signature against a set of
// glob patterns compiled once at construction and reused for every match.
type Classifier struct {
	builtinRecoverable []glob.Glob
	critical           []glob.Glob

	mu    sync.RWMutex
	extra []glob.Glob
}

// NewClassifier compiles the built-in signatures plus any operator-supplied
// extension patterns (case-insensitive glob expressions, matched against
// the lowercased error string).
func NewClassifier(extraPatterns []string) (*Classifier, error) {
	c := &Classifier{}

	for _, p := range builtinRecoverableSignatures {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, err
		}
		c.builtinRecoverable = append(c.builtinRecoverable, g)
	}
	for _, p := range criticalSignatures {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, err
		}
		c.critical = append(c.critical, g)
	}
	if err := c.SetExtraPatterns(extraPatterns); err != nil {
		return nil, err
	}
	return c, nil
}

// SetExtraPatterns recompiles the operator-supplied recoverable-pattern
// extension set, swapping it in atomically under the classifier's lock.
// Called by the overrides file watcher on hot-reload (design doc §9:
// "expose the matcher as configuration to let operators extend it
// without a rebuild").
func (c *Classifier) SetExtraPatterns(patterns []string) error {
	compiled := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		pattern := strings.ToLower(strings.TrimSpace(p))
		if pattern == "" {
			continue
		}
		if !strings.Contains(pattern, "*") {
			pattern = "*" + pattern + "*"
		}
		g, err := glob.Compile(pattern)
		if err != nil {
			return err
		}
		compiled = append(compiled, g)
	}
	c.mu.Lock()
	c.extra = compiled
	c.mu.Unlock()
	return nil
}

// Recoverable reports whether err's string signature matches any
// recoverable pattern. Anything else (malformed JSON, schema validation,
// auth errors) is unrecoverable and surfaces immediately.
func (c *Classifier) Recoverable(err error) bool {
	if err == nil {
		return false
	}
	if c.matches(c.builtinRecoverable, err.Error()) {
		return true
	}
	c.mu.RLock()
	extra := c.extra
	c.mu.RUnlock()
	return c.matches(extra, err.Error())
}

// Critical reports whether err's signature is in the critical subset that
// bypasses the error_count threshold gate in the reconnect throttle.
func (c *Classifier) Critical(err error) bool {
	if err == nil {
		return false
	}
	return c.matches(c.critical, err.Error())
}

func (c *Classifier) matches(patterns []glob.Glob, signature string) bool {
	lower := strings.ToLower(signature)
	for _, g := range patterns {
		if g.Match(lower) {
			return true
		}
	}
	return false
}
