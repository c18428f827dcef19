// Package config loads and validates the toolproxy configuration: the set
// of upstream tool-server descriptors and the server-wide defaults that
// govern connection and retry behavior.
//
// The upstream descriptor list is a thin JSON surface (one object per
// upstream, keyed by name) — the launcher and this package do not attempt
// to be a general config framework. See design doc §6.3 for the schema.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// TransportKind identifies which adapter (C1) an upstream is reached
// through.
type TransportKind string

const (
	TransportStdio      TransportKind = "stdio"
	TransportSSE        TransportKind = "sse"
	TransportHTTPStream TransportKind = "http-stream"
)

// Defaults per design doc §6.3. Overridable per field on Config/Upstream.
const (
	DefaultInitialConnectAttempts   = 3
	DefaultInitialConnectBaseDelay  = 2 * time.Second
	DefaultInitialConnectMultiplier = 1.5
	DefaultReconnectMaxAttempts     = 5
	DefaultReconnectMinInterval     = 30 * time.Second
	DefaultErrorCountThreshold      = 3
	DefaultCallBaseTimeout          = 30 * time.Second
	DefaultCallAttempts             = 4
	DefaultSSEIdleTimeout           = 60 * time.Second
	DefaultShutdownGrace            = 5 * time.Second
	DefaultReconnectBackoffCap      = 5 * time.Second
)

// Upstream is the immutable-after-load descriptor for one tool server
// (design doc §3 "Upstream descriptor").
type Upstream struct {
	Name      string
	Transport TransportKind
	Command   string
	Args      []string
	Env       map[string]string
	URL       string
	Headers   map[string]string

	ConnectTimeout  time.Duration
	CallTimeout     time.Duration
	IdleReadTimeout time.Duration

	// MaxCallAttempts overrides the global per-call attempt budget for
	// this upstream. See design doc §7 "Idempotency caution" — operators
	// of non-idempotent tools should set this to 1. Zero means "use the
	// process default."
	MaxCallAttempts int
}

type upstreamTimeouts struct {
	ConnectSeconds  float64 `json:"connectSeconds,omitempty"`
	CallSeconds     float64 `json:"callSeconds,omitempty"`
	IdleReadSeconds float64 `json:"idleReadSeconds,omitempty"`
}

// upstreamJSON mirrors Upstream's JSON shape; a separate type keeps the
// exported Upstream free of json.Unmarshaler gymnastics.
type upstreamJSON struct {
	Type            string            `json:"type,omitempty"`
	Command         string            `json:"command,omitempty"`
	Args            []string          `json:"args,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	URL             string            `json:"url,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	Timeouts        upstreamTimeouts  `json:"timeouts,omitempty"`
	MaxCallAttempts int               `json:"maxCallAttempts,omitempty"`
}

// ServerConfig is where the proxy listens and the path prefix endpoints
// are mounted under (followed by /<name> in multi-upstream mode).
type ServerConfig struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	PathPrefix  string `json:"pathPrefix,omitempty"`
	BearerToken string `json:"bearerToken,omitempty"`
}

// Config is the top-level, process-wide configuration: the upstream map
// plus the global defaults from design doc §6.3.
type Config struct {
	Server    ServerConfig
	Upstreams map[string]Upstream

	InitialConnectAttempts int
	ReconnectMaxAttempts   int
	ReconnectMinInterval   time.Duration
	ErrorCountThreshold    int
	CallBaseTimeout        time.Duration
	CallAttempts           int
	SSEIdleTimeout         time.Duration
	ShutdownGrace          time.Duration
}

// configJSON mirrors Config's wire shape with durations expressed in
// seconds, matching the teacher's pattern of keeping the wire format
// simple (plain numbers) while the in-memory type uses time.Duration.
type configJSON struct {
	Server    ServerConfig            `json:"server"`
	Upstreams map[string]upstreamJSON `json:"upstreams"`

	InitialConnectAttempts   int     `json:"initialConnectAttempts,omitempty"`
	ReconnectMaxAttempts     int     `json:"reconnectMaxAttempts,omitempty"`
	ReconnectMinIntervalSecs float64 `json:"reconnectMinIntervalSeconds,omitempty"`
	ErrorCountThreshold      int     `json:"errorCountThreshold,omitempty"`
	CallBaseTimeoutSecs      float64 `json:"callBaseTimeoutSeconds,omitempty"`
	CallAttempts             int     `json:"callAttempts,omitempty"`
	SSEIdleTimeoutSecs       float64 `json:"sseIdleTimeoutSeconds,omitempty"`
	ShutdownGraceSecs        float64 `json:"shutdownGraceSeconds,omitempty"`
}

// Load reads and parses the JSON upstream/server configuration at path.
// Missing fields fall back to the design doc §6.3 defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes raw JSON config bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var raw configJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg := &Config{
		Server:                 raw.Server,
		Upstreams:              make(map[string]Upstream, len(raw.Upstreams)),
		InitialConnectAttempts: orDefaultInt(raw.InitialConnectAttempts, DefaultInitialConnectAttempts),
		ReconnectMaxAttempts:   orDefaultInt(raw.ReconnectMaxAttempts, DefaultReconnectMaxAttempts),
		ReconnectMinInterval:   orDefaultSeconds(raw.ReconnectMinIntervalSecs, DefaultReconnectMinInterval),
		ErrorCountThreshold:    orDefaultInt(raw.ErrorCountThreshold, DefaultErrorCountThreshold),
		CallBaseTimeout:        orDefaultSeconds(raw.CallBaseTimeoutSecs, DefaultCallBaseTimeout),
		CallAttempts:           orDefaultInt(raw.CallAttempts, DefaultCallAttempts),
		SSEIdleTimeout:         orDefaultSeconds(raw.SSEIdleTimeoutSecs, DefaultSSEIdleTimeout),
		ShutdownGrace:          orDefaultSeconds(raw.ShutdownGraceSecs, DefaultShutdownGrace),
	}

	for name, u := range raw.Upstreams {
		cfg.Upstreams[name] = buildUpstream(name, u, cfg)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func buildUpstream(name string, u upstreamJSON, cfg *Config) Upstream {
	kind := TransportKind(u.Type)
	if kind == "" {
		switch {
		case u.Command != "":
			kind = TransportStdio
		case u.URL != "":
			kind = TransportSSE
		}
	}
	if kind == "streamablehttp" || kind == "streamable_http" {
		kind = TransportHTTPStream
	}

	return Upstream{
		Name:            name,
		Transport:       kind,
		Command:         u.Command,
		Args:            u.Args,
		Env:             u.Env,
		URL:             u.URL,
		Headers:         u.Headers,
		ConnectTimeout:  orDefaultSeconds(u.Timeouts.ConnectSeconds, 10*time.Second),
		CallTimeout:     orDefaultSeconds(u.Timeouts.CallSeconds, cfg.CallBaseTimeout),
		IdleReadTimeout: orDefaultSeconds(u.Timeouts.IdleReadSeconds, cfg.SSEIdleTimeout),
		MaxCallAttempts: u.MaxCallAttempts,
	}
}

// EffectiveCallAttempts returns the per-call attempt budget for this
// upstream: its override if set, else the process-wide default.
func (u Upstream) EffectiveCallAttempts(processDefault int) int {
	if u.MaxCallAttempts > 0 {
		return u.MaxCallAttempts
	}
	return processDefault
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (0-65535)", cfg.Server.Port)
	}
	if len(cfg.Upstreams) == 0 {
		return fmt.Errorf("at least one upstream must be configured")
	}
	for name, u := range cfg.Upstreams {
		if err := validateUpstream(name, u); err != nil {
			return err
		}
	}
	return nil
}

func validateUpstream(name string, u Upstream) error {
	switch u.Transport {
	case TransportStdio:
		if u.Command == "" {
			return fmt.Errorf("upstream %q: stdio transport requires command", name)
		}
	case TransportSSE, TransportHTTPStream:
		if u.URL == "" {
			return fmt.Errorf("upstream %q: %s transport requires url", name, u.Transport)
		}
	default:
		return fmt.Errorf("upstream %q: could not infer transport (set \"type\", or one of command/url)", name)
	}
	return nil
}

func orDefaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultSeconds(secs float64, def time.Duration) time.Duration {
	if secs <= 0 {
		return def
	}
	return time.Duration(secs * float64(time.Second))
}
