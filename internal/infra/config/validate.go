package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validatePrinter(cfg, ve)
	validateStream(cfg, ve)
	validateHTTP(cfg, ve)
	validateReconnect(cfg, ve)
	validateEmulator(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validTransports = map[string]bool{"": true, "nhooyr": true, "gorilla": true}

var validIDFormats = map[string]bool{"": true, "sequential": true, "uuid": true}

func validatePrinter(cfg *Config, ve *ValidationError) {
	p := cfg.Printer
	if strings.TrimSpace(p.Endpoint) == "" {
		ve.Add("printer.endpoint is required")
	}
	if !validTransports[p.Transport] {
		ve.Add("printer.transport %q is invalid (want nhooyr or gorilla)", p.Transport)
	}
	if !validIDFormats[p.IDFormat] {
		ve.Add("printer.id_format %q is invalid (want sequential or uuid)", p.IDFormat)
	}
	if p.CallTimeout < 0 {
		ve.Add("printer.call_timeout must not be negative")
	}
}

func validateStream(cfg *Config, ve *ValidationError) {
	s := cfg.Stream
	if s.DialTimeout < 0 || s.SendTimeout < 0 || s.WriteTimeout < 0 || s.PingInterval < 0 {
		ve.Add("stream timeouts must not be negative")
	}
	if s.SendQueueSize < 0 {
		ve.Add("stream.send_queue_size must not be negative")
	}
	if s.ReadLimit < 0 {
		ve.Add("stream.read_limit must not be negative")
	}
	if s.RateLimit < 0 {
		ve.Add("stream.rate_limit must not be negative")
	}
	if s.RateLimit > 0 && s.RateBurst < 0 {
		ve.Add("stream.rate_burst must not be negative")
	}
}

func validateHTTP(cfg *Config, ve *ValidationError) {
	h := cfg.HTTP
	if h.ConnTimeout < 0 || h.RespTimeout < 0 {
		ve.Add("http timeouts must not be negative")
	}
	if h.Pool.MaxIdleConns < 0 || h.Pool.MaxIdleConnsPerHost < 0 || h.Pool.MaxConnsPerHost < 0 {
		ve.Add("http.pool sizes must not be negative")
	}
	if h.Breaker.Timeout < 0 {
		ve.Add("http.breaker.timeout must not be negative")
	}
}

func validateReconnect(cfg *Config, ve *ValidationError) {
	r := cfg.Reconnect
	if !r.Enabled {
		return
	}
	if r.InitialBackoff < 0 || r.MaxBackoff < 0 {
		ve.Add("reconnect backoff must not be negative")
	}
	if r.MaxBackoff > 0 && r.InitialBackoff > r.MaxBackoff {
		ve.Add("reconnect.initial_backoff (%s) exceeds max_backoff (%s)", r.InitialBackoff, r.MaxBackoff)
	}
	if r.Breaker.Timeout < 0 {
		ve.Add("reconnect.breaker.timeout must not be negative")
	}
}

func validateEmulator(cfg *Config, ve *ValidationError) {
	e := cfg.Emulator
	if e.Addr != "" {
		if _, _, err := net.SplitHostPort(e.Addr); err != nil {
			ve.Add("emulator.addr %q is not host:port: %v", e.Addr, err)
		}
	}
	if e.StatusInterval < 0 {
		ve.Add("emulator.status_interval must not be negative")
	}
	seen := make(map[string]bool, len(e.Keys))
	for i, k := range e.Keys {
		if k.Key == "" {
			ve.Add("emulator.keys[%d] (%s): key is required", i, k.Name)
		}
		if seen[k.Key] && k.Key != "" {
			ve.Add("emulator.keys[%d] (%s): duplicate key", i, k.Name)
		}
		seen[k.Key] = true
	}
	if e.RateLimit < 0 || e.RateBurst < 0 {
		ve.Add("emulator rate_limit and rate_burst must not be negative")
	}
	if e.Advertise && e.Instance == "" {
		ve.Add("emulator.instance is required when advertise is enabled")
	}
}

var validLogLevels = map[string]bool{"": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want text or json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	t := cfg.Tracer
	switch t.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is invalid (want noop or stdout)", t.Exporter)
	}
	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		ve.Add("tracer.sample_ratio must be between 0 and 1")
	}
}
