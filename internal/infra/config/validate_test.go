package config

import (
	"strings"
	"testing"
	"time"
)

func TestValidateDefaultsPass(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}
}

func TestValidatePrinter(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty endpoint", func(c *Config) { c.Printer.Endpoint = " " }, "printer.endpoint is required"},
		{"bad transport", func(c *Config) { c.Printer.Transport = "tcp" }, "printer.transport"},
		{"bad id format", func(c *Config) { c.Printer.IDFormat = "hex" }, "printer.id_format"},
		{"negative timeout", func(c *Config) { c.Printer.CallTimeout = -time.Second }, "printer.call_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			assertContains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateStream(t *testing.T) {
	cfg := Defaults()
	cfg.Stream.SendTimeout = -1
	cfg.Stream.SendQueueSize = -1
	cfg.Stream.ReadLimit = -1
	cfg.Stream.RateLimit = -5

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "stream timeouts")
	assertContains(t, err.Error(), "send_queue_size")
	assertContains(t, err.Error(), "read_limit")
	assertContains(t, err.Error(), "rate_limit")
}

func TestValidateHTTP(t *testing.T) {
	cfg := Defaults()
	cfg.HTTP.RespTimeout = -1
	cfg.HTTP.Pool.MaxConnsPerHost = -2

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "http timeouts")
	assertContains(t, err.Error(), "http.pool")
}

func TestValidateReconnectBackoffOrder(t *testing.T) {
	cfg := Defaults()
	cfg.Reconnect.InitialBackoff = time.Minute
	cfg.Reconnect.MaxBackoff = time.Second

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "exceeds max_backoff")
}

func TestValidateReconnectDisabledNoValidation(t *testing.T) {
	cfg := Defaults()
	cfg.Reconnect.Enabled = false
	cfg.Reconnect.InitialBackoff = time.Minute
	cfg.Reconnect.MaxBackoff = time.Second
	if err := Validate(cfg); err != nil {
		t.Fatalf("disabled reconnect should not be validated: %v", err)
	}
}

func TestValidateEmulator(t *testing.T) {
	cfg := Defaults()
	cfg.Emulator.Addr = "no-port"
	cfg.Emulator.Keys = []EmulatorKey{{Name: "a", Key: "k"}, {Name: "b", Key: "k"}, {Name: "c"}}
	cfg.Emulator.Advertise = true
	cfg.Emulator.Instance = ""

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "emulator.addr")
	assertContains(t, err.Error(), "duplicate key")
	assertContains(t, err.Error(), "key is required")
	assertContains(t, err.Error(), "emulator.instance")
}

func TestValidateLoggerAndTracer(t *testing.T) {
	cfg := Defaults()
	cfg.Logger.Level = "verbose"
	cfg.Logger.Format = "xml"
	cfg.Tracer.Exporter = "jaeger"
	cfg.Tracer.SampleRatio = 2

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(ve.Errors) != 4 {
		t.Errorf("expected 4 errors, got %d: %v", len(ve.Errors), ve.Errors)
	}
}

func TestValidateLoggerLevelCaseInsensitive(t *testing.T) {
	cfg := Defaults()
	cfg.Logger.Level = "DEBUG"
	cfg.Logger.Format = "JSON"
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidationErrorFormat(t *testing.T) {
	ve := &ValidationError{}
	ve.Add("first error")
	ve.Add("second error")

	msg := ve.Error()
	if !strings.HasPrefix(msg, "config validation failed:") {
		t.Errorf("unexpected prefix: %s", msg)
	}
	if !strings.Contains(msg, "first error") || !strings.Contains(msg, "second error") {
		t.Errorf("missing error details: %s", msg)
	}
}

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}
