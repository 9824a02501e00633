package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"moonrpc/internal/adapter/httprpc"
	"moonrpc/internal/adapter/stream"
	"moonrpc/internal/infra/config"
	"moonrpc/pkg/moonraker"
)

// clientOptions maps the config onto moonraker client options.
func clientOptions(cfg *config.Config, log *slog.Logger) ([]moonraker.Option, error) {
	transport, err := stream.NewTransport(cfg.Printer.Transport, cfg.Stream.ReadLimit)
	if err != nil {
		return nil, err
	}
	idFormat := moonraker.IDSequential
	if cfg.Printer.IDFormat == "uuid" {
		idFormat = moonraker.IDUUID
	}

	s := cfg.Stream
	return []moonraker.Option{
		moonraker.WithLogger(log),
		moonraker.WithTransport(transport),
		moonraker.WithAPIKey(cfg.Printer.APIKey),
		moonraker.WithToken(cfg.Printer.Token),
		moonraker.WithCredentials(cfg.Printer.Username, cfg.Printer.Password),
		moonraker.WithIDFormat(idFormat),
		moonraker.WithCallTimeout(cfg.Printer.CallTimeout),
		moonraker.WithStreamConfig(stream.Config{
			DialTimeout:   s.DialTimeout,
			SendQueueSize: s.SendQueueSize,
			SendTimeout:   s.SendTimeout,
			WriteTimeout:  s.WriteTimeout,
			PingInterval:  s.PingInterval,
			RateLimit:     s.RateLimit,
			RateBurst:     s.RateBurst,
		}),
		moonraker.WithTracing(cfg.Tracer.Enabled),
	}, nil
}

func newClient(cfg *config.Config, log *slog.Logger) (*moonraker.Client, error) {
	opts, err := clientOptions(cfg, log)
	if err != nil {
		return nil, err
	}
	return moonraker.New(cfg.Printer.Endpoint, opts...)
}

func newHTTPClient(cfg *config.Config, log *slog.Logger) (*httprpc.Client, error) {
	ep, err := moonraker.ParseEndpoint(cfg.Printer.Endpoint)
	if err != nil {
		return nil, err
	}
	h := cfg.HTTP
	return httprpc.New(httprpc.Config{
		BaseURL:     ep.HTTPURL(),
		APIKey:      cfg.Printer.APIKey,
		BearerToken: h.BearerToken,
		ConnTimeout: h.ConnTimeout,
		RespTimeout: h.RespTimeout,
		Pool: httprpc.PoolConfig{
			MaxIdleConns:        h.Pool.MaxIdleConns,
			MaxIdleConnsPerHost: h.Pool.MaxIdleConnsPerHost,
			MaxConnsPerHost:     h.Pool.MaxConnsPerHost,
			IdleConnTimeout:     h.Pool.IdleConnTimeout,
		},
		MaxFailures: h.Breaker.MaxFailures,
		OpenTimeout: h.Breaker.Timeout,
	}, log)
}

func supervisorConfig(cfg *config.Config) moonraker.SupervisorConfig {
	r := cfg.Reconnect
	return moonraker.SupervisorConfig{
		InitialBackoff: r.InitialBackoff,
		MaxBackoff:     r.MaxBackoff,
		MaxFailures:    r.Breaker.MaxFailures,
		OpenTimeout:    r.Breaker.Timeout,
	}
}

// parseParams turns a positional argument into JSON params. Empty means none.
func parseParams(args []string) (json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	raw := strings.TrimSpace(strings.Join(args, " "))
	if raw == "" {
		return nil, nil
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("params are not valid JSON: %s", raw)
	}
	return json.RawMessage(raw), nil
}

// parseObjects builds an object selection from "name" or "name=field,field".
func parseObjects(args []string) moonraker.Objects {
	objects := moonraker.Objects{}
	for _, arg := range args {
		name, fields, ok := strings.Cut(arg, "=")
		if !ok || fields == "" {
			objects[name] = nil
			continue
		}
		for _, f := range strings.Split(fields, ",") {
			if f = strings.TrimSpace(f); f != "" {
				objects[name] = append(objects[name], f)
			}
		}
	}
	return objects
}
