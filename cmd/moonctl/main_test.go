package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moonrpc/internal/adapter/emulator"
	"moonrpc/internal/infra/config"
	"moonrpc/pkg/moonraker"
)

func TestParseArgs(t *testing.T) {
	a, err := parseArgs([]string{"printer.info", "--config", "c.toml", "--endpoint=pi:7125", "--timeout", "2s", "--topic", "a", "--topic=b", "{}"})
	require.NoError(t, err)
	assert.Equal(t, "c.toml", a.Config)
	assert.Equal(t, "pi:7125", a.Endpoint)
	assert.Equal(t, 2*time.Second, a.Timeout)
	assert.Equal(t, []string{"a", "b"}, a.Topics)
	assert.Equal(t, []string{"printer.info", "{}"}, a.Positional)

	a, err = parseArgs([]string{"--interval=250ms"})
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, a.Interval)
}

func TestParseArgsErrors(t *testing.T) {
	_, err := parseArgs([]string{"--config"})
	assert.Error(t, err)
	_, err = parseArgs([]string{"--timeout", "soon"})
	assert.Error(t, err)
	_, err = parseArgs([]string{"--verbose"})
	assert.Error(t, err)
	_, err = parseArgs([]string{"--interval", "often"})
	assert.Error(t, err)
}

func TestConfigPath(t *testing.T) {
	t.Setenv("MOONRPC_CONFIG", "")
	assert.Equal(t, "moonctl.yaml", configPath(cliArgs{}))
	t.Setenv("MOONRPC_CONFIG", "/etc/moonctl.toml")
	assert.Equal(t, "/etc/moonctl.toml", configPath(cliArgs{}))
	assert.Equal(t, "x.yaml", configPath(cliArgs{Config: "x.yaml"}))
}

func TestParseParams(t *testing.T) {
	p, err := parseParams(nil)
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = parseParams([]string{`{"script":`, `"G28"}`})
	require.NoError(t, err)
	assert.JSONEq(t, `{"script":"G28"}`, string(p))

	_, err = parseParams([]string{"{nope"})
	assert.Error(t, err)
}

func TestParseObjects(t *testing.T) {
	objects := parseObjects([]string{"toolhead", "extruder=temperature, target", "heater_bed="})
	assert.Equal(t, moonraker.Objects{
		"toolhead":   nil,
		"extruder":   {"temperature", "target"},
		"heater_bed": nil,
	}, objects)
}

func TestClientOptionsRejectsUnknownTransport(t *testing.T) {
	cfg := config.Defaults()
	cfg.Printer.Transport = "tcp"
	_, err := clientOptions(cfg, nil)
	assert.Error(t, err)
}

func TestEmulatorAuth(t *testing.T) {
	_, open := emulatorAuth(nil).(emulator.OpenAuth)
	assert.True(t, open)
	_, static := emulatorAuth([]config.EmulatorKey{{Name: "a", Key: "k"}}).(*emulator.StaticKeyAuth)
	assert.True(t, static)
}

func TestCommandsAgainstEmulator(t *testing.T) {
	srv := emulator.NewServer(emulator.NewStaticKeyAuth(emulator.KeyEntry{Key: "secret", Name: "cli"}), "127.0.0.1:0", quietLogger())
	emulator.NewPrinter().Register(srv)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Start(ctx) }()
	select {
	case <-srv.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("emulator did not start")
	}

	cfg := config.Defaults()
	cfg.Printer.Endpoint = srv.BoundAddr()
	cfg.Printer.APIKey = "secret"
	cfg.Printer.Transport = "gorilla"
	cfg.Printer.IDFormat = "uuid"
	cfg.Logger.Output = "discard"
	rt := &app{cfg: cfg, log: quietLogger()}

	c, err := connect(ctx, rt)
	require.NoError(t, err)
	defer c.Stop()

	server, err := c.ServerInfo(ctx)
	require.NoError(t, err)
	printer, err := c.PrinterInfo(ctx)
	require.NoError(t, err)
	var out bytes.Buffer
	writeInfo(&out, c.Endpoint(), server, printer)
	assert.Contains(t, out.String(), "PRINTER")
	assert.Contains(t, out.String(), "ready")

	h, err := newHTTPClient(cfg, rt.log)
	require.NoError(t, err)
	result, err := h.Call(ctx, "printer.info", nil)
	require.NoError(t, err)
	out.Reset()
	require.NoError(t, printJSON(&out, result))
	assert.Contains(t, out.String(), `"state": "ready"`)
}

func TestWriteStatus(t *testing.T) {
	var out bytes.Buffer
	err := writeStatus(&out, 12.5, map[string]json.RawMessage{"toolhead": json.RawMessage(`{"homed_axes":"xyz"}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"eventtime":12.5,"status":{"toolhead":{"homed_axes":"xyz"}}}`, out.String())
}

func TestReadScripts(t *testing.T) {
	scripts, err := readScripts(strings.NewReader("G28\n\n  G1 X10  \nM105\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"G28", "G1 X10", "M105"}, scripts)
}

func TestWriteListing(t *testing.T) {
	var out bytes.Buffer
	writeListing(&out, []string{"calibration"}, []string{"benchy.gcode"})
	assert.Equal(t, "calibration/\nbenchy.gcode\n", out.String())
}

func TestWriteState(t *testing.T) {
	var out bytes.Buffer
	writeState(&out, printerState{
		Ready:    "Ready",
		Paused:   true,
		Position: &moonraker.Position{Toolhead: []float64{1, 2, 3, 4}, GCode: []float64{1, 2, 3.25, 4}, HomedAxes: "xy"},
		Endstops: map[string]string{"z": "TRIGGERED"},
	})
	s := out.String()
	assert.Regexp(t, `PAUSED\s+true`, s)
	assert.Contains(t, s, "X:1.000 Y:2.000 Z:3.250 E:4.000")
	assert.Contains(t, s, "ENDSTOP Z")
	assert.NotContains(t, s, "ENDSTOP X")
}

func TestGCodeQueueAndStatusAgainstEmulator(t *testing.T) {
	srv := emulator.NewServer(nil, "127.0.0.1:0", quietLogger())
	emulator.NewPrinter().Register(srv)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Start(ctx) }()
	select {
	case <-srv.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("emulator did not start")
	}

	cfg := config.Defaults()
	cfg.Printer.Endpoint = srv.BoundAddr()
	cfg.Printer.Username = "pi"
	cfg.Printer.Password = "secret"
	rt := &app{cfg: cfg, log: quietLogger()}
	c, err := connect(ctx, rt)
	require.NoError(t, err)
	defer c.Stop()

	q := c.NewGCodeQueue(moonraker.GCodeQueueConfig{})
	require.NoError(t, q.Enqueue(ctx, "G28"))
	require.NoError(t, q.Enqueue(ctx, "G1 X20 Y30"))
	require.NoError(t, q.Close(ctx))

	pos, err := c.Position(ctx)
	require.NoError(t, err)
	var out bytes.Buffer
	writeState(&out, printerState{Ready: "Ready", Position: pos})
	assert.Contains(t, out.String(), "X:20.000 Y:30.000")

	lines, err := c.NewCommandPoller(10).Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"G28", "G1 X20 Y30"}, lines)
}

func TestPrintJSONEmpty(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printJSON(&out, nil))
	assert.Equal(t, "null\n", out.String())
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
