package emulator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moonrpc/internal/domain"
)

func TestPrinterGCode(t *testing.T) {
	p := NewPrinter()

	responses, err := p.RunGCode("G28\nM104 S210 ; heat\nM140 S60\nG1 X10 Y20.5\nM105")
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Contains(t, responses[0], "/210.0")

	assert.Equal(t, 210.0, p.Object("extruder")["target"])
	assert.Equal(t, 60.0, p.Object("heater_bed")["target"])
	assert.Equal(t, "xyz", p.Object("toolhead")["homed_axes"])
	assert.Equal(t, []float64{10, 20.5, 0, 0}, p.Object("toolhead")["position"])
}

func TestPrinterUnknownCommandStopsScript(t *testing.T) {
	p := NewPrinter()
	_, err := p.RunGCode("M104 S100\nBOGUS\nM140 S50")

	var rpcErr *domain.RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, 400, rpcErr.Code)
	assert.Contains(t, rpcErr.Message, "BOGUS")
	assert.Equal(t, 100.0, p.Object("extruder")["target"])
	assert.Equal(t, 0.0, p.Object("heater_bed")["target"])
}

func TestPrinterShutdownAndRestart(t *testing.T) {
	p := NewPrinter()
	_, err := p.RunGCode("M104 S200\nM112")
	require.NoError(t, err)
	assert.Equal(t, "shutdown", p.State())
	assert.Equal(t, 0.0, p.Object("extruder")["target"])

	_, err = p.RunGCode("G28")
	require.Error(t, err)

	_, err = p.RunGCode("FIRMWARE_RESTART")
	require.NoError(t, err)
	assert.Equal(t, "ready", p.State())
}

func TestPrinterStepApproachesTarget(t *testing.T) {
	p := NewPrinter()
	_, err := p.RunGCode("M104 S200")
	require.NoError(t, err)

	prev := 22.0
	for i := 0; i < 10; i++ {
		p.Step(time.Second)
		temp := p.Object("extruder")["temperature"].(float64)
		assert.Greater(t, temp, prev)
		assert.LessOrEqual(t, temp, 200.0)
		prev = temp
	}
	assert.Greater(t, p.Object("extruder")["power"].(float64), 0.0)
}

func TestPrinterStatusSelection(t *testing.T) {
	p := NewPrinter()
	st := p.status(map[string][]string{
		"extruder": {"target"},
		"webhooks": nil,
		"missing":  nil,
	})
	status := st["status"].(map[string]map[string]any)
	assert.Equal(t, map[string]any{"target": 0.0}, status["extruder"])
	assert.Equal(t, "ready", status["webhooks"]["state"])
	assert.NotContains(t, status, "missing")
}

func TestPrinterSubscribePushesStatus(t *testing.T) {
	srv := startTestServer(t, nil)
	p := NewPrinter()
	p.Register(srv)

	ws := dialWS(t, srv, "", nil)
	writeFrame(t, ws, `{"jsonrpc":"2.0","id":1,"method":"printer.objects.subscribe","params":{"objects":{"extruder":["temperature"]}}}`)

	reply := readFrame(t, ws)
	require.Equal(t, domain.NumericID(1), reply.ID)
	var initial struct {
		Status map[string]map[string]float64 `json:"status"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &initial))
	assert.Equal(t, 22.0, initial.Status["extruder"]["temperature"])

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx, srv, 10*time.Millisecond)

	push := readFrame(t, ws)
	assert.Equal(t, "notify_status_update", push.Method)
	n := domain.Notification{Method: push.Method, Params: push.Params}
	var status map[string]map[string]float64
	require.NoError(t, n.Arg(0, &status))
	assert.Contains(t, status["extruder"], "temperature")
	assert.NotContains(t, status, "heater_bed")
}

func TestPrinterHandlers(t *testing.T) {
	srv := startTestServer(t, nil)
	NewPrinter().Register(srv)
	ws := dialWS(t, srv, "", nil)

	writeFrame(t, ws, `{"jsonrpc":"2.0","id":1,"method":"printer.info"}`)
	var info struct {
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(readFrame(t, ws).Result, &info))
	assert.Equal(t, "ready", info.State)

	writeFrame(t, ws, `{"jsonrpc":"2.0","id":2,"method":"server.connection.identify","params":{"client_name":"t","version":"1","type":"agent","url":"x"}}`)
	var ident struct {
		ConnectionID uint64 `json:"connection_id"`
	}
	require.NoError(t, json.Unmarshal(readFrame(t, ws).Result, &ident))
	assert.NotZero(t, ident.ConnectionID)

	writeFrame(t, ws, `{"jsonrpc":"2.0","id":3,"method":"printer.gcode.script","params":{}}`)
	f := readFrame(t, ws)
	require.NotNil(t, f.Error)
	assert.Equal(t, CodeInvalidParams, f.Error.Code)
}

func TestPrinterGCodeStore(t *testing.T) {
	p := NewPrinter()
	_, err := p.RunGCode("G28\nM105")
	require.NoError(t, err)
	_, err = p.RunGCode("BOGUS")
	require.Error(t, err)

	store := p.GCodeStore(0)
	require.Len(t, store, 5)
	assert.Equal(t, "G28", store[0].Message)
	assert.Equal(t, "command", store[0].Type)
	assert.Equal(t, "response", store[2].Type)
	assert.Contains(t, store[4].Message, "!! ")
	for i := 1; i < len(store); i++ {
		assert.Greater(t, store[i].Time, store[i-1].Time)
	}

	last := p.GCodeStore(2)
	require.Len(t, last, 2)
	assert.Equal(t, store[3:], last)
}

func TestPrinterPauseAndIdleState(t *testing.T) {
	p := NewPrinter()
	assert.Equal(t, "Idle", p.Object("idle_timeout")["state"])

	_, err := p.setPrintState("printing", "benchy.gcode")
	require.NoError(t, err)
	assert.Equal(t, "Printing", p.Object("idle_timeout")["state"])
	assert.Equal(t, false, p.Object("pause_resume")["is_paused"])

	_, err = p.setPrintState("paused", "")
	require.NoError(t, err)
	assert.Equal(t, true, p.Object("pause_resume")["is_paused"])
}

func TestPrinterFiles(t *testing.T) {
	srv := startTestServer(t, nil)
	NewPrinter().Register(srv)
	ws := dialWS(t, srv, "", nil)

	writeFrame(t, ws, `{"jsonrpc":"2.0","id":1,"method":"server.files.roots"}`)
	var roots []struct {
		Name string `json:"name"`
	}
	require.NoError(t, json.Unmarshal(readFrame(t, ws).Result, &roots))
	require.Len(t, roots, 3)
	assert.Equal(t, "gcodes", roots[0].Name)

	writeFrame(t, ws, `{"jsonrpc":"2.0","id":2,"method":"server.files.get_directory","params":{"path":"gcodes"}}`)
	var dir struct {
		Dirs []struct {
			Name string `json:"dirname"`
		} `json:"dirs"`
		Files []struct {
			Name string `json:"filename"`
		} `json:"files"`
	}
	require.NoError(t, json.Unmarshal(readFrame(t, ws).Result, &dir))
	require.Len(t, dir.Dirs, 1)
	assert.Equal(t, "calibration", dir.Dirs[0].Name)
	require.Len(t, dir.Files, 1)
	assert.Equal(t, "benchy.gcode", dir.Files[0].Name)

	writeFrame(t, ws, `{"jsonrpc":"2.0","id":3,"method":"server.files.move","params":{"source":"gcodes/benchy.gcode","dest":"gcodes/calibration/benchy.gcode"}}`)
	// The filelist notification and the reply may arrive in either order.
	var moved, notified bool
	for i := 0; i < 2; i++ {
		f := readFrame(t, ws)
		switch {
		case f.Method == "notify_filelist_changed":
			notified = true
		case f.ID == domain.NumericID(3):
			require.Nil(t, f.Error)
			moved = true
		}
	}
	assert.True(t, moved)
	assert.True(t, notified)

	writeFrame(t, ws, `{"jsonrpc":"2.0","id":4,"method":"server.files.get_directory","params":{"path":"gcodes/missing"}}`)
	f := readFrame(t, ws)
	require.NotNil(t, f.Error)
	assert.Equal(t, 404, f.Error.Code)
}
