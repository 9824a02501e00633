package moonraker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moonrpc/internal/adapter/emulator"
	"moonrpc/internal/domain"
)

func startPrinter(t *testing.T) (*Client, *emulator.Printer) {
	t.Helper()
	srv := startEmulator(t, nil)
	printer := emulator.NewPrinter()
	printer.Register(srv)
	return startClient(t, srv.BoundAddr()), printer
}

func TestStateHelpers(t *testing.T) {
	c, _ := startPrinter(t)
	ctx := context.Background()

	status, err := c.ReadyStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Idle", status)

	paused, err := c.Paused(ctx)
	require.NoError(t, err)
	assert.False(t, paused)

	require.NoError(t, c.RunGCode(ctx, "G28\nG1 X12 Y34 Z0.2", 0))
	pos, err := c.Position(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{12, 34, 0.2, 0}, pos.Toolhead)
	assert.Equal(t, []float64{12, 34, 0.2, 0}, pos.GCode)
	assert.Equal(t, "xyz", pos.HomedAxes)

	require.NoError(t, c.StartPrint(ctx, "benchy.gcode"))
	status, err = c.ReadyStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Printing", status)

	require.NoError(t, c.PausePrint(ctx))
	paused, err = c.Paused(ctx)
	require.NoError(t, err)
	assert.True(t, paused)

	endstops, err := c.Endstops(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"x": "open", "y": "open", "z": "open"}, endstops)
}

func TestListDirAndMove(t *testing.T) {
	c, _ := startPrinter(t)
	ctx := context.Background()

	roots, files, err := c.ListDir(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"gcodes", "config", "logs"}, roots)
	assert.Empty(t, files)

	dirs, files, err := c.ListDir(ctx, "gcodes")
	require.NoError(t, err)
	assert.Equal(t, []string{"calibration"}, dirs)
	assert.Equal(t, []string{"benchy.gcode"}, files)

	require.NoError(t, c.MoveFile(ctx, "gcodes/benchy.gcode", "gcodes/calibration/benchy.gcode"))
	_, files, err = c.ListDir(ctx, "gcodes/calibration")
	require.NoError(t, err)
	assert.Contains(t, files, "benchy.gcode")

	err = c.MoveFile(ctx, "gcodes/benchy.gcode", "gcodes/again.gcode")
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 404, re.Code)
}

func TestCommandPollerCursor(t *testing.T) {
	c, _ := startPrinter(t)
	ctx := context.Background()
	poller := c.NewCommandPoller(0)

	require.NoError(t, c.RunGCode(ctx, "G28\nM105", 0))
	lines, err := poller.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Equal(t, "G28", lines[0])
	assert.Equal(t, "M105", lines[1])
	assert.Contains(t, lines[2], "ok T:")

	lines, err = poller.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, lines)

	require.NoError(t, c.RunGCode(ctx, "M114", 0))
	lines, err = poller.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "M114", lines[0])
}

func TestCredentialsInjectedIntoParams(t *testing.T) {
	peer := startScriptedPeer(t, func(req domain.Frame) []byte {
		if req.ID.IsZero() {
			return nil
		}
		return []byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":"ok"}`)
	})
	c := startClient(t, peer.addr(), WithCredentials("pi", "secret"))
	ctx := context.Background()

	_, err := c.Call(ctx, "printer.gcode.script", map[string]string{"script": "G28"}, time.Second)
	require.NoError(t, err)
	req := <-peer.seen
	assert.JSONEq(t, `{"script":"G28","username":"pi","password":"secret"}`, string(req.Params))

	_, err = c.Call(ctx, "server.info", nil, time.Second)
	require.NoError(t, err)
	req = <-peer.seen
	assert.JSONEq(t, `{"username":"pi","password":"secret"}`, string(req.Params))

	// Positional params cannot carry named members and are sent as given.
	require.NoError(t, c.Notify(ctx, "custom.event", []int{1, 2}))
	req = <-peer.seen
	assert.JSONEq(t, `[1,2]`, string(req.Params))

	_, err = c.Call(ctx, "server.info", json.RawMessage(`{"a":1}`), time.Second)
	require.NoError(t, err)
	req = <-peer.seen
	assert.JSONEq(t, `{"a":1,"username":"pi","password":"secret"}`, string(req.Params))
}
