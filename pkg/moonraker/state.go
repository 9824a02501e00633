package moonraker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Position is the toolhead position as Klipper reports it. Toolhead is in
// machine coordinates; GCode applies the active gcode offsets.
type Position struct {
	Toolhead  []float64 `json:"toolhead"`
	GCode     []float64 `json:"gcode"`
	HomedAxes string    `json:"homed_axes"`
}

// GCodeEntry is one console line from server.gcode_store.
type GCodeEntry struct {
	Message string  `json:"message"`
	Time    float64 `json:"time"`
	Type    string  `json:"type"`
}

// decodeObject unmarshals one object from a query result into out. A missing
// object leaves out untouched.
func decodeObject(st *ObjectStatus, name string, out any) error {
	raw, ok := st.Status[name]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

// Paused reports whether the active print is paused.
func (c *Client) Paused(ctx context.Context) (bool, error) {
	st, err := c.QueryObjects(ctx, Objects{"pause_resume": {"is_paused"}})
	if err != nil {
		return false, err
	}
	var pr struct {
		IsPaused bool `json:"is_paused"`
	}
	if err := decodeObject(st, "pause_resume", &pr); err != nil {
		return false, err
	}
	return pr.IsPaused, nil
}

// ReadyStatus returns the idle_timeout state: Idle, Ready or Printing.
func (c *Client) ReadyStatus(ctx context.Context) (string, error) {
	st, err := c.QueryObjects(ctx, Objects{"idle_timeout": {"state"}})
	if err != nil {
		return "", err
	}
	var it struct {
		State string `json:"state"`
	}
	if err := decodeObject(st, "idle_timeout", &it); err != nil {
		return "", err
	}
	return it.State, nil
}

// Position queries toolhead and gcode_move.
func (c *Client) Position(ctx context.Context) (*Position, error) {
	st, err := c.QueryObjects(ctx, Objects{
		"toolhead":   {"position", "homed_axes"},
		"gcode_move": {"gcode_position"},
	})
	if err != nil {
		return nil, err
	}
	var th struct {
		Position  []float64 `json:"position"`
		HomedAxes string    `json:"homed_axes"`
	}
	var gm struct {
		GCodePosition []float64 `json:"gcode_position"`
	}
	if err := decodeObject(st, "toolhead", &th); err != nil {
		return nil, err
	}
	if err := decodeObject(st, "gcode_move", &gm); err != nil {
		return nil, err
	}
	return &Position{Toolhead: th.Position, GCode: gm.GCodePosition, HomedAxes: th.HomedAxes}, nil
}

// Endstops returns the state of each endstop, keyed by axis.
func (c *Client) Endstops(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	if err := c.CallInto(ctx, "printer.query_endstops.status", nil, 0, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListDir lists one directory. An empty path lists the registered roots,
// which come back as dirs.
func (c *Client) ListDir(ctx context.Context, path string) (dirs, files []string, err error) {
	if path == "" {
		var roots []struct {
			Name string `json:"name"`
		}
		if err := c.CallInto(ctx, "server.files.roots", nil, 0, &roots); err != nil {
			return nil, nil, err
		}
		for _, r := range roots {
			dirs = append(dirs, r.Name)
		}
		return dirs, nil, nil
	}

	var out struct {
		Dirs []struct {
			Name string `json:"dirname"`
		} `json:"dirs"`
		Files []struct {
			Name string `json:"filename"`
		} `json:"files"`
	}
	params := map[string]any{"path": path, "extended": false}
	if err := c.CallInto(ctx, "server.files.get_directory", params, 0, &out); err != nil {
		return nil, nil, err
	}
	for _, d := range out.Dirs {
		dirs = append(dirs, d.Name)
	}
	for _, f := range out.Files {
		files = append(files, f.Name)
	}
	return dirs, files, nil
}

// MoveFile moves or renames a file or directory. Paths include the root,
// e.g. "gcodes/old.gcode".
func (c *Client) MoveFile(ctx context.Context, source, dest string) error {
	_, err := c.Call(ctx, "server.files.move", map[string]string{"source": source, "dest": dest}, 0)
	return err
}

// GCodeStore returns up to count of the most recent console lines.
func (c *Client) GCodeStore(ctx context.Context, count int) ([]GCodeEntry, error) {
	var out struct {
		Store []GCodeEntry `json:"gcode_store"`
	}
	if err := c.CallInto(ctx, "server.gcode_store", map[string]int{"count": count}, 0, &out); err != nil {
		return nil, err
	}
	return out.Store, nil
}

// CommandPoller returns console lines that appeared since its previous Poll.
// It keeps a cursor on the entry time, so lines older than the last one seen
// are never returned twice.
type CommandPoller struct {
	client *Client
	count  int

	mu   sync.Mutex
	last float64
}

// NewCommandPoller reads up to count entries per Poll. A count of zero or
// less uses 50.
func (c *Client) NewCommandPoller(count int) *CommandPoller {
	if count <= 0 {
		count = 50
	}
	return &CommandPoller{client: c, count: count}
}

// Poll fetches the store and returns the messages newer than the cursor.
func (p *CommandPoller) Poll(ctx context.Context) ([]string, error) {
	entries, err := p.client.GCodeStore(ctx, p.count)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range entries {
		if e.Time <= p.last {
			continue
		}
		out = append(out, e.Message)
		p.last = e.Time
	}
	return out, nil
}
