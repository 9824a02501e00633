package emulator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"moonrpc/internal/domain"
)

// Printer is a simulated Klipper host. Heaters move toward their targets on
// every Step, and gcode scripts update its objects.
type Printer struct {
	mu       sync.Mutex
	hostname string
	state    string
	message  string
	start    time.Time
	objects  map[string]map[string]any

	// store survives restarts, like Moonraker's gcode_store.
	store     []GCodeEntry
	lastStamp float64
	files     *fileTree
}

// GCodeEntry is one line of the console history served by server.gcode_store.
type GCodeEntry struct {
	Message string  `json:"message"`
	Time    float64 `json:"time"`
	Type    string  `json:"type"` // command or response
}

const gcodeStoreSize = 1000

// NewPrinter returns a printer in the ready state at room temperature.
func NewPrinter() *Printer {
	host, _ := os.Hostname()
	p := &Printer{hostname: host, start: time.Now(), files: newFileTree()}
	p.reset()
	return p
}

func (p *Printer) reset() {
	p.state, p.message = "ready", "Printer is ready"
	p.objects = map[string]map[string]any{
		"webhooks":     {"state": "ready", "state_message": "Printer is ready"},
		"extruder":     {"temperature": 22.0, "target": 0.0, "power": 0.0},
		"heater_bed":   {"temperature": 22.0, "target": 0.0, "power": 0.0},
		"toolhead":     {"position": []float64{0, 0, 0, 0}, "homed_axes": ""},
		"gcode_move":   {"gcode_position": []float64{0, 0, 0, 0}, "absolute_coordinates": true},
		"idle_timeout": {"state": "Idle"},
		"pause_resume": {"is_paused": false},
		"print_stats":  {"state": "standby", "filename": ""},
	}
}

func (p *Printer) eventtime() float64 {
	return math.Round(time.Since(p.start).Seconds()*1000) / 1000
}

// Register installs the printer's procedures on s.
func (p *Printer) Register(s *Server) {
	s.RegisterHandler("server.info", p.serverInfo)
	s.RegisterHandler("printer.info", p.printerInfo)
	s.RegisterHandler("server.connection.identify", func(_ context.Context, c *ClientInfo, _ json.RawMessage) (any, error) {
		return map[string]uint64{"connection_id": c.ConnID}, nil
	})
	s.RegisterHandler("printer.objects.list", p.listObjects)
	s.RegisterHandler("printer.objects.query", p.queryObjects)
	s.RegisterHandler("printer.objects.subscribe", func(ctx context.Context, c *ClientInfo, params json.RawMessage) (any, error) {
		objects, err := decodeObjects(params)
		if err != nil {
			return nil, err
		}
		s.setSubscription(c.ConnID, objects)
		return p.status(objects), nil
	})
	s.RegisterHandler("printer.gcode.script", func(_ context.Context, _ *ClientInfo, params json.RawMessage) (any, error) {
		var req struct {
			Script string `json:"script"`
		}
		if err := json.Unmarshal(params, &req); err != nil || req.Script == "" {
			return nil, &domain.RPCError{Code: CodeInvalidParams, Message: "missing script"}
		}
		responses, err := p.RunGCode(req.Script)
		for _, line := range responses {
			_ = s.Broadcast("notify_gcode_response", []string{line})
		}
		if err != nil {
			return nil, err
		}
		return "ok", nil
	})
	s.RegisterHandler("printer.query_endstops.status", func(context.Context, *ClientInfo, json.RawMessage) (any, error) {
		return map[string]string{"x": "open", "y": "open", "z": "open"}, nil
	})
	s.RegisterHandler("server.gcode_store", func(_ context.Context, _ *ClientInfo, params json.RawMessage) (any, error) {
		req := struct {
			Count int `json:"count"`
		}{Count: 100}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &req); err != nil {
				return nil, &domain.RPCError{Code: CodeInvalidParams, Message: err.Error()}
			}
		}
		return map[string][]GCodeEntry{"gcode_store": p.GCodeStore(req.Count)}, nil
	})
	p.files.register(s)
	s.RegisterHandler("printer.emergency_stop", func(context.Context, *ClientInfo, json.RawMessage) (any, error) {
		p.shutdown("Shutdown due to M112 command")
		_ = s.Broadcast("notify_klippy_shutdown", nil)
		return "ok", nil
	})
	restart := func(context.Context, *ClientInfo, json.RawMessage) (any, error) {
		p.mu.Lock()
		p.reset()
		p.mu.Unlock()
		_ = s.Broadcast("notify_klippy_ready", nil)
		return "ok", nil
	}
	s.RegisterHandler("printer.restart", restart)
	s.RegisterHandler("printer.firmware_restart", restart)
	s.RegisterHandler("printer.print.start", func(_ context.Context, _ *ClientInfo, params json.RawMessage) (any, error) {
		var req struct {
			Filename string `json:"filename"`
		}
		if err := json.Unmarshal(params, &req); err != nil || req.Filename == "" {
			return nil, &domain.RPCError{Code: CodeInvalidParams, Message: "missing filename"}
		}
		return p.setPrintState("printing", req.Filename)
	})
	s.RegisterHandler("printer.print.pause", func(context.Context, *ClientInfo, json.RawMessage) (any, error) {
		return p.setPrintState("paused", "")
	})
	s.RegisterHandler("printer.print.resume", func(context.Context, *ClientInfo, json.RawMessage) (any, error) {
		return p.setPrintState("printing", "")
	})
	s.RegisterHandler("printer.print.cancel", func(context.Context, *ClientInfo, json.RawMessage) (any, error) {
		return p.setPrintState("cancelled", "")
	})
}

func (p *Printer) serverInfo(_ context.Context, _ *ClientInfo, _ json.RawMessage) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]any{
		"klippy_connected":   true,
		"klippy_state":       p.state,
		"components":         []string{"database", "file_manager", "klippy_apis", "machine", "data_store"},
		"failed_components":  []string{},
		"warnings":           []string{},
		"websocket_count":    0,
		"moonraker_version":  "v0.8.0-emulated",
		"api_version":        []int{1, 4, 0},
		"api_version_string": "1.4.0",
	}, nil
}

func (p *Printer) printerInfo(_ context.Context, _ *ClientInfo, _ json.RawMessage) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]any{
		"state":            p.state,
		"state_message":    p.message,
		"hostname":         p.hostname,
		"software_version": "v0.12.0-emulated",
		"cpu_info":         "emulated",
		"klipper_path":     "/home/pi/klipper",
		"python_path":      "/home/pi/klippy-env/bin/python",
		"log_file":         "/tmp/klippy.log",
		"config_file":      "/home/pi/printer_data/config/printer.cfg",
	}, nil
}

func (p *Printer) listObjects(context.Context, *ClientInfo, json.RawMessage) (any, error) {
	p.mu.Lock()
	names := make([]string, 0, len(p.objects))
	for name := range p.objects {
		names = append(names, name)
	}
	p.mu.Unlock()
	sort.Strings(names)
	return map[string][]string{"objects": names}, nil
}

func (p *Printer) queryObjects(_ context.Context, _ *ClientInfo, params json.RawMessage) (any, error) {
	objects, err := decodeObjects(params)
	if err != nil {
		return nil, err
	}
	return p.status(objects), nil
}

func decodeObjects(params json.RawMessage) (map[string][]string, error) {
	var req struct {
		Objects map[string][]string `json:"objects"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, &domain.RPCError{Code: CodeInvalidParams, Message: "invalid objects: " + err.Error()}
		}
	}
	return req.Objects, nil
}

// status returns the selected fields of the selected objects, shaped like a
// printer.objects.query result. Unknown objects are omitted.
func (p *Printer) status(objects map[string][]string) map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]any{
		"eventtime": p.eventtime(),
		"status":    p.selectLocked(objects),
	}
}

func (p *Printer) selectLocked(objects map[string][]string) map[string]map[string]any {
	out := make(map[string]map[string]any, len(objects))
	for name, fields := range objects {
		obj, ok := p.objects[name]
		if !ok {
			continue
		}
		sel := make(map[string]any)
		if len(fields) == 0 {
			for k, v := range obj {
				sel[k] = v
			}
		} else {
			for _, f := range fields {
				if v, ok := obj[f]; ok {
					sel[f] = v
				}
			}
		}
		out[name] = sel
	}
	return out
}

// State returns the klippy state: ready or shutdown.
func (p *Printer) State() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Object returns a copy of one object's fields.
func (p *Printer) Object(name string) map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]any, len(p.objects[name]))
	for k, v := range p.objects[name] {
		out[k] = v
	}
	return out
}

func (p *Printer) shutdown(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdownLocked(msg)
}

func (p *Printer) shutdownLocked(msg string) {
	p.state, p.message = "shutdown", msg
	p.objects["webhooks"]["state"] = "shutdown"
	p.objects["webhooks"]["state_message"] = msg
	for _, h := range []string{"extruder", "heater_bed"} {
		p.objects[h]["target"] = 0.0
		p.objects[h]["power"] = 0.0
	}
}

func (p *Printer) setPrintState(state, filename string) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != "ready" {
		return nil, &domain.RPCError{Code: 503, Message: "Klippy Host not connected"}
	}
	stats := p.objects["print_stats"]
	if filename != "" {
		stats["filename"] = filename
	}
	stats["state"] = state
	p.objects["pause_resume"]["is_paused"] = state == "paused"
	switch state {
	case "printing":
		p.objects["idle_timeout"]["state"] = "Printing"
	default:
		p.objects["idle_timeout"]["state"] = "Ready"
	}
	return "ok", nil
}

// RunGCode executes a newline separated script. It returns any console
// responses produced along the way; the first failing line stops the script.
func (p *Printer) RunGCode(script string) ([]string, error) {
	var responses []string
	for _, raw := range strings.Split(script, "\n") {
		line := strings.TrimSpace(raw)
		if i := strings.IndexByte(line, ';'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" {
			continue
		}
		p.record(line, "command")
		resp, err := p.execLine(line)
		if err != nil {
			p.record("!! "+err.Error(), "response")
			return responses, err
		}
		if resp != "" {
			p.record(resp, "response")
			responses = append(responses, resp)
		}
	}
	return responses, nil
}

func (p *Printer) execLine(line string) (string, error) {
	fields := strings.Fields(line)
	cmd := strings.ToUpper(fields[0])
	args := parseArgs(fields[1:])

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != "ready" && cmd != "FIRMWARE_RESTART" && cmd != "RESTART" {
		return "", &domain.RPCError{Code: 400, Message: "Printer is not ready"}
	}

	switch cmd {
	case "M104", "M109":
		p.objects["extruder"]["target"] = args['S']
	case "M140", "M190":
		p.objects["heater_bed"]["target"] = args['S']
	case "M105":
		return fmt.Sprintf("ok T:%.1f /%.1f B:%.1f /%.1f",
			p.objects["extruder"]["temperature"], p.objects["extruder"]["target"],
			p.objects["heater_bed"]["temperature"], p.objects["heater_bed"]["target"]), nil
	case "G28":
		p.objects["toolhead"]["homed_axes"] = "xyz"
		p.objects["toolhead"]["position"] = []float64{0, 0, 0, 0}
		p.objects["gcode_move"]["gcode_position"] = []float64{0, 0, 0, 0}
	case "G0", "G1":
		pos := append([]float64(nil), p.objects["toolhead"]["position"].([]float64)...)
		for i, axis := range []byte("XYZE") {
			if v, ok := args[axis]; ok {
				pos[i] = v
			}
		}
		p.objects["toolhead"]["position"] = pos
		p.objects["gcode_move"]["gcode_position"] = append([]float64(nil), pos...)
	case "M114":
		pos := p.objects["toolhead"]["position"].([]float64)
		return fmt.Sprintf("X:%.3f Y:%.3f Z:%.3f E:%.3f", pos[0], pos[1], pos[2], pos[3]), nil
	case "M112":
		p.shutdownLocked("Shutdown due to M112 command")
	case "FIRMWARE_RESTART", "RESTART":
		p.reset()
		return "", nil
	case "G90", "G91", "G92", "M82", "M83", "M106", "M107", "M117", "M400", "M84":
	default:
		return "", &domain.RPCError{Code: 400, Message: fmt.Sprintf("Unknown command:%q", cmd)}
	}
	if p.objects["idle_timeout"]["state"] != "Printing" {
		p.objects["idle_timeout"]["state"] = "Ready"
	}
	return "", nil
}

// record appends to the console history. Stamps are strictly increasing so
// a reader can resume after the last one it saw.
func (p *Printer) record(msg, typ string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	stamp := p.eventtime()
	if stamp <= p.lastStamp {
		stamp = math.Round((p.lastStamp+0.001)*1000) / 1000
	}
	p.lastStamp = stamp
	p.store = append(p.store, GCodeEntry{Message: msg, Time: stamp, Type: typ})
	if len(p.store) > gcodeStoreSize {
		p.store = append([]GCodeEntry(nil), p.store[len(p.store)-gcodeStoreSize:]...)
	}
}

// GCodeStore returns up to count of the most recent console entries, oldest first.
func (p *Printer) GCodeStore(count int) []GCodeEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	if count <= 0 || count > len(p.store) {
		count = len(p.store)
	}
	return append([]GCodeEntry(nil), p.store[len(p.store)-count:]...)
}

func parseArgs(fields []string) map[byte]float64 {
	out := make(map[byte]float64, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(f[1:], 64)
		if err != nil {
			continue
		}
		out[strings.ToUpper(f[:1])[0]] = v
	}
	return out
}

// Step advances heater simulation by dt.
func (p *Printer) Step(dt time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	const ambient = 22.0
	rate := 1 - math.Exp(-dt.Seconds()/4)
	for _, h := range []string{"extruder", "heater_bed"} {
		obj := p.objects[h]
		temp := obj["temperature"].(float64)
		target := obj["target"].(float64)
		goal := target
		if target == 0 {
			goal = ambient
		}
		temp += (goal - temp) * rate
		obj["temperature"] = math.Round(temp*100) / 100
		if target > 0 && temp < target {
			obj["power"] = math.Min(1, (target-temp)/20)
		} else {
			obj["power"] = 0.0
		}
	}
}

// Run steps the simulation every interval and pushes notify_status_update to
// every connection that subscribed to objects, until ctx is done.
func (p *Printer) Run(ctx context.Context, s *Server, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Step(interval)
			p.pushStatus(s)
		}
	}
}

func (p *Printer) pushStatus(s *Server) {
	s.eachSubscriber(func(cc *clientConn, objects map[string][]string) {
		p.mu.Lock()
		status := p.selectLocked(objects)
		eventtime := p.eventtime()
		p.mu.Unlock()

		frame, err := domain.NewRequest("", "notify_status_update", []any{status, eventtime})
		if err != nil {
			return
		}
		data, err := json.Marshal(frame)
		if err != nil {
			return
		}
		s.enqueue(cc, data)
	})
}
