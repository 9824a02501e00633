package moonraker

import (
	"context"
	"encoding/json"
	"time"
)

// Well-known notification methods.
const (
	NotifyStatusUpdate     = "notify_status_update"
	NotifyKlippyReady      = "notify_klippy_ready"
	NotifyKlippyShutdown   = "notify_klippy_shutdown"
	NotifyKlippyDisconnect = "notify_klippy_disconnected"
	NotifyGCodeResponse    = "notify_gcode_response"
	NotifyFileListChanged  = "notify_filelist_changed"
	NotifyHistoryChanged   = "notify_history_changed"
	NotifyProcStatUpdate   = "notify_proc_stat_update"
)

// ServerInfo is the result of server.info.
type ServerInfo struct {
	KlippyConnected  bool     `json:"klippy_connected"`
	KlippyState      string   `json:"klippy_state"`
	Components       []string `json:"components"`
	FailedComponents []string `json:"failed_components"`
	Warnings         []string `json:"warnings"`
	WebsocketCount   int      `json:"websocket_count"`
	MoonrakerVersion string   `json:"moonraker_version"`
	APIVersion       []int    `json:"api_version"`
	APIVersionString string   `json:"api_version_string"`
}

// PrinterInfo is the result of printer.info.
type PrinterInfo struct {
	State           string `json:"state"`
	StateMessage    string `json:"state_message"`
	Hostname        string `json:"hostname"`
	SoftwareVersion string `json:"software_version"`
	CPUInfo         string `json:"cpu_info"`
	KlipperPath     string `json:"klipper_path"`
	PythonPath      string `json:"python_path"`
	LogFile         string `json:"log_file"`
	ConfigFile      string `json:"config_file"`
}

// ClientIdentity is sent by server.connection.identify.
type ClientIdentity struct {
	Name        string `json:"client_name"`
	Version     string `json:"version"`
	Type        string `json:"type"` // web, mobile, desktop, display, bot, agent or other
	URL         string `json:"url"`
	APIKey      string `json:"api_key,omitempty"`
	AccessToken string `json:"access_token,omitempty"` // JWT
}

// ObjectStatus is the result of printer.objects.query and .subscribe.
type ObjectStatus struct {
	EventTime float64                    `json:"eventtime"`
	Status    map[string]json.RawMessage `json:"status"`
}

// Objects selects printer objects and fields. A nil field list means all fields.
type Objects map[string][]string

// ServerInfo calls server.info.
func (c *Client) ServerInfo(ctx context.Context) (*ServerInfo, error) {
	var out ServerInfo
	if err := c.CallInto(ctx, "server.info", nil, 0, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PrinterInfo calls printer.info.
func (c *Client) PrinterInfo(ctx context.Context) (*PrinterInfo, error) {
	var out PrinterInfo
	if err := c.CallInto(ctx, "printer.info", nil, 0, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Identify registers this connection with the server and returns the
// connection id it assigns.
func (c *Client) Identify(ctx context.Context, id ClientIdentity) (int64, error) {
	var out struct {
		ConnectionID int64 `json:"connection_id"`
	}
	if err := c.CallInto(ctx, "server.connection.identify", id, 0, &out); err != nil {
		return 0, err
	}
	return out.ConnectionID, nil
}

// ListObjects calls printer.objects.list.
func (c *Client) ListObjects(ctx context.Context) ([]string, error) {
	var out struct {
		Objects []string `json:"objects"`
	}
	if err := c.CallInto(ctx, "printer.objects.list", nil, 0, &out); err != nil {
		return nil, err
	}
	return out.Objects, nil
}

// QueryObjects returns the current status of the selected objects.
func (c *Client) QueryObjects(ctx context.Context, objects Objects) (*ObjectStatus, error) {
	return c.objects(ctx, "printer.objects.query", objects)
}

// SubscribeObjects asks the server to push changes of the selected objects as
// notify_status_update and returns their current status.
func (c *Client) SubscribeObjects(ctx context.Context, objects Objects) (*ObjectStatus, error) {
	return c.objects(ctx, "printer.objects.subscribe", objects)
}

func (c *Client) objects(ctx context.Context, method string, objects Objects) (*ObjectStatus, error) {
	var out ObjectStatus
	params := map[string]Objects{"objects": objects}
	if err := c.CallInto(ctx, method, params, 0, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunGCode executes a gcode script and waits for it to finish.
// Long running scripts need a generous timeout.
func (c *Client) RunGCode(ctx context.Context, script string, timeout time.Duration) error {
	_, err := c.Call(ctx, "printer.gcode.script", map[string]string{"script": script}, timeout)
	return err
}

// EmergencyStop calls printer.emergency_stop.
func (c *Client) EmergencyStop(ctx context.Context) error {
	_, err := c.Call(ctx, "printer.emergency_stop", nil, 0)
	return err
}

// RestartPrinter calls printer.restart, or printer.firmware_restart when
// firmware is true.
func (c *Client) RestartPrinter(ctx context.Context, firmware bool) error {
	method := "printer.restart"
	if firmware {
		method = "printer.firmware_restart"
	}
	_, err := c.Call(ctx, method, nil, 0)
	return err
}

// StartPrint starts printing filename from the gcodes root.
func (c *Client) StartPrint(ctx context.Context, filename string) error {
	_, err := c.Call(ctx, "printer.print.start", map[string]string{"filename": filename}, 0)
	return err
}

// PausePrint pauses the active job.
func (c *Client) PausePrint(ctx context.Context) error { return c.simple(ctx, "printer.print.pause") }

// ResumePrint resumes a paused job.
func (c *Client) ResumePrint(ctx context.Context) error { return c.simple(ctx, "printer.print.resume") }

// CancelPrint aborts the active job.
func (c *Client) CancelPrint(ctx context.Context) error { return c.simple(ctx, "printer.print.cancel") }

func (c *Client) simple(ctx context.Context, method string) error {
	_, err := c.Call(ctx, method, nil, 0)
	return err
}

// StatusHandler receives the decoded payload of notify_status_update.
type StatusHandler func(ctx context.Context, status map[string]json.RawMessage, eventtime float64) error

// OnStatusUpdate subscribes to notify_status_update. Moonraker sends the
// params as [status, eventtime].
func (c *Client) OnStatusUpdate(handler StatusHandler) Handle {
	return c.Subscribe(NotifyStatusUpdate, func(ctx context.Context, n Notification) error {
		var status map[string]json.RawMessage
		if err := n.Arg(0, &status); err != nil {
			return err
		}
		var eventtime float64
		if err := n.Arg(1, &eventtime); err != nil {
			c.logger.Debug("status update without eventtime", "error", err)
		}
		return handler(ctx, status, eventtime)
	})
}
