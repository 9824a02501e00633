package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"moonrpc/pkg/moonraker"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	if len(raw) == 0 {
		_, err := fmt.Fprintln(w, "null")
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

// connect starts a client for a one-shot command. The caller must Stop it.
func connect(ctx context.Context, rt *app) (*moonraker.Client, error) {
	c, err := newClient(rt.cfg, rt.log)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func runCall() error {
	rt, err := setup()
	if err != nil {
		return err
	}
	defer rt.stop()
	if len(rt.args.Positional) < 1 {
		return fmt.Errorf("usage: moonctl call <method> [params]")
	}
	params, err := parseParams(rt.args.Positional[1:])
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	c, err := connect(ctx, rt)
	if err != nil {
		return err
	}
	defer c.Stop()

	result, err := c.Call(ctx, rt.args.Positional[0], params, 0)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, result)
}

func runNotify() error {
	rt, err := setup()
	if err != nil {
		return err
	}
	defer rt.stop()
	if len(rt.args.Positional) < 1 {
		return fmt.Errorf("usage: moonctl notify <method> [params]")
	}
	params, err := parseParams(rt.args.Positional[1:])
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	c, err := connect(ctx, rt)
	if err != nil {
		return err
	}
	defer c.Stop()
	return c.Notify(ctx, rt.args.Positional[0], params)
}

func runInfo() error {
	rt, err := setup()
	if err != nil {
		return err
	}
	defer rt.stop()

	ctx, cancel := signalContext()
	defer cancel()
	c, err := connect(ctx, rt)
	if err != nil {
		return err
	}
	defer c.Stop()

	server, err := c.ServerInfo(ctx)
	if err != nil {
		return fmt.Errorf("server.info: %w", err)
	}
	printer, err := c.PrinterInfo(ctx)
	if err != nil {
		return fmt.Errorf("printer.info: %w", err)
	}
	writeInfo(os.Stdout, c.Endpoint(), server, printer)
	return nil
}

func writeInfo(out io.Writer, ep moonraker.Endpoint, server *moonraker.ServerInfo, printer *moonraker.PrinterInfo) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ENDPOINT\t%s\n", ep)
	fmt.Fprintf(w, "MOONRAKER\t%s (api %s)\n", server.MoonrakerVersion, server.APIVersionString)
	fmt.Fprintf(w, "KLIPPY\t%s (connected: %t)\n", server.KlippyState, server.KlippyConnected)
	fmt.Fprintf(w, "COMPONENTS\t%s\n", strings.Join(server.Components, ", "))
	if len(server.Warnings) > 0 {
		fmt.Fprintf(w, "WARNINGS\t%s\n", strings.Join(server.Warnings, "; "))
	}
	fmt.Fprintf(w, "PRINTER\t%s\n", printer.State)
	if printer.StateMessage != "" {
		fmt.Fprintf(w, "MESSAGE\t%s\n", printer.StateMessage)
	}
	fmt.Fprintf(w, "HOSTNAME\t%s\n", printer.Hostname)
	fmt.Fprintf(w, "KLIPPER\t%s\n", printer.SoftwareVersion)
	w.Flush()
}

func runHTTP() error {
	rt, err := setup()
	if err != nil {
		return err
	}
	defer rt.stop()
	if len(rt.args.Positional) < 1 {
		return fmt.Errorf("usage: moonctl http <method> [params]")
	}
	params, err := parseParams(rt.args.Positional[1:])
	if err != nil {
		return err
	}
	c, err := newHTTPClient(rt.cfg, rt.log)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	if rt.cfg.Printer.CallTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, rt.cfg.Printer.CallTimeout)
		defer cancel()
	}
	result, err := c.Call(ctx, rt.args.Positional[0], params)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, result)
}

func runWatch() error {
	rt, err := setup()
	if err != nil {
		return err
	}
	defer rt.stop()

	objects := parseObjects(rt.args.Positional)
	if len(objects) == 0 {
		objects = moonraker.Objects{"print_stats": nil, "toolhead": nil, "extruder": nil}
	}

	c, err := newClient(rt.cfg, rt.log)
	if err != nil {
		return err
	}
	defer c.Stop()

	c.OnStatusUpdate(func(_ context.Context, status map[string]json.RawMessage, eventtime float64) error {
		return writeStatus(os.Stdout, eventtime, status)
	})
	for _, topic := range rt.args.Topics {
		c.Subscribe(topic, func(_ context.Context, n moonraker.Notification) error {
			fmt.Fprintf(os.Stdout, "%s %s\n", n.Method, n.Params)
			return nil
		})
	}

	subscribe := func(ctx context.Context, c *moonraker.Client) error {
		initial, err := c.SubscribeObjects(ctx, objects)
		if err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		return writeStatus(os.Stdout, initial.EventTime, initial.Status)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if rt.cfg.Reconnect.Enabled {
		sc := supervisorConfig(rt.cfg)
		sc.OnConnect = subscribe
		err := moonraker.NewSupervisor(c, sc).Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	if err := c.Start(ctx); err != nil {
		return err
	}
	if err := subscribe(ctx, c); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return nil
	case <-c.Done():
		return moonraker.ErrDisconnected
	}
}

func writeStatus(w io.Writer, eventtime float64, status map[string]json.RawMessage) error {
	line, err := json.Marshal(struct {
		EventTime float64                    `json:"eventtime"`
		Status    map[string]json.RawMessage `json:"status"`
	}{eventtime, status})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", line)
	return err
}
