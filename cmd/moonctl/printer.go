package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"moonrpc/pkg/moonraker"
)

// runGCode queues each argument, or each stdin line when there are none, and
// waits for the queue to drain.
func runGCode() error {
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

	failed := 0
	q := c.NewGCodeQueue(moonraker.GCodeQueueConfig{
		Timeout: rt.cfg.Printer.CallTimeout,
		OnError: func(script string, err error) {
			failed++
			fmt.Fprintf(os.Stderr, "%s: %v\n", script, err)
		},
	})

	scripts := rt.args.Positional
	if len(scripts) == 0 {
		scripts, err = readScripts(os.Stdin)
		if err != nil {
			_ = q.Close(ctx)
			return err
		}
	}
	for _, s := range scripts {
		if err := q.Enqueue(ctx, s); err != nil {
			_ = q.Close(ctx)
			return err
		}
	}
	if err := q.Close(ctx); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d scripts failed", failed, len(scripts))
	}
	return nil
}

// readScripts returns the non-blank lines of r.
func readScripts(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	return out, sc.Err()
}

func runLs() error {
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

	path := ""
	if len(rt.args.Positional) > 0 {
		path = rt.args.Positional[0]
	}
	dirs, files, err := c.ListDir(ctx, path)
	if err != nil {
		return err
	}
	writeListing(os.Stdout, dirs, files)
	return nil
}

func writeListing(w io.Writer, dirs, files []string) {
	for _, d := range dirs {
		fmt.Fprintf(w, "%s/\n", d)
	}
	for _, f := range files {
		fmt.Fprintln(w, f)
	}
}

// printerState is what the status command prints.
type printerState struct {
	Ready    string
	Paused   bool
	Position *moonraker.Position
	Endstops map[string]string
}

func runStatus() error {
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

	var st printerState
	if st.Ready, err = c.ReadyStatus(ctx); err != nil {
		return fmt.Errorf("idle_timeout: %w", err)
	}
	if st.Paused, err = c.Paused(ctx); err != nil {
		return fmt.Errorf("pause_resume: %w", err)
	}
	if st.Position, err = c.Position(ctx); err != nil {
		return fmt.Errorf("position: %w", err)
	}
	if st.Endstops, err = c.Endstops(ctx); err != nil {
		return fmt.Errorf("endstops: %w", err)
	}
	writeState(os.Stdout, st)
	return nil
}

func writeState(out io.Writer, st printerState) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "STATE\t%s\n", st.Ready)
	fmt.Fprintf(w, "PAUSED\t%t\n", st.Paused)
	if st.Position != nil {
		fmt.Fprintf(w, "POSITION\t%s\n", formatAxes(st.Position.GCode))
		fmt.Fprintf(w, "TOOLHEAD\t%s\n", formatAxes(st.Position.Toolhead))
		fmt.Fprintf(w, "HOMED\t%s\n", st.Position.HomedAxes)
	}
	for _, axis := range []string{"x", "y", "z"} {
		if v, ok := st.Endstops[axis]; ok {
			fmt.Fprintf(w, "ENDSTOP %s\t%s\n", strings.ToUpper(axis), v)
		}
	}
	w.Flush()
}

func formatAxes(pos []float64) string {
	parts := make([]string, 0, len(pos))
	for i, v := range pos {
		if i >= 4 {
			break
		}
		parts = append(parts, fmt.Sprintf("%c:%.3f", "XYZE"[i], v))
	}
	return strings.Join(parts, " ")
}

// runConsole prints new console lines until interrupted.
func runConsole() error {
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

	interval := rt.args.Interval
	if interval <= 0 {
		interval = time.Second
	}
	poller := c.NewCommandPoller(0)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		lines, err := poller.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, l := range lines {
			fmt.Fprintln(os.Stdout, l)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-c.Done():
			return moonraker.ErrDisconnected
		case <-ticker.C:
		}
	}
}
