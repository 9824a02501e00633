package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"moonrpc/internal/infra/config"
	"moonrpc/internal/infra/logger"
	"moonrpc/internal/infra/tracer"
)

func main() {
	if len(os.Args) < 2 {
		showUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "--help", "-h", "help":
		showUsage()
		return
	case "call":
		err = runCall()
	case "notify":
		err = runNotify()
	case "watch":
		err = runWatch()
	case "info":
		err = runInfo()
	case "http":
		err = runHTTP()
	case "gcode":
		err = runGCode()
	case "status":
		err = runStatus()
	case "ls":
		err = runLs()
	case "console":
		err = runConsole()
	case "emulate":
		err = runEmulate()
	case "discover":
		err = runDiscover()
	case "encrypt":
		err = runEncrypt()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'moonctl --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`moonctl - Moonraker JSON-RPC client

USAGE:
    moonctl <COMMAND> [FLAGS] [ARGS]

COMMANDS:
    call <method> [params]     Send a request over the WebSocket and print the result
    notify <method> [params]   Send a notification (no reply expected)
    watch [object ...]         Subscribe to printer objects and print status updates
    info                       Print server and printer information
    http <method> [params]     Send a request over HTTP POST /server/jsonrpc
    gcode [script ...]         Queue gcode scripts (stdin lines when none given) and wait
    status                     Print idle state, pause flag, position and endstops
    ls [path]                  List a file root, or the roots when no path is given
    console                    Print new console lines as they appear
    emulate                    Run a local Moonraker emulator
    discover                   Browse the network for Moonraker instances (mdns builds)
    encrypt <value>            Encrypt a secret for the config file (needs MOONRPC_CONFIG_KEY)

FLAGS:
    -h, --help            Show this help message
    --config PATH         Config file (default: ./moonctl.yaml, or MOONRPC_CONFIG)
    --endpoint ADDR       Override printer.endpoint
    --timeout DURATION    Override printer.call_timeout
    --topic NAME          Extra notification topic to print (watch, repeatable)
    --interval DURATION   Poll interval for console (default: 1s)

CONFIGURATION:
    Config file: YAML, or TOML when the name ends in .toml
    Environment: MOONRPC_* variables override config; .env is loaded if present

EXAMPLES:
    moonctl info
    moonctl call printer.objects.query '{"objects":{"toolhead":null}}'
    moonctl watch toolhead extruder --topic notify_gcode_response
    moonctl http printer.gcode.script '{"script":"G28"}'
    moonctl gcode G28 "G1 X50 Y50 F3000"
    moonctl ls gcodes/calibration
    moonctl emulate --config emulator.yaml`)
}

// cliArgs holds flags common to every command plus leftover positional args.
type cliArgs struct {
	Config     string
	Endpoint   string
	Timeout    time.Duration
	Interval   time.Duration
	Topics     []string
	Positional []string
}

// parseArgs parses the arguments that follow the command name.
func parseArgs(args []string) (cliArgs, error) {
	var a cliArgs
	value := func(i *int, name string) (string, error) {
		arg := args[*i]
		if v, ok := strings.CutPrefix(arg, name+"="); ok {
			return v, nil
		}
		if *i+1 >= len(args) {
			return "", fmt.Errorf("%s requires a value", name)
		}
		*i++
		return args[*i], nil
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, _, _ := strings.Cut(arg, "=")
		switch name {
		case "--config", "--endpoint", "--timeout", "--interval", "--topic":
			v, err := value(&i, name)
			if err != nil {
				return a, err
			}
			switch name {
			case "--config":
				a.Config = v
			case "--endpoint":
				a.Endpoint = v
			case "--timeout":
				d, err := time.ParseDuration(v)
				if err != nil {
					return a, fmt.Errorf("--timeout: %w", err)
				}
				a.Timeout = d
			case "--interval":
				d, err := time.ParseDuration(v)
				if err != nil {
					return a, fmt.Errorf("--interval: %w", err)
				}
				a.Interval = d
			case "--topic":
				a.Topics = append(a.Topics, v)
			}
		default:
			if strings.HasPrefix(arg, "--") {
				return a, fmt.Errorf("unknown flag %s", arg)
			}
			a.Positional = append(a.Positional, arg)
		}
	}
	return a, nil
}

func configPath(a cliArgs) string {
	if a.Config != "" {
		return a.Config
	}
	if p := os.Getenv("MOONRPC_CONFIG"); p != "" {
		return p
	}
	return "moonctl.yaml"
}

// app bundles what every command needs after startup.
type app struct {
	cfg  *config.Config
	args cliArgs
	log  *slog.Logger
	stop func()
}

// setup loads .env and config, then starts the logger and tracer.
func setup() (*app, error) {
	_ = godotenv.Load()

	args, err := parseArgs(os.Args[2:])
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(configPath(args))
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if args.Endpoint != "" {
		cfg.Printer.Endpoint = args.Endpoint
	}
	if args.Timeout != 0 {
		cfg.Printer.CallTimeout = args.Timeout
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	tracerShutdown, err := tracer.Setup(context.Background(), cfg.Tracer)
	if err != nil {
		_ = logCloser()
		return nil, fmt.Errorf("tracer: %w", err)
	}

	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerShutdown(ctx); err != nil {
			log.Warn("tracer shutdown", "error", err)
		}
		_ = logCloser()
	}
	return &app{cfg: cfg, args: args, log: log, stop: stop}, nil
}
