// Package cli implements the kidoo command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kpidoff10/kidoo-app-sub000/internal/ble"
	"github.com/kpidoff10/kidoo-app-sub000/internal/command"
	"github.com/kpidoff10/kidoo-app-sub000/internal/config"
	"github.com/kpidoff10/kidoo-app-sub000/internal/tracelog"
)

// CLI is the root command structure for kidoo.
type CLI struct {
	Config    string `help:"Path to config file (default: ~/.config/kidoo/config.yaml)" type:"path" placeholder:"PATH"`
	Verbose   bool   `short:"v" help:"Enable debug logging"`
	LogLevel  string `help:"Override log level (debug, info, warn, error)" placeholder:"LEVEL"`
	TraceFile string `help:"Append a CBOR protocol trace to FILE" type:"path" placeholder:"FILE"`

	Scan   ScanCmd   `cmd:"" help:"Scan for Kidoo devices"`
	Setup  SetupCmd  `cmd:"" help:"Provision WiFi credentials"`
	Status StatusCmd `cmd:"" help:"Read the device's current configuration"`
	Decode DecodeCmd `cmd:"" help:"Decode a captured base64 characteristic value"`
	Trace  TraceCmd  `cmd:"" help:"Print a protocol trace file"`
	Init   InitCmd   `cmd:"" help:"Write a default config file"`
}

// Replaced in tests.
var (
	newAdapter = func(cfg *config.Config) ble.Adapter {
		return ble.NewTinyGoAdapter(cfg.BLE.Adapter)
	}
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// env is what a command needs once flags and config are applied.
type env struct {
	cfg     *config.Config
	log     *slog.Logger
	tracer  tracelog.Logger
	adapter ble.Adapter
	closers []io.Closer
}

func (c *CLI) env() (*env, error) {
	var cfg *config.Config
	var err error
	if c.Config != "" {
		cfg, err = config.Load(c.Config)
	} else {
		cfg, err = config.LoadOrDefault(config.DefaultConfigPath())
	}
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if c.LogLevel != "" {
		cfg.LogLevel = c.LogLevel
	}
	if c.Verbose {
		cfg.LogLevel = "debug"
	}
	if c.TraceFile != "" {
		cfg.Trace.File = c.TraceFile
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)}))
	slog.SetDefault(log)

	e := &env{cfg: cfg, log: log}
	tracers := []tracelog.Logger{tracelog.NewSlogAdapter(log)}
	if cfg.Trace.File != "" {
		fl, err := tracelog.NewFileLogger(cfg.Trace.File)
		if err != nil {
			return nil, err
		}
		tracers = append(tracers, fl)
		e.closers = append(e.closers, fl)
	}
	e.tracer = tracelog.NewMultiLogger(tracers...)
	return e, nil
}

// radio returns the BLE adapter, creating it on first use.
func (e *env) radio() ble.Adapter {
	if e.adapter == nil {
		e.adapter = newAdapter(e.cfg)
		if c, ok := e.adapter.(io.Closer); ok {
			e.closers = append(e.closers, c)
		}
	}
	return e.adapter
}

func (e *env) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].Close(); err != nil {
			e.log.Warn("close failed", "error", err)
		}
	}
}

func (e *env) sessionOptions() ble.SessionOptions {
	return ble.SessionOptions{Logger: e.log, Tracer: e.tracer}
}

func (e *env) connectOptions() ble.ConnectOptions {
	opts := ble.DefaultConnectOptions()
	opts.Timeout = e.cfg.BLE.ConnectTimeout
	opts.Retries = e.cfg.BLE.ConnectRetries
	opts.ReconnectMax = e.cfg.BLE.ReconnectMax
	opts.Session = e.sessionOptions()
	return opts
}

func (e *env) router() *command.Router {
	return command.NewRouter(command.RouterOptions{Timeout: e.cfg.BLE.CommandTimeout, Logger: e.log})
}

// address picks the target device: the flag, then config, then the only
// Kidoo found by a scan.
func (e *env) address(ctx context.Context, flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if e.cfg.Device != "" {
		return e.cfg.Device, nil
	}
	e.log.Info("[BLE] no device configured, scanning", "timeout", e.cfg.BLE.ScanTimeout)
	devices, err := ble.ScanForDevices(ctx, e.radio(), e.cfg.BLE.ScanTimeout)
	if err != nil {
		return "", err
	}
	switch len(devices) {
	case 0:
		return "", errors.New("no Kidoo device found; pass --device or set device in config")
	case 1:
		return devices[0].Address, nil
	default:
		return "", fmt.Errorf("found %d Kidoo devices; pass --device to choose one", len(devices))
	}
}

// connect opens a session to the target device.
func (e *env) connect(ctx context.Context, flag string) (*ble.Session, error) {
	addr, err := e.address(ctx, flag)
	if err != nil {
		return nil, err
	}
	return ble.ConnectWithRetry(ctx, e.radio(), addr, e.connectOptions())
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
