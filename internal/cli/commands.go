package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/kpidoff10/kidoo-app-sub000/internal/ble"
	"github.com/kpidoff10/kidoo-app-sub000/internal/ble/protocol"
	"github.com/kpidoff10/kidoo-app-sub000/internal/command"
	"github.com/kpidoff10/kidoo-app-sub000/internal/config"
	"github.com/kpidoff10/kidoo-app-sub000/internal/tracelog"
)

// --- Scan ---

type ScanCmd struct {
	Timeout time.Duration `help:"How long to scan (default from config)"`
}

func (c *ScanCmd) Run(globals *CLI) error {
	e, err := globals.env()
	if err != nil {
		return err
	}
	defer e.close()

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = e.cfg.BLE.ScanTimeout
	}
	ctx, cancel := signalContext()
	defer cancel()

	devices, err := ble.ScanForDevices(ctx, e.radio(), timeout)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Fprintln(stdout, "No Kidoo devices found.")
		return nil
	}
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(stdout, "%-20s %s  RSSI %d\n", name, d.Address, d.RSSI)
	}
	return nil
}

// --- Setup ---

type SetupCmd struct {
	SSID     string        `name:"ssid" required:"" help:"WiFi network name"`
	Password string        `help:"WiFi password (omit for open networks)"`
	Device   string        `help:"Device address (default from config)"`
	Timeout  time.Duration `help:"Command timeout (default from config)"`
}

func (c *SetupCmd) Run(globals *CLI) error {
	return runSetup(globals, c.Device, c.Timeout, &command.SetupParams{SSID: c.SSID, Password: c.Password})
}

// --- Status ---

type StatusCmd struct {
	Device  string        `help:"Device address (default from config)"`
	Timeout time.Duration `help:"Command timeout (default from config)"`
}

func (c *StatusCmd) Run(globals *CLI) error {
	return runSetup(globals, c.Device, c.Timeout, nil)
}

func runSetup(globals *CLI, device string, timeout time.Duration, params *command.SetupParams) error {
	e, err := globals.env()
	if err != nil {
		return err
	}
	defer e.close()

	ctx, cancel := signalContext()
	defer cancel()

	s, err := e.connect(ctx, device)
	if err != nil {
		return err
	}
	defer s.Close()

	reply, err := e.router().Setup(ctx, s, params, ble.TxOptions{Timeout: timeout})
	if err != nil {
		return err
	}
	return printSetup(stdout, reply, params != nil)
}

// printSetup reports a setup reply. Command acceptance and the WiFi join are
// separate lines, and a link drop after the write reads differently from a
// device that was never reachable.
func printSetup(w io.Writer, r command.SetupReply, provisioning bool) error {
	switch r.Outcome {
	case ble.OutcomeResponse:
	case ble.OutcomeDisconnected:
		if provisioning {
			fmt.Fprintln(w, "Credentials sent; the device closed the link (expected after applying WiFi settings).")
			return nil
		}
		return fmt.Errorf("device closed the link before replying: %w", r.Err())
	case ble.OutcomeNotConnected:
		return fmt.Errorf("device not connected, nothing was sent: %w", r.Err())
	default:
		return r.Err()
	}

	accepted := "no"
	if r.Response.Success {
		accepted = "yes"
	}
	fmt.Fprintf(w, "Accepted:  %s\n", accepted)
	if r.Response.Message != "" {
		fmt.Fprintf(w, "Message:   %s\n", r.Response.Message)
	}
	wifi := "unknown"
	if r.WiFiConnected != nil {
		wifi = "not connected"
		if *r.WiFiConnected {
			wifi = "connected"
		}
	}
	fmt.Fprintf(w, "WiFi:      %s\n", wifi)
	printString(w, "Device ID", r.DeviceID)
	printString(w, "MAC", r.MACAddress)
	printString(w, "Firmware", r.FirmwareVersion)
	printInt(w, "Brightness", r.Brightness)
	printInt(w, "Sleep", r.SleepTimeout)

	if !r.Response.Success {
		return errors.New("device rejected the command")
	}
	return nil
}

func printString(w io.Writer, label string, v *string) {
	if v != nil {
		fmt.Fprintf(w, "%-10s %s\n", label+":", *v)
	}
}

func printInt(w io.Writer, label string, v *int) {
	if v != nil {
		fmt.Fprintf(w, "%-10s %d\n", label+":", *v)
	}
}

// --- Decode ---

type DecodeCmd struct {
	Value string `arg:"" help:"Base64 characteristic value"`
}

func (c *DecodeCmd) Run(globals *CLI) error {
	payload, err := protocol.Decode(c.Value)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, string(out))
	return nil
}

// --- Trace ---

type TraceCmd struct {
	File string `arg:"" help:"Trace file written with --trace-file" type:"existingfile"`
	JSON bool   `name:"json" help:"Print events as JSON lines"`
}

func (c *TraceCmd) Run(globals *CLI) error {
	r, err := tracelog.NewReader(c.File)
	if err != nil {
		return err
	}
	defer r.Close()

	enc := json.NewEncoder(stdout)
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if c.JSON {
			if err := enc.Encode(ev); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintln(stdout, tracelog.Format(ev))
	}
}

// --- Init ---

type InitCmd struct{}

func (c *InitCmd) Run(globals *CLI) error {
	path, err := config.WriteDefault()
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Fprintf(stdout, "Config already exists at %s\n", config.DefaultConfigPath())
		return nil
	}
	fmt.Fprintf(stdout, "Wrote default config to %s\n", path)
	return nil
}
