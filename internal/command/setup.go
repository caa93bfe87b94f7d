package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/kpidoff10/kidoo-app-sub000/internal/ble"
	"github.com/kpidoff10/kidoo-app-sub000/internal/ble/protocol"
)

// SetupCommand provisions WiFi credentials. Without credentials it reads the
// device's current configuration.
const SetupCommand = "setup"

// SetupParams are the WiFi credentials to provision. Password is optional
// for open networks.
type SetupParams struct {
	SSID     string
	Password string
}

// Params returns p in untyped form for Dispatch.
func (p *SetupParams) Params() Params {
	if p == nil {
		return nil
	}
	out := Params{}
	if p.SSID != "" {
		out["ssid"] = p.SSID
	}
	if p.Password != "" {
		out["password"] = p.Password
	}
	return out
}

// SetupInfo is the projection of a setup reply. Every field is optional;
// firmware may omit any of them.
type SetupInfo struct {
	// WiFiConnected reports whether the requested join succeeded. It is
	// separate from the reply's success flag: a device can accept the
	// command and still fail to join.
	WiFiConnected   *bool
	DeviceID        *string
	MACAddress      *string
	Brightness      *int
	SleepTimeout    *int
	FirmwareVersion *string
}

// SetupReply is the typed result of a setup command.
type SetupReply struct {
	ble.Result
	SetupInfo
}

// Joined reports whether the device accepted the command and joined WiFi.
func (r SetupReply) Joined() bool {
	return r.Success() && r.WiFiConnected != nil && *r.WiFiConnected
}

// Setup sends setup with p, or the status form when p is nil or empty.
func (r *Router) Setup(ctx context.Context, t Transactor, p *SetupParams, opts ble.TxOptions) (SetupReply, error) {
	reply, err := r.Dispatch(ctx, t, SetupCommand, p.Params(), opts)
	if err != nil {
		return SetupReply{}, err
	}
	out := SetupReply{Result: reply.Result}
	if info, ok := reply.Value.(SetupInfo); ok {
		out.SetupInfo = info
	}
	return out, nil
}

var errPasswordWithoutSSID = errors.New("password given without ssid")

func buildSetup(params Params) (protocol.Command, error) {
	cmd := protocol.NewCommand(SetupCommand)
	for key := range params {
		if key != "ssid" && key != "password" {
			return protocol.Command{}, fmt.Errorf("%w: unexpected %q", ErrInvalidParams, key)
		}
	}

	ssid, err := optionalString(params, "ssid")
	if err != nil {
		return protocol.Command{}, err
	}
	password, err := optionalString(params, "password")
	if err != nil {
		return protocol.Command{}, err
	}
	if ssid == "" {
		if password != "" {
			return protocol.Command{}, fmt.Errorf("%w: %w", ErrInvalidParams, errPasswordWithoutSSID)
		}
		return cmd, nil
	}

	cmd = cmd.With("ssid", ssid)
	if password != "" {
		cmd = cmd.With("password", password)
	}
	return cmd, nil
}

func optionalString(params Params, key string) (string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string, got %T", ErrInvalidParams, key, v)
	}
	return s, nil
}

func projectSetup(resp protocol.Response) any {
	p := resp.Payload
	return SetupInfo{
		WiFiConnected:   boolField(p, "wifiConnected"),
		DeviceID:        stringField(p, "deviceId"),
		MACAddress:      stringField(p, "macAddress"),
		Brightness:      intField(p, "brightness"),
		SleepTimeout:    intField(p, "sleepTimeout"),
		FirmwareVersion: stringField(p, "firmwareVersion"),
	}
}
