// Package command maps Kidoo command names to typed request builders and
// response projections and runs them through a device session.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/kpidoff10/kidoo-app-sub000/internal/ble"
	"github.com/kpidoff10/kidoo-app-sub000/internal/ble/protocol"
)

var (
	// ErrUnknownCommand is returned by Dispatch for a name not in the
	// command table. It is a caller bug, never a device outcome.
	ErrUnknownCommand = errors.New("command: unknown command")
	// ErrInvalidParams is returned when params cannot build the command.
	ErrInvalidParams = errors.New("command: invalid parameters")
)

// Transactor runs one command exchange. *ble.Session implements it.
type Transactor interface {
	Transact(ctx context.Context, cmd protocol.Command, opts ble.TxOptions) ble.Result
}

var _ Transactor = (*ble.Session)(nil)

// Params are the untyped parameters of a dispatched command.
type Params map[string]any

// Reply is a dispatched command's result plus its typed projection. Value
// is nil unless Outcome is ble.OutcomeResponse.
type Reply struct {
	ble.Result
	Value any
}

// RouterOptions configures a Router.
type RouterOptions struct {
	// Timeout is used when a call does not set one.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Router dispatches commands by name.
type Router struct {
	timeout time.Duration
	log     *slog.Logger
}

// NewRouter returns a router.
func NewRouter(opts RouterOptions) *Router {
	if opts.Timeout <= 0 {
		opts.Timeout = ble.DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Router{timeout: opts.Timeout, log: opts.Logger}
}

// handler builds a command from params and projects a reply.
type handler struct {
	build   func(Params) (protocol.Command, error)
	project func(protocol.Response) any
}

// commands is keyed by lower-case name.
var commands = map[string]handler{
	SetupCommand: {build: buildSetup, project: projectSetup},
}

// Names lists the known command names, sorted.
func Names() []string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch looks name up case-insensitively, builds the command from params
// and runs it on t. The error is non-nil only for caller bugs: an unknown
// name or params that cannot form the command. Device outcomes, failures
// included, are reported in the Reply.
func (r *Router) Dispatch(ctx context.Context, t Transactor, name string, params Params, opts ble.TxOptions) (Reply, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	h, ok := commands[key]
	if !ok {
		return Reply{}, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}

	cmd, err := h.build(params)
	if err != nil {
		return Reply{}, fmt.Errorf("command: %s: %w", key, err)
	}
	// Encoding failures come from params, not from the device.
	if _, err := protocol.EncodeFrame(cmd); err != nil {
		return Reply{}, fmt.Errorf("command: %s: %w: %w", key, ErrInvalidParams, err)
	}

	if opts.Timeout <= 0 {
		opts.Timeout = r.timeout
	}
	r.log.Debug("[BLE] dispatch", "command", key, "timeout", opts.Timeout)

	res := t.Transact(ctx, cmd, opts)
	reply := Reply{Result: res}
	if res.Outcome == ble.OutcomeResponse {
		reply.Value = h.project(res.Response)
	}
	return reply, nil
}
