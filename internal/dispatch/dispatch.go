// Package dispatch routes named commands from the host to their handlers.
//
// The registry is fixed at construction. Every command names the subsystem
// it needs; a command whose subsystem is down fails with NotStarted before
// its handler runs. Handlers decode and validate their payload before any
// side effect, so a failed command leaves state unchanged.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"panthalassa/go-core/internal/apperr"
)

type Subsystem string

const (
	// SubsystemNone marks stateless commands.
	SubsystemNone    Subsystem = ""
	SubsystemRuntime Subsystem = "runtime"
	SubsystemChat    Subsystem = "chat"
	SubsystemDApp    Subsystem = "dapp"
)

// Handler runs one command. A string result is returned verbatim, Raw is
// returned verbatim, anything else is encoded as JSON.
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

type Command struct {
	Name     string
	Requires Subsystem
	Handle   Handler
}

// Raw is a result that already is the wire form.
type Raw string

// Recorder receives one observation per dispatched command.
type Recorder interface {
	CommandDispatched(command, code string, took time.Duration)
}

type Dispatcher struct {
	commands map[string]Command
	ready    func(Subsystem) bool
	mapErr   func(error) error
	recorder Recorder
	logger   *slog.Logger
}

type Option func(*Dispatcher)

// WithErrorMapper translates domain errors into *apperr.Error values.
func WithErrorMapper(fn func(error) error) Option {
	return func(d *Dispatcher) {
		d.mapErr = fn
	}
}

func WithRecorder(recorder Recorder) Option {
	return func(d *Dispatcher) {
		d.recorder = recorder
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// New builds the registry. ready reports whether a subsystem is up.
func New(ready func(Subsystem) bool, commands []Command, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		commands: make(map[string]Command, len(commands)),
		ready:    ready,
		logger:   slog.Default(),
	}
	for _, cmd := range commands {
		if cmd.Name == "" || cmd.Handle == nil {
			return nil, fmt.Errorf("command %q is incomplete", cmd.Name)
		}
		if _, dup := d.commands[cmd.Name]; dup {
			return nil, fmt.Errorf("command %q registered twice", cmd.Name)
		}
		d.commands[cmd.Name] = cmd
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Dispatch runs the command synchronously and returns its encoded result.
func (d *Dispatcher) Dispatch(ctx context.Context, name, payload string) (string, error) {
	started := time.Now()
	result, err := d.dispatch(ctx, name, payload)
	code := "ok"
	if err != nil {
		code = apperr.CodeOf(err)
		d.logger.Debug("command failed", "command", name, "code", code, "reason", err.Error())
	}
	if d.recorder != nil {
		recorded := name
		if _, known := d.commands[name]; !known {
			recorded = "unknown"
		}
		d.recorder.CommandDispatched(recorded, code, time.Since(started))
	}
	return result, err
}

func (d *Dispatcher) dispatch(ctx context.Context, name, payload string) (string, error) {
	cmd, ok := d.commands[name]
	if !ok {
		return "", apperr.Wrap(apperr.ErrUnknownCommand, "%q", name)
	}
	if cmd.Requires != SubsystemNone && (d.ready == nil || !d.ready(cmd.Requires)) {
		return "", apperr.Wrap(apperr.ErrNotStarted, "%s requires %s", name, cmd.Requires)
	}

	raw := json.RawMessage(strings.TrimSpace(payload))
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if !json.Valid(raw) {
		return "", apperr.Validation("%s: payload is not valid JSON", name)
	}

	result, err := cmd.Handle(ctx, raw)
	if err != nil {
		return "", d.mapError(err)
	}
	return encodeResult(result)
}

// Names lists registered commands in order.
func (d *Dispatcher) Names() []string {
	out := make([]string, 0, len(d.commands))
	for name := range d.commands {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (d *Dispatcher) mapError(err error) error {
	if d.mapErr != nil {
		err = d.mapErr(err)
	}
	return apperr.Internal(err)
}

func encodeResult(result any) (string, error) {
	switch v := result.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case Raw:
		return string(v), nil
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return "", apperr.Internal(err)
	}
	return string(encoded), nil
}

// Decode strictly decodes payload into T. Unknown fields are rejected.
func Decode[T any](payload json.RawMessage) (T, error) {
	var out T
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, apperr.Validation("invalid payload: %v", err)
	}
	if dec.More() {
		return out, apperr.Validation("invalid payload: trailing data")
	}
	return out, nil
}

// Required fails with a validation error naming the first empty field.
func Required(fields ...string) error {
	for i := 0; i+1 < len(fields); i += 2 {
		if strings.TrimSpace(fields[i+1]) == "" {
			return apperr.Validation("%s is required", fields[i])
		}
	}
	return nil
}
