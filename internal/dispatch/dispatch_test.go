package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"panthalassa/go-core/internal/apperr"
)

type recorder struct {
	mu    sync.Mutex
	codes map[string][]string
}

func (r *recorder) CommandDispatched(command, code string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.codes == nil {
		r.codes = make(map[string][]string)
	}
	r.codes[command] = append(r.codes[command], code)
}

var errDomain = errors.New("domain rule violated")

type flagState struct {
	mu   sync.Mutex
	read map[string]bool
}

func newTestDispatcher(t *testing.T, started *bool, state *flagState, rec Recorder) *Dispatcher {
	t.Helper()
	type markPayload struct {
		Partner string `json:"partner"`
	}
	commands := []Command{
		{Name: "echo", Handle: func(_ context.Context, payload json.RawMessage) (any, error) {
			return Raw(payload), nil
		}},
		{Name: "chat.mark_read", Requires: SubsystemChat, Handle: func(_ context.Context, payload json.RawMessage) (any, error) {
			req, err := Decode[markPayload](payload)
			if err != nil {
				return nil, err
			}
			if err := Required("partner", req.Partner); err != nil {
				return nil, err
			}
			state.mu.Lock()
			defer state.mu.Unlock()
			state.read[req.Partner] = true
			return map[string]bool{"ok": true}, nil
		}},
		{Name: "fail", Handle: func(context.Context, json.RawMessage) (any, error) {
			return nil, errDomain
		}},
		{Name: "broken", Handle: func(context.Context, json.RawMessage) (any, error) {
			return nil, errors.New("disk on fire")
		}},
	}
	d, err := New(func(s Subsystem) bool { return *started && s == SubsystemChat }, commands,
		WithRecorder(rec),
		WithErrorMapper(func(err error) error {
			if errors.Is(err, errDomain) {
				return apperr.Validation("%v", err)
			}
			return err
		}))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return d
}

func TestDispatchUnknownCommandHasNoSideEffect(t *testing.T) {
	started := true
	state := &flagState{read: map[string]bool{}}
	rec := &recorder{}
	d := newTestDispatcher(t, &started, state, rec)

	_, err := d.Dispatch(context.Background(), "chat.delete_everything", `{}`)
	if !errors.Is(err, apperr.ErrUnknownCommand) || apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected unknown_command validation error, got %v", err)
	}
	if len(state.read) != 0 {
		t.Fatal("unknown command must not touch state")
	}
	if got := rec.codes["unknown"]; len(got) != 1 || got[0] != "unknown_command" {
		t.Fatalf("unexpected recorded codes: %v", rec.codes)
	}
}

func TestDispatchRequiresSubsystem(t *testing.T) {
	started := false
	state := &flagState{read: map[string]bool{}}
	d := newTestDispatcher(t, &started, state, nil)

	if _, err := d.Dispatch(context.Background(), "chat.mark_read", `{"partner":"p"}`); !errors.Is(err, apperr.ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	started = true
	out, err := d.Dispatch(context.Background(), "chat.mark_read", `{"partner":"p"}`)
	if err != nil || out != `{"ok":true}` {
		t.Fatalf("mark read: out=%q err=%v", out, err)
	}
	if !state.read["p"] {
		t.Fatal("expected flag to be set")
	}
}

func TestDispatchValidatesPayloadBeforeHandling(t *testing.T) {
	started := true
	state := &flagState{read: map[string]bool{}}
	d := newTestDispatcher(t, &started, state, nil)

	cases := []string{`{"partner":""}`, `{"partner":"p","extra":1}`, `{not json`, `{"partner":"p"} {}`}
	for _, payload := range cases {
		_, err := d.Dispatch(context.Background(), "chat.mark_read", payload)
		if apperr.KindOf(err) != apperr.KindValidation {
			t.Fatalf("payload %q: expected validation error, got %v", payload, err)
		}
	}
	if len(state.read) != 0 {
		t.Fatalf("rejected payloads must not change state: %v", state.read)
	}
}

func TestDispatchResultEncodingAndErrorMapping(t *testing.T) {
	started := true
	d := newTestDispatcher(t, &started, &flagState{read: map[string]bool{}}, nil)

	out, err := d.Dispatch(context.Background(), "echo", ` {"a":[1,2]} `)
	if err != nil || out != `{"a":[1,2]}` {
		t.Fatalf("echo: out=%q err=%v", out, err)
	}
	out, err = d.Dispatch(context.Background(), "echo", "")
	if err != nil || out != "{}" {
		t.Fatalf("empty payload: out=%q err=%v", out, err)
	}
	if _, err := d.Dispatch(context.Background(), "fail", ""); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected mapped validation error, got %v", err)
	}
	_, err = d.Dispatch(context.Background(), "broken", "")
	if apperr.KindOf(err) != apperr.KindInternal || err.Error() != "disk on fire" {
		t.Fatalf("expected internal error, got %v", err)
	}
}

func TestNewRejectsDuplicateNames(t *testing.T) {
	handler := func(context.Context, json.RawMessage) (any, error) { return nil, nil }
	_, err := New(nil, []Command{{Name: "a", Handle: handler}, {Name: "a", Handle: handler}})
	if err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	d, err := New(nil, []Command{{Name: "b", Handle: handler}, {Name: "a", Handle: handler}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if names := d.Names(); len(names) != 2 || names[0] != "a" {
		t.Fatalf("unexpected names: %v", names)
	}
}
