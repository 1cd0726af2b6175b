package dapp

import (
	"context"
	"errors"
	"sync"

	"panthalassa/go-core/pkg/models"
)

var ErrNoNativeApp = errors.New("no native app registered for signing key")

// NativeApp is a DApp implemented in Go. Handlers run on their own
// goroutine and answer through the Host they receive.
type NativeApp struct {
	OnBoot   func(ctx context.Context, host Host) error
	OnCall   func(host Host, callID int64, args string)
	OnOpen   func(host Host, openContext string)
	OnRender func(host Host, callID int64, payload string)
}

// EchoApp answers every call and render with its input.
func EchoApp() NativeApp {
	return NativeApp{
		OnCall: func(host Host, callID int64, args string) {
			_ = host.Respond(callID, args, "")
		},
		OnRender: func(host Host, callID int64, payload string) {
			_ = host.Respond(callID, payload, "")
		},
	}
}

// NativeEngine boots NativeApps registered by signing key.
type NativeEngine struct {
	mu       sync.RWMutex
	apps     map[string]NativeApp
	fallback *NativeApp
}

func NewNativeEngine() *NativeEngine {
	return &NativeEngine{apps: make(map[string]NativeApp)}
}

func (e *NativeEngine) Register(signingKey string, app NativeApp) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.apps[signingKey] = app
}

// SetFallback serves signing keys without a registered app.
func (e *NativeEngine) SetFallback(app NativeApp) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fallback = &app
}

func (e *NativeEngine) Boot(ctx context.Context, bundle models.DAppBundle, host Host) (Instance, error) {
	e.mu.RLock()
	app, ok := e.apps[bundle.SigningKey]
	if !ok && e.fallback != nil {
		app, ok = *e.fallback, true
	}
	e.mu.RUnlock()
	if !ok {
		return nil, ErrNoNativeApp
	}
	if app.OnBoot != nil {
		if err := app.OnBoot(ctx, host); err != nil {
			return nil, err
		}
	}
	return &nativeInstance{app: app, host: host, done: make(chan struct{})}, nil
}

type nativeInstance struct {
	app       NativeApp
	host      Host
	closeOnce sync.Once
	done      chan struct{}
}

var errInstanceClosed = errors.New("dapp instance is closed")

func (i *nativeInstance) Call(callID int64, args string) error {
	if i.closed() {
		return errInstanceClosed
	}
	if i.app.OnCall == nil {
		return errors.New("dapp does not accept calls")
	}
	go i.app.OnCall(i.host, callID, args)
	return nil
}

func (i *nativeInstance) Open(openContext string) error {
	if i.closed() {
		return errInstanceClosed
	}
	if i.app.OnOpen != nil {
		go i.app.OnOpen(i.host, openContext)
	}
	return nil
}

func (i *nativeInstance) Render(callID int64, payload string) error {
	if i.closed() {
		return errInstanceClosed
	}
	if i.app.OnRender == nil {
		return errors.New("dapp does not render messages")
	}
	go i.app.OnRender(i.host, callID, payload)
	return nil
}

func (i *nativeInstance) Close() {
	i.closeOnce.Do(func() { close(i.done) })
}

func (i *nativeInstance) closed() bool {
	select {
	case <-i.done:
		return true
	default:
		return false
	}
}
