package dapp

import (
	"context"

	"panthalassa/go-core/pkg/models"
)

// UI events of the hosted engine.
const (
	EventBoot    = "dapp.boot"
	EventCall    = "dapp.call"
	EventOpen    = "dapp.open"
	EventRender  = "dapp.render"
	EventStopped = "dapp.stopped"
)

// HostedEngine runs DApp code inside the host renderer. Boot is a
// correlated UI request the host acknowledges with SendResponse; calls are
// pushed as UI events and answered the same way.
type HostedEngine struct{}

func NewHostedEngine() *HostedEngine {
	return &HostedEngine{}
}

type bootPayload struct {
	Name  string `json:"name,omitempty"`
	Code  string `json:"code,omitempty"`
	Image string `json:"image,omitempty"`
}

// callPayload always carries id; 0 is a valid host chosen call id.
type callPayload struct {
	ID   int64  `json:"id"`
	Args string `json:"args,omitempty"`
}

type openPayload struct {
	Context string `json:"context,omitempty"`
}

func (e *HostedEngine) Boot(ctx context.Context, bundle models.DAppBundle, host Host) (Instance, error) {
	if _, err := host.Ask(ctx, EventBoot, bootPayload{Name: bundle.Name, Code: bundle.Code, Image: bundle.Image}); err != nil {
		return nil, err
	}
	return &hostedInstance{host: host}, nil
}

type hostedInstance struct {
	host Host
}

func (i *hostedInstance) Call(callID int64, args string) error {
	return i.host.Emit(EventCall, callPayload{ID: callID, Args: args})
}

func (i *hostedInstance) Open(openContext string) error {
	return i.host.Emit(EventOpen, openPayload{Context: openContext})
}

func (i *hostedInstance) Render(callID int64, payload string) error {
	return i.host.Emit(EventRender, callPayload{ID: callID, Args: payload})
}

func (i *hostedInstance) Close() {
	_ = i.host.Emit(EventStopped, nil)
}
