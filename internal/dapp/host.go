package dapp

import (
	"context"
	"errors"
	"time"

	"panthalassa/go-core/internal/apperr"
	"panthalassa/go-core/internal/upstream"
)

// Requests a DApp may send to the host client.
const (
	RequestShowModal       = "show_modal"
	RequestSendTransaction = "send_eth_transaction"
	RequestSaveDApp        = "save_dapp"
)

var (
	ErrRateLimited      = &apperr.Error{Kind: apperr.KindState, Code: "rate_limited", Message: "dapp host request rate limit exceeded"}
	ErrUnknownRequest   = &apperr.Error{Kind: apperr.KindValidation, Code: "unknown_request", Message: "unknown host request type"}
	ErrUpstreamNotWired = errors.New("upstream channel is not configured")
)

var knownRequests = map[string]struct{}{
	RequestShowModal:       {},
	RequestSendTransaction: {},
	RequestSaveDApp:        {},
}

// Host is what DApp code can reach. Each booted DApp gets its own Host,
// scoped to its signing key.
type Host interface {
	SigningKey() string
	// Respond answers a call the runtime delivered to this DApp.
	Respond(callID int64, data, responseError string) error
	// Request asks the host client and waits for its SendResponse.
	Request(ctx context.Context, kind string, payload any) (string, error)
	// Ask sends a correlated event to the host UI and waits for the answer.
	Ask(ctx context.Context, eventType string, payload any) (string, error)
	// Emit pushes a one-way event to the host UI.
	Emit(eventType string, payload any) error
}

type envelope struct {
	SigningKey string `json:"signing_key"`
	Payload    any    `json:"payload,omitempty"`
}

type vmHost struct {
	manager    *Manager
	signingKey string
}

func (h *vmHost) SigningKey() string {
	return h.signingKey
}

func (h *vmHost) Respond(callID int64, data, responseError string) error {
	return h.manager.corr.ResolveOwned(h.signingKey, callID, data, responseError)
}

func (h *vmHost) Request(ctx context.Context, kind string, payload any) (string, error) {
	m := h.manager
	if _, ok := knownRequests[kind]; !ok {
		m.hostRequest(kind, "rejected")
		return "", apperr.Wrap(ErrUnknownRequest, "%q", kind)
	}
	if !m.limiter.Allow(h.signingKey, m.now()) {
		m.hostRequest(kind, "throttled")
		return "", apperr.Wrap(ErrRateLimited, "%s", h.signingKey)
	}
	data, err := h.correlated(ctx, m.client, kind, payload, HostResponseTimeout)
	result := "ok"
	if err != nil {
		result = apperr.CodeOf(err)
	}
	m.hostRequest(kind, result)
	return data, err
}

func (h *vmHost) Ask(ctx context.Context, eventType string, payload any) (string, error) {
	timeout := HostResponseTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return "", ctx.Err()
		}
	}
	return h.correlated(ctx, h.manager.ui, eventType, payload, timeout)
}

func (h *vmHost) Emit(eventType string, payload any) error {
	ui := h.manager.ui
	if ui == nil {
		return ErrUpstreamNotWired
	}
	raw, err := upstream.Encode(upstream.Message{
		Type:    eventType,
		Payload: envelope{SigningKey: h.signingKey, Payload: payload},
	})
	if err != nil {
		return err
	}
	return ui.Send(raw)
}

func (h *vmHost) correlated(ctx context.Context, ch Sender, kind string, payload any, timeout time.Duration) (string, error) {
	if ch == nil {
		return "", ErrUpstreamNotWired
	}
	corr := h.manager.corr
	w, err := corr.RegisterNext(hostOwner(h.signingKey))
	if err != nil {
		return "", err
	}
	raw, err := upstream.Encode(upstream.Message{
		Type:      kind,
		RequestID: w.ID(),
		Payload:   envelope{SigningKey: h.signingKey, Payload: payload},
	})
	if err == nil {
		err = ch.Send(raw)
	}
	if err != nil {
		corr.Cancel(w.ID(), err)
		return "", err
	}
	return corr.Await(ctx, w, timeout)
}

func (m *Manager) hostRequest(kind, result string) {
	if m.observer != nil {
		m.observer.HostRequest(kind, result)
	}
}
