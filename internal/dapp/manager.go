// Package dapp runs third party DApps keyed by their signing key and bridges
// calls between the host, the DApp code and the runtime.
package dapp

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"panthalassa/go-core/internal/apperr"
	"panthalassa/go-core/internal/correlator"
	"panthalassa/go-core/internal/platform/ratelimiter"
	"panthalassa/go-core/pkg/models"
)

type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

const (
	// HostResponseTimeout bounds how long a DApp waits for the host to
	// answer a request sent on the client channel.
	HostResponseTimeout = 20 * time.Second

	defaultRequestRate  = 5
	defaultRequestBurst = 10
	limiterIdleTTL      = 10 * time.Minute
)

// Engine boots DApp code into an execution environment.
type Engine interface {
	Boot(ctx context.Context, bundle models.DAppBundle, host Host) (Instance, error)
}

// Instance is one booted DApp. Call, Open and Render hand work to the DApp
// and return without waiting for its answer; answers come back through
// Host.Respond or the host's SendResponse.
type Instance interface {
	Call(callID int64, args string) error
	Open(context string) error
	Render(callID int64, payload string) error
	Close()
}

// BundleSource looks up saved DApps.
type BundleSource interface {
	Get(signingKey string) (models.DAppBundle, bool)
}

// Sender is an upstream channel.
type Sender interface {
	Send(data string) error
}

// Observer receives state changes and host request outcomes.
type Observer interface {
	DAppState(from, to string)
	HostRequest(kind, result string)
}

// Info describes one execution context.
type Info struct {
	SigningKey string        `json:"signing_key"`
	State      State         `json:"state"`
	Timeout    time.Duration `json:"timeout"`
	StartedAt  time.Time     `json:"started_at"`
}

type execContext struct {
	signingKey string
	timeout    time.Duration
	state      State
	startedAt  time.Time
	instance   Instance
	cancelBoot context.CancelFunc
}

type Manager struct {
	mu       sync.Mutex
	contexts map[string]*execContext

	engine   Engine
	corr     *correlator.Correlator
	bundles  BundleSource
	client   Sender
	ui       Sender
	limiter  *ratelimiter.MapLimiter
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Manager)

func WithBundles(bundles BundleSource) Option {
	return func(m *Manager) {
		m.bundles = bundles
	}
}

func WithUpstream(client, ui Sender) Option {
	return func(m *Manager) {
		m.client = client
		m.ui = ui
	}
}

func WithObserver(observer Observer) Option {
	return func(m *Manager) {
		m.observer = observer
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithRequestLimit throttles DApp to host requests per signing key.
func WithRequestLimit(rps float64, burst int) Option {
	return func(m *Manager) {
		m.limiter = ratelimiter.New(rps, burst, limiterIdleTTL)
	}
}

func NewManager(engine Engine, corr *correlator.Correlator, opts ...Option) *Manager {
	m := &Manager{
		contexts: make(map[string]*execContext),
		engine:   engine,
		corr:     corr,
		limiter:  ratelimiter.New(defaultRequestRate, defaultRequestBurst, limiterIdleTTL),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type bootResult struct {
	instance Instance
	err      error
}

// Start boots the DApp and waits until it runs or timeout passes.
func (m *Manager) Start(ctx context.Context, signingKey string, timeout time.Duration) error {
	signingKey = strings.TrimSpace(signingKey)
	if signingKey == "" {
		return apperr.Validation("signing key is required")
	}
	if timeout <= 0 {
		return apperr.Validation("timeout must be positive")
	}

	bootCtx, cancel := context.WithTimeout(ctx, timeout)
	m.mu.Lock()
	if existing, ok := m.contexts[signingKey]; ok && (existing.state == StateStarting || existing.state == StateRunning) {
		m.mu.Unlock()
		cancel()
		return apperr.Wrap(apperr.ErrAlreadyRunning, "%s", signingKey)
	}
	ec := &execContext{
		signingKey: signingKey,
		timeout:    timeout,
		state:      StateStarting,
		startedAt:  m.now(),
		cancelBoot: cancel,
	}
	m.contexts[signingKey] = ec
	m.mu.Unlock()
	m.transition("", StateStarting)
	defer cancel()

	bundle := models.DAppBundle{SigningKey: signingKey}
	if m.bundles != nil {
		if saved, ok := m.bundles.Get(signingKey); ok {
			bundle = saved
		}
	}

	done := make(chan bootResult, 1)
	go func() {
		instance, err := m.engine.Boot(bootCtx, bundle, &vmHost{manager: m, signingKey: signingKey})
		done <- bootResult{instance: instance, err: err}
	}()

	var res bootResult
	select {
	case res = <-done:
	case <-bootCtx.Done():
		// A boot that finishes late still owns an instance to close.
		go func() {
			if late := <-done; late.instance != nil {
				late.instance.Close()
			}
		}()
		if m.fail(ec) {
			if errors.Is(bootCtx.Err(), context.DeadlineExceeded) {
				return apperr.Wrap(apperr.ErrStartTimeout, "%s after %s", signingKey, timeout)
			}
			return ctx.Err()
		}
		return apperr.Wrap(apperr.ErrDAppStopped, "%s", signingKey)
	}

	if res.err != nil {
		if res.instance != nil {
			res.instance.Close()
		}
		if !m.fail(ec) {
			return apperr.Wrap(apperr.ErrDAppStopped, "%s", signingKey)
		}
		if bootCtx.Err() != nil && errors.Is(bootCtx.Err(), context.DeadlineExceeded) {
			return apperr.Wrap(apperr.ErrStartTimeout, "%s after %s", signingKey, timeout)
		}
		return apperr.Internal(res.err)
	}

	m.mu.Lock()
	if current := m.contexts[signingKey]; current != ec {
		m.mu.Unlock()
		res.instance.Close()
		return apperr.Wrap(apperr.ErrDAppStopped, "%s", signingKey)
	}
	ec.state = StateRunning
	ec.instance = res.instance
	ec.cancelBoot = nil
	m.mu.Unlock()
	m.transition(StateStarting, StateRunning)
	m.logger.Info("dapp started", "signing_key", signingKey, "took", m.now().Sub(ec.startedAt).String())
	return nil
}

// fail removes ec if it is still the registered context for its key.
func (m *Manager) fail(ec *execContext) bool {
	m.mu.Lock()
	current, ok := m.contexts[ec.signingKey]
	if !ok || current != ec {
		m.mu.Unlock()
		return false
	}
	from := ec.state
	ec.state = StateFailed
	delete(m.contexts, ec.signingKey)
	m.mu.Unlock()

	m.corr.ReleaseOwner(ec.signingKey, apperr.ErrDAppStopped)
	m.corr.ReleaseOwner(hostOwner(ec.signingKey), apperr.ErrDAppStopped)
	m.transition(from, "")
	m.logger.Warn("dapp failed", "signing_key", ec.signingKey, "state", string(StateFailed))
	return true
}

// Stop tears the DApp down. Calls still waiting on it are released with
// ErrDAppStopped before Stop returns.
func (m *Manager) Stop(signingKey string) error {
	signingKey = strings.TrimSpace(signingKey)
	m.mu.Lock()
	ec, ok := m.contexts[signingKey]
	if !ok {
		m.mu.Unlock()
		return apperr.Wrap(apperr.ErrNotRunning, "%s", signingKey)
	}
	delete(m.contexts, signingKey)
	from := ec.state
	ec.state = StateStopped
	instance := ec.instance
	cancelBoot := ec.cancelBoot
	m.mu.Unlock()

	if cancelBoot != nil {
		cancelBoot()
	}
	if instance != nil {
		instance.Close()
	}
	released := m.corr.ReleaseOwner(signingKey, apperr.ErrDAppStopped)
	released += m.corr.ReleaseOwner(hostOwner(signingKey), apperr.ErrDAppStopped)
	m.limiter.Forget(signingKey)
	m.transition(from, "")
	m.logger.Info("dapp stopped", "signing_key", signingKey, "released_calls", released)
	return nil
}

// StopAll stops every context and returns how many were stopped.
func (m *Manager) StopAll() int {
	m.mu.Lock()
	keys := make([]string, 0, len(m.contexts))
	for key := range m.contexts {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	stopped := 0
	for _, key := range keys {
		if err := m.Stop(key); err == nil {
			stopped++
		}
	}
	return stopped
}

// CallFunction delivers args to the running DApp under callID and blocks
// until the DApp answers or the context timeout passes.
func (m *Manager) CallFunction(ctx context.Context, signingKey string, callID int64, args string) (string, error) {
	t, err := m.running(signingKey)
	if err != nil {
		return "", err
	}
	w, err := m.corr.Register(callID, t.key)
	if err != nil {
		return "", err
	}
	if m.confirm(t, w) {
		if err := t.instance.Call(callID, args); err != nil {
			if m.corr.Cancel(callID, apperr.Internal(err)) {
				return "", apperr.Internal(err)
			}
		}
	}
	return m.corr.Await(ctx, w, t.timeout)
}

// SendResponse resolves an outstanding call on behalf of the host. timeout
// is the host's own delivery budget; resolution never blocks.
func (m *Manager) SendResponse(callID int64, data, responseError string, timeout time.Duration) error {
	if timeout < 0 {
		return apperr.Validation("timeout must not be negative")
	}
	return m.corr.Resolve(callID, data, responseError)
}

// Open forwards an open event with the host supplied context.
func (m *Manager) Open(signingKey, openContext string) error {
	t, err := m.running(signingKey)
	if err != nil {
		return err
	}
	if err := t.instance.Open(openContext); err != nil {
		return apperr.Internal(err)
	}
	return nil
}

// Render asks the DApp to render payload, e.g. a chat message it owns, and
// returns the rendered result.
func (m *Manager) Render(ctx context.Context, signingKey, payload string) (string, error) {
	t, err := m.running(signingKey)
	if err != nil {
		return "", err
	}
	w, err := m.corr.RegisterNext(t.key)
	if err != nil {
		return "", err
	}
	if m.confirm(t, w) {
		if err := t.instance.Render(w.ID(), payload); err != nil {
			if m.corr.Cancel(w.ID(), apperr.Internal(err)) {
				return "", apperr.Internal(err)
			}
		}
	}
	return m.corr.Await(ctx, w, t.timeout)
}

func (m *Manager) State(signingKey string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ec, ok := m.contexts[strings.TrimSpace(signingKey)]; ok {
		return ec.state
	}
	return StateStopped
}

func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.contexts))
	for _, ec := range m.contexts {
		out = append(out, Info{
			SigningKey: ec.signingKey,
			State:      ec.state,
			Timeout:    ec.timeout,
			StartedAt:  ec.startedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SigningKey < out[j].SigningKey })
	return out
}

// target is a running context as seen at lookup time.
type target struct {
	ec       *execContext
	key      string
	instance Instance
	timeout  time.Duration
}

func (m *Manager) running(signingKey string) (target, error) {
	signingKey = strings.TrimSpace(signingKey)
	m.mu.Lock()
	defer m.mu.Unlock()
	ec, ok := m.contexts[signingKey]
	if !ok || ec.state != StateRunning {
		return target{}, apperr.Wrap(apperr.ErrNotRunning, "%s", signingKey)
	}
	return target{ec: ec, key: signingKey, instance: ec.instance, timeout: ec.timeout}, nil
}

// confirm reports whether t still runs after w was registered. Stop flips
// the state before releasing calls, so a call registered against a context
// that went away in between is released here instead.
func (m *Manager) confirm(t target, w *correlator.Waiter) bool {
	m.mu.Lock()
	live := m.contexts[t.key] == t.ec && t.ec.state == StateRunning
	m.mu.Unlock()
	if !live {
		m.corr.Cancel(w.ID(), apperr.Wrap(apperr.ErrDAppStopped, "%s", t.key))
	}
	return live
}

func (m *Manager) transition(from, to State) {
	if m.observer != nil {
		m.observer.DAppState(string(from), string(to))
	}
}

// hostOwner scopes the requests a DApp sends to the host, so the DApp
// cannot answer them itself through Respond.
func hostOwner(signingKey string) string {
	return signingKey + "#host"
}
