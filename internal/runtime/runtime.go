// Package runtime composes the core into the surface the host calls:
// Start and Stop, named commands, and the DApp call bridge.
package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"panthalassa/go-core/internal/apperr"
	"panthalassa/go-core/internal/chat"
	"panthalassa/go-core/internal/config"
	"panthalassa/go-core/internal/correlator"
	"panthalassa/go-core/internal/dapp"
	"panthalassa/go-core/internal/dispatch"
	"panthalassa/go-core/internal/identity"
	"panthalassa/go-core/internal/metrics"
	"panthalassa/go-core/internal/platform/logging"
	"panthalassa/go-core/internal/profile"
	"panthalassa/go-core/internal/securestore"
	"panthalassa/go-core/internal/storage"
	"panthalassa/go-core/internal/upstream"
	"panthalassa/go-core/internal/waku"
)

const (
	messagesFile = "messages.enc"
	contactsFile = "contacts.enc"
	dappsFile    = "dapps.enc"

	storageKeyDomain    = "panthalassa/storage/v1"
	defaultStopDeadline = 5 * time.Second
)

// Options is one start request.
type Options struct {
	// StorageDir holds the sealed stores. Empty keeps everything in memory.
	StorageDir string
	// Config is the serialized config.StartConfig.
	Config string
	// Password unlocks encrypted_key_manager.
	Password string
	// Mnemonic starts from a mnemonic instead of the sealed key manager.
	Mnemonic string
	Client   upstream.Sink
	UI       upstream.Sink
	// Engine runs DApps; the hosted engine is used when nil.
	Engine dapp.Engine
}

type session struct {
	cfg      config.StartConfig
	keys     *identity.KeyManager
	profile  *profile.Profile
	sealer   *securestore.Sealer
	corr     *correlator.Correlator
	client   *upstream.Channel
	ui       *upstream.Channel
	messages *storage.MessageStore
	contacts *storage.ContactStore
	bundles  *storage.DAppStore
	chat     *chat.Service
	chatUp   bool
	dapps    *dapp.Manager
}

type Runtime struct {
	mu      sync.RWMutex
	current *session

	logging    *logging.Logging
	logger     *slog.Logger
	metrics    *metrics.Metrics
	network    waku.Config
	bus        *waku.Bus
	seeds      *identity.SeedManager
	dispatcher *dispatch.Dispatcher
	now        func() time.Time
}

type Option func(*Runtime)

func WithLogging(l *logging.Logging) Option {
	return func(r *Runtime) {
		if l != nil {
			r.logging = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runtime) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithNetwork sets the chat transport used when the start config names no
// private chat endpoint.
func WithNetwork(cfg waku.Config) Option {
	return func(r *Runtime) {
		r.network = cfg
	}
}

// WithBus isolates the mock chat transport, e.g. for tests.
func WithBus(bus *waku.Bus) Option {
	return func(r *Runtime) {
		r.bus = bus
	}
}

func New(opts ...Option) *Runtime {
	r := &Runtime{
		network: waku.DefaultConfig(),
		seeds:   identity.NewSeedManager(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logging == nil {
		r.logging = logging.New(os.Stderr)
	}
	if r.metrics == nil {
		r.metrics = metrics.New()
	}
	r.logger = r.logging.Logger()

	d, err := dispatch.New(r.ready, r.commands(),
		dispatch.WithErrorMapper(mapError),
		dispatch.WithRecorder(r.metrics),
		dispatch.WithLogger(r.logger),
	)
	if err != nil {
		// The registry is static; a failure here is a programming error.
		panic(err)
	}
	r.dispatcher = d
	return r
}

func (r *Runtime) Logging() *logging.Logging {
	return r.logging
}

func (r *Runtime) Metrics() *metrics.Metrics {
	return r.metrics
}

// Start unlocks the account, opens the stores and brings up chat and the
// DApp manager. Nothing is kept when Start fails.
func (r *Runtime) Start(ctx context.Context, opts Options) (retErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		return apperr.ErrAlreadyStarted
	}

	cfg, err := config.ParseStartConfig(opts.Config)
	if err != nil {
		return err
	}
	keys, err := r.unlock(cfg, opts)
	if err != nil {
		return coded(err)
	}
	defer func() {
		if retErr != nil {
			keys.Wipe()
		}
	}()

	var signed *profile.Profile
	if cfg.SignedProfile != "" {
		if signed, err = verifyOwnProfile(cfg.SignedProfile, keys); err != nil {
			return coded(err)
		}
	}
	r.logging.SetDebug(cfg.EnableDebugging)

	s := &session{cfg: cfg, keys: keys, profile: signed}
	if err := r.openStores(s, opts.StorageDir); err != nil {
		return apperr.Internal(err)
	}

	s.corr = correlator.New(r.metrics)
	s.client = upstream.NewChannel(upstream.NameClient, opts.Client, upstream.WithLogger(r.logger), upstream.WithDropCounter(r.metrics))
	s.ui = upstream.NewChannel(upstream.NameUI, opts.UI, upstream.WithLogger(r.logger), upstream.WithDropCounter(r.metrics))

	transport, err := r.chatTransport(cfg)
	if err != nil {
		r.closeChannels(ctx, s)
		if s.sealer != nil {
			s.sealer.Wipe()
		}
		return err
	}
	s.chat = chat.NewService(keys, transport, s.messages, s.contacts,
		chat.WithEvents(func(eventType string, payload any) { r.emit(s.ui, eventType, payload) }),
		chat.WithLogger(r.logger),
	)
	if err := s.chat.Start(ctx); err != nil {
		// Chat stays down; local history and contacts remain usable.
		r.logger.Warn("chat transport unavailable", "reason", err.Error())
	} else {
		s.chatUp = true
	}

	engine := opts.Engine
	if engine == nil {
		engine = dapp.NewHostedEngine()
	}
	s.dapps = dapp.NewManager(engine, s.corr,
		dapp.WithBundles(s.bundles),
		dapp.WithUpstream(s.client, s.ui),
		dapp.WithObserver(r.metrics),
		dapp.WithLogger(r.logger),
	)

	r.current = s
	r.logger.Info("runtime started", "identity_id", keys.IdentityID(), "chat_up", s.chatUp, "persistent", opts.StorageDir != "")
	return nil
}

// Stop stops every DApp, releases outstanding calls, stops chat and closes
// both upstream channels.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	s := r.current
	r.current = nil
	r.mu.Unlock()
	if s == nil {
		return apperr.ErrNotStarted
	}

	stopped := s.dapps.StopAll()
	released := s.corr.ReleaseAll(apperr.Wrap(apperr.ErrDAppStopped, "runtime stopped"))
	if s.chatUp {
		if err := s.chat.Stop(ctx); err != nil {
			r.logger.Warn("chat stop failed", "reason", err.Error())
		}
	}
	r.closeChannels(ctx, s)
	s.keys.Wipe()
	if s.sealer != nil {
		s.sealer.Wipe()
	}
	r.logger.Info("runtime stopped", "dapps_stopped", stopped, "calls_released", released)
	return nil
}

func (r *Runtime) Started() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current != nil
}

// Call dispatches one named command.
func (r *Runtime) Call(ctx context.Context, command, payload string) (string, error) {
	return r.dispatcher.Dispatch(ctx, command, payload)
}

// Commands lists the registered command names.
func (r *Runtime) Commands() []string {
	return r.dispatcher.Names()
}

func (r *Runtime) StartDApp(ctx context.Context, signingKey string, timeout time.Duration) error {
	s, err := r.session()
	if err != nil {
		return err
	}
	return s.dapps.Start(ctx, signingKey, timeout)
}

func (r *Runtime) StopDApp(signingKey string) error {
	s, err := r.session()
	if err != nil {
		return err
	}
	return s.dapps.Stop(signingKey)
}

func (r *Runtime) CallDAppFunction(ctx context.Context, signingKey string, callID int64, args string) (string, error) {
	s, err := r.session()
	if err != nil {
		return "", err
	}
	return s.dapps.CallFunction(ctx, signingKey, callID, args)
}

func (r *Runtime) SendResponse(callID int64, data, responseError string, timeout time.Duration) error {
	s, err := r.session()
	if err != nil {
		return err
	}
	return s.dapps.SendResponse(callID, data, responseError, timeout)
}

func (r *Runtime) session() (*session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == nil {
		return nil, apperr.ErrNotStarted
	}
	return r.current, nil
}

func (r *Runtime) ready(sub dispatch.Subsystem) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.current
	switch sub {
	case dispatch.SubsystemRuntime, dispatch.SubsystemDApp:
		return s != nil
	case dispatch.SubsystemChat:
		return s != nil && s.chatUp
	}
	return false
}

func (r *Runtime) unlock(cfg config.StartConfig, opts Options) (*identity.KeyManager, error) {
	if strings.TrimSpace(opts.Mnemonic) != "" {
		return identity.FromMnemonic(opts.Mnemonic)
	}
	if cfg.EncryptedKeyManager == "" {
		return nil, identity.ErrSeedNotAvailable
	}
	return r.seeds.Unlock(cfg.EncryptedKeyManager, opts.Password)
}

// openStores opens the three stores. On failure the sealer is wiped.
func (r *Runtime) openStores(s *session, dir string) (retErr error) {
	if strings.TrimSpace(dir) == "" {
		s.messages = storage.NewMessageStore()
		s.contacts = storage.NewContactStore()
		s.bundles = storage.NewDAppStore()
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	secret, err := storageSecret(s.keys)
	if err != nil {
		return err
	}
	s.sealer = securestore.NewSealer(secret)
	defer func() {
		if retErr != nil {
			s.sealer.Wipe()
		}
	}()
	if s.messages, err = storage.OpenMessageStore(filepath.Join(dir, messagesFile), s.sealer); err != nil {
		return fmt.Errorf("open messages: %w", err)
	}
	if s.contacts, err = storage.OpenContactStore(filepath.Join(dir, contactsFile), s.sealer); err != nil {
		return fmt.Errorf("open contacts: %w", err)
	}
	if s.bundles, err = storage.OpenDAppStore(filepath.Join(dir, dappsFile), s.sealer); err != nil {
		return fmt.Errorf("open dapps: %w", err)
	}
	return nil
}

// storageSecret derives the store passphrase from the identity key, so
// password and mnemonic starts open the same stores. ed25519 signatures
// are deterministic.
func storageSecret(keys *identity.KeyManager) (string, error) {
	sig, err := keys.Sign([]byte(storageKeyDomain))
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(sig)
	return hex.EncodeToString(sum[:]), nil
}

func (r *Runtime) chatTransport(cfg config.StartConfig) (chat.Transport, error) {
	kind, err := cfg.ChatEndpoint()
	if err != nil {
		return nil, err
	}
	switch kind {
	case config.ChatEndpointRelay:
		relay, err := chat.NewRelay(cfg.PrivateChatEndpoint, cfg.PrivateChatBearerToken, chat.WithRelayLogger(r.logger))
		if err != nil {
			return nil, apperr.Validation("%v", err)
		}
		return relay, nil
	case config.ChatEndpointPeer:
		netCfg := r.network
		netCfg.Transport = waku.TransportGoWaku
		netCfg.BootstrapNodes = append([]string{cfg.PrivateChatEndpoint}, netCfg.BootstrapNodes...)
		return waku.NewNode(netCfg), nil
	}
	var opts []waku.Option
	if r.bus != nil {
		opts = append(opts, waku.WithBus(r.bus))
	}
	return waku.NewNode(r.network, opts...), nil
}

func (r *Runtime) closeChannels(ctx context.Context, s *session) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultStopDeadline)
		defer cancel()
	}
	for _, ch := range []*upstream.Channel{s.client, s.ui} {
		if ch == nil {
			continue
		}
		if err := ch.Close(ctx); err != nil {
			r.logger.Warn("upstream close incomplete", "channel", ch.Name(), "reason", err.Error())
		}
	}
}

func (r *Runtime) emit(ch *upstream.Channel, eventType string, payload any) {
	raw, err := upstream.Encode(upstream.Message{Type: eventType, Payload: payload})
	if err != nil {
		r.logger.Error("upstream encode failed", "type", eventType, "reason", err.Error())
		return
	}
	if err := ch.Send(raw); err != nil && !errors.Is(err, upstream.ErrClosed) {
		r.logger.Warn("upstream send failed", "type", eventType, "reason", err.Error())
	}
}

func verifyOwnProfile(raw string, keys *identity.KeyManager) (*profile.Profile, error) {
	p, err := profile.Parse(raw)
	if err != nil {
		return nil, err
	}
	if err := profile.Verify(p); err != nil {
		return nil, err
	}
	if p.IdentityKey != keys.IdentityPublicKey() {
		return nil, fmt.Errorf("%w: signed by another identity", profile.ErrInvalidProfile)
	}
	return p, nil
}
