package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"panthalassa/go-core/internal/waku"
)

const (
	defaultRelayPollInterval = 3 * time.Second
	defaultRelayTimeout      = 10 * time.Second
	relayPollLimit           = 200
	maxRelayResponseBytes    = 8 << 20
)

var ErrRelayNotStarted = errors.New("chat relay is not started")

// Relay is a Transport backed by an HTTP store-and-forward endpoint.
// Packets are posted to {endpoint}/v1/messages and polled back with a
// recipient and since filter.
type Relay struct {
	endpoint     *url.URL
	token        string
	client       *http.Client
	pollInterval time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	selfID  string
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type RelayOption func(*Relay)

func WithHTTPClient(client *http.Client) RelayOption {
	return func(r *Relay) {
		if client != nil {
			r.client = client
		}
	}
}

func WithPollInterval(interval time.Duration) RelayOption {
	return func(r *Relay) {
		if interval > 0 {
			r.pollInterval = interval
		}
	}
}

func WithRelayLogger(logger *slog.Logger) RelayOption {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewRelay(endpoint, bearerToken string, opts ...RelayOption) (*Relay, error) {
	parsed, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return nil, fmt.Errorf("invalid relay endpoint: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid relay endpoint scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, errors.New("invalid relay endpoint: host is required")
	}
	r := &Relay{
		endpoint:     parsed,
		token:        strings.TrimSpace(bearerToken),
		client:       &http.Client{Timeout: defaultRelayTimeout},
		pollInterval: defaultRelayPollInterval,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Relay) SetIdentity(identityID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selfID = identityID
}

func (r *Relay) Start(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = true
	return nil
}

func (r *Relay) Stop(_ context.Context) error {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.started = false
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	return nil
}

// Subscribe polls the relay for packets addressed to this identity until
// Stop is called.
func (r *Relay) Subscribe(handler func(waku.Packet)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return ErrRelayNotStarted
	}
	if r.selfID == "" {
		return waku.ErrIdentityNotSet
	}
	if r.cancel != nil {
		r.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go r.poll(ctx, handler)
	return nil
}

func (r *Relay) poll(ctx context.Context, handler func(waku.Packet)) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	since := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			polledAt := time.Now()
			packets, err := r.FetchSince(ctx, since, relayPollLimit)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Warn("relay poll failed", "reason", err.Error())
				}
				continue
			}
			since = polledAt
			for _, pkt := range packets {
				handler(pkt)
			}
		}
	}
}

func (r *Relay) Publish(ctx context.Context, pkt waku.Packet) error {
	if !r.isStarted() {
		return ErrRelayNotStarted
	}
	if pkt.Recipient == "" {
		return waku.ErrRecipientRequired
	}
	body, err := json.Marshal(pkt)
	if err != nil {
		return err
	}
	req, err := r.newRequest(ctx, http.MethodPost, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = r.do(req)
	return err
}

func (r *Relay) FetchSince(ctx context.Context, since time.Time, limit int) ([]waku.Packet, error) {
	r.mu.Lock()
	selfID := r.selfID
	started := r.started
	r.mu.Unlock()
	if !started {
		return nil, ErrRelayNotStarted
	}
	if selfID == "" {
		return nil, waku.ErrIdentityNotSet
	}
	query := url.Values{}
	query.Set("recipient", selfID)
	query.Set("since", strconv.FormatInt(since.UnixMilli(), 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	req, err := r.newRequest(ctx, http.MethodGet, query, nil)
	if err != nil {
		return nil, err
	}
	raw, err := r.do(req)
	if err != nil {
		return nil, err
	}
	var decoded struct {
		Packets []waku.Packet `json:"packets"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode relay response: %w", err)
	}
	out := decoded.Packets[:0]
	for _, pkt := range decoded.Packets {
		if pkt.Recipient == selfID {
			out = append(out, pkt)
		}
	}
	return out, nil
}

func (r *Relay) newRequest(ctx context.Context, method string, query url.Values, body io.Reader) (*http.Request, error) {
	target := r.endpoint.JoinPath("v1", "messages")
	if query != nil {
		target.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	return req, nil
}

func (r *Relay) do(req *http.Request) (raw []byte, retErr error) {
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil && retErr == nil {
			retErr = closeErr
		}
	}()
	raw, err = io.ReadAll(io.LimitReader(resp.Body, maxRelayResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("relay status %d", resp.StatusCode)
	}
	return raw, nil
}

func (r *Relay) isStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}
