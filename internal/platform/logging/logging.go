// Package logging owns the runtime's slog pipeline: one JSON handler with an
// adjustable level, sanitized by privacylog, writing to the local output and
// optionally to a TCP collector and a host callback.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"panthalassa/go-core/internal/apperr"
	"panthalassa/go-core/internal/platform/privacylog"
)

const dialTimeout = 5 * time.Second

// LineFunc receives one encoded log line without the trailing newline.
type LineFunc func(line string)

type Logging struct {
	level  *slog.LevelVar
	logger *slog.Logger
	out    *teeWriter
}

func New(local io.Writer) *Logging {
	if local == nil {
		local = os.Stderr
	}
	level := &slog.LevelVar{}
	out := &teeWriter{local: local}
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	return &Logging{
		level:  level,
		logger: slog.New(privacylog.WrapHandler(handler)),
		out:    out,
	}
}

func (l *Logging) Logger() *slog.Logger {
	return l.logger
}

func (l *Logging) Level() string {
	return strings.ToLower(l.level.Level().String())
}

// SetLevel accepts debug, info, warn or error.
func (l *Logging) SetLevel(name string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return apperr.Validation("unknown log level %q", name)
	}
	l.level.Set(lvl)
	return nil
}

func (l *Logging) SetDebug(enabled bool) {
	if enabled {
		l.level.Set(slog.LevelDebug)
		return
	}
	l.level.Set(slog.LevelInfo)
}

// ConnectRemote tees log lines to a TCP collector at addr, replacing any
// previous connection. The connection is dropped on the first write error.
func (l *Logging) ConnectRemote(ctx context.Context, addr string) error {
	addr = strings.TrimSpace(addr)
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return apperr.Validation("invalid collector address %q", addr)
	}
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect log collector: %w", err)
	}
	l.out.setRemote(conn)
	l.logger.Info("remote log collector connected", "addr", addr)
	return nil
}

// SetLineFunc forwards every log line to fn; nil disables forwarding.
func (l *Logging) SetLineFunc(fn LineFunc) {
	l.out.setLineFunc(fn)
}

func (l *Logging) Close() error {
	l.out.setLineFunc(nil)
	return l.out.setRemote(nil)
}

type teeWriter struct {
	mu     sync.Mutex
	local  io.Writer
	remote net.Conn
	lineFn LineFunc
}

func (w *teeWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.local.Write(p)
	if w.remote != nil {
		if _, rerr := w.remote.Write(p); rerr != nil {
			_ = w.remote.Close()
			w.remote = nil
		}
	}
	if w.lineFn != nil {
		line := strings.TrimRight(string(p), "\n")
		func() {
			defer func() { _ = recover() }()
			w.lineFn(line)
		}()
	}
	return n, err
}

func (w *teeWriter) setRemote(conn net.Conn) error {
	w.mu.Lock()
	prev := w.remote
	w.remote = conn
	w.mu.Unlock()
	if prev != nil {
		return prev.Close()
	}
	return nil
}

func (w *teeWriter) setLineFunc(fn LineFunc) {
	w.mu.Lock()
	w.lineFn = fn
	w.mu.Unlock()
}
