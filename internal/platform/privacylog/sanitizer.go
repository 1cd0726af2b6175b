// Package privacylog keeps key material and correspondent identifiers out of
// log output. Secrets are replaced, identifiers are replaced by a per-process
// fingerprint so log lines can still be correlated within one run.
package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

const redactedValue = "[REDACTED]"

var (
	processSalt = randomSalt()

	// Keys that name a correspondent or a DApp. Logged as key_fp.
	fingerprintKeys = map[string]struct{}{
		"partner":     {},
		"contact":     {},
		"contact_key": {},
		"signing_key": {},
		"dapp":        {},
		"chat":        {},
		"identity_id": {},
		"sender":      {},
		"recipient":   {},
	}
	// Any key containing one of these parts is replaced outright.
	secretKeyParts = []string{
		"mnemonic",
		"private_key",
		"privkey",
		"seed",
		"secret",
		"password",
		"passphrase",
		"token",
		"authorization",
		"key_manager",
	}
)

type SanitizingHandler struct {
	next slog.Handler
}

func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	if _, ok := next.(*SanitizingHandler); ok {
		return next
	}
	return &SanitizingHandler{next: next}
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(SanitizeAttr(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		clean = append(clean, SanitizeAttr(attr))
	}
	return &SanitizingHandler{next: h.next.WithAttrs(clean)}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name)}
}

func SanitizeAttr(attr slog.Attr) slog.Attr {
	key := strings.TrimSpace(attr.Key)
	switch classify(key) {
	case classSecret:
		return slog.String(key, redactedValue)
	case classIdentifier:
		return slog.String(fingerprintName(key), Fingerprint(render(attr.Value.Resolve())))
	}
	if attr.Value.Kind() == slog.KindGroup {
		group := attr.Value.Group()
		clean := make([]any, 0, len(group))
		for _, inner := range group {
			clean = append(clean, SanitizeAttr(inner))
		}
		return slog.Group(key, clean...)
	}
	return attr
}

// SanitizeArgs applies the same rules to a key/value argument list.
func SanitizeArgs(args ...any) []any {
	if len(args) == 0 {
		return nil
	}
	out := make([]any, 0, len(args))
	for i := 0; i < len(args); i++ {
		key, ok := args[i].(string)
		if !ok || i+1 >= len(args) {
			out = append(out, args[i])
			continue
		}
		value := args[i+1]
		i++
		switch classify(key) {
		case classSecret:
			out = append(out, key, redactedValue)
		case classIdentifier:
			out = append(out, fingerprintName(key), Fingerprint(fmt.Sprint(value)))
		default:
			out = append(out, key, value)
		}
	}
	return out
}

// Fingerprint is stable for the lifetime of the process only.
func Fingerprint(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(processSalt + "|" + trimmed))
	return "fp_" + hex.EncodeToString(sum[:8])
}

type keyClass int

const (
	classPlain keyClass = iota
	classSecret
	classIdentifier
)

func classify(key string) keyClass {
	lower := strings.ToLower(strings.TrimSpace(key))
	for _, part := range secretKeyParts {
		if strings.Contains(lower, part) {
			return classSecret
		}
	}
	if _, ok := fingerprintKeys[lower]; ok {
		return classIdentifier
	}
	return classPlain
}

func fingerprintName(key string) string {
	if strings.HasSuffix(strings.ToLower(key), "_fp") {
		return key
	}
	return key + "_fp"
}

func render(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return fmt.Sprintf("%d", v.Int64())
	case slog.KindUint64:
		return fmt.Sprintf("%d", v.Uint64())
	default:
		return fmt.Sprint(v.Any())
	}
}

func randomSalt() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "static_salt"
	}
	return hex.EncodeToString(buf)
}
