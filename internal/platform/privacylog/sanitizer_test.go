package privacylog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestSanitizeArgsFingerprintsCorrespondents(t *testing.T) {
	args := SanitizeArgs(
		"partner", "7Ab3partnerkey",
		"signing_key", "deadbeef",
		"kind", "private",
	)
	if len(args) != 6 {
		t.Fatalf("unexpected args length: %d", len(args))
	}
	if got := args[0]; got != "partner_fp" {
		t.Fatalf("unexpected key: %v", got)
	}
	if got := args[1].(string); !strings.HasPrefix(got, "fp_") {
		t.Fatalf("unexpected fingerprint value: %q", got)
	}
	if got := args[2]; got != "signing_key_fp" {
		t.Fatalf("unexpected key: %v", got)
	}
	if got := args[5]; got != "private" {
		t.Fatalf("expected untouched value, got %v", got)
	}
}

func TestFingerprintIsStableWithinProcess(t *testing.T) {
	if Fingerprint("abc") != Fingerprint(" abc ") {
		t.Fatal("fingerprint should ignore surrounding whitespace")
	}
	if Fingerprint("abc") == Fingerprint("abd") {
		t.Fatal("distinct values should not share a fingerprint")
	}
	if Fingerprint("") != "" {
		t.Fatal("empty value should stay empty")
	}
}

func TestSanitizingHandlerRedactsKeyMaterial(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil)))
	logger.Info("test",
		"mnemonic", "abandon abandon about",
		"eth_private_key", "0x01",
		"bearer_token", "t",
		"partner", "p1",
		"status", "ok",
	)

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	for _, key := range []string{"mnemonic", "eth_private_key", "bearer_token"} {
		if got, _ := payload[key].(string); got != redactedValue {
			t.Fatalf("expected %s redacted, got %q", key, got)
		}
	}
	if _, ok := payload["partner"]; ok {
		t.Fatal("partner should not be logged in plain text")
	}
	if _, ok := payload["partner_fp"]; !ok {
		t.Fatal("partner_fp should be present")
	}
	if payload["status"] != "ok" {
		t.Fatalf("plain attribute changed: %v", payload["status"])
	}
}

func TestSanitizingHandlerCleansGroupsAndWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := WrapHandler(slog.NewJSONHandler(&buf, nil))
	if WrapHandler(h) != h {
		t.Fatal("wrapping twice should be a no-op")
	}
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected handler enabled for info")
	}
	h = h.WithAttrs([]slog.Attr{slog.String("dapp", "abcd")})
	rec := slog.NewRecord(time.Now().UTC(), slog.LevelInfo, "msg", 0)
	rec.AddAttrs(slog.Group("req", slog.String("seed", "s"), slog.Int("id", 7)))
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "dapp_fp") {
		t.Fatalf("expected fingerprinted dapp attr, got %s", out)
	}
	if strings.Contains(out, `"seed":"s"`) {
		t.Fatalf("nested secret leaked: %s", out)
	}
	if !strings.Contains(out, `"id":7`) {
		t.Fatalf("nested plain attr lost: %s", out)
	}
}
