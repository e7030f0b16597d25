package securelog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestSanitizeArgsDigestsKeyMaterial(t *testing.T) {
	args := SanitizeArgs(
		"publicKey", "a1b2c3d4e5f6a7b8a1b2c3d4e5f6a7b8a1b2c3d4e5f6a7b8a1b2c3d4e5f6a7b8",
		"signature", "deadbeef",
		"status", "online",
	)
	if len(args) != 6 {
		t.Fatalf("unexpected args length: %d", len(args))
	}
	if got := args[0]; got != "publicKey_fp" {
		t.Fatalf("unexpected key: %v", got)
	}
	if got := args[1].(string); !strings.HasPrefix(got, "fp_") {
		t.Fatalf("unexpected digest value: %q", got)
	}
	if got := args[4]; got != "status" {
		t.Fatalf("expected untouched key, got %v", got)
	}
}

func TestSanitizeArgsRedactsSecrets(t *testing.T) {
	for _, key := range []string{
		"passphrase", "authToken", "mnemonic", "seed",
		"privateKey", "challenge", "clientSecret",
	} {
		args := SanitizeArgs(key, "super-sensitive")
		if got := args[1].(string); got != redactedValue {
			t.Fatalf("key %q: got %q, want redacted", key, got)
		}
	}
}

func TestSanitizingHandlerRedactsAndDigests(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil)))
	logger.Info("peer trusted",
		"fingerprint", "1a2b3c4d5e6f7081",
		"publicKey", "ffeeddccbbaa",
		"passphrase", "hunter2",
	)

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	// Identity fingerprints are the public short form and stay plain.
	if got, _ := payload["fingerprint"].(string); got != "1a2b3c4d5e6f7081" {
		t.Fatalf("fingerprint rewritten: %q", got)
	}
	if _, ok := payload["publicKey"]; ok {
		t.Fatal("publicKey should not appear in plain")
	}
	if _, ok := payload["publicKey_fp"]; !ok {
		t.Fatal("publicKey_fp missing")
	}
	if got, _ := payload["passphrase"].(string); got != redactedValue {
		t.Fatalf("passphrase not redacted: %q", got)
	}
}

func TestSanitizingHandlerContract(t *testing.T) {
	var buf bytes.Buffer
	h := WrapHandler(slog.NewJSONHandler(&buf, nil))
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected handler enabled for info")
	}
	rec := slog.NewRecord(time.Now().UTC(), slog.LevelInfo, "msg", 0)
	rec.AddAttrs(slog.String("exchange_key", "00ff00ff"))
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if !strings.Contains(buf.String(), "exchange_key_fp") {
		t.Fatalf("expected digested exchange_key key, got %s", buf.String())
	}
	if strings.Contains(buf.String(), "00ff00ff") {
		t.Fatalf("raw exchange key leaked: %s", buf.String())
	}
}

func TestDigestStableWithinRun(t *testing.T) {
	a := Digest("same-value")
	b := Digest("same-value")
	if a == "" || a != b {
		t.Fatalf("digest not stable: %q vs %q", a, b)
	}
	if Digest("other-value") == a {
		t.Fatal("distinct values collided")
	}
	if Digest("  ") != "" {
		t.Fatal("blank value should digest to empty")
	}
}
