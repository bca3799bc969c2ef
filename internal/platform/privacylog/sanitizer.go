// Package privacylog keeps key material out of logs and replaces end-user
// identifiers with per-process fingerprints. Wrap the root handler once;
// components log plain key/value pairs.
package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
)

const redactedValue = "[REDACTED]"

var (
	bootNonce = randomNonce()
	// End-user identifiers: an owner address or SID id links a person across chains.
	fingerprintedKeys = map[string]struct{}{
		"owner":     {},
		"user":      {},
		"sid_id":    {},
		"recipient": {},
		"submitter": {},
	}
	sensitiveKeyParts = []string{
		"private_key",
		"privkey",
		"mnemonic",
		"seed",
		"signature",
		"secret",
		"password",
		"passphrase",
		"token",
		"authorization",
	}
)

type SanitizingHandler struct {
	next slog.Handler
}

func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
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
	return &SanitizingHandler{next: h.next.WithAttrs(sanitizeAttrs(attrs))}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name)}
}

type action int

const (
	keep action = iota
	redact
	fingerprint
)

func classify(key string) action {
	key = strings.ToLower(strings.TrimSpace(key))
	if _, ok := fingerprintedKeys[key]; ok {
		return fingerprint
	}
	for _, part := range sensitiveKeyParts {
		if strings.Contains(key, part) {
			return redact
		}
	}
	return keep
}

// SanitizeAttr redacts key material, fingerprints end-user identifiers under
// a "<key>_fp" name and recurses into groups.
func SanitizeAttr(attr slog.Attr) slog.Attr {
	switch classify(attr.Key) {
	case redact:
		return slog.String(attr.Key, redactedValue)
	case fingerprint:
		return slog.String(attr.Key+"_fp", FingerprintID(attr.Value.Resolve().String()))
	}
	if attr.Value.Kind() == slog.KindGroup {
		return slog.Attr{Key: attr.Key, Value: slog.GroupValue(sanitizeAttrs(attr.Value.Group())...)}
	}
	return attr
}

// FingerprintID is stable for one process. Hex values are case-folded first
// so checksummed and lower-case addresses map to the same fingerprint.
func FingerprintID(value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return ""
	}
	if strings.HasPrefix(v, "0x") || strings.HasPrefix(v, "0X") {
		v = strings.ToLower(v)
	}
	sum := sha256.Sum256([]byte(v + "|" + bootNonce))
	return "fp_" + hex.EncodeToString(sum[:8])
}

func sanitizeAttrs(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		out[i] = SanitizeAttr(attr)
	}
	return out
}

func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "fallback_nonce"
	}
	return hex.EncodeToString(buf)
}
