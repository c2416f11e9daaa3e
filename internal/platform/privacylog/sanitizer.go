package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mr-tron/base58"
)

const redactedValue = "[REDACTED]"

// Each attr key is classified once: identity values are fingerprinted so
// log lines stay correlatable, secret material is redacted outright, and
// everything else passes through untouched.
type action int

const (
	keep action = iota
	fingerprint
	redact
)

var bootNonce = randomNonce()

var identityKeys = map[string]struct{}{
	"sender_id":   {},
	"receiver_id": {},
	"group_id":    {},
	"message_id":  {},
	"member_id":   {},
	"terminal_id": {},
	"address":     {},
}

var secretKeyParts = []string{"token", "secret", "password", "passphrase", "mnemonic", "seed", "private_key"}

func classify(key string) action {
	k := strings.ToLower(strings.TrimSpace(key))
	for _, part := range secretKeyParts {
		if strings.Contains(k, part) {
			return redact
		}
	}
	if _, ok := identityKeys[k]; ok {
		return fingerprint
	}
	return keep
}

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

// SanitizeAttr rewrites one attr per its key classification. Grouped
// attrs are walked recursively with the group structure preserved.
func SanitizeAttr(attr slog.Attr) slog.Attr {
	switch classify(attr.Key) {
	case redact:
		return slog.String(attr.Key, redactedValue)
	case fingerprint:
		return slog.String(fingerprintKeyName(attr.Key), FingerprintID(attr.Value.String()))
	}
	if attr.Value.Kind() == slog.KindGroup {
		return slog.Attr{Key: attr.Key, Value: slog.GroupValue(sanitizeAttrs(attr.Value.Group())...)}
	}
	return attr
}

// SanitizeArgs applies the same rules to a loosely typed key/value list,
// for call sites that assemble log args before a logger exists.
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
		case redact:
			out = append(out, key, redactedValue)
		case fingerprint:
			out = append(out, fingerprintKeyName(key), FingerprintID(fmt.Sprint(value)))
		default:
			out = append(out, key, value)
		}
	}
	return out
}

// FingerprintID hashes an identity value with a per-process nonce. Equal
// values correlate within one run's logs but not across runs.
func FingerprintID(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	sum := sha256.Sum256(append(append([]byte{}, bootNonce...), trimmed...))
	return "fp_" + base58.Encode(sum[:8])
}

func sanitizeAttrs(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		out = append(out, SanitizeAttr(attr))
	}
	return out
}

func fingerprintKeyName(key string) string {
	if strings.HasSuffix(strings.ToLower(strings.TrimSpace(key)), "_fp") {
		return key
	}
	return key + "_fp"
}

func randomNonce() []byte {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return []byte("static-boot-nonce")
	}
	return buf
}
