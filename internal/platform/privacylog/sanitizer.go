// Package privacylog wraps slog handlers so credentials never reach the log,
// call payloads appear only as sizes, and principals and wallet addresses
// appear only as fingerprints.
package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
)

const redactedValue = "[REDACTED]"

type action int

const (
	keep action = iota
	redact
	fingerprint
	summarize
)

var (
	bootNonce = randomNonce()
	// Identifiers that link log lines to a person are logged as salted
	// fingerprints, stable only for the life of the process.
	fingerprintKeys = map[string]struct{}{
		"principal":      {},
		"wallet_address": {},
		"address":        {},
		"subject":        {},
		"caller":         {},
		"sender":         {},
		"user_key":       {},
	}
	// Call bodies and envelope signatures are replaced by their size.
	payloadKeys = map[string]struct{}{
		"arg":           {},
		"reply":         {},
		"content":       {},
		"envelope":      {},
		"sender_sig":    {},
		"sender_pubkey": {},
		"signature":     {},
	}
	sensitiveKeyParts = []string{"token", "secret", "password", "passphrase", "authorization", "delegation", "seed", "mnemonic", "private_key", "session_key"}

	// Free text (error strings mostly) can embed an address or a bearer JWT.
	walletAddressPattern = regexp.MustCompile(`0[xX][0-9a-fA-F]{16,}`)
	jwtPattern           = regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]*`)
)

type SanitizingHandler struct {
	next slog.Handler
}

// NewLogger returns a sanitizing JSON logger writing to w.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(WrapHandler(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
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
	out := slog.NewRecord(rec.Time, rec.Level, ScrubText(rec.Message), rec.PC)
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

func SanitizeAttr(attr slog.Attr) slog.Attr {
	key := strings.TrimSpace(attr.Key)
	value := attr.Value.Resolve()
	switch classify(key) {
	case redact:
		return slog.String(key, redactedValue)
	case fingerprint:
		return slog.String(fingerprintKeyName(key), FingerprintID(valueToString(value)))
	case summarize:
		return slog.String(key, payloadSummary(value.Any()))
	}
	switch value.Kind() {
	case slog.KindGroup:
		return slog.Any(key, sanitizeGroupValue(value.Group()))
	case slog.KindString:
		return slog.String(key, ScrubText(value.String()))
	case slog.KindAny:
		if err, ok := value.Any().(error); ok {
			return slog.String(key, ScrubText(err.Error()))
		}
	}
	return slog.Attr{Key: key, Value: value}
}

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
		case summarize:
			out = append(out, key, payloadSummary(value))
		default:
			if s, ok := value.(string); ok {
				value = ScrubText(s)
			}
			out = append(out, key, value)
		}
	}
	return out
}

// ScrubText fingerprints wallet addresses and redacts JWTs embedded in s.
func ScrubText(s string) string {
	s = jwtPattern.ReplaceAllString(s, redactedValue)
	return walletAddressPattern.ReplaceAllStringFunc(s, FingerprintID)
}

func FingerprintID(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(strings.ToLower(trimmed) + "|" + bootNonce))
	return "fp_" + hex.EncodeToString(sum[:8])
}

func classify(key string) action {
	k := strings.ToLower(strings.TrimSpace(key))
	if _, ok := payloadKeys[k]; ok {
		return summarize
	}
	for _, part := range sensitiveKeyParts {
		if strings.Contains(k, part) {
			return redact
		}
	}
	if _, ok := fingerprintKeys[strings.TrimSuffix(k, "_fp")]; ok {
		return fingerprint
	}
	return keep
}

func payloadSummary(v any) string {
	switch x := v.(type) {
	case nil:
		return "[0 bytes]"
	case []byte:
		return fmt.Sprintf("[%d bytes]", len(x))
	case string:
		return fmt.Sprintf("[%d bytes]", len(x))
	default:
		return "[payload]"
	}
}

func sanitizeAttrs(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		out = append(out, SanitizeAttr(attr))
	}
	return out
}

func sanitizeGroupValue(attrs []slog.Attr) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, attr := range sanitizeAttrs(attrs) {
		switch attr.Value.Kind() {
		case slog.KindGroup:
			out[attr.Key] = sanitizeGroupValue(attr.Value.Group())
		case slog.KindDuration:
			out[attr.Key] = attr.Value.Duration().String()
		case slog.KindTime:
			out[attr.Key] = attr.Value.Time().UTC().Format("2006-01-02T15:04:05.000000000Z")
		default:
			out[attr.Key] = attr.Value.Any()
		}
	}
	return out
}

func fingerprintKeyName(key string) string {
	if strings.HasSuffix(strings.ToLower(key), "_fp") {
		return key
	}
	return key + "_fp"
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindTime:
		return v.Time().UTC().Format("2006-01-02T15:04:05.000000000Z")
	default:
		return fmt.Sprint(v.Any())
	}
}

func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "fallback_nonce"
	}
	return hex.EncodeToString(buf)
}
