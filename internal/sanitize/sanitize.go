// Package sanitize redacts secret-shaped values from arbitrary nested records
// before they are logged, audited, or displayed.
//
// Two rules apply. A value whose key looks like a credential name is replaced
// with Redacted. A string that looks like a raw token (longer than 30 runes,
// no whitespace) is masked to its first and last four runes. Both rules are
// stable under re-application, so Sanitize(Sanitize(x)) equals Sanitize(x).
package sanitize

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"unicode"
)

const (
	// Redacted replaces values stored under credential-shaped keys.
	Redacted = "[REDACTED]"
	// Truncated replaces values nested deeper than MaxDepth.
	Truncated = "[TRUNCATED]"
	// Opaque replaces values that cannot be inspected.
	Opaque = "[OPAQUE]"

	// MaxDepth bounds recursion so self-referencing maps terminate.
	MaxDepth = 32

	maskThreshold = 30
	maskKeep      = 4
	maxTextRounds = 8
)

// Substrings that mark a key as sensitive regardless of position.
var sensitiveFragments = []string{
	"password", "passwd", "passphrase",
	"token", "secret", "credential",
	"auth", "bearer", "apikey", "api_key", "api-key",
	"privatekey", "private_key", "accesskey", "access_key",
	"cookie", "session", "signature",
}

// Whole key segments that are sensitive on their own.
var sensitiveSegments = map[string]bool{
	"key": true,
	"pwd": true,
	"pin": true,
	"otp": true,
	"dsn": true,
}

var (
	// "Bearer abc", "token=abc", "password: abc" inside free text. Only bearer
	// takes a bare space as separator, so prose like "invalid token format"
	// is left alone. The value runs to the next delimiter even after a quoted
	// part, so a redacted run never leaves a tail for a later pass to find.
	inlineSecret = regexp.MustCompile(`(?i)\b(?:(bearer)(\s+)|(token|password|passwd|secret|api[_-]?key|authorization|bearer)(\s*[:=]\s*))((?:bearer\s+)?(?:"[^"]*"|'[^']*')?[^\s,;&]*)`)
	// Raw tokens embedded in free text.
	longToken = regexp.MustCompile(`\S{31,}`)
)

// SensitiveKey reports whether a map key names a credential.
func SensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, frag := range sensitiveFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	for _, seg := range segments(key) {
		if sensitiveSegments[seg] {
			return true
		}
	}
	return false
}

// segments splits a key on separators and camelCase boundaries, lowercased.
func segments(key string) []string {
	var out []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			out = append(out, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	runes := []rune(key)
	for i, r := range runes {
		switch {
		case !unicode.IsLetter(r) && !unicode.IsDigit(r):
			flush()
		case unicode.IsUpper(r) && i > 0 && unicode.IsLower(runes[i-1]):
			flush()
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
	}
	flush()
	return out
}

// Sanitize returns a redacted deep copy of v. The input is never modified.
func Sanitize(v any) any {
	return walk(v, 0)
}

// Map is Sanitize for the common parameters shape.
func Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, _ := walk(m, 0).(map[string]any)
	return out
}

// String masks a standalone string value.
func String(s string) string {
	if looksLikeToken(s) {
		return Mask(s)
	}
	return Text(s)
}

// Text scrubs free-form text such as error messages: inline credential
// assignments are redacted and embedded raw tokens are masked. Both steps
// repeat until the text is stable, since a redaction can lengthen a run past
// the mask threshold and a mask can expose a value to the inline rule.
func Text(s string) string {
	if s == "" {
		return s
	}
	for range maxTextRounds {
		next := scrubText(s)
		if next == s {
			break
		}
		s = next
	}
	return s
}

func scrubText(s string) string {
	s = inlineSecret.ReplaceAllStringFunc(s, func(m string) string {
		sub := inlineSecret.FindStringSubmatch(m)
		if sub == nil || sub[5] == "" {
			return m
		}
		return sub[1] + sub[2] + sub[3] + sub[4] + Redacted
	})
	return longToken.ReplaceAllStringFunc(s, Mask)
}

// Mask keeps the first and last four runes of s.
func Mask(s string) string {
	r := []rune(s)
	if len(r) <= maskThreshold {
		return s
	}
	return string(r[:maskKeep]) + "..." + string(r[len(r)-maskKeep:])
}

func looksLikeToken(s string) bool {
	if len([]rune(s)) <= maskThreshold {
		return false
	}
	return strings.IndexFunc(s, unicode.IsSpace) < 0
}

func walk(v any, depth int) any {
	if depth > MaxDepth {
		return Truncated
	}
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return String(t)
	case bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32, float64:
		return t
	case json.Number:
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if SensitiveKey(k) {
				out[k] = Redacted
				continue
			}
			out[k] = walk(val, depth+1)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if SensitiveKey(k) {
				out[k] = Redacted
				continue
			}
			out[k] = walk(val, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = walk(val, depth+1)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = walk(val, depth+1)
		}
		return out
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(t, &decoded); err != nil {
			return String(string(t))
		}
		return walk(decoded, depth)
	case error:
		return String(t.Error())
	case fmt.Stringer:
		return String(t.String())
	}
	return walkOther(v, depth)
}

// walkOther normalizes unknown types through JSON so structs and typed maps
// get the same treatment as the generic shapes.
func walkOther(v any, depth int) any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return Opaque
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Opaque
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Opaque
	}
	return walk(decoded, depth)
}

// Contains reports whether secret appears verbatim in any string reachable
// from v, including map keys.
func Contains(v any, secret string) bool {
	if secret == "" {
		return false
	}
	return contains(v, secret, 0)
}

func contains(v any, secret string, depth int) bool {
	if depth > MaxDepth {
		return false
	}
	switch t := v.(type) {
	case string:
		return strings.Contains(t, secret)
	case map[string]any:
		for k, val := range t {
			if strings.Contains(k, secret) || contains(val, secret, depth+1) {
				return true
			}
		}
	case []any:
		for _, val := range t {
			if contains(val, secret, depth+1) {
				return true
			}
		}
	case map[string]string:
		for k, val := range t {
			if strings.Contains(k, secret) || strings.Contains(val, secret) {
				return true
			}
		}
	case []string:
		for _, val := range t {
			if strings.Contains(val, secret) {
				return true
			}
		}
	case []byte:
		return strings.Contains(string(t), secret)
	}
	return false
}
