package rewrite

import "strings"

// SplitCollapsed splits a comma-joined Set-Cookie value back into individual
// cookies. Some HTTP client libraries expose repeated Set-Cookie headers only
// as a single comma-joined string; this is the degraded fallback for that
// case. The primary path never needs it because net/http keeps repeated
// header values separate.
//
// A ", " starts a new cookie only when it is outside double quotes and the
// text after it looks like a cookie name followed by '=' . Commas inside
// Expires dates ("Wed, 21 Oct 2026 ...") do not match that shape and are
// left alone.
func SplitCollapsed(header string) []string {
	var out []string
	var inQuotes bool
	start := 0

	for i := 0; i < len(header); i++ {
		switch header[i] {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if inQuotes {
				continue
			}
			rest := header[i+1:]
			trimmed := strings.TrimLeft(rest, " ")
			if len(trimmed) < len(rest) && startsWithCookiePair(trimmed) {
				if piece := strings.TrimSpace(header[start:i]); piece != "" {
					out = append(out, piece)
				}
				start = i + 1
			}
		}
	}
	if piece := strings.TrimSpace(header[start:]); piece != "" {
		out = append(out, piece)
	}
	return out
}

// startsWithCookiePair reports whether s begins with a token= pattern.
func startsWithCookiePair(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '=':
			return i > 0
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		case c >= '0' && c <= '9', c == '-':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return false
}
