package keys

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/nikmarch/overturemaps-duckdb/internal/core/model"
)

// Bumped when the encoded value format changes.
const schemaVersion = "v1"

const (
	KindIndex    = "idx"
	KindListing  = "ls"
	KindReleases = "releases"
	KindThemes   = "themes"
)

// Key builds "<kind>:v1:<seg>:<seg>...:h=<xxhash64>". Segments are sanitized
// for readability; the hash over the raw segments keeps distinct inputs
// distinct after sanitizing.
func Key(kind string, parts ...string) string {
	var b strings.Builder
	b.WriteString(sanitizeForKey(strings.TrimSpace(kind)))
	b.WriteByte(':')
	b.WriteString(schemaVersion)

	const maxPartLen = 96
	for _, p := range parts {
		s := sanitizeForKey(collapseASCIIWhitespace(p))
		if len(s) > maxPartLen {
			s = s[:maxPartLen]
		}
		b.WriteByte(':')
		b.WriteString(s)
	}

	sum := xxhash.Sum64String(kind + "\x00" + strings.Join(parts, "\x00"))
	fmt.Fprintf(&b, ":h=%016x", sum)
	return b.String()
}

func Index(c model.Coordinate) string {
	return Key(KindIndex, c.Release, c.Theme, c.Type)
}

func Listing(c model.Coordinate) string {
	return Key(KindListing, c.Release, c.Theme, c.Type)
}

func Releases() string {
	return Key(KindReleases)
}

func Themes(release string) string {
	return Key(KindThemes, release)
}

// Sum is the hex xxhash64 of the given strings, used for ETags.
func Sum(items []string) string {
	d := xxhash.New()
	for _, s := range items {
		_, _ = d.WriteString(s)
		_, _ = d.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", d.Sum64())
}

func sanitizeForKey(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))

	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == '.' || r == '_' || r == '-' || r == '=':
			out = r
		default:
			// Any other rune (including non-ASCII and ':') becomes '-'
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

// converts any run of ASCII whitespace to a single space.
func collapseASCIIWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	wasWS := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f' {
			if !wasWS {
				b.WriteByte(' ')
				wasWS = true
			}
			continue
		}
		b.WriteRune(r)
		wasWS = false
	}
	return strings.TrimSpace(b.String())
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r < unicode.MaxASCII && unicode.IsDigit(r))
}
