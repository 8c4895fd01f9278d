package keys

import (
	"regexp"
	"strings"
	"testing"
	"unicode"

	"github.com/nikmarch/overturemaps-duckdb/internal/core/model"
)

var keyRe = regexp.MustCompile(`^[A-Za-z0-9:._=\-]+$`)

func TestDeterminism_SameCoordinateSameKey(t *testing.T) {
	c := model.Coordinate{Release: "2025-01-22.0", Theme: "places", Type: "place"}
	if Index(c) != Index(c) {
		t.Fatalf("index key not deterministic")
	}
	k := Index(c)
	if !strings.HasPrefix(k, "idx:v1:2025-01-22.0:places:place:h=") {
		t.Fatalf("unexpected key layout: %s", k)
	}
	if !keyRe.MatchString(k) {
		t.Fatalf("key contains disallowed characters: %s", k)
	}
}

func TestKinds_DoNotCollide(t *testing.T) {
	c := model.Coordinate{Release: "r", Theme: "t", Type: "y"}
	if Index(c) == Listing(c) {
		t.Fatalf("index and listing keys must differ")
	}
	if Themes("r") == Releases() {
		t.Fatalf("themes and releases keys must differ")
	}
}

func TestSanitizedCollisions_SeparatedByHash(t *testing.T) {
	// Both sanitize to "a-b" but the hash over raw input differs.
	k1 := Key("x", "a:b")
	k2 := Key("x", "a/b")
	if k1 == k2 {
		t.Fatalf("distinct raw segments must produce distinct keys: %s", k1)
	}
}

func TestUnicodeSafety_NoPanicAndHashSuffixPresent(t *testing.T) {
	k := Themes("Göteborg 雪")
	for _, r := range k {
		if r > unicode.MaxASCII {
			t.Fatalf("non-ASCII rune leaked into key: %q in %s", r, k)
		}
	}
	m := regexp.MustCompile(`:h=([0-9a-f]{16})$`).FindStringSubmatch(k)
	if len(m) != 2 {
		t.Fatalf("missing or invalid :h=<hex64> suffix in key: %s", k)
	}
}

func TestSum_OrderSensitive(t *testing.T) {
	a := Sum([]string{"x", "y"})
	b := Sum([]string{"y", "x"})
	if a == b {
		t.Fatalf("sum must depend on order")
	}
	if Sum([]string{"ab", ""}) == Sum([]string{"a", "b"}) {
		t.Fatalf("sum must separate items")
	}
	if len(a) != 16 {
		t.Fatalf("sum=%q want 16 hex chars", a)
	}
}
