package normalize

import (
	"testing"

	"github.com/glitchtip/ingest/wire"
)

func TestDeriveTagsMergesDerivedAndSDKTags(t *testing.T) {
	ev := &wire.Event{
		Tags:        map[string]string{"custom": "value"},
		Environment: "production",
		Release:     "1.2.3",
		ServerName:  "web-1",
		User:        &wire.UserContext{ID: "42", Email: "a@example.com"},
	}
	ua := ParseUserAgent("Mozilla/5.0 (Windows NT 10.0) Chrome/120.0 Safari/537.36")

	tags := DeriveTags(ev, ua)

	want := map[string]string{
		"custom":      "value",
		"environment": "production",
		"release":     "1.2.3",
		"server_name": "web-1",
		"user.id":     "42",
		"user.email":  "a@example.com",
		"browser.name": "Chrome",
		"os.name":     "Windows",
	}
	for k, v := range want {
		if tags[k] != v {
			t.Errorf("tag %q: got %q, want %q", k, tags[k], v)
		}
	}
}

func TestDeriveTagsDropsEmptyValues(t *testing.T) {
	ev := &wire.Event{Tags: map[string]string{"keep": "x", "drop": ""}}
	tags := DeriveTags(ev, ParsedUserAgent{})
	if _, ok := tags["drop"]; ok {
		t.Fatal("expected empty-valued tag to be dropped")
	}
	if tags["keep"] != "x" {
		t.Fatal("expected non-empty tag to survive")
	}
}

func TestDeriveTagsTruncatesLongKeysAndValues(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	ev := &wire.Event{Tags: map[string]string{string(long): string(long)}}
	tags := DeriveTags(ev, ParsedUserAgent{})
	for k, v := range tags {
		if len(k) > maxTagKeyLen {
			t.Fatalf("tag key exceeds max length: %d", len(k))
		}
		if len(v) > maxTagValueLen {
			t.Fatalf("tag value exceeds max length: %d", len(v))
		}
	}
}

func TestNormalizeHeadersDropsCookieAndEmptyPairs(t *testing.T) {
	raw := []byte(`[["Cookie", "secret=1"], ["User-Agent", "test"], ["Empty", ""]]`)
	pairs := NormalizeHeaders(raw)
	for _, p := range pairs {
		if p[0] == "Cookie" {
			t.Fatal("Cookie header should have been dropped")
		}
	}
	if len(pairs) != 1 || pairs[0][0] != "User-Agent" {
		t.Fatalf("unexpected normalized headers: %v", pairs)
	}
}

func TestNormalizeHeadersMapOfListShape(t *testing.T) {
	raw := []byte(`{"Accept": ["text/html", "application/json"]}`)
	pairs := NormalizeHeaders(raw)
	if len(pairs) != 2 {
		t.Fatalf("expected 2 pairs from map-of-list shape, got %d", len(pairs))
	}
}

func TestUserAgentFromHeaders(t *testing.T) {
	pairs := [][2]string{{"Accept", "*/*"}, {"user-agent", "curl/8.0"}}
	if got := UserAgentFromHeaders(pairs); got != "curl/8.0" {
		t.Fatalf("expected case-insensitive match, got %q", got)
	}
}
