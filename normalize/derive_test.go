package normalize

import (
	"testing"

	"github.com/glitchtip/ingest/wire"
)

func TestEventType(t *testing.T) {
	errEv := &wire.Event{Exceptions: []wire.ExceptionValue{{Type: "TypeError", Value: "boom"}}}
	if got := EventType(errEv); got != TypeError {
		t.Fatalf("expected error type, got %s", got)
	}

	defEv := &wire.Event{Message: &wire.Message{Formatted: "hi"}}
	if got := EventType(defEv); got != TypeDefault {
		t.Fatalf("expected default type, got %s", got)
	}
}

func TestDeriveTitleCulpritError(t *testing.T) {
	inApp := true
	ev := &wire.Event{
		Exceptions: []wire.ExceptionValue{
			{
				Type:  "TypeError",
				Value: "x is not a function",
				Stacktrace: &wire.Stacktrace{
					Frames: []wire.StackFrame{
						{Function: "outer", Filename: "vendor.js"},
						{Function: "inner", Filename: "app.js", InApp: &inApp},
					},
				},
			},
		},
	}
	title, culprit := DeriveTitleCulprit(ev, TypeError)
	if title != "TypeError: x is not a function" {
		t.Fatalf("unexpected title: %q", title)
	}
	if culprit != "inner in app.js" {
		t.Fatalf("expected top in_app frame as culprit, got %q", culprit)
	}
}

func TestDeriveTitleCulpritErrorFallsBackToTopFrame(t *testing.T) {
	ev := &wire.Event{
		Exceptions: []wire.ExceptionValue{
			{
				Type:  "Error",
				Value: "boom",
				Stacktrace: &wire.Stacktrace{
					Frames: []wire.StackFrame{
						{Function: "a", Filename: "one.js"},
						{Function: "b", Filename: "two.js"},
					},
				},
			},
		},
	}
	_, culprit := DeriveTitleCulprit(ev, TypeError)
	if culprit != "b in two.js" {
		t.Fatalf("expected last frame as fallback culprit, got %q", culprit)
	}
}

func TestDeriveTitleCulpritDefault(t *testing.T) {
	ev := &wire.Event{
		Message:     &wire.Message{Formatted: "something happened"},
		Transaction: "/api/widgets",
	}
	title, culprit := DeriveTitleCulprit(ev, TypeDefault)
	if title != "something happened" {
		t.Fatalf("unexpected title: %q", title)
	}
	if culprit != "/api/widgets" {
		t.Fatalf("unexpected culprit: %q", culprit)
	}
}

func TestDeriveCSP(t *testing.T) {
	report := &wire.CSPReport{
		EffectiveDirective: "script-src",
		BlockedURI:         "https://evil.example.com/payload.js",
	}
	title, culprit := DeriveCSP(report)
	if title != "Blocked 'script' from 'evil.example.com'" {
		t.Fatalf("unexpected csp title: %q", title)
	}
	if culprit != "script-src" {
		t.Fatalf("unexpected csp culprit: %q", culprit)
	}
}

func TestTitleTruncatedToColumnWidth(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}
	ev := &wire.Event{Exceptions: []wire.ExceptionValue{{Type: "Error", Value: string(long)}}}
	title, _ := DeriveTitleCulprit(ev, TypeError)
	if len(title) != maxTitleLen {
		t.Fatalf("expected title truncated to %d chars, got %d", maxTitleLen, len(title))
	}
}
