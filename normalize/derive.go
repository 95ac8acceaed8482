// Package normalize derives the fields the grouping engine hashes on
// (title, culprit) and the flat tag map stored alongside each event,
// from a decoded wire.Event. It is the Go analogue of GlitchTip's
// process_event.py title/culprit/tag derivation plus generate_contexts'
// User-Agent-driven context population.
//
// Grounded in original_source/apps/event_ingest/process_event.py
// (generate_contexts, generate_tags, and the per-type title/culprit
// branch in process_issue_events) and original_source/apps/event_ingest/utils.py.
package normalize

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/glitchtip/ingest/wire"
)

const (
	TypeError   = "error"
	TypeDefault = "default"
	TypeCSP     = "csp"

	maxTitleLen = 80
)

// EventType classifies an event the way process_issue_events branches
// on IssueEventType: the presence of an exception list makes it an
// error event; anything else defaults, and CSP reports are decoded
// through a separate path entirely (see DeriveCSP).
func EventType(ev *wire.Event) string {
	if len(ev.Exceptions) > 0 {
		return TypeError
	}
	return TypeDefault
}

// DeriveTitleCulprit computes title and culprit for an error or
// default event, per spec §4.5: error titles come from the last
// exception's "type: value", default titles come from the formatted
// message, and culprit is the top in-app frame's location, falling
// back to the top frame or the transaction name.
func DeriveTitleCulprit(ev *wire.Event, eventType string) (title, culprit string) {
	switch eventType {
	case TypeError:
		title = errorTitle(ev)
		culprit = errorCulprit(ev)
	default:
		title = defaultTitle(ev)
		culprit = ev.Transaction
		if culprit == "" {
			culprit = errorCulprit(ev)
		}
	}
	return truncateRunes(title, maxTitleLen), culprit
}

// errorTitle prefers the last exception in the chain (innermost cause
// last, matching Sentry's chained-exception convention), formatted as
// "Type: Value" or bare "Type" when there is no message.
func errorTitle(ev *wire.Event) string {
	if len(ev.Exceptions) == 0 {
		return "<untitled>"
	}
	exc := ev.Exceptions[len(ev.Exceptions)-1]
	if exc.Value != "" {
		return fmt.Sprintf("%s: %s", exc.Type, exc.Value)
	}
	if exc.Type != "" {
		return exc.Type
	}
	return "<untitled>"
}

// defaultTitle formats the event's message or logentry, falling back
// to "<untitled>" when neither is present.
func defaultTitle(ev *wire.Event) string {
	if ev.Message != nil {
		if f := wire.TransformParameterizedMessage(ev.Message); f != "" {
			return f
		}
	}
	if ev.Logentry != nil {
		if f := wire.TransformParameterizedMessage(ev.Logentry); f != "" {
			return f
		}
	}
	return "<untitled>"
}

// errorCulprit locates the frame process_issue_events's get_location
// would report: the top (last) in-app frame of the last exception's
// stacktrace if any frame is marked in_app, else the top frame, else
// the transaction name.
func errorCulprit(ev *wire.Event) string {
	if len(ev.Exceptions) == 0 {
		return ev.Transaction
	}
	exc := ev.Exceptions[len(ev.Exceptions)-1]
	if exc.Stacktrace == nil || len(exc.Stacktrace.Frames) == 0 {
		return ev.Transaction
	}
	frames := exc.Stacktrace.Frames
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].InApp != nil && *frames[i].InApp {
			return frameLocation(frames[i])
		}
	}
	return frameLocation(frames[len(frames)-1])
}

func frameLocation(f wire.StackFrame) string {
	name := f.Function
	if name == "" {
		name = "?"
	}
	if f.Filename != "" {
		return fmt.Sprintf("%s in %s", name, f.Filename)
	}
	return name
}

// DeriveCSP computes a CSP report's synthetic title and culprit, per
// spec §4.5: title is "Blocked '<directive>' from '<netloc>'" with the
// "-src" suffix stripped from the directive name, and culprit is the
// raw effective directive.
func DeriveCSP(report *wire.CSPReport) (title, culprit string) {
	directive := strings.TrimSuffix(report.EffectiveDirective, "-src")
	netloc := report.BlockedURI
	if u, err := url.Parse(report.BlockedURI); err == nil && u.Host != "" {
		netloc = u.Host
	}
	title = fmt.Sprintf("Blocked '%s' from '%s'", directive, netloc)
	return truncateRunes(title, maxTitleLen), report.EffectiveDirective
}

// DefaultLevel fills in a level when the client omitted one: error
// events default to "error", everything else to "info", matching
// Sentry's own client-side defaulting behavior.
func DefaultLevel(level, eventType string) string {
	if level != "" {
		return level
	}
	if eventType == TypeError {
		return "error"
	}
	return "info"
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
