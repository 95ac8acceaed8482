// Package wire implements the Sentry-compatible envelope and legacy
// store wire formats: header parsing, item framing, and the lenient
// JSON schema used to decode and normalize inbound events.
package wire

import (
	"encoding/json"
	"time"
)

// EnvelopeHeader is the first line of an envelope payload.
type EnvelopeHeader struct {
	EventID   string `json:"event_id,omitempty"`
	SentAt    string `json:"sent_at,omitempty"`
	Dsn       string `json:"dsn,omitempty"`
}

// ItemHeader precedes each item payload inside an envelope.
type ItemHeader struct {
	Type        string `json:"type"`
	Length      *int   `json:"length,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// SupportedItemTypes are the item types this service actually processes.
// Items of every other type, known or not, are framed by DecodeEnvelope
// like any other (an item with no declared length is read as a single
// line) and then skipped by the handler without error.
var SupportedItemTypes = map[string]bool{
	"event":       true,
	"transaction": true,
}

// IgnoredItemTypes are well-known item types this service intentionally
// does not process yet, but still knows how to skip cleanly.
var IgnoredItemTypes = map[string]bool{
	"log":                true,
	"session":            true,
	"sessions":           true,
	"client_report":      true,
	"attachment":         true,
	"user_report":        true,
	"check_in":           true,
	"profile":            true,
	"replay_recording":   true,
	"replay_event":       true,
	"span":               true,
}

// Message carries either a plain string or a parameterized message with
// printf- or format-style interpolation, matching the EventMessage
// schema of the wire protocol.
type Message struct {
	Formatted string        `json:"formatted,omitempty"`
	Message   string        `json:"message,omitempty"`
	Params    []interface{} `json:"params,omitempty"`
}

// StackFrame is a single frame of a stacktrace, post-symbolication.
type StackFrame struct {
	Filename    string   `json:"filename,omitempty"`
	AbsPath     string   `json:"abs_path,omitempty"`
	Function    string   `json:"function,omitempty"`
	Module      string   `json:"module,omitempty"`
	Lineno      *int     `json:"lineno,omitempty"`
	Colno       *int     `json:"colno,omitempty"`
	ContextLine string   `json:"context_line,omitempty"`
	PreContext  []string `json:"pre_context,omitempty"`
	PostContext []string `json:"post_context,omitempty"`
	InApp       *bool    `json:"in_app,omitempty"`
}

// Stacktrace is a single ordered set of frames, outermost call first.
type Stacktrace struct {
	Frames []StackFrame `json:"frames,omitempty"`
}

// ExceptionValue is one entry of an exception chain.
type ExceptionValue struct {
	Type          string      `json:"type,omitempty"`
	Value         string      `json:"value,omitempty"`
	Module        string      `json:"module,omitempty"`
	Stacktrace    *Stacktrace `json:"stacktrace,omitempty"`
	RawStacktrace *Stacktrace `json:"raw_stacktrace,omitempty"`
}

// DebugImage describes a single debug_meta.images entry. Only the
// source-map-relevant fields are modeled; other image fields are not
// kept on DebugImage and remain only in Event.Raw.
type DebugImage struct {
	Type    string `json:"type"`
	DebugID string `json:"debug_id,omitempty"`
	CodeFile string `json:"code_file,omitempty"`
}

// Event is the normalized, decoded representation of an inbound error
// or default event, after lenient coercion has been applied.
type Event struct {
	EventID     string                 `json:"event_id"`
	Timestamp   time.Time              `json:"timestamp"`
	Platform    string                 `json:"platform,omitempty"`
	Level       string                 `json:"level,omitempty"`
	Transaction string                 `json:"transaction,omitempty"`
	ServerName  string                 `json:"server_name,omitempty"`
	Release     string                 `json:"release,omitempty"`
	Environment string                 `json:"environment,omitempty"`
	Message     *Message               `json:"message,omitempty"`
	Logentry    *Message               `json:"logentry,omitempty"`
	Exceptions  []ExceptionValue       `json:"-"`
	Fingerprint []string               `json:"fingerprint,omitempty"`
	Tags        map[string]string      `json:"tags,omitempty"`
	Contexts    map[string]interface{} `json:"contexts,omitempty"`
	Request     *RequestContext        `json:"request,omitempty"`
	User        *UserContext           `json:"user,omitempty"`
	DebugImages []DebugImage           `json:"-"`
	Errors      []EventError           `json:"errors,omitempty"`

	// Raw holds the full decoded JSON so handlers can pull fields the
	// typed struct above does not model without losing them.
	Raw map[string]interface{} `json:"-"`
}

// RequestContext mirrors the subset of Sentry's request interface this
// service actually consumes: URL and header/querystring normalization.
type RequestContext struct {
	URL         string          `json:"url,omitempty"`
	Method      string          `json:"method,omitempty"`
	QueryString json.RawMessage `json:"query_string,omitempty"`
	Headers     json.RawMessage `json:"headers,omitempty"`
}

// UserContext mirrors Sentry's user interface.
type UserContext struct {
	ID       string `json:"id,omitempty"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
}

// EventError is one field-level recoverable validation failure: the
// field named is set to null/defaulted rather than failing the event,
// and one of these is appended to the event's errors array instead.
type EventError struct {
	Type  string      `json:"type"`
	Name  string      `json:"name,omitempty"`
	Value interface{} `json:"value,omitempty"`
}

// TransactionEvent is the normalized representation of an inbound
// performance transaction item: a single span tree's root, reduced to
// the identity and duration fields the aggregator needs. Group
// identity is (project, transaction name, op, method); per spec.md's
// TransactionGroup/TransactionEvent/TransactionGroupAggregate data
// model.
type TransactionEvent struct {
	EventID        string
	Transaction    string
	Op             string
	Method         string
	Release        string
	Environment    string
	Timestamp      time.Time
	StartTimestamp time.Time
	Tags           map[string]string
}

// DurationMs is the wall-clock span of the transaction in
// milliseconds, clamped to zero for malformed (end-before-start)
// timings rather than persisting a negative duration.
func (t *TransactionEvent) DurationMs() float64 {
	d := t.Timestamp.Sub(t.StartTimestamp).Seconds() * 1000
	if d < 0 {
		return 0
	}
	return d
}

// CSPReport is the legacy Content-Security-Policy report-uri payload
// shape, field-aliased from the hyphenated wire names.
type CSPReport struct {
	BlockedURI          string `json:"blocked-uri"`
	Disposition         string `json:"disposition"`
	DocumentURI         string `json:"document-uri"`
	EffectiveDirective  string `json:"effective-directive"`
	OriginalPolicy      string `json:"original-policy"`
	ScriptSample        string `json:"script-sample"`
	StatusCode          int    `json:"status-code"`
}

type cspReportEnvelope struct {
	CSPReport CSPReport `json:"csp-report"`
}
