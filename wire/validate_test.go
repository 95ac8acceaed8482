package wire

import (
	"testing"
)

func TestDecodeEventAppliesDefaultsAndCoercion(t *testing.T) {
	payload := []byte(`{
		"event_id": "ABC123-DEF456-GHI789-JKL012",
		"timestamp": "2026-01-02T03:04:05Z",
		"platform": "python",
		"level": "error",
		"message": "boom",
		"tags": {"a": "1", "b": 2},
		"fingerprint": ["{{ default }}", "custom"]
	}`)

	ev, err := DecodeEvent(payload, "")
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if ev.EventID != "abc123def456ghi789jkl012" {
		t.Fatalf("expected normalized lowercase hyphen-stripped event id, got %q", ev.EventID)
	}
	if ev.Level != "error" {
		t.Fatalf("expected level 'error', got %q", ev.Level)
	}
	if ev.Message == nil || ev.Message.Formatted != "boom" {
		t.Fatalf("expected message to decode, got %+v", ev.Message)
	}
	if ev.Tags["a"] != "1" || ev.Tags["b"] != "2" {
		t.Fatalf("expected tags to coerce non-string values to strings, got %+v", ev.Tags)
	}
	if len(ev.Fingerprint) != 2 || ev.Fingerprint[0] != "{{ default }}" {
		t.Fatalf("expected fingerprint to round-trip, got %+v", ev.Fingerprint)
	}
}

func TestDecodeEventRejectsInvalidLevel(t *testing.T) {
	payload := []byte(`{"event_id": "x", "level": "catastrophic"}`)
	ev, err := DecodeEvent(payload, "")
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if ev.Level != "" {
		t.Fatalf("expected an unrecognized level to decode as empty, got %q", ev.Level)
	}
}

func TestDecodeEventFallsBackToEnvelopeEventID(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"message": "no id here"}`), "fallback-id-1234")
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if ev.EventID != "fallbackid1234" {
		t.Fatalf("expected fallback event id to be normalized, got %q", ev.EventID)
	}
}

func TestDecodeEventGeneratesIDWhenNoneProvided(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{}`), "")
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if ev.EventID == "" {
		t.Fatal("expected a generated event id when none was provided")
	}
}

func TestDecodeEventTruncatesOverlongFields(t *testing.T) {
	longEnv := make([]byte, 100)
	for i := range longEnv {
		longEnv[i] = 'x'
	}
	payload := []byte(`{"event_id": "x", "environment": "` + string(longEnv) + `"}`)
	ev, err := DecodeEvent(payload, "")
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if len(ev.Environment) != 64 {
		t.Fatalf("expected environment truncated to 64 chars, got %d", len(ev.Environment))
	}
	if len(ev.Errors) == 0 {
		t.Fatal("expected a recorded error for the truncated field")
	}
}

func TestDecodeEventParsesExceptionValuesContainer(t *testing.T) {
	payload := []byte(`{
		"event_id": "x",
		"exception": {"values": [{"type": "ValueError", "value": "bad input"}]}
	}`)
	ev, err := DecodeEvent(payload, "")
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if len(ev.Exceptions) != 1 || ev.Exceptions[0].Type != "ValueError" {
		t.Fatalf("expected one exception to decode, got %+v", ev.Exceptions)
	}
}

func TestDecodeEventParsesBareExceptionList(t *testing.T) {
	payload := []byte(`{
		"event_id": "x",
		"exception": [{"type": "TypeError", "value": "oops"}]
	}`)
	ev, err := DecodeEvent(payload, "")
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if len(ev.Exceptions) != 1 || ev.Exceptions[0].Type != "TypeError" {
		t.Fatalf("expected bare exception list to decode, got %+v", ev.Exceptions)
	}
}

func TestDecodeEventStripsNulBytes(t *testing.T) {
	payload := []byte(`{"event_id": "x", "message": "bad\u0000value"}`)
	ev, err := DecodeEvent(payload, "")
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if ev.Message.Formatted != "badvalue" {
		t.Fatalf("expected NUL byte stripped, got %q", ev.Message.Formatted)
	}
}

func TestTransformParameterizedMessageWithPrintfParams(t *testing.T) {
	m := &Message{Message: "got %s and %d", Params: []interface{}{"a", 2}}
	got := TransformParameterizedMessage(m)
	want := "got a and 2"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestTransformParameterizedMessageNoParams(t *testing.T) {
	m := &Message{Message: "plain message"}
	if got := TransformParameterizedMessage(m); got != "plain message" {
		t.Fatalf("expected message to pass through unchanged, got %q", got)
	}
}

func TestDecodeEventRecordsStructuredTimestampError(t *testing.T) {
	payload := []byte(`{"event_id": "x", "timestamp": "not-a-date"}`)
	ev, err := DecodeEvent(payload, "")
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if len(ev.Errors) == 0 {
		t.Fatal("expected a recorded error for the unparseable timestamp")
	}
	found := false
	for _, e := range ev.Errors {
		if e.Type == "datetime_from_date_parsing" && e.Name == "timestamp" && e.Value == "not-a-date" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a datetime_from_date_parsing error for timestamp, got %+v", ev.Errors)
	}
}

func TestDecodeEventAcceptsNumericStringTimestamp(t *testing.T) {
	payload := []byte(`{"event_id": "x", "timestamp": "1735689600"}`)
	ev, err := DecodeEvent(payload, "")
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if ev.Timestamp.Unix() != 1735689600 {
		t.Fatalf("expected numeric-string epoch seconds to parse, got %v", ev.Timestamp)
	}
	for _, e := range ev.Errors {
		if e.Name == "timestamp" {
			t.Fatalf("expected no timestamp error for a valid numeric string, got %+v", ev.Errors)
		}
	}
}

func TestDecodeTransactionResolvesGroupIdentityFields(t *testing.T) {
	payload := []byte(`{
		"event_id": "abc123def456ghi789jkl012",
		"transaction": "GET /api/widgets",
		"release": "1.0.0",
		"environment": "production",
		"timestamp": 1700000010,
		"start_timestamp": 1700000000,
		"contexts": {"trace": {"op": "http.server"}},
		"request": {"method": "GET"},
		"tags": {"a": "1"}
	}`)

	tx, err := DecodeTransaction(payload, "")
	if err != nil {
		t.Fatalf("DecodeTransaction: %v", err)
	}
	if tx.Transaction != "GET /api/widgets" {
		t.Fatalf("expected transaction name to decode, got %q", tx.Transaction)
	}
	if tx.Op != "http.server" {
		t.Fatalf("expected op from contexts.trace.op, got %q", tx.Op)
	}
	if tx.Method != "GET" {
		t.Fatalf("expected method from request.method, got %q", tx.Method)
	}
	if tx.Release != "1.0.0" || tx.Environment != "production" {
		t.Fatalf("expected release/environment to decode, got %+v", tx)
	}
	if got := tx.DurationMs(); got != 10000 {
		t.Fatalf("expected a 10s duration in ms, got %v", got)
	}
}

func TestDecodeTransactionClampsNegativeDuration(t *testing.T) {
	payload := []byte(`{
		"event_id": "x",
		"transaction": "GET /slow",
		"timestamp": 1700000000,
		"start_timestamp": 1700000010
	}`)
	tx, err := DecodeTransaction(payload, "")
	if err != nil {
		t.Fatalf("DecodeTransaction: %v", err)
	}
	if got := tx.DurationMs(); got != 0 {
		t.Fatalf("expected negative duration clamped to 0, got %v", got)
	}
}

func TestDecodeTransactionFallsBackToEnvelopeEventID(t *testing.T) {
	tx, err := DecodeTransaction([]byte(`{"transaction": "noop"}`), "fallback-id-1234")
	if err != nil {
		t.Fatalf("DecodeTransaction: %v", err)
	}
	if tx.EventID != "fallbackid1234" {
		t.Fatalf("expected fallback event id to be normalized, got %q", tx.EventID)
	}
}
