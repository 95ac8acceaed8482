package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxMessageLen = 8192

// DecodeEvent unmarshals a raw item payload into an Event, applying
// the same lenient coercion GlitchTip's Pydantic schema does: fields
// that fail validation are recorded in Errors and nulled rather than
// rejecting the whole event. This is done per field below instead of
// via reflection over the decoded map, since Go has no cheap
// equivalent of Pydantic's model-wide validator introspection.
func DecodeEvent(payload []byte, fallbackEventID string) (*Event, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: event payload: %v", ErrMalformedEnvelope, err)
	}

	ev := &Event{Raw: raw}

	if id, ok := raw["event_id"].(string); ok && id != "" {
		ev.EventID = normalizeEventID(id)
	} else {
		ev.EventID = normalizeEventID(fallbackEventID)
	}
	if ev.EventID == "" {
		ev.EventID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	ev.Timestamp = decodeTimestamp(raw["timestamp"], &ev.Errors)
	ev.Platform, _ = raw["platform"].(string)
	ev.Level = decodeLevel(raw["level"])
	ev.ServerName = truncateField(raw, "server_name", 255, &ev.Errors)
	ev.Release = truncateField(raw, "release", 250, &ev.Errors)
	ev.Environment = truncateField(raw, "environment", 64, &ev.Errors)
	// Append any errors already present on the incoming payload (e.g.
	// relayed from an upstream SDK or a prior processing attempt)
	// instead of discarding them.
	ev.Errors = append(ev.Errors, decodeEventErrors(raw["errors"])...)

	if t, ok := raw["transaction"].(string); ok {
		ev.Transaction = t
	} else if c, ok := raw["culprit"].(string); ok {
		// Legacy alias: older clients send "culprit" for what the wire
		// protocol now calls "transaction".
		ev.Transaction = c
	}

	ev.Message = decodeMessage(raw["message"])
	ev.Logentry = decodeMessage(raw["logentry"])
	ev.Fingerprint = decodeStringSlice(raw["fingerprint"])
	ev.Tags = decodeStringMap(raw["tags"])
	if c, ok := raw["contexts"].(map[string]interface{}); ok {
		ev.Contexts = c
	}
	ev.Exceptions = decodeExceptions(raw)
	ev.DebugImages = decodeDebugImages(raw)

	if reqRaw, ok := raw["request"]; ok {
		if b, err := json.Marshal(reqRaw); err == nil {
			var rc RequestContext
			if json.Unmarshal(b, &rc) == nil {
				ev.Request = &rc
			}
		}
	}
	if userRaw, ok := raw["user"]; ok {
		if b, err := json.Marshal(userRaw); err == nil {
			var uc UserContext
			if json.Unmarshal(b, &uc) == nil {
				ev.User = &uc
			}
		}
	}

	return RemoveBadChars(ev), nil
}

// DecodeTransaction unmarshals a raw "transaction" item payload,
// applying the same lenient timestamp coercion as DecodeEvent.
// Grounped in transactions sharing the event schema's envelope but
// carrying contexts.trace.op and request.method instead of an
// exception list.
func DecodeTransaction(payload []byte, fallbackEventID string) (*TransactionEvent, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: transaction payload: %v", ErrMalformedEnvelope, err)
	}

	tx := &TransactionEvent{}
	if id, ok := raw["event_id"].(string); ok && id != "" {
		tx.EventID = normalizeEventID(id)
	} else {
		tx.EventID = normalizeEventID(fallbackEventID)
	}
	if tx.EventID == "" {
		tx.EventID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	tx.Transaction, _ = raw["transaction"].(string)
	tx.Release = truncateField(raw, "release", 250, &[]EventError{})
	tx.Environment, _ = raw["environment"].(string)
	tx.Tags = decodeStringMap(raw["tags"])

	var errs []EventError
	tx.Timestamp = decodeTimestamp(raw["timestamp"], &errs)
	if start, ok := raw["start_timestamp"]; ok {
		tx.StartTimestamp = decodeTimestamp(start, &errs)
	} else {
		tx.StartTimestamp = tx.Timestamp
	}

	if contexts, ok := raw["contexts"].(map[string]interface{}); ok {
		if trace, ok := contexts["trace"].(map[string]interface{}); ok {
			tx.Op, _ = trace["op"].(string)
		}
	}
	if req, ok := raw["request"].(map[string]interface{}); ok {
		tx.Method, _ = req["method"].(string)
	}

	tx.Transaction = cleanString(tx.Transaction)
	for k, v := range tx.Tags {
		tx.Tags[k] = cleanString(v)
	}
	return tx, nil
}

var validLevels = map[string]bool{
	"fatal": true, "error": true, "warning": true, "info": true, "debug": true,
}

// decodeLevel accepts only the five levels the wire protocol defines,
// defaulting to "" (the caller picks a type-appropriate default) for
// anything else rather than rejecting the event over a cosmetic field.
func decodeLevel(v interface{}) string {
	s, _ := v.(string)
	if validLevels[s] {
		return s
	}
	return ""
}

func normalizeEventID(id string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(id)), "-", "")
}

// decodeTimestamp mirrors GlitchTip's datetime_from_date_parsing
// coercion: an unparseable timestamp defaults to server-now and a
// structured error names exactly which field and value failed,
// instead of rejecting the event.
func decodeTimestamp(v interface{}, errs *[]EventError) time.Time {
	switch t := v.(type) {
	case string:
		if parsed, perr := time.Parse(time.RFC3339, t); perr == nil {
			return parsed.UTC()
		}
		if secs, perr := strconv.ParseFloat(t, 64); perr == nil {
			return time.Unix(int64(secs), 0).UTC()
		}
		*errs = append(*errs, EventError{Type: "datetime_from_date_parsing", Name: "timestamp", Value: t})
	case float64:
		return time.Unix(int64(t), 0).UTC()
	}
	return time.Now().UTC()
}

// truncateField mirrors GlitchTip's truncate_on_error WrapValidator:
// a field that would be too long is truncated instead of rejected, and
// the truncation is recorded, rather than failing the whole event.
func truncateField(raw map[string]interface{}, key string, max int, errs *[]EventError) string {
	s, ok := raw[key].(string)
	if !ok {
		return ""
	}
	if len(s) <= max {
		return s
	}
	*errs = append(*errs, EventError{Type: "value_too_long", Name: key, Value: fmt.Sprintf("truncated to %d characters", max)})
	return s[:max]
}

// decodeEventErrors preserves any errors array already present on the
// raw payload (e.g. an SDK that pre-flags its own coercions) instead
// of silently dropping it when the event is re-decoded.
func decodeEventErrors(v interface{}) []EventError {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]EventError, 0, len(arr))
	for _, item := range arr {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		ee := EventError{}
		ee.Type, _ = m["type"].(string)
		ee.Name, _ = m["name"].(string)
		ee.Value = m["value"]
		if ee.Type != "" {
			out = append(out, ee)
		}
	}
	return out
}

func decodeStringSlice(v interface{}) []string {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func decodeStringMap(v interface{}) map[string]string {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		if s, ok := val.(string); ok {
			out[k] = s
		} else if val != nil {
			out[k] = fmt.Sprintf("%v", val)
		}
	}
	return out
}

func decodeMessage(v interface{}) *Message {
	switch t := v.(type) {
	case string:
		return &Message{Formatted: truncate(t, maxMessageLen)}
	case map[string]interface{}:
		m := &Message{}
		if f, ok := t["formatted"].(string); ok {
			m.Formatted = f
		}
		if msg, ok := t["message"].(string); ok {
			m.Message = msg
		}
		if params, ok := t["params"].([]interface{}); ok {
			m.Params = params
		} else if named, ok := t["params"].(map[string]interface{}); ok && m.Formatted == "" {
			pairs := make([]string, 0, 2*len(named))
			for k, v := range named {
				pairs = append(pairs, "{"+k+"}", fmt.Sprint(v))
			}
			m.Formatted = strings.NewReplacer(pairs...).Replace(m.Message)
		}
		m.Formatted = truncate(TransformParameterizedMessage(m), maxMessageLen)
		return m
	}
	return nil
}

func decodeExceptions(raw map[string]interface{}) []ExceptionValue {
	excRaw, ok := raw["exception"]
	if !ok {
		return nil
	}
	var container struct {
		Values []ExceptionValue `json:"values"`
	}
	b, err := json.Marshal(excRaw)
	if err != nil {
		return nil
	}
	// Accept both {"values": [...]} and a bare list, matching the wire
	// protocol's tolerance of both legacy shapes.
	if err := json.Unmarshal(b, &container); err == nil && len(container.Values) > 0 {
		return filterNullExceptionValues(container.Values)
	}
	var bare []ExceptionValue
	if json.Unmarshal(b, &bare) == nil {
		return filterNullExceptionValues(bare)
	}
	return nil
}

func filterNullExceptionValues(values []ExceptionValue) []ExceptionValue {
	out := values[:0]
	for _, v := range values {
		if v.Type != "" || v.Value != "" {
			out = append(out, v)
		}
	}
	return out
}

func decodeDebugImages(raw map[string]interface{}) []DebugImage {
	meta, ok := raw["debug_meta"].(map[string]interface{})
	if !ok {
		return nil
	}
	imgsRaw, ok := meta["images"].([]interface{})
	if !ok {
		return nil
	}
	b, err := json.Marshal(imgsRaw)
	if err != nil {
		return nil
	}
	var imgs []DebugImage
	if json.Unmarshal(b, &imgs) != nil {
		return nil
	}
	return imgs
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// TransformParameterizedMessage formats a message with its params,
// the way GlitchTip's transform_parameterized_message does: printf
// style for a list of params, and the raw message text when no params
// are supplied. The {key}-style map form is substituted earlier, by
// decodeMessage, which stores the result in Formatted.
func TransformParameterizedMessage(m *Message) string {
	if m == nil {
		return ""
	}
	if m.Formatted != "" {
		return m.Formatted
	}
	if m.Message == "" {
		return ""
	}
	if len(m.Params) == 0 {
		return m.Message
	}
	args := make([]interface{}, len(m.Params))
	copy(args, m.Params)
	return fmt.Sprintf(printfize(m.Message), args...)
}

// printfize leaves a %-style message as-is; Go's fmt.Sprintf already
// accepts %s/%d verbs directly so no translation is needed here beyond
// passing the message through.
func printfize(s string) string { return s }

const badChar = "\x00"

// RemoveBadChars strips NUL bytes, which Postgres text columns cannot
// store, from the message and logentry text, server name, release,
// environment, transaction and tag values. Other strings (tag keys,
// exceptions, contexts, request, user and Raw) are not cleaned.
func RemoveBadChars(ev *Event) *Event {
	ev.Message = cleanMessage(ev.Message)
	ev.Logentry = cleanMessage(ev.Logentry)
	ev.ServerName = cleanString(ev.ServerName)
	ev.Release = cleanString(ev.Release)
	ev.Environment = cleanString(ev.Environment)
	ev.Transaction = cleanString(ev.Transaction)
	for k, v := range ev.Tags {
		ev.Tags[k] = cleanString(v)
	}
	return ev
}

func cleanMessage(m *Message) *Message {
	if m == nil {
		return nil
	}
	m.Formatted = cleanString(m.Formatted)
	m.Message = cleanString(m.Message)
	return m
}

func cleanString(s string) string {
	return strings.ReplaceAll(s, badChar, "")
}
