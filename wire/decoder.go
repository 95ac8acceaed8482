package wire

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/andybalholm/brotli"
)

// Errors the auth/throttle gate and HTTP handlers map to specific
// status codes. Named so callers never need to match on text.
var (
	ErrMalformedEnvelope = errors.New("wire: malformed envelope")
	ErrPayloadTooLarge   = errors.New("wire: payload too large")
)

// Item is one decoded envelope item: its header and raw payload bytes.
// Items of every type are returned; the handler decodes only the
// SupportedItemTypes payloads.
type Item struct {
	Header  ItemHeader
	Payload []byte
}

// Envelope is the fully decoded request body: its header line plus the
// ordered items that followed it.
type Envelope struct {
	Header EnvelopeHeader
	Items  []Item
}

// DecompressBody wraps r with the decompressor named by the
// Content-Encoding header, if any. Unknown encodings pass through
// unchanged — the original source treats this permissively too.
func DecompressBody(r io.Reader, contentEncoding string) (io.Reader, error) {
	switch contentEncoding {
	case "gzip":
		return gzip.NewReader(r)
	case "deflate":
		return zlib.NewReader(r)
	case "br":
		return brotli.NewReader(r), nil
	default:
		return r, nil
	}
}

// DecodeEnvelope reads the newline-delimited envelope format: one
// header line, then (item header, item payload) pairs until EOF.
//
// An item header that fails to parse ends the loop entirely — the byte
// offset of the next item cannot be known without a valid length, so
// recovery is unsafe. Bytes already consumed for a skipped (ignored or
// unsupported) item type are simply dropped; GlitchTip's own ingest
// view does the same.
func DecodeEnvelope(r io.Reader, maxBytes int64) (*Envelope, error) {
	lr := &io.LimitedReader{R: r, N: maxBytes + 1}
	br := bufio.NewReaderSize(lr, 64*1024)

	headerLine, err := readLine(br)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: reading envelope header: %v", ErrMalformedEnvelope, err)
	}
	if err == io.EOF && lr.N <= 0 {
		return nil, ErrPayloadTooLarge
	}
	var env Envelope
	if len(bytes.TrimSpace(headerLine)) > 0 {
		if err := json.Unmarshal(headerLine, &env.Header); err != nil {
			return nil, fmt.Errorf("%w: envelope header: %v", ErrMalformedEnvelope, err)
		}
	}

	for {
		itemHeaderLine, err := readLine(br)
		if err == io.EOF && lr.N <= 0 {
			return nil, ErrPayloadTooLarge
		}
		if len(bytes.TrimSpace(itemHeaderLine)) == 0 {
			break
		}

		var ih ItemHeader
		if jerr := json.Unmarshal(itemHeaderLine, &ih); jerr != nil {
			// Cannot safely recover the payload boundary; stop parsing.
			break
		}

		payload, rerr := readItemPayload(br, ih, lr)
		if rerr != nil {
			if errors.Is(rerr, ErrPayloadTooLarge) {
				return nil, rerr
			}
			break
		}

		env.Items = append(env.Items, Item{Header: ih, Payload: payload})
	}

	return &env, nil
}

// readItemPayload reads one item's payload, either a declared byte
// length or (absent that) a single newline-delimited line. lr is the
// same cap-enforcing reader DecodeEnvelope wraps the body in: when a
// read comes up short because lr's allowance is exhausted rather than
// because the body genuinely ended, that is the request exceeding the
// size cap, not a malformed payload, and must surface ErrPayloadTooLarge
// so the handler responds 413 instead of silently truncating.
func readItemPayload(br *bufio.Reader, ih ItemHeader, lr *io.LimitedReader) ([]byte, error) {
	if ih.Length != nil {
		n := *ih.Length
		if n < 0 {
			return nil, fmt.Errorf("%w: negative item length", ErrMalformedEnvelope)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(br, buf); err != nil {
			if lr.N <= 0 {
				return nil, ErrPayloadTooLarge
			}
			return nil, fmt.Errorf("%w: short item payload: %v", ErrMalformedEnvelope, err)
		}
		// Envelopes terminate each item with a trailing newline; consume
		// it if present so the next item header starts cleanly.
		if b, err := br.Peek(1); err == nil && b[0] == '\n' {
			_, _ = br.Discard(1)
		}
		return buf, nil
	}
	line, err := readLine(br)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: reading item payload: %v", ErrMalformedEnvelope, err)
	}
	if err == io.EOF && lr.N <= 0 {
		return nil, ErrPayloadTooLarge
	}
	return line, nil
}

// readLine reads one newline-delimited line, with the trailing
// newline stripped. It returns io.EOF (along with any bytes already
// read) when the reader was exhausted before a delimiter was found,
// instead of swallowing that signal — the caller decides whether a
// delimiter-less tail is a harmless final line or, when the underlying
// reader is cap-enforcing, a payload that ran past the size limit.
func readLine(br *bufio.Reader) ([]byte, error) {
	line, err := br.ReadBytes('\n')
	if err == nil {
		return bytes.TrimSuffix(line, []byte("\n")), nil
	}
	return line, err
}

// ReadLimited enforces the request body size cap up front for the
// legacy /store/ and /security/ endpoints, which have no envelope
// framing to carry an explicit length.
func ReadLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	lr := io.LimitReader(r, maxBytes+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, ErrPayloadTooLarge
	}
	return data, nil
}

// DecodeCSPReport parses the legacy CSP report-uri body shape.
func DecodeCSPReport(body []byte) (*CSPReport, error) {
	var env cspReportEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: csp report: %v", ErrMalformedEnvelope, err)
	}
	return &env.CSPReport, nil
}

// StatusForDecodeError maps a decode error to the HTTP status the wire
// protocol expects.
func StatusForDecodeError(err error) int {
	switch {
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrMalformedEnvelope):
		return http.StatusBadRequest
	default:
		return http.StatusBadRequest
	}
}
