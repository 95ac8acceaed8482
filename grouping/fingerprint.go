// Package grouping implements issue fingerprinting, the search vector
// construction used for full-text search, and the at-most-one Issue
// creation algorithm under concurrent ingest batches.
//
// Grounded in GlitchTip's apps/event_ingest/utils.py (generate_hash)
// and apps/event_ingest/process_event.py (get_search_vector,
// process_issue_events).
package grouping

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

const defaultFingerprint = "{{ default }}"

// GenerateHash computes the insecure MD5 grouping hash for an event.
// When extra (the event's fingerprint field) is provided, each element
// equal to the literal "{{ default }}" is replaced by the default
// input; anything else is used verbatim (or treated as empty if
// blank), exactly as generate_hash does.
func GenerateHash(title, culprit, eventType string, extra []string) string {
	defaultInput := title + culprit + eventType
	var hashInput string
	if len(extra) > 0 {
		var b strings.Builder
		for _, part := range extra {
			if part == defaultFingerprint {
				b.WriteString(defaultInput)
			} else {
				b.WriteString(part)
			}
		}
		hashInput = b.String()
	} else {
		hashInput = defaultInput
	}
	sum := md5.Sum([]byte(hashInput))
	return hex.EncodeToString(sum[:])
}

const (
	maxSearchPartLength     = 250
	maxFilenameLen          = 100
	maxTotalFilenames       = 5
	maxFramesPerStacktrace  = 3
	maxStacktracesToProcess = 2
	maxVectorSegmentLen     = 2048
)

// SearchVectorInput carries the fields get_search_vector draws from.
type SearchVectorInput struct {
	Title       string
	Transaction string
	RequestURL  string
	// Stacktraces lists each exception's frame filenames,
	// outermost-first; BuildSearchVector keeps at most
	// maxFramesPerStacktrace of each and uses only the basenames.
	Stacktraces [][]string
}

// BuildSearchVector assembles the bounded, deduplicated set of search
// terms get_search_vector computes: title, transaction, a simplified
// URL, and up to maxTotalFilenames stack frame basenames drawn from
// the first maxStacktracesToProcess stacktraces.
func BuildSearchVector(in SearchVectorInput) string {
	parts := make(map[string]struct{})

	if in.Title != "" {
		parts[truncateRunes(in.Title, maxSearchPartLength)] = struct{}{}
	}
	if in.Transaction != "" {
		parts[truncateRunes(in.Transaction, maxSearchPartLength)] = struct{}{}
	}
	if simplified := simplifyURL(in.RequestURL); simplified != "" {
		parts[truncateRunes(simplified, maxSearchPartLength)] = struct{}{}
	}

	filenameCount := 0
	stacktraces := in.Stacktraces
	if len(stacktraces) > maxStacktracesToProcess {
		stacktraces = stacktraces[:maxStacktracesToProcess]
	}
	for _, frames := range stacktraces {
		// Reversed: outermost frame first, matching the original's
		// iteration order over a stacktrace's frame list.
		limited := frames
		if len(limited) > maxFramesPerStacktrace {
			limited = limited[:maxFramesPerStacktrace]
		}
		for i := len(limited) - 1; i >= 0; i-- {
			if filenameCount >= maxTotalFilenames {
				break
			}
			base := basename(limited[i])
			if base == "" {
				continue
			}
			parts[truncateRunes(base, maxFilenameLen)] = struct{}{}
			filenameCount++
		}
	}

	sorted := make([]string, 0, len(parts))
	for p := range parts {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	joined := strings.Join(sorted, " ")
	return truncateAtLastSpace(joined, maxVectorSegmentLen)
}

// simplifyURL reduces a raw request URL to scheme://host+path,
// dropping query string and fragment. A URL that fails to parse is
// used raw, matching the raw-URL ValueError fallback in the original;
// a parsed URL with no scheme or host is left out.
func simplifyURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host + u.Path
}

func basename(path string) string {
	path = strings.TrimRight(path, "/")
	if idx := strings.LastIndexAny(path, "/\\"); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

// truncateAtLastSpace truncates to at most max bytes, cutting at the
// last space found so a word is never split mid-token; falls back to a
// hard cut if no space exists within the window.
func truncateAtLastSpace(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	if idx := strings.LastIndex(cut, " "); idx > 0 {
		return cut[:idx]
	}
	return cut
}
