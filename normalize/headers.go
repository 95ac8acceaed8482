package normalize

import (
	"encoding/json"
	"fmt"
	"sort"
)

// NormalizeHeaders accepts any of the three shapes the wire protocol's
// request.headers field may carry — a list of [key, value] pairs, a
// map of string to string, or a map of string to list of strings — and
// returns a sorted list of pairs with Cookie entries and empty pairs
// dropped, per spec §4.3.
func NormalizeHeaders(raw json.RawMessage) [][2]string {
	pairs := normalizePairs(raw)
	out := make([][2]string, 0, len(pairs))
	for _, p := range pairs {
		if p[0] == "" || p[1] == "" {
			continue
		}
		if equalFoldCookie(p[0]) {
			continue
		}
		out = append(out, p)
	}
	sortPairs(out)
	return out
}

// NormalizeQueryString applies the same three-shape coercion as
// NormalizeHeaders but without the Cookie-header exclusion, since
// querystrings carry application parameters rather than transport
// headers.
func NormalizeQueryString(raw json.RawMessage) [][2]string {
	pairs := normalizePairs(raw)
	out := make([][2]string, 0, len(pairs))
	for _, p := range pairs {
		if p[0] == "" {
			continue
		}
		out = append(out, p)
	}
	sortPairs(out)
	return out
}

func equalFoldCookie(key string) bool {
	if len(key) != len("cookie") {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c != "cookie"[i] {
			return false
		}
	}
	return true
}

func sortPairs(pairs [][2]string) {
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i][0] != pairs[j][0] {
			return pairs[i][0] < pairs[j][0]
		}
		return pairs[i][1] < pairs[j][1]
	})
}

// normalizePairs decodes raw into whichever of the three accepted
// shapes it parses as, falling back to an empty list rather than
// failing the event — this is a lenient coercion, not a validation
// gate.
func normalizePairs(raw json.RawMessage) [][2]string {
	if len(raw) == 0 {
		return nil
	}

	var asPairs [][]interface{}
	if err := json.Unmarshal(raw, &asPairs); err == nil {
		out := make([][2]string, 0, len(asPairs))
		for _, p := range asPairs {
			if len(p) != 2 {
				continue
			}
			out = append(out, [2]string{toString(p[0]), toString(p[1])})
		}
		return out
	}

	var asMap map[string]interface{}
	if err := json.Unmarshal(raw, &asMap); err == nil {
		out := make([][2]string, 0, len(asMap))
		for k, v := range asMap {
			switch val := v.(type) {
			case []interface{}:
				for _, item := range val {
					out = append(out, [2]string{k, toString(item)})
				}
			default:
				out = append(out, [2]string{k, toString(v)})
			}
		}
		return out
	}

	return nil
}

func toString(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
