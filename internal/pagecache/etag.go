package pagecache

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// ETag returns a strong entity tag for body.
func ETag(body []byte) string {
	return `"` + strconv.FormatUint(xxhash.Sum64(body), 16) + `"`
}

// MatchETag reports whether an If-None-Match value matches etag. It accepts
// "*", a single tag, or a comma-separated list, and compares weakly.
func MatchETag(inm, etag string) bool {
	if inm == "*" {
		return true
	}
	want := stripWeak(etag)
	for inm != "" {
		for len(inm) > 0 && (inm[0] == ' ' || inm[0] == '\t' || inm[0] == ',') {
			inm = inm[1:]
		}
		if inm == "" {
			break
		}
		start := 0
		if len(inm) > 1 && inm[:2] == "W/" {
			start = 2
		}
		if start >= len(inm) || inm[start] != '"' {
			return false
		}
		end := start + 1
		for end < len(inm) && inm[end] != '"' {
			end++
		}
		if end >= len(inm) {
			return false
		}
		if stripWeak(inm[:end+1]) == want {
			return true
		}
		inm = inm[end+1:]
	}
	return false
}

func stripWeak(s string) string {
	if len(s) > 2 && s[:2] == "W/" {
		return s[2:]
	}
	return s
}
