package cacheability

import (
	"math"
	"strconv"
	"strings"
	"time"
)

var unitSeconds = map[byte]int64{
	's': 1,
	'm': 60,
	'h': 3600,
	'd': 86400,
	'w': 604800,
}

// ParseMaxAge parses a freshness window: whole seconds ("300"), a duration
// shorthand ("30s", "15m", "1h", "1d", "2w", or compounds like "1h30m"),
// "midnight" for the seconds left until the next local midnight after now,
// or "forever". It never panics; ok is false for anything else.
func ParseMaxAge(s string, now time.Time) (Seconds, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return Seconds{}, false
	case "forever":
		return Forever, true
	case "midnight":
		return untilMidnight(now), true
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return Seconds{}, false
		}
		return Secs(n), true
	}

	var total int64
	for i := 0; i < len(s); {
		start := i
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		if i == start || i == len(s) {
			return Seconds{}, false
		}
		n, err := strconv.ParseInt(s[start:i], 10, 64)
		if err != nil {
			return Seconds{}, false
		}
		mult, ok := unitSeconds[s[i]]
		if !ok {
			return Seconds{}, false
		}
		i++
		if n > (math.MaxInt64-total)/mult {
			return Seconds{}, false
		}
		total += n * mult
	}
	return Secs(total), true
}

func untilMidnight(now time.Time) Seconds {
	y, m, d := now.Date()
	next := time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
	return Secs(int64(next.Sub(now) / time.Second))
}
