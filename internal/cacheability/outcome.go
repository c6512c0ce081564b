// Package cacheability tracks the cache metadata declared by nested render
// scopes and merges it into one set of response directives.
package cacheability

import (
	"math"
	"sort"
	"strconv"
	"time"
)

// Tri is a three-valued cacheability flag.
type Tri uint8

const (
	// Unset means no scope expressed an opinion.
	Unset Tri = iota
	True
	False
)

func (t Tri) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "unset"
	}
}

// Seconds is an optional non-negative number of seconds that may also be
// forever. The zero value is undefined.
type Seconds struct {
	n       int64
	set     bool
	forever bool
}

// Forever is the largest possible window.
var Forever = Seconds{set: true, forever: true}

// MaxSeconds is the first window too long for a time.Duration. Windows at
// or above it are forever.
const MaxSeconds = int64(math.MaxInt64 / int64(time.Second))

// Secs returns a defined window of n seconds. Negative n is clamped to 0 and
// n >= MaxSeconds is Forever.
func Secs(n int64) Seconds {
	if n < 0 {
		n = 0
	}
	if n >= MaxSeconds {
		return Forever
	}
	return Seconds{n: n, set: true}
}

// SecsOf converts a duration, truncated to whole seconds.
func SecsOf(d time.Duration) Seconds {
	return Secs(int64(d / time.Second))
}

func (s Seconds) Defined() bool   { return s.set }
func (s Seconds) IsForever() bool { return s.forever }

// Int returns the number of seconds. ok is false when undefined or forever.
func (s Seconds) Int() (n int64, ok bool) {
	if !s.set || s.forever {
		return 0, false
	}
	return s.n, true
}

// Duration returns the window as a duration, or 0 when undefined or forever.
func (s Seconds) Duration() time.Duration {
	n, ok := s.Int()
	if !ok {
		return 0
	}
	return time.Duration(n) * time.Second
}

func (s Seconds) String() string {
	switch {
	case !s.set:
		return "undefined"
	case s.forever:
		return "forever"
	default:
		return strconv.FormatInt(s.n, 10)
	}
}

// minSeconds keeps the smaller window. A defined window beats an undefined
// one and any finite window beats forever.
func minSeconds(a, b Seconds) Seconds {
	switch {
	case !a.set:
		return b
	case !b.set:
		return a
	case a.forever:
		return b
	case b.forever:
		return a
	case b.n < a.n:
		return b
	default:
		return a
	}
}

// Outcome is the cacheability reported by a scope to its parent.
type Outcome struct {
	Cacheable            Tri
	MaxAge               Seconds
	StaleWhileRevalidate Seconds
	StaleIfError         Seconds
	// Tags is sorted and free of duplicates.
	Tags           []string
	Private        bool
	MustRevalidate bool
}

// Merge folds two outcomes together. False dominates, windows take the
// minimum, tags are unioned and flags are or-ed. Merge is commutative and
// associative.
func Merge(a, b Outcome) Outcome {
	out := Outcome{
		MaxAge:               minSeconds(a.MaxAge, b.MaxAge),
		StaleWhileRevalidate: minSeconds(a.StaleWhileRevalidate, b.StaleWhileRevalidate),
		StaleIfError:         minSeconds(a.StaleIfError, b.StaleIfError),
		Tags:                 unionTags(a.Tags, b.Tags),
		Private:              a.Private || b.Private,
		MustRevalidate:       a.MustRevalidate || b.MustRevalidate,
	}
	switch {
	case a.Cacheable == False || b.Cacheable == False:
		out.Cacheable = False
	case a.Cacheable == True || b.Cacheable == True:
		out.Cacheable = True
	}
	return out
}

func unionTags(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(a)+len(b))
	for _, t := range a {
		if t != "" {
			set[t] = struct{}{}
		}
	}
	for _, t := range b {
		if t != "" {
			set[t] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
