package cacheability

import (
	"net/http"
	"strconv"
	"strings"
)

// foreverSeconds is what "forever" renders as in max-age: one year.
const foreverSeconds = 31536000

// Directives is the final cache policy of a response.
type Directives struct {
	Cacheable            bool
	MaxAge               Seconds
	StaleWhileRevalidate Seconds
	StaleIfError         Seconds
	Tags                 []string
	Private              bool
	MustRevalidate       bool
}

// DirectivesFor converts a root outcome. Unset and False both mean the
// response is not cached.
func DirectivesFor(o Outcome) Directives {
	if o.Cacheable != True {
		return Directives{}
	}
	return Directives{
		Cacheable:            true,
		MaxAge:               o.MaxAge,
		StaleWhileRevalidate: o.StaleWhileRevalidate,
		StaleIfError:         o.StaleIfError,
		Tags:                 o.Tags,
		Private:              o.Private,
		MustRevalidate:       o.MustRevalidate,
	}
}

// HeaderNames selects how directives are rendered.
type HeaderNames struct {
	// Tags is the header carrying the space-delimited tag list.
	// Defaults to Cache-Tag.
	Tags string
	// SurrogateKey also writes the tags to Surrogate-Key.
	SurrogateKey bool
	// NoStore writes "Cache-Control: no-store" for uncacheable responses.
	// Otherwise they get no caching headers at all.
	NoStore bool
}

// DefaultHeaderNames renders tags to Cache-Tag only.
func DefaultHeaderNames() HeaderNames {
	return HeaderNames{Tags: "Cache-Tag"}
}

// CacheControl renders the Cache-Control value, or "" when not cacheable.
func (d Directives) CacheControl() string {
	if !d.Cacheable {
		return ""
	}
	parts := make([]string, 0, 5)
	if d.Private {
		parts = append(parts, "private")
	} else {
		parts = append(parts, "public")
	}
	if v, ok := renderSeconds(d.MaxAge); ok {
		parts = append(parts, "max-age="+v)
	}
	if v, ok := renderSeconds(d.StaleWhileRevalidate); ok {
		parts = append(parts, "stale-while-revalidate="+v)
	}
	if v, ok := renderSeconds(d.StaleIfError); ok {
		parts = append(parts, "stale-if-error="+v)
	}
	if d.MustRevalidate {
		parts = append(parts, "must-revalidate")
	}
	return strings.Join(parts, ", ")
}

func renderSeconds(s Seconds) (string, bool) {
	if !s.Defined() {
		return "", false
	}
	if s.IsForever() {
		return strconv.Itoa(foreverSeconds), true
	}
	n, _ := s.Int()
	return strconv.FormatInt(n, 10), true
}

// Apply writes the directives into h.
func (d Directives) Apply(h http.Header, names HeaderNames) {
	if !d.Cacheable {
		if names.NoStore {
			h.Set("Cache-Control", "no-store")
		}
		return
	}
	h.Set("Cache-Control", d.CacheControl())
	if len(d.Tags) == 0 {
		return
	}
	tags := strings.Join(d.Tags, " ")
	tagHeader := names.Tags
	if tagHeader == "" {
		tagHeader = "Cache-Tag"
	}
	h.Set(tagHeader, tags)
	if names.SurrogateKey && !strings.EqualFold(tagHeader, "Surrogate-Key") {
		h.Set("Surrogate-Key", tags)
	}
}
