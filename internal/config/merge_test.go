package config

import (
	"reflect"
	"testing"
	"time"
)

func TestMergeNonZero(t *testing.T) {
	t.Run("route fields", func(t *testing.T) {
		base := RouteConfig{
			MaxAge:      "1h",
			Methods:     []string{"GET", "HEAD"},
			MaxBodySize: 1 << 20,
			Timeout:     30 * time.Second,
		}
		overlay := RouteConfig{
			PathPrefix: "/blog",
			MaxAge:     "midnight",
			Tags:       []string{"blog"},
		}
		got := MergeNonZero(base, overlay)

		if got.PathPrefix != "/blog" || got.MaxAge != "midnight" {
			t.Errorf("overlay strings not applied: %+v", got)
		}
		if !reflect.DeepEqual(got.Methods, []string{"GET", "HEAD"}) {
			t.Errorf("Methods = %v, want base methods", got.Methods)
		}
		if got.Timeout != 30*time.Second || got.MaxBodySize != 1<<20 {
			t.Errorf("base scalars lost: %+v", got)
		}
		if !reflect.DeepEqual(got.Tags, []string{"blog"}) {
			t.Errorf("Tags = %v", got.Tags)
		}
	})

	t.Run("empty slice keeps base", func(t *testing.T) {
		got := MergeNonZero(RouteConfig{Vary: []string{"Accept"}}, RouteConfig{Vary: []string{}})
		if !reflect.DeepEqual(got.Vary, []string{"Accept"}) {
			t.Errorf("Vary = %v", got.Vary)
		}
	})

	t.Run("maps merge with overlay winning", func(t *testing.T) {
		base := TracingConfig{Headers: map[string]string{"a": "1", "b": "2"}}
		overlay := TracingConfig{Headers: map[string]string{"b": "3"}}
		got := MergeNonZero(base, overlay)

		want := map[string]string{"a": "1", "b": "3"}
		if !reflect.DeepEqual(got.Headers, want) {
			t.Errorf("Headers = %v, want %v", got.Headers, want)
		}
		if base.Headers["b"] != "2" {
			t.Error("base map was mutated")
		}
	})

	t.Run("nested structs", func(t *testing.T) {
		base := BackendConfig{Type: BackendRedis, Breaker: BreakerConfig{Enabled: true, FailureThreshold: 5}}
		overlay := BackendConfig{Address: "cache:6379", Breaker: BreakerConfig{Timeout: time.Minute}}
		got := MergeNonZero(base, overlay)

		if got.Type != BackendRedis || got.Address != "cache:6379" {
			t.Errorf("got %+v", got)
		}
		if !got.Breaker.Enabled || got.Breaker.FailureThreshold != 5 || got.Breaker.Timeout != time.Minute {
			t.Errorf("breaker = %+v", got.Breaker)
		}
	})
}
