package cacheability

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wudi/tiercache/internal/logging"
)

// ErrFinalized is returned when a finalized scope is changed.
var ErrFinalized = errors.New("cacheability: scope already finalized")

// State is the lifecycle position of a scope. Transitions only move forward.
type State uint8

const (
	Pending State = iota
	Declared
	Merged
	Finalized
)

func (s State) String() string {
	switch s {
	case Declared:
		return "declared"
	case Merged:
		return "merged"
	case Finalized:
		return "finalized"
	default:
		return "pending"
	}
}

// Directive is what a scope declares about its own output. Windows use the
// ParseMaxAge syntax; empty means unspecified.
type Directive struct {
	MaxAge               string
	StaleWhileRevalidate string
	StaleIfError         string
	Tags                 []string
	Private              bool
	MustRevalidate       bool
}

// Scope is one node of a render tree. A scope collects its own directive
// and the outcomes of its finalized children, and hands the merge to its
// parent when finalized. Children may finalize concurrently.
type Scope struct {
	ctx    context.Context
	parent *Scope
	id     string
	now    func() time.Time

	mu       sync.Mutex
	state    State
	own      Outcome
	children Outcome
}

// Root creates the top scope of a request.
func Root(ctx context.Context) *Scope {
	return &Scope{ctx: ctx, id: uuid.NewString(), now: time.Now}
}

// RootAt creates a root scope whose max-age parsing uses now.
func RootAt(ctx context.Context, now func() time.Time) *Scope {
	s := Root(ctx)
	s.now = now
	return s
}

// Child opens a nested scope sharing the parent's context.
func (s *Scope) Child() *Scope {
	return s.ChildContext(s.ctx)
}

// ChildContext opens a nested scope bound to ctx, which should derive from
// the parent's context.
func (s *Scope) ChildContext(ctx context.Context) *Scope {
	return &Scope{ctx: ctx, parent: s, id: uuid.NewString(), now: s.now}
}

func (s *Scope) ID() string                { return s.id }
func (s *Scope) Context() context.Context { return s.ctx }
func (s *Scope) Parent() *Scope           { return s.parent }

// State returns the current lifecycle state.
func (s *Scope) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cache declares the scope cacheable with d. A window that cannot be parsed
// makes this scope uncacheable instead; siblings are unaffected.
func (s *Scope) Cache(d Directive) error {
	o := Outcome{
		Cacheable:      True,
		Tags:           unionTags(d.Tags, nil),
		Private:        d.Private,
		MustRevalidate: d.MustRevalidate,
	}
	now := s.now()
	for _, f := range []struct {
		raw string
		dst *Seconds
	}{
		{d.MaxAge, &o.MaxAge},
		{d.StaleWhileRevalidate, &o.StaleWhileRevalidate},
		{d.StaleIfError, &o.StaleIfError},
	} {
		if f.raw == "" {
			continue
		}
		v, ok := ParseMaxAge(f.raw, now)
		if !ok {
			logging.Debug("unparseable cache window, scope marked uncacheable",
				zap.String("scope", s.id),
				zap.String("value", f.raw),
			)
			return s.Declare(Outcome{Cacheable: False})
		}
		*f.dst = v
	}
	return s.Declare(o)
}

// NoCache marks the scope uncacheable. Nothing below or beside it can undo
// that for the response.
func (s *Scope) NoCache() error {
	return s.Declare(Outcome{Cacheable: False})
}

// Tag attaches tags without changing cacheability.
func (s *Scope) Tag(tags ...string) error {
	return s.Declare(Outcome{Tags: unionTags(tags, nil)})
}

// Declare merges o into the scope's own declaration.
func (s *Scope) Declare(o Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Finalized {
		return ErrFinalized
	}
	s.own = Merge(s.own, o)
	if s.state == Pending {
		s.state = Declared
	}
	return nil
}

func (s *Scope) mergeChild(o Outcome) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Finalized {
		return false
	}
	s.children = Merge(s.children, o)
	s.state = Merged
	return true
}

// Outcome returns the current aggregate of the scope and its finalized
// children.
func (s *Scope) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Merge(s.own, s.children)
}

// Finalize closes the scope and merges its outcome into the parent. Only
// the first call has an effect. A scope whose context is done contributes
// nothing to its parent.
func (s *Scope) Finalize() Outcome {
	s.mu.Lock()
	if s.state == Finalized {
		out := Merge(s.own, s.children)
		s.mu.Unlock()
		return out
	}
	s.state = Finalized
	out := Merge(s.own, s.children)
	s.mu.Unlock()

	if s.parent == nil {
		return out
	}
	if s.ctx.Err() != nil {
		logging.Debug("scope cancelled before finalize, outcome dropped", zap.String("scope", s.id))
		return out
	}
	if !s.parent.mergeChild(out) {
		logging.Debug("child finalized after its parent, outcome dropped",
			zap.String("scope", s.id),
			zap.String("parent", s.parent.id),
		)
	}
	return out
}

// Directives finalizes the scope and converts its outcome into response
// directives. Only an outcome that is explicitly cacheable caches.
func (s *Scope) Directives() Directives {
	return DirectivesFor(s.Finalize())
}

type scopeKey struct{}

// WithScope returns a context carrying s.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// FromContext returns the scope stored by WithScope, or nil.
func FromContext(ctx context.Context) *Scope {
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	return s
}
