// Package provider is a small handler provider: a name-keyed table of factories
// resolved into per-message scopes.
package provider

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/alphadose/haxmap"
	cbus "github.com/next-trace/scg-event-bus/contract/bus"
)

type entry struct {
	build  func(ctx context.Context) any
	shared bool
}

// Registry implements cbus.HandlerProvider over registered factories.
type Registry struct {
	entries *haxmap.Map[string, entry]
}

var _ cbus.HandlerProvider = (*Registry)(nil)

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: haxmap.New[string, entry]()}
}

// Register installs a factory for handler type H. Each message scope calls it at most
// once; instances implementing io.Closer are closed with the scope.
func Register[H any](r *Registry, factory func(ctx context.Context) H) {
	r.entries.Set(cbus.HandlerName[H](), entry{
		build: func(ctx context.Context) any { return factory(ctx) },
	})
}

// Instance installs a shared instance for handler type H. Scopes never close it.
func Instance[H any](r *Registry, h H) {
	r.entries.Set(cbus.HandlerName[H](), entry{
		build:  func(context.Context) any { return h },
		shared: true,
	})
}

// Remove drops the factory for handler type H.
func Remove[H any](r *Registry) {
	r.entries.Del(cbus.HandlerName[H]())
}

// Len reports how many handler types are registered.
func (r *Registry) Len() int { return int(r.entries.Len()) }

// NewScope opens a scope bound to ctx.
func (r *Registry) NewScope(ctx context.Context) cbus.HandlerScope {
	return &scope{ctx: ctx, reg: r, resolved: make(map[string]any)}
}

type scope struct {
	ctx      context.Context
	reg      *Registry
	mu       sync.Mutex
	resolved map[string]any
	owned    []io.Closer
	closed   bool
}

func (s *scope) Resolve(handler string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false
	}

	if h, ok := s.resolved[handler]; ok {
		return h, true
	}

	e, ok := s.reg.entries.Get(handler)
	if !ok {
		return nil, false
	}

	h := e.build(s.ctx)
	if h == nil {
		return nil, false
	}

	s.resolved[handler] = h

	if c, ok := h.(io.Closer); ok && !e.shared {
		s.owned = append(s.owned, c)
	}

	return h, true
}

// Close closes every owned instance in reverse resolution order.
func (s *scope) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	var errs []error
	for i := len(s.owned) - 1; i >= 0; i-- {
		if err := s.owned[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}

	s.owned = nil
	clear(s.resolved)

	return errors.Join(errs...)
}
