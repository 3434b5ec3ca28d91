// Package hooks implements the named extension points a crawl strategy
// invokes at fixed lifecycle moments.
package hooks

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/pagesnap/internal/crawlerr"
	"github.com/JakeFAU/pagesnap/internal/renderer"
)

// Name identifies an extension point.
type Name string

// Recognized extension points.
const (
	OnDriverCreated    Name = "on_driver_created"
	OnUserAgentUpdated Name = "on_user_agent_updated"
	BeforeGetURL       Name = "before_get_url"
	AfterGetURL        Name = "after_get_url"
	BeforeReturnHTML   Name = "before_return_html"
)

var known = map[Name]struct{}{
	OnDriverCreated:    {},
	OnUserAgentUpdated: {},
	BeforeGetURL:       {},
	AfterGetURL:        {},
	BeforeReturnHTML:   {},
}

// Names lists the recognized extension points in lifecycle order.
func Names() []Name {
	return []Name{OnDriverCreated, OnUserAgentUpdated, BeforeGetURL, AfterGetURL, BeforeReturnHTML}
}

// Valid reports whether n is a recognized extension point.
func (n Name) Valid() bool {
	_, ok := known[n]
	return ok
}

// Event is what a hook observes.
type Event struct {
	Name      Name
	Session   renderer.Session
	URL       string
	UserAgent string
	// HTML is only populated for BeforeReturnHTML.
	HTML string
	// Replaced is set by Dispatch when the hook handed back a new session.
	Replaced bool
}

type resultKind int

const (
	keep resultKind = iota
	replaceSession
	rewriteHTML
)

// Result tells the dispatcher what to do with the hook's outcome.
type Result struct {
	kind    resultKind
	session renderer.Session
	html    string
}

// Keep leaves the strategy state untouched.
func Keep() Result { return Result{kind: keep} }

// Replace makes s the strategy's current session.
func Replace(s renderer.Session) Result {
	if s == nil {
		return Keep()
	}
	return Result{kind: replaceSession, session: s}
}

// RewriteHTML substitutes the document returned to the caller. It only has an
// effect for BeforeReturnHTML.
func RewriteHTML(html string) Result { return Result{kind: rewriteHTML, html: html} }

// Hook is caller-supplied logic run at an extension point.
type Hook func(ctx context.Context, ev Event) (Result, error)

// Registry maps extension points to at most one hook each.
type Registry struct {
	mu    sync.RWMutex
	hooks map[Name]Hook
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{hooks: make(map[Name]Hook)}
}

// Set registers fn at name, replacing any previous hook. A nil fn unregisters.
func (r *Registry) Set(name Name, fn Hook) error {
	if !name.Valid() {
		return crawlerr.Configf("invalid hook type: %s", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn == nil {
		delete(r.hooks, name)
		return nil
	}
	r.hooks[name] = fn
	return nil
}

// Has reports whether a hook is registered at name.
func (r *Registry) Has(name Name) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.hooks[name]
	return ok
}

// Dispatch runs the hook registered at ev.Name and returns ev updated with its
// result. Without a hook the event comes back unchanged.
func (r *Registry) Dispatch(ctx context.Context, ev Event) (Event, error) {
	r.mu.RLock()
	fn, ok := r.hooks[ev.Name]
	r.mu.RUnlock()
	if !ok {
		return ev, nil
	}
	res, err := fn(ctx, ev)
	if err != nil {
		return ev, fmt.Errorf("%w: %s: %w", crawlerr.ErrHook, ev.Name, err)
	}
	switch res.kind {
	case replaceSession:
		ev.Session = res.session
		ev.Replaced = true
	case rewriteHTML:
		if ev.Name == BeforeReturnHTML {
			ev.HTML = res.html
		}
	}
	return ev, nil
}
