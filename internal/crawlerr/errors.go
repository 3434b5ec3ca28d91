// Package crawlerr defines the error taxonomy shared by crawl strategies.
package crawlerr

import (
	"errors"
	"fmt"
)

// Error kinds. Use errors.Is against these to classify a failure.
var (
	// ErrConfiguration reports a bad hook name, option, or construction parameter.
	ErrConfiguration = errors.New("configuration error")
	// ErrNavigation reports a navigation timeout, unreachable host, or renderer crash.
	ErrNavigation = errors.New("navigation failed")
	// ErrRenderTimeout reports that a ready-state or element-presence wait expired.
	ErrRenderTimeout = errors.New("rendering timed out")
	// ErrFallbackExhausted reports that the visible fallback session itself failed.
	ErrFallbackExhausted = errors.New("fallback exhausted")
	// ErrHook reports that a registered hook returned an error.
	ErrHook = errors.New("hook failed")
)

// Error wraps a crawl failure with the operation and originating URL.
type Error struct {
	Op   string
	URL  string
	Kind error
	Err  error
}

// New builds an Error of the given kind.
func New(op, url string, kind, err error) *Error {
	return &Error{Op: op, URL: url, Kind: kind, Err: err}
}

func (e *Error) Error() string {
	prefix := e.Op
	if e.URL != "" {
		prefix += " " + e.URL
	}
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %v", prefix, e.Kind)
	case e.Kind == nil || errors.Is(e.Err, e.Kind):
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	default:
		return fmt.Sprintf("%s: %v: %v", prefix, e.Kind, e.Err)
	}
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// Configf returns a configuration error with a formatted message.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// KindOf reports the taxonomy kind of err, or nil if it is unclassified.
func KindOf(err error) error {
	for _, kind := range []error{ErrConfiguration, ErrRenderTimeout, ErrFallbackExhausted, ErrHook, ErrNavigation} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
