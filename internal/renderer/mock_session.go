package renderer

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockSession is a scripted, in-process Session for tests and dry runs.
type MockSession struct {
	mu sync.Mutex

	// Pages maps a URL to the document served once it has been navigated to.
	Pages map[string]string
	// DOMSequence, when set, answers successive DOM reads; the last entry repeats.
	DOMSequence []string
	// ReadyStates answers successive readyState queries; the last entry repeats.
	// An empty slice always answers "complete".
	ReadyStates []string
	// MissingElement makes every element-presence check answer false.
	MissingElement bool
	// ScriptEffects replaces the current document when a matching script runs.
	ScriptEffects map[string]string
	// ScriptErrors fails specific scripts.
	ScriptErrors map[string]error
	ScrollWidth  int64
	ScrollHeight int64
	Raster       []byte
	NavigateErr  error
	CaptureErr   error
	EvalErr      error
	Agent        string

	current      string
	document     string
	navigations  []string
	scripts      []string
	headers      map[string]string
	width        int
	height       int
	domReads     int
	interactions int
	closed       bool
}

// NewMockSession returns a MockSession serving pages.
func NewMockSession(pages map[string]string) *MockSession {
	if pages == nil {
		pages = map[string]string{}
	}
	return &MockSession{
		Pages:        pages,
		ScrollWidth:  1280,
		ScrollHeight: 2000,
		headers:      map[string]string{},
	}
}

func (m *MockSession) touch() error {
	if m.closed {
		return ErrSessionClosed
	}
	m.interactions++
	return nil
}

// Navigate implements Session.
func (m *MockSession) Navigate(_ context.Context, rawURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.touch(); err != nil {
		return err
	}
	m.navigations = append(m.navigations, rawURL)
	if m.NavigateErr != nil {
		return m.NavigateErr
	}
	m.current = rawURL
	m.document = m.Pages[rawURL]
	return nil
}

// Evaluate implements Session.
func (m *MockSession) Evaluate(_ context.Context, script string, res any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.touch(); err != nil {
		return err
	}
	m.scripts = append(m.scripts, script)
	switch {
	case script == ScriptReadyState:
		state := "complete"
		if n := len(m.ReadyStates); n > 0 {
			state = m.ReadyStates[0]
			if n > 1 {
				m.ReadyStates = m.ReadyStates[1:]
			}
		}
		return assign(res, state)
	case strings.HasPrefix(script, "document.getElementsByTagName("):
		return assign(res, !m.MissingElement)
	case script == ScriptScrollWidth:
		return assign(res, m.ScrollWidth)
	case script == ScriptScrollHeight:
		return assign(res, m.ScrollHeight)
	}
	if err, ok := m.ScriptErrors[script]; ok {
		return err
	}
	if m.EvalErr != nil {
		return m.EvalErr
	}
	if doc, ok := m.ScriptEffects[script]; ok {
		m.document = doc
		m.DOMSequence = nil
	}
	return nil
}

// DOM implements Session.
func (m *MockSession) DOM(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.touch(); err != nil {
		return "", err
	}
	m.domReads++
	if n := len(m.DOMSequence); n > 0 {
		doc := m.DOMSequence[0]
		if n > 1 {
			m.DOMSequence = m.DOMSequence[1:]
		}
		return doc, nil
	}
	return m.document, nil
}

// SetWindowSize implements Session.
func (m *MockSession) SetWindowSize(_ context.Context, width, height int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.touch(); err != nil {
		return err
	}
	m.width, m.height = width, height
	return nil
}

// CaptureRaster implements Session.
func (m *MockSession) CaptureRaster(_ context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.touch(); err != nil {
		return nil, err
	}
	if m.CaptureErr != nil {
		return nil, m.CaptureErr
	}
	return append([]byte(nil), m.Raster...), nil
}

// SetExtraHeaders implements Session.
func (m *MockSession) SetExtraHeaders(_ context.Context, headers map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.touch(); err != nil {
		return err
	}
	for k, v := range headers {
		m.headers[k] = v
	}
	return nil
}

// UserAgent implements Session.
func (m *MockSession) UserAgent() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Agent
}

// Close implements Session.
func (m *MockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Navigations lists every URL passed to Navigate.
func (m *MockSession) Navigations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.navigations...)
}

// Scripts lists every script passed to Evaluate.
func (m *MockSession) Scripts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.scripts...)
}

// Headers returns the extra headers applied so far.
func (m *MockSession) Headers() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.headers))
	for k, v := range m.headers {
		out[k] = v
	}
	return out
}

// WindowSize returns the last size set.
func (m *MockSession) WindowSize() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.width, m.height
}

// DOMReads counts DOM calls.
func (m *MockSession) DOMReads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.domReads
}

// Interactions counts every successful call other than UserAgent and Close.
func (m *MockSession) Interactions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interactions
}

// Closed reports whether Close was called.
func (m *MockSession) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func assign(res any, v any) error {
	if res == nil {
		return nil
	}
	switch dst := res.(type) {
	case *string:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("mock: cannot assign %T to *string", v)
		}
		*dst = s
	case *bool:
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("mock: cannot assign %T to *bool", v)
		}
		*dst = b
	case *int64:
		n, ok := v.(int64)
		if !ok {
			return fmt.Errorf("mock: cannot assign %T to *int64", v)
		}
		*dst = n
	case *int:
		n, ok := v.(int64)
		if !ok {
			return fmt.Errorf("mock: cannot assign %T to *int", v)
		}
		*dst = int(n)
	case *float64:
		n, ok := v.(int64)
		if !ok {
			return fmt.Errorf("mock: cannot assign %T to *float64", v)
		}
		*dst = float64(n)
	case *any:
		*dst = v
	default:
		return fmt.Errorf("mock: unsupported result type %T", res)
	}
	return nil
}

// MockFactory builds MockSessions and remembers every one it created.
type MockFactory struct {
	mu sync.Mutex
	// Build returns the session for opts. When nil a blank MockSession is used.
	Build func(opts Options) (*MockSession, error)

	sessions []*MockSession
	options  []Options
}

// Create satisfies the Factory signature.
func (f *MockFactory) Create(_ context.Context, opts Options) (Session, error) {
	var (
		s   *MockSession
		err error
	)
	if f.Build != nil {
		s, err = f.Build(opts)
	} else {
		s = NewMockSession(nil)
	}
	if err != nil {
		return nil, err
	}
	if s.Agent == "" {
		s.Agent = opts.UserAgent
	}
	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.options = append(f.options, opts)
	f.mu.Unlock()
	return s, nil
}

// Sessions returns the sessions created so far, oldest first.
func (f *MockFactory) Sessions() []*MockSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*MockSession(nil), f.sessions...)
}

// Options returns the options each session was created with.
func (f *MockFactory) Options() []Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Options(nil), f.options...)
}
