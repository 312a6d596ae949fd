// internal/probe/probetest/probetest.go
// Package probetest provides in-memory probe.Page doubles for tests: a
// scriptable fake with call counters, and a testify mock for strict
// expectation-based tests.
package probetest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/cfverify/internal/probe"
)

// Element is an in-memory DOM element.
type Element struct {
	Tag   string
	Attrs map[string]string
}

func (e *Element) String() string {
	if id := e.Attrs["id"]; id != "" {
		return fmt.Sprintf("<%s id=%q>", e.Tag, id)
	}
	return fmt.Sprintf("<%s>", e.Tag)
}

// Frame builds an iframe element with the given src and extra attributes
// given as name/value pairs.
func Frame(src string, kv ...string) *Element {
	attrs := map[string]string{"src": src}
	for i := 0; i+1 < len(kv); i += 2 {
		attrs[kv[i]] = kv[i+1]
	}
	return &Element{Tag: "iframe", Attrs: attrs}
}

// Page is a scriptable probe.Page. Every hook receives the 1-based call
// number of its own operation. Nil hooks behave as an empty, healthy page.
type Page struct {
	mu sync.Mutex

	// TitleFn answers evaluations that read document.title.
	TitleFn func(call int) (string, error)
	// ScriptsFn answers evaluations that collect script[src] URLs.
	ScriptsFn func(call int) ([]string, error)
	// EnvelopeResults wraps script results in {type, value} envelopes the way
	// some backends do before normalisation.
	EnvelopeResults bool
	// FramesFn answers FindElements("iframe").
	FramesFn func(call int) ([]*Element, error)
	// ClickFn decides the outcome of each click.
	ClickFn func(call int, el *Element) error
	// ReloadFn decides the outcome of each reload.
	ReloadFn func(call int) error
	// TargetFn and URLFn answer TargetID and URL.
	TargetFn func(call int) (string, error)
	URLFn    func(call int) (string, error)

	closed bool

	titleCalls, scriptCalls, findCalls, attrCalls int
	clicks, reloads, targetCalls, urlCalls        int
}

var _ probe.Page = (*Page)(nil)

// Close makes every subsequent call fail with probe.ErrTargetClosed.
func (p *Page) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *Page) checkClosed(op string) error {
	if p.closed {
		return probe.Classify(op, probe.ErrTargetClosed, fmt.Errorf("fake target detached"))
	}
	return nil
}

func (p *Page) Evaluate(ctx context.Context, expr string) (probe.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return probe.Null, err
	}
	if err := p.checkClosed("evaluate"); err != nil {
		return probe.Null, err
	}

	switch {
	case strings.Contains(expr, "document.title"):
		p.titleCalls++
		if p.TitleFn == nil {
			return probe.StringResult(""), nil
		}
		title, err := p.TitleFn(p.titleCalls)
		if err != nil {
			return probe.Null, err
		}
		return p.wrap(title)
	case strings.Contains(expr, "script[src]"):
		p.scriptCalls++
		if p.ScriptsFn == nil {
			return probe.StringsResult(), nil
		}
		urls, err := p.ScriptsFn(p.scriptCalls)
		if err != nil {
			return probe.Null, err
		}
		items := make([]interface{}, 0, len(urls))
		for _, u := range urls {
			items = append(items, u)
		}
		return p.wrap(items)
	default:
		return probe.Null, fmt.Errorf("probetest: unsupported expression %q", expr)
	}
}

// wrap optionally routes a value through the envelope form so tests exercise
// probe.Normalize the same way a real adapter would.
func (p *Page) wrap(v interface{}) (probe.Result, error) {
	if !p.EnvelopeResults {
		return probe.FromValue(v), nil
	}
	switch t := v.(type) {
	case []interface{}:
		wrapped := make([]interface{}, 0, len(t))
		for _, it := range t {
			wrapped = append(wrapped, map[string]interface{}{"type": "string", "value": it})
		}
		return probe.FromValue(wrapped), nil
	default:
		return probe.FromValue(map[string]interface{}{"type": "string", "value": t}), nil
	}
}

func (p *Page) FindElements(ctx context.Context, tagName string) ([]probe.Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.checkClosed("find elements"); err != nil {
		return nil, err
	}
	if tagName != "iframe" {
		return nil, nil
	}
	p.findCalls++
	if p.FramesFn == nil {
		return nil, nil
	}
	frames, err := p.FramesFn(p.findCalls)
	if err != nil {
		return nil, err
	}
	out := make([]probe.Element, 0, len(frames))
	for _, f := range frames {
		out = append(out, f)
	}
	return out, nil
}

func (p *Page) Attribute(ctx context.Context, el probe.Element, name string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkClosed("attribute"); err != nil {
		return "", false, err
	}
	p.attrCalls++
	e, ok := el.(*Element)
	if !ok {
		return "", false, fmt.Errorf("probetest: foreign element %T", el)
	}
	v, ok := e.Attrs[name]
	return v, ok, nil
}

func (p *Page) Click(ctx context.Context, el probe.Element) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.checkClosed("click"); err != nil {
		return err
	}
	p.clicks++
	if p.ClickFn == nil {
		return nil
	}
	e, _ := el.(*Element)
	return p.ClickFn(p.clicks, e)
}

func (p *Page) Reload(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkClosed("reload"); err != nil {
		return err
	}
	p.reloads++
	if p.ReloadFn == nil {
		return nil
	}
	return p.ReloadFn(p.reloads)
}

func (p *Page) TargetID(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkClosed("target id"); err != nil {
		return "", err
	}
	p.targetCalls++
	if p.TargetFn == nil {
		return "", nil
	}
	return p.TargetFn(p.targetCalls)
}

func (p *Page) URL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkClosed("url"); err != nil {
		return "", err
	}
	p.urlCalls++
	if p.URLFn == nil {
		return "", nil
	}
	return p.URLFn(p.urlCalls)
}

// Counts is a snapshot of how often each operation ran.
type Counts struct {
	Titles   int
	Scripts  int
	Finds    int
	Clicks   int
	Reloads  int
	Targets  int
	URLs     int
	AttrRead int
}

// Counts returns the current call counters.
func (p *Page) Counts() Counts {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Counts{
		Titles:   p.titleCalls,
		Scripts:  p.scriptCalls,
		Finds:    p.findCalls,
		Clicks:   p.clicks,
		Reloads:  p.reloads,
		Targets:  p.targetCalls,
		URLs:     p.urlCalls,
		AttrRead: p.attrCalls,
	}
}

// Always returns a hook that yields v on every call.
func Always[T any](v T) func(int) (T, error) {
	return func(int) (T, error) { return v, nil }
}

// Sequence returns a hook that yields vs in order and repeats the last value
// once exhausted.
func Sequence[T any](vs ...T) func(int) (T, error) {
	return func(call int) (T, error) {
		var zero T
		if len(vs) == 0 {
			return zero, nil
		}
		if call > len(vs) {
			return vs[len(vs)-1], nil
		}
		return vs[call-1], nil
	}
}

// Fail returns a hook that always fails with err.
func Fail[T any](err error) func(int) (T, error) {
	return func(int) (T, error) {
		var zero T
		return zero, err
	}
}

// MockPage is a testify mock of probe.Page for expectation-based tests.
type MockPage struct {
	mock.Mock
}

var _ probe.Page = (*MockPage)(nil)

func (m *MockPage) Evaluate(ctx context.Context, expr string) (probe.Result, error) {
	args := m.Called(ctx, expr)
	return args.Get(0).(probe.Result), args.Error(1)
}

func (m *MockPage) FindElements(ctx context.Context, tagName string) ([]probe.Element, error) {
	args := m.Called(ctx, tagName)
	els, _ := args.Get(0).([]probe.Element)
	return els, args.Error(1)
}

func (m *MockPage) Attribute(ctx context.Context, el probe.Element, name string) (string, bool, error) {
	args := m.Called(ctx, el, name)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *MockPage) Click(ctx context.Context, el probe.Element) error {
	return m.Called(ctx, el).Error(0)
}

func (m *MockPage) Reload(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockPage) TargetID(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockPage) URL(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}
