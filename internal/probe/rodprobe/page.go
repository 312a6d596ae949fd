// internal/probe/rodprobe/page.go
// Package rodprobe adapts a go-rod page to probe.Page.
package rodprobe

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/xkilldash9x/cfverify/internal/config"
	"github.com/xkilldash9x/cfverify/internal/probe"
)

const (
	defaultOpTimeout = 15 * time.Second
	releaseTimeout   = 2 * time.Second
)

// Page is a probe.Page backed by a *rod.Page.
type Page struct {
	page      *rod.Page
	humanoid  config.HumanoidConfig
	opTimeout time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

var _ probe.Page = (*Page)(nil)

// Option configures a Page.
type Option func(*Page)

func WithHumanoid(cfg config.HumanoidConfig) Option {
	return func(p *Page) { p.humanoid = cfg }
}

func WithOperationTimeout(d time.Duration) Option {
	return func(p *Page) {
		if d > 0 {
			p.opTimeout = d
		}
	}
}

func WithRand(rng *rand.Rand) Option {
	return func(p *Page) {
		if rng != nil {
			p.rng = rng
		}
	}
}

// New wraps an attached rod page.
func New(page *rod.Page, opts ...Option) *Page {
	p := &Page{
		page:      page,
		opTimeout: defaultOpTimeout,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// bind returns a copy of the rod page whose calls are bounded by ctx and the
// operation timeout.
func (p *Page) bind(ctx context.Context) (*rod.Page, context.CancelFunc) {
	opCtx, cancel := context.WithTimeout(ctx, p.opTimeout)
	return p.page.Context(opCtx), cancel
}

func (p *Page) Evaluate(ctx context.Context, expr string) (probe.Result, error) {
	pg, cancel := p.bind(ctx)
	defer cancel()

	res, err := pg.Evaluate(evalOptions(expr))
	if err != nil {
		return probe.Null, classify("evaluate", ctx, err)
	}
	if res == nil {
		return probe.Null, nil
	}
	return probe.FromValue(res.Value.Val()), nil
}

func (p *Page) FindElements(ctx context.Context, tagName string) ([]probe.Element, error) {
	pg, cancel := p.bind(ctx)
	defer cancel()

	els, err := pg.Elements(tagName)
	if err != nil {
		return nil, classify("find elements", ctx, err)
	}
	out := make([]probe.Element, 0, len(els))
	for _, el := range els {
		out = append(out, el)
	}
	return out, nil
}

func (p *Page) Attribute(ctx context.Context, el probe.Element, name string) (string, bool, error) {
	e, err := asElement(el)
	if err != nil {
		return "", false, err
	}
	opCtx, cancel := context.WithTimeout(ctx, p.opTimeout)
	defer cancel()

	v, err := e.Context(opCtx).Attribute(name)
	if err != nil {
		return "", false, classify("attribute", ctx, err)
	}
	if v == nil {
		return "", false, nil
	}
	return *v, true, nil
}

// Click dispatches a left press and release at the element's interactable
// point. The release is sent even if ctx expires during the hold.
func (p *Page) Click(ctx context.Context, el probe.Element) error {
	e, err := asElement(el)
	if err != nil {
		return err
	}
	pg, cancel := p.bind(ctx)
	defer cancel()
	bound := e.Context(pg.GetContext())

	// Best effort; Interactable below decides whether the click can happen.
	_ = bound.ScrollIntoView()
	pt, err := bound.Interactable()
	if err != nil {
		return classify("click", ctx, err)
	}
	hold, jitter := p.clickShape()
	x, y := p.jitter(pt.X, pt.Y, jitter)

	if err := (proto.InputDispatchMouseEvent{
		Type: proto.InputDispatchMouseEventTypeMouseMoved, X: x, Y: y,
	}).Call(pg); err != nil {
		return classify("click", ctx, err)
	}
	if err := (proto.InputDispatchMouseEvent{
		Type: proto.InputDispatchMouseEventTypeMousePressed, X: x, Y: y,
		Button: proto.InputMouseButtonLeft, ClickCount: 1,
	}).Call(pg); err != nil {
		return classify("click", ctx, err)
	}

	holdErr := sleepContext(pg.GetContext(), hold)
	releaseCtx, cancelRelease := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancelRelease()
	releaseErr := proto.InputDispatchMouseEvent{
		Type: proto.InputDispatchMouseEventTypeMouseReleased, X: x, Y: y,
		Button: proto.InputMouseButtonLeft, ClickCount: 1,
	}.Call(p.page.Context(releaseCtx))

	return classify("click", ctx, errors.Join(holdErr, releaseErr))
}

func (p *Page) Reload(ctx context.Context) error {
	pg, cancel := p.bind(ctx)
	defer cancel()
	return classify("reload", ctx, proto.PageReload{}.Call(pg))
}

func (p *Page) TargetID(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return string(p.page.TargetID), nil
}

func (p *Page) URL(ctx context.Context) (string, error) {
	pg, cancel := p.bind(ctx)
	defer cancel()

	info, err := pg.Info()
	if err != nil {
		return "", classify("url", ctx, err)
	}
	return info.URL, nil
}

func (p *Page) clickShape() (time.Duration, float64) {
	if !p.humanoid.Enabled {
		return 0, 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ms := p.humanoid.ClickHoldMinMs
	if span := p.humanoid.ClickHoldMaxMs - ms; span > 0 {
		ms += p.rng.Intn(span + 1)
	}
	return time.Duration(ms) * time.Millisecond, p.humanoid.ClickJitterPx
}

// jitter offsets a point by up to r pixels on each axis.
func (p *Page) jitter(x, y, r float64) (float64, float64) {
	if r <= 0 {
		return x, y
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return x + (p.rng.Float64()*2-1)*r, y + (p.rng.Float64()*2-1)*r
}

// evalOptions builds a by-value, promise-awaiting evaluation of expr.
func evalOptions(expr string) *rod.EvalOptions {
	return rod.Eval(asFunction(expr)).ByPromise()
}

// asFunction turns a bare expression into the function form rod evaluates.
func asFunction(expr string) string {
	return "() => (" + expr + ")"
}

func asElement(el probe.Element) (*rod.Element, error) {
	e, ok := el.(*rod.Element)
	if !ok || e == nil {
		return nil, fmt.Errorf("rodprobe: element %T does not belong to this backend", el)
	}
	return e, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
