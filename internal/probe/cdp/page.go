// internal/probe/cdp/page.go
// Package cdp adapts a chromedp tab to probe.Page.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	cdptypes "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/cfverify/internal/config"
	"github.com/xkilldash9x/cfverify/internal/probe"
)

const (
	defaultOpTimeout = 15 * time.Second
	releaseTimeout   = 2 * time.Second
)

// Element wraps a DOM node found through chromedp.
type Element struct {
	node *cdptypes.Node
}

func (e *Element) String() string {
	if e == nil || e.node == nil {
		return "<nil>"
	}
	return fmt.Sprintf("<%s backend=%d>", e.node.LocalName, e.node.BackendNodeID)
}

// Page is a probe.Page backed by a chromedp tab context.
type Page struct {
	tabCtx    context.Context
	humanoid  config.HumanoidConfig
	opTimeout time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

var _ probe.Page = (*Page)(nil)

// Option configures a Page.
type Option func(*Page)

// WithHumanoid sets the click hold and jitter settings.
func WithHumanoid(cfg config.HumanoidConfig) Option {
	return func(p *Page) { p.humanoid = cfg }
}

// WithOperationTimeout bounds every protocol round trip.
func WithOperationTimeout(d time.Duration) Option {
	return func(p *Page) {
		if d > 0 {
			p.opTimeout = d
		}
	}
}

// WithRand makes click placement deterministic.
func WithRand(rng *rand.Rand) Option {
	return func(p *Page) {
		if rng != nil {
			p.rng = rng
		}
	}
}

// New wraps tabCtx, a context created with chromedp.NewContext.
func New(tabCtx context.Context, opts ...Option) *Page {
	p := &Page{
		tabCtx:    tabCtx,
		opTimeout: defaultOpTimeout,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// run executes actions on the tab, bounded by ctx and the operation timeout.
func (p *Page) run(ctx context.Context, op string, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(p.tabCtx, ctx)
	defer cancel()
	runCtx, cancelTimeout := context.WithTimeout(runCtx, p.opTimeout)
	defer cancelTimeout()

	return classify(op, ctx, chromedp.Run(runCtx, actions...))
}

func (p *Page) Evaluate(ctx context.Context, expr string) (probe.Result, error) {
	var raw []byte
	err := p.run(ctx, "evaluate", chromedp.ActionFunc(func(ctx context.Context) error {
		obj, exc, err := runtime.Evaluate(expr).
			WithReturnByValue(true).
			WithAwaitPromise(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return exc
		}
		if obj != nil {
			raw = []byte(obj.Value)
		}
		return nil
	}))
	if err != nil {
		return probe.Null, err
	}
	return probe.Normalize(raw)
}

func (p *Page) FindElements(ctx context.Context, tagName string) ([]probe.Element, error) {
	var nodes []*cdptypes.Node
	if err := p.run(ctx, "find elements", chromedp.Nodes(tagName, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0))); err != nil {
		return nil, err
	}
	out := make([]probe.Element, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, &Element{node: n})
	}
	return out, nil
}

// Attribute reads the live attribute value so a re-rendered node shows up
// as an error rather than stale data.
func (p *Page) Attribute(ctx context.Context, el probe.Element, name string) (string, bool, error) {
	e, err := asElement(el)
	if err != nil {
		return "", false, err
	}
	if e.node.NodeID == 0 {
		v, ok := e.node.Attribute(name)
		return v, ok, nil
	}

	var pairs []string
	err = p.run(ctx, "attribute", chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		pairs, err = dom.GetAttributes(e.node.NodeID).Do(ctx)
		return err
	}))
	if err != nil {
		return "", false, err
	}
	v, ok := lookupAttribute(pairs, name)
	return v, ok, nil
}

// Click presses and releases the left button over the element's first
// content quad.
func (p *Page) Click(ctx context.Context, el probe.Element) error {
	e, err := asElement(el)
	if err != nil {
		return err
	}
	hold, jitter := p.clickShape()

	return p.run(ctx, "click", chromedp.ActionFunc(func(ctx context.Context) error {
		id := e.node.BackendNodeID
		// Best effort; the quads below decide whether the click can happen.
		_ = dom.ScrollIntoViewIfNeeded().WithBackendNodeID(id).Do(ctx)

		quads, err := dom.GetContentQuads().WithBackendNodeID(id).Do(ctx)
		if err != nil {
			return err
		}
		if len(quads) == 0 {
			return errNoQuads
		}
		x, y, ok := p.clickPoint(quads[0], jitter)
		if !ok {
			return errNoQuads
		}

		if err := input.DispatchMouseEvent(input.MouseMoved, x, y).Do(ctx); err != nil {
			return err
		}
		if err := input.DispatchMouseEvent(input.MousePressed, x, y).
			WithButton(input.Left).
			WithButtons(1).
			WithClickCount(1).
			Do(ctx); err != nil {
			return err
		}

		holdErr := sleepContext(ctx, hold)
		// Never leave the button down, even if ctx expired during the hold.
		releaseCtx, cancel := context.WithTimeout(Detach(ctx), releaseTimeout)
		defer cancel()
		releaseErr := input.DispatchMouseEvent(input.MouseReleased, x, y).
			WithButton(input.Left).
			WithButtons(0).
			WithClickCount(1).
			Do(releaseCtx)
		return errors.Join(holdErr, releaseErr)
	}))
}

// Reload asks the tab to reload without waiting for the load event; the
// resolver's interval wait covers settling.
func (p *Page) Reload(ctx context.Context) error {
	return p.run(ctx, "reload", chromedp.ActionFunc(func(ctx context.Context) error {
		return page.Reload().Do(ctx)
	}))
}

func (p *Page) TargetID(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c := chromedp.FromContext(p.tabCtx)
	if c == nil || c.Target == nil {
		return "", probe.Classify("target id", probe.ErrTargetClosed, chromedp.ErrInvalidContext)
	}
	if err := p.tabCtx.Err(); err != nil {
		return "", probe.Classify("target id", probe.ErrTargetClosed, err)
	}
	return string(c.Target.TargetID), nil
}

func (p *Page) URL(ctx context.Context) (string, error) {
	var loc string
	if err := p.run(ctx, "url", chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

// clickShape draws the hold duration and jitter radius for one click.
func (p *Page) clickShape() (time.Duration, float64) {
	if !p.humanoid.Enabled {
		return 0, 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	span := p.humanoid.ClickHoldMaxMs - p.humanoid.ClickHoldMinMs
	ms := p.humanoid.ClickHoldMinMs
	if span > 0 {
		ms += p.rng.Intn(span + 1)
	}
	return time.Duration(ms) * time.Millisecond, p.humanoid.ClickJitterPx
}

// clickPoint picks a point near the centre of quad, offset by up to jitter
// pixels on each axis and clamped to the quad's bounding box. It reports
// false for degenerate quads.
func (p *Page) clickPoint(quad dom.Quad, jitter float64) (float64, float64, bool) {
	if len(quad) < 8 {
		return 0, 0, false
	}
	minX, maxX := quad[0], quad[0]
	minY, maxY := quad[1], quad[1]
	var cx, cy float64
	for i := 0; i < 8; i += 2 {
		x, y := quad[i], quad[i+1]
		cx += x
		cy += y
		minX, maxX = min(minX, x), max(maxX, x)
		minY, maxY = min(minY, y), max(maxY, y)
	}
	if maxX-minX < 1 || maxY-minY < 1 {
		return 0, 0, false
	}
	cx, cy = cx/4, cy/4

	if jitter > 0 {
		p.mu.Lock()
		dx := (p.rng.Float64()*2 - 1) * jitter
		dy := (p.rng.Float64()*2 - 1) * jitter
		p.mu.Unlock()
		cx = clamp(cx+dx, minX, maxX)
		cy = clamp(cy+dy, minY, maxY)
	}
	return cx, cy, true
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}

func asElement(el probe.Element) (*Element, error) {
	e, ok := el.(*Element)
	if !ok || e == nil || e.node == nil {
		return nil, fmt.Errorf("cdp: element %v does not belong to this backend", el)
	}
	return e, nil
}

// lookupAttribute searches a flat name, value, name, value list as returned
// by DOM.getAttributes.
func lookupAttribute(pairs []string, name string) (string, bool) {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i] == name {
			return pairs[i+1], true
		}
	}
	return "", false
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
