// internal/probe/cdp/page_test.go
package cdp

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/cfverify/internal/config"
	"github.com/xkilldash9x/cfverify/internal/probe"
)

func TestClassify(t *testing.T) {
	live := context.Background()

	tests := []struct {
		name       string
		err        error
		fatal      bool
		noPosition bool
	}{
		{"Nil", nil, false, false},
		{"NoQuads", errNoQuads, false, true},
		{"InvalidBoxModel", chromedp.ErrInvalidBoxModel, false, true},
		{"QuadMessage", errors.New("Could not compute content quads."), false, true},
		{"InvalidContext", chromedp.ErrInvalidContext, true, false},
		{"InvalidTarget", fmt.Errorf("run: %w", chromedp.ErrInvalidTarget), true, false},
		{"ChannelClosed", chromedp.ErrChannelClosed, true, false},
		{"TabCancelled", context.Canceled, true, false},
		{"TargetClosedMessage", errors.New("Target closed"), true, false},
		{"SessionGone", errors.New("Session with given id not found."), true, false},
		{"Transient", errors.New("Execution context was destroyed."), false, false},
		{"OperationTimeout", context.DeadlineExceeded, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("op", live, tt.err)
			if tt.err == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.fatal, probe.IsFatal(err))
			assert.Equal(t, tt.noPosition, probe.IsNoPosition(err))
		})
	}

	t.Run("CallerCancellationWins", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := classify("op", ctx, chromedp.ErrChannelClosed)
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, probe.IsFatal(err))
	})
}

func TestClickPoint(t *testing.T) {
	square := dom.Quad{100, 200, 400, 200, 400, 265, 100, 265}

	t.Run("CentreWithoutJitter", func(t *testing.T) {
		p := New(context.Background())
		x, y, ok := p.clickPoint(square, 0)
		require.True(t, ok)
		assert.InDelta(t, 250, x, 1e-9)
		assert.InDelta(t, 232.5, y, 1e-9)
	})

	t.Run("JitterStaysNearCentre", func(t *testing.T) {
		p := New(context.Background(), WithRand(rand.New(rand.NewSource(7))))
		for i := 0; i < 200; i++ {
			x, y, ok := p.clickPoint(square, 3)
			require.True(t, ok)
			assert.InDelta(t, 250, x, 3)
			assert.InDelta(t, 232.5, y, 3)
		}
	})

	t.Run("JitterIsClampedToQuad", func(t *testing.T) {
		tiny := dom.Quad{10, 10, 12, 10, 12, 12, 10, 12}
		p := New(context.Background(), WithRand(rand.New(rand.NewSource(1))))
		for i := 0; i < 200; i++ {
			x, y, ok := p.clickPoint(tiny, 50)
			require.True(t, ok)
			assert.GreaterOrEqual(t, x, 10.0)
			assert.LessOrEqual(t, x, 12.0)
			assert.GreaterOrEqual(t, y, 10.0)
			assert.LessOrEqual(t, y, 12.0)
		}
	})

	t.Run("Degenerate", func(t *testing.T) {
		p := New(context.Background())
		_, _, ok := p.clickPoint(dom.Quad{5, 5, 5, 5, 5, 5, 5, 5}, 0)
		assert.False(t, ok)
		_, _, ok = p.clickPoint(dom.Quad{1, 2}, 0)
		assert.False(t, ok)
	})
}

func TestClickShape(t *testing.T) {
	t.Run("Disabled", func(t *testing.T) {
		p := New(context.Background())
		hold, jitter := p.clickShape()
		assert.Zero(t, hold)
		assert.Zero(t, jitter)
	})

	t.Run("WithinConfiguredRange", func(t *testing.T) {
		h := config.NewDefaultConfig().Browser.Humanoid
		p := New(context.Background(), WithHumanoid(h), WithRand(rand.New(rand.NewSource(3))))
		for i := 0; i < 100; i++ {
			hold, jitter := p.clickShape()
			assert.GreaterOrEqual(t, hold, time.Duration(h.ClickHoldMinMs)*time.Millisecond)
			assert.LessOrEqual(t, hold, time.Duration(h.ClickHoldMaxMs)*time.Millisecond)
			assert.Equal(t, h.ClickJitterPx, jitter)
		}
	})
}

func TestLookupAttribute(t *testing.T) {
	pairs := []string{"id", "cf-chl-widget", "src", "https://challenges.cloudflare.com/x", "dangling"}

	v, ok := lookupAttribute(pairs, "src")
	assert.True(t, ok)
	assert.Equal(t, "https://challenges.cloudflare.com/x", v)

	_, ok = lookupAttribute(pairs, "dangling")
	assert.False(t, ok)
	_, ok = lookupAttribute(pairs, "class")
	assert.False(t, ok)
}

func TestForeignElementIsRejected(t *testing.T) {
	p := New(context.Background())
	err := p.Click(context.Background(), foreignElement{})
	require.Error(t, err)
	assert.False(t, probe.IsFatal(err))

	_, _, err = p.Attribute(context.Background(), (*Element)(nil), "src")
	assert.Error(t, err)
}

func TestTargetIDWithoutChromedpContext(t *testing.T) {
	p := New(context.Background())
	_, err := p.TargetID(context.Background())
	require.Error(t, err)
	assert.True(t, probe.IsFatal(err))
}

type foreignElement struct{}

func (foreignElement) String() string { return "foreign" }
