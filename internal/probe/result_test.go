// internal/probe/result_test.go
package probe

import (
	"errors"
	"fmt"
	"testing"
	"unicode/utf8"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	t.Run("PlainStringArray", func(t *testing.T) {
		r, err := Normalize([]byte(`["https://a.test/x.js", "", "https://b.test/y.js"]`))
		require.NoError(t, err)
		assert.Equal(t, KindArray, r.Kind())
		assert.Equal(t, []string{"https://a.test/x.js", "https://b.test/y.js"}, r.Strings())
	})

	t.Run("EnvelopedArrayMembers", func(t *testing.T) {
		raw := `[{"type":"string","value":"https://challenges.cloudflare.com/turnstile/v0/api.js"},{"type":"string","value":"/app.js"}]`
		r, err := Normalize([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, []string{"https://challenges.cloudflare.com/turnstile/v0/api.js", "/app.js"}, r.Strings())
	})

	t.Run("EnvelopedScalar", func(t *testing.T) {
		r, err := Normalize([]byte(`{"type":"string","value":"Just a moment..."}`))
		require.NoError(t, err)
		assert.Equal(t, KindString, r.Kind())
		assert.Equal(t, "Just a moment...", r.String())
	})

	t.Run("UndefinedEnvelopeIsNull", func(t *testing.T) {
		r, err := Normalize([]byte(`{"type":"undefined"}`))
		require.NoError(t, err)
		assert.True(t, r.IsNull())
	})

	t.Run("ObjectWithExtraKeysIsNotAnEnvelope", func(t *testing.T) {
		r, err := Normalize([]byte(`{"type":"widget","value":1,"id":"cf-chl"}`))
		require.NoError(t, err)
		assert.Equal(t, KindObject, r.Kind())
		assert.Nil(t, r.Strings())
	})

	t.Run("EmptyAndNull", func(t *testing.T) {
		r, err := Normalize(nil)
		require.NoError(t, err)
		assert.True(t, r.IsNull())

		r, err = Normalize([]byte("null"))
		require.NoError(t, err)
		assert.True(t, r.IsNull())
		assert.Equal(t, "", r.String())
	})

	t.Run("Scalars", func(t *testing.T) {
		r, err := Normalize([]byte("true"))
		require.NoError(t, err)
		assert.True(t, r.Bool())

		r, err = Normalize([]byte("42"))
		require.NoError(t, err)
		assert.Equal(t, float64(42), r.Number())
		assert.Equal(t, "42", r.String())
	})

	t.Run("Malformed", func(t *testing.T) {
		_, err := Normalize([]byte(`["unterminated`))
		assert.Error(t, err)
	})
}

func TestFromValue(t *testing.T) {
	r := FromValue([]interface{}{"a", map[string]interface{}{"type": "string", "value": "b"}, 3.0})
	assert.Equal(t, []string{"a", "b"}, r.Strings())
	require.Len(t, r.Items(), 3)
	assert.Equal(t, KindNumber, r.Items()[2].Kind())

	assert.Equal(t, []string{"x"}, FromValue([]string{"x", ""}).Strings())
}

func TestClassify(t *testing.T) {
	backendErr := errors.New("websocket: close 1006")

	err := Classify("evaluate", ErrTargetClosed, backendErr)
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.False(t, IsNoPosition(err))
	assert.ErrorIs(t, err, backendErr)
	assert.Contains(t, err.Error(), "evaluate")

	wrapped := fmt.Errorf("detector: %w", Classify("click", ErrNoPosition, backendErr))
	assert.True(t, IsNoPosition(wrapped))
	assert.False(t, IsFatal(wrapped))

	var ce *ClassifiedError
	require.ErrorAs(t, wrapped, &ce)
	assert.Equal(t, "click", ce.Op)

	assert.NoError(t, Classify("noop", ErrTargetClosed, nil))
}

// FuzzNormalize checks that arbitrary enveloped payloads never panic and that
// string arrays survive a round trip through the envelope form.
func FuzzNormalize(f *testing.F) {
	f.Add([]byte(`[{"type":"string","value":"x"}]`))
	f.Add([]byte(`{"type":"undefined"}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = Normalize(data)

		consumer := fuzz.NewConsumer(data)
		var urls []string
		if err := consumer.CreateSlice(&urls); err != nil {
			return
		}

		wrapped := make([]map[string]interface{}, 0, len(urls))
		want := make([]string, 0, len(urls))
		for _, u := range urls {
			if !utf8.ValidString(u) {
				return
			}
			wrapped = append(wrapped, map[string]interface{}{"type": "string", "value": u})
			if u != "" {
				want = append(want, u)
			}
		}
		raw, err := json.Marshal(wrapped)
		require.NoError(t, err)

		r, err := Normalize(raw)
		require.NoError(t, err)
		assert.Equal(t, want, r.Strings())
	})
}
