package exchange

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGeneratesID(t *testing.T) {
	a := New("a")
	b := New("b")
	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, "fixed", New(nil, WithID("fixed")).ID())
}

func TestWithMethodsCopy(t *testing.T) {
	orig := New("body", WithHeaders(map[string]any{"h": 1}))
	changed := orig.WithBody("other").WithHeader("h", 2).WithProperty("p", true)

	assert.Equal(t, "body", orig.Body())
	v, _ := orig.Header("h")
	assert.Equal(t, 1, v)
	_, ok := orig.Property("p")
	assert.False(t, ok)

	assert.Equal(t, orig.ID(), changed.ID())
	assert.Equal(t, "other", changed.Body())
	v, _ = changed.Header("h")
	assert.Equal(t, 2, v)
}

func TestHeadersReturnsCopy(t *testing.T) {
	ex := New(nil, WithHeaders(map[string]any{"a": "x"}))
	h := ex.Headers()
	h["a"] = "mutated"
	assert.Equal(t, "x", ex.HeaderString("a"))
	assert.Equal(t, []string{"a"}, ex.HeaderNames())
}

func TestVersion(t *testing.T) {
	ex := New(nil)
	assert.Equal(t, int64(0), ex.Version())
	assert.Equal(t, int64(7), ex.WithVersion(7).Version())
	assert.Equal(t, int64(3), ex.WithProperty(PropertyAggregatedVersion, 3).Version())
}

func TestDoneRunsOnce(t *testing.T) {
	ex := New(nil)
	var completed, failed int
	ex.AddSynchronization(Synchronization{
		OnComplete: func(*Exchange) { completed++ },
		OnFailure:  func(*Exchange, error) { failed++ },
	})

	copyEx := ex.WithBody("shared hooks")
	require.True(t, copyEx.Done(errors.New("boom")))
	assert.False(t, ex.Done(nil))
	assert.Equal(t, 0, completed)
	assert.Equal(t, 1, failed)
}
