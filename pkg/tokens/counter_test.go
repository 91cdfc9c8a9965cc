package tokens

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCounter_NilIsDisabled(t *testing.T) {
	var c *Counter
	n, ok := c.Count("hello")
	require.False(t, ok)
	require.Zero(t, n)
}

func TestCounter_UnknownEncodingIsDisabled(t *testing.T) {
	c := NewCounter("no-such-encoding")
	_, ok := c.Count("hello")
	require.False(t, ok)
	_, ok = c.CountAll("a", "b")
	require.False(t, ok)
}

func TestCounter_CountAllSums(t *testing.T) {
	c := NewCounter("")
	a, ok := c.Count("hello world")
	if !ok {
		t.Skip("cl100k_base encoding unavailable")
	}
	b, _ := c.Count("streaming chat")
	total, ok := c.CountAll("hello world", "streaming chat")
	require.True(t, ok)
	require.Equal(t, a+b, total)
	require.Positive(t, a)

	empty, ok := c.Count("")
	require.True(t, ok)
	require.Zero(t, empty)
}
