package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommandLiterals(t *testing.T) {
	require.Equal(t, "__STOP__", EncodeStop())
	require.Equal(t, "__CONTEXT__", EncodeContextLoad())
	require.Equal(t, "/mode sassy", EncodeMode("  sassy "))
	require.Equal(t, "  keep *me* as is\n", EncodeUserText("  keep *me* as is\n"))
}

func TestIsReserved(t *testing.T) {
	require.True(t, IsReserved("__STOP__"))
	require.True(t, IsReserved("__CONTEXT__"))
	require.True(t, IsReserved("/mode chad"))
	require.False(t, IsReserved("__STOP__ please"))
	require.False(t, IsReserved("hello"))
	require.False(t, IsReserved(""))
}

func TestParseMode(t *testing.T) {
	name, ok := ParseMode("/mode shakespeare ")
	require.True(t, ok)
	require.Equal(t, "shakespeare", name)

	_, ok = ParseMode("/model x")
	require.False(t, ok)
}
