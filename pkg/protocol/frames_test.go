package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Frame
	}{
		{name: "end of turn", raw: "[[END]]", want: EndOfTurn{}},
		{name: "loaded keys", raw: "[[LOADED::a,b]]", want: ContextLoaded{Keys: []string{"a", "b"}}},
		{name: "loaded single", raw: "[[LOADED::1700000000000_notes.txt]]", want: ContextLoaded{Keys: []string{"1700000000000_notes.txt"}}},
		{name: "loaded empty payload", raw: "[[LOADED::]]", want: ContextLoaded{Keys: []string{}}},
		{name: "empty content", raw: "", want: Content{Text: ""}},
		{name: "whitespace preserved", raw: "  \n```go\n", want: Content{Text: "  \n```go\n"}},
		{name: "end with padding is content", raw: " [[END]]", want: Content{Text: " [[END]]"}},
		{name: "end with trailing newline is content", raw: "[[END]]\n", want: Content{Text: "[[END]]\n"}},
		{name: "unterminated loaded is content", raw: "[[LOADED::a,b", want: Content{Text: "[[LOADED::a,b"}},
		{name: "overlapping prefix and suffix", raw: "[[LOADED:]]", want: Content{Text: "[[LOADED:]]"}},
		{name: "error chunk is content", raw: "[ERROR] boom", want: Content{Text: "[ERROR] boom"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Classify(tc.raw))
		})
	}
}

func TestClassify_LoadedKeysAreVerbatim(t *testing.T) {
	f, ok := Classify("[[LOADED:: a ,b,,c]]").(ContextLoaded)
	require.True(t, ok)
	require.Equal(t, []string{" a ", "b", "", "c"}, f.Keys)
}

func TestEncodeContextLoaded_RoundTripsThroughClassify(t *testing.T) {
	raw := EncodeContextLoaded([]string{"k1", "k2"})
	require.Equal(t, "[[LOADED::k1,k2]]", raw)
	require.Equal(t, ContextLoaded{Keys: []string{"k1", "k2"}}, Classify(raw))

	require.Equal(t, ContextLoaded{Keys: []string{}}, Classify(EncodeContextLoaded(nil)))
	require.Equal(t, EndOfTurn{}, Classify(EncodeEndOfTurn()))
}
