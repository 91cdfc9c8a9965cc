package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConversation_ApplyExtendsTailOnlyWhenAsked(t *testing.T) {
	var c Conversation
	require.True(t, c.Apply("a", true), "nothing to extend yet")
	require.False(t, c.Apply("b", true))
	require.True(t, c.Apply("c", false))
	require.Equal(t, []Message{
		{Origin: OriginAssistant, Text: "ab"},
		{Origin: OriginAssistant, Text: "c"},
	}, c.Messages())
}

func TestConversation_UserMessageSealsTail(t *testing.T) {
	var c Conversation
	c.AppendUser("hi")
	require.False(t, c.TailIsAssistant())
	require.True(t, c.Apply("He", true))
	require.True(t, c.TailIsAssistant())
	c.AppendUser("again")
	require.True(t, c.Apply("x", true))
	require.Equal(t, 4, c.Len())
	require.Equal(t, "He", c.Messages()[1].Text)
}

func TestConversation_SealFreezesText(t *testing.T) {
	var c Conversation
	c.Apply("one", false)
	c.Apply(" two", true)
	c.Seal()
	c.Seal()
	require.True(t, c.Apply("three", true))
	msgs := c.Messages()
	require.Equal(t, "one two", msgs[0].Text)
	require.Equal(t, "three", msgs[1].Text)
}

func TestConversation_MessagesIsACopy(t *testing.T) {
	var c Conversation
	c.AppendUser("hi")
	msgs := c.Messages()
	msgs[0].Text = "changed"
	require.Equal(t, "hi", c.Messages()[0].Text)
}

func TestKeySet_UnionIsMonotonic(t *testing.T) {
	var k keySet
	require.Equal(t, []string{"a", "b"}, k.union([]string{"a", "b"}))
	require.Equal(t, []string{"c"}, k.union([]string{"b", "c", "c"}))
	require.Nil(t, k.union(nil))
	require.Equal(t, []string{"a", "b", "c"}, k.keys())
	require.True(t, k.has("c"))
	require.False(t, k.has("d"))
}
