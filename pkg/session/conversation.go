package session

import "strings"

// Origin says who authored a message.
type Origin string

const (
	OriginUser      Origin = "user"
	OriginAssistant Origin = "assistant"
)

// Message is one entry of the conversation.
type Message struct {
	Origin Origin
	Text   string
}

// Conversation is append-only; only the tail assistant message grows while a turn streams.
// The tail text is kept in a builder so chunks are appended without copying prior content.
type Conversation struct {
	messages []Message
	tail     *strings.Builder
}

func (c *Conversation) Len() int { return len(c.messages) }

// AppendUser adds a user message.
func (c *Conversation) AppendUser(text string) {
	c.seal()
	c.messages = append(c.messages, Message{Origin: OriginUser, Text: text})
}

// Apply appends a content chunk. With extend set and an assistant message at the tail,
// the chunk grows that message; otherwise a new assistant message is started.
// It reports whether a new message was started.
func (c *Conversation) Apply(chunk string, extend bool) bool {
	if extend && c.tail != nil {
		c.tail.WriteString(chunk)
		return false
	}
	c.seal()
	b := &strings.Builder{}
	b.WriteString(chunk)
	c.tail = b
	c.messages = append(c.messages, Message{Origin: OriginAssistant})
	return true
}

// TailIsAssistant reports whether the last message is an assistant message.
func (c *Conversation) TailIsAssistant() bool {
	return len(c.messages) > 0 && c.messages[len(c.messages)-1].Origin == OriginAssistant
}

// Seal freezes the tail assistant message; later chunks start a new one.
func (c *Conversation) Seal() { c.seal() }

func (c *Conversation) seal() {
	if c.tail == nil {
		return
	}
	c.messages[len(c.messages)-1].Text = c.tail.String()
	c.tail = nil
}

// Messages returns a copy of the conversation, including the in-progress tail.
func (c *Conversation) Messages() []Message {
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	if c.tail != nil && len(out) > 0 {
		out[len(out)-1].Text = c.tail.String()
	}
	return out
}

// keySet keeps loaded context keys in arrival order; it only grows.
type keySet struct {
	seen  map[string]struct{}
	order []string
}

// union adds keys and returns the ones that were new.
func (k *keySet) union(keys []string) []string {
	if k.seen == nil {
		k.seen = map[string]struct{}{}
	}
	var added []string
	for _, key := range keys {
		if _, ok := k.seen[key]; ok {
			continue
		}
		k.seen[key] = struct{}{}
		k.order = append(k.order, key)
		added = append(added, key)
	}
	return added
}

func (k *keySet) has(key string) bool {
	_, ok := k.seen[key]
	return ok
}

func (k *keySet) keys() []string {
	return append([]string(nil), k.order...)
}
