// Package tokens counts tokens with the cl100k_base encoding.
package tokens

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"
	"github.com/weaviate/tiktoken-go"
)

const DefaultEncoding = "cl100k_base"

// Counter loads its encoding on first use. tiktoken-go is tried first and the embedded
// tokenizer tables second. When neither knows the encoding every Count reports ok=false
// and callers omit token figures.
type Counter struct {
	encoding string

	once   sync.Once
	encode func(string) int
}

func NewCounter(encoding string) *Counter {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	return &Counter{encoding: encoding}
}

func (c *Counter) load() {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(c.encoding)
		if err == nil {
			c.encode = func(s string) int { return len(enc.Encode(s, nil, nil)) }
			return
		}
		codec, cerr := tokenizer.Get(tokenizer.Encoding(c.encoding))
		if cerr == nil {
			log.Debug().Err(err).Str("component", "tokens").Str("encoding", c.encoding).Msg("using embedded tokenizer")
			c.encode = func(s string) int {
				ids, _, err := codec.Encode(s)
				if err != nil {
					return 0
				}
				return len(ids)
			}
			return
		}
		log.Warn().Err(err).Str("component", "tokens").Str("encoding", c.encoding).Msg("token counting disabled")
	})
}

func (c *Counter) Count(text string) (int, bool) {
	if c == nil {
		return 0, false
	}
	c.load()
	if c.encode == nil {
		return 0, false
	}
	return c.encode(text), true
}

// CountAll sums Count over texts.
func (c *Counter) CountAll(texts ...string) (int, bool) {
	total := 0
	for _, t := range texts {
		n, ok := c.Count(t)
		if !ok {
			return 0, false
		}
		total += n
	}
	return total, true
}
