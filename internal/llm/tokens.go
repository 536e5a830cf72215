package llm

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates token counts for text the provider never
// reported usage for, such as a stream the caller abandoned.
//
// The cl100k_base encoding is fetched once by [TokenCounter.Load],
// which never runs on a request path. Until it has loaded, or if it
// cannot be loaded, Count falls back to four characters per token.
type TokenCounter struct {
	once sync.Once
	done chan struct{}
	enc  atomic.Pointer[tiktoken.Tiktoken]

	// getEncoding is replaced in tests.
	getEncoding func(string) (*tiktoken.Tiktoken, error)
}

// NewTokenCounter returns a counter that estimates with the fallback
// until Load completes.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{done: make(chan struct{}), getEncoding: tiktoken.GetEncoding}
}

// Load starts fetching the encoding in the background and returns a
// channel closed when the attempt has finished. Later calls return the
// same channel.
func (c *TokenCounter) Load(logger *slog.Logger) <-chan struct{} {
	c.once.Do(func() {
		if logger == nil {
			logger = slog.Default()
		}
		go func() {
			defer close(c.done)
			enc, err := c.getEncoding("cl100k_base")
			if err != nil {
				logger.Warn("token encoding unavailable, estimating 4 chars per token", "error", err)
				return
			}
			c.enc.Store(enc)
			logger.Debug("token encoding loaded", "encoding", "cl100k_base")
		}()
	})
	return c.done
}

// Ready reports whether the encoding has loaded.
func (c *TokenCounter) Ready() bool { return c.enc.Load() != nil }

// Count returns the estimated number of tokens in text. It never
// blocks on the encoding.
func (c *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	enc := c.enc.Load()
	if enc == nil {
		return (len(text) + 3) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// CountMessages estimates the prompt size of messages, including a
// small per-message overhead for role and framing.
func (c *TokenCounter) CountMessages(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += 4 + c.Count(m.Content)
		for _, tc := range m.ToolCalls {
			total += 10 + c.Count(tc.Function.Name)
		}
	}
	return total
}
