package llm

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	taskerrors "taskforge/internal/errors"
)

// TokenCounter estimates prompt sizes before a request leaves the process so
// oversized prompts fail fast as context_overflow instead of burning a model
// call.
type TokenCounter struct {
	encoding string

	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

const defaultEncoding = "cl100k_base"

// NewTokenCounter builds a counter for the given encoding; empty selects
// cl100k_base.
func NewTokenCounter(encoding string) *TokenCounter {
	if encoding == "" {
		encoding = defaultEncoding
	}
	return &TokenCounter{encoding: encoding}
}

// Count returns the token count of the text. When the encoding cannot be
// loaded it falls back to a bytes/4 estimate rather than blocking execution.
func (c *TokenCounter) Count(text string) int {
	c.once.Do(func() {
		c.enc, c.err = tiktoken.GetEncoding(c.encoding)
	})
	if c.err != nil || c.enc == nil {
		return (len(text) + 3) / 4
	}
	return len(c.enc.Encode(text, nil, nil))
}

// CountRequest sums the token counts across all messages of a request, with a
// small per-message overhead for chat framing.
func (c *TokenCounter) CountRequest(req *Request) int {
	const perMessageOverhead = 4
	total := 0
	for _, msg := range req.Messages {
		total += c.Count(msg.Content) + perMessageOverhead
	}
	for _, tool := range req.Tools {
		total += c.Count(tool.Description) + c.Count(string(tool.Parameters))
	}
	return total
}

// CheckBudget rejects requests whose estimated prompt exceeds the limit. The
// returned error classifies as context_overflow, which recovery handles by
// reconstructing a leaner prompt rather than retrying as-is.
func (c *TokenCounter) CheckBudget(req *Request, limit int) error {
	if limit <= 0 {
		return nil
	}
	total := c.CountRequest(req)
	if total <= limit {
		return nil
	}
	return taskerrors.NewExecutionError(
		taskerrors.FailureContextOverflow,
		nil,
		fmt.Sprintf("prompt is %d tokens, limit %d", total, limit),
	)
}
