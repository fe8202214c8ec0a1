package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimitedClient throttles Chat calls through a token-bucket limiter.
// Model endpoints enforce requests-per-minute quotas; waiting here keeps
// quota errors out of the task retry path.
type RateLimitedClient struct {
	inner   Client
	limiter *rate.Limiter
}

// NewRateLimitedClient wraps inner with a limiter of rps requests per second
// and the given burst.
func NewRateLimitedClient(inner Client, rps float64, burst int) *RateLimitedClient {
	return &RateLimitedClient{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Chat waits for limiter admission, then delegates.
func (c *RateLimitedClient) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, options *SamplingOptions) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("llm: rate limiter: %w", err)
	}
	return c.inner.Chat(ctx, messages, tools, options)
}
