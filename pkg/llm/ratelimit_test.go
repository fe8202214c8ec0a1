package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRateLimitedClientDelegates(t *testing.T) {
	inner := NewScriptedClient(&Response{Content: "hi"})
	c := NewRateLimitedClient(inner, 100, 1)

	resp, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hello"}}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "hi", resp.Content)
	require.Len(t, inner.Calls(), 1)
}

func TestRateLimitedClientHonorsContext(t *testing.T) {
	inner := NewScriptedClient(&Response{Content: "hi"})
	// Zero rps with burst 0 can never admit; the wait must fail fast once
	// the context is cancelled.
	c := NewRateLimitedClient(inner, 0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Chat(ctx, []Message{{Role: "user", Content: "hello"}}, nil, nil)
	require.ErrorContains(t, err, "rate limiter")
	require.Empty(t, inner.Calls())
}

func TestScriptedClientExhaustion(t *testing.T) {
	c := NewScriptedClient()
	_, err := c.Chat(context.Background(), nil, nil, nil)
	require.ErrorContains(t, err, "exhausted")

	c.Push(&Response{Content: "late"})
	resp, err := c.Chat(context.Background(), nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "late", resp.Content)
}
