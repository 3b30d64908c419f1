// Package middleware provides reusable gateway.Client decorators.
package middleware

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/Kaboomtastic/tensorzero/runtime/gateway"
)

// AdaptiveRateLimiter applies an AIMD-style token bucket on top of a
// gateway.Client: it estimates the token cost of each request, blocks
// callers until capacity is available, and backs off its effective
// tokens-per-minute budget when the wrapped client returns a
// *gateway.ServerError, recovering gradually on success. The
// limiter is process-local; deployments running multiple gateway processes
// against one upstream budget need to partition the budget across them.
type AdaptiveRateLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM   float64
	minTPM       float64
	maxTPM       float64
	recoveryRate float64
}

// NewAdaptiveRateLimiter constructs a limiter with an initial and maximum
// tokens-per-minute budget. When maxTPM is zero or below initialTPM, it is
// clamped to initialTPM.
func NewAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Wrap decorates next with the limiter, implementing gateway.Client. The
// returned value does not implement gateway.BatchClient even if next does
// (batch submission bypasses the per-request limiter by design; the
// model registry should bind the unwrapped adapter for batch use).
func (l *AdaptiveRateLimiter) Wrap(next gateway.Client) gateway.Client {
	if next == nil {
		return nil
	}
	return &limitedClient{next: next, limiter: l}
}

type limitedClient struct {
	next    gateway.Client
	limiter *AdaptiveRateLimiter
}

// Infer enforces the limiter before delegating to the wrapped client.
func (c *limitedClient) Infer(ctx context.Context, req *gateway.ModelInferenceRequest) (*gateway.ModelInferenceResponse, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return nil, &gateway.InferenceClientError{Message: err.Error()}
	}
	resp, err := c.next.Infer(ctx, req)
	c.limiter.observe(err)
	return resp, err
}

// InferStream enforces the limiter before delegating to the wrapped client.
func (c *limitedClient) InferStream(ctx context.Context, req *gateway.ModelInferenceRequest) (gateway.ModelInferenceResponseChunk, gateway.ChunkStream, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return gateway.ModelInferenceResponseChunk{}, nil, &gateway.InferenceClientError{Message: err.Error()}
	}
	first, stream, err := c.next.InferStream(ctx, req)
	c.limiter.observe(err)
	return first, stream, err
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, req *gateway.ModelInferenceRequest) error {
	return l.limiter.WaitN(ctx, estimateTokens(req))
}

func (l *AdaptiveRateLimiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if _, ok := err.(*gateway.ServerError); ok {
		l.backoff()
	}
}

func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	l.setTPM(newTPM)
}

func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	l.setTPM(newTPM)
}

// setTPM must be called with l.mu held.
func (l *AdaptiveRateLimiter) setTPM(tpm float64) {
	if tpm == l.currentTPM {
		return
	}
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
}

// estimateTokens computes a cheap heuristic for the number of tokens in a
// request transcript: roughly one token per three characters of text
// content, plus a fixed buffer for system prompts and provider framing.
func estimateTokens(req *gateway.ModelInferenceRequest) int {
	charCount := 0
	for _, m := range req.Messages {
		switch v := m.(type) {
		case gateway.SystemMessage:
			charCount += len(v.Content)
		case gateway.UserMessage:
			charCount += len(v.Content)
		case gateway.AssistantMessage:
			charCount += len(v.Content)
		case gateway.ToolMessage:
			charCount += len(v.Content)
		}
	}
	if charCount <= 0 {
		return 500
	}
	tokens := charCount/3 + 500
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}
