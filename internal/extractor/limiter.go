package extractor

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/lumigraph/lumigraph/internal/config"
)

// Limiter bounds LLM call concurrency and rate (spec §4.4: "bounded by a
// configured concurrency limit and a token-bucket rate limiter on
// requests/minute and tokens/minute"). Mirrors the three-tier shape of the
// ingestion API's own rate limiter (global, then per-category), except here
// the three tiers are concurrency, requests, and tokens rather than
// global/per-plugin/unauthenticated.
type Limiter struct {
	concurrency chan struct{}
	requests    *rate.Limiter
	tokens      *rate.Limiter
}

// LimiterConfig configures a Limiter.
type LimiterConfig struct {
	MaxConcurrency    int
	RequestsPerMinute int
	TokensPerMinute   int
}

// LoadLimiterConfigFromEnv reads LLM_MAX_CONCURRENCY, LLM_REQUESTS_PER_MINUTE,
// and LLM_TOKENS_PER_MINUTE.
func LoadLimiterConfigFromEnv() LimiterConfig {
	return LimiterConfig{
		MaxConcurrency:    config.GetEnvInt("LLM_MAX_CONCURRENCY", 4),
		RequestsPerMinute: config.GetEnvInt("LLM_REQUESTS_PER_MINUTE", 60),
		TokensPerMinute:   config.GetEnvInt("LLM_TOKENS_PER_MINUTE", 100_000),
	}
}

const secondsPerMinute = 60

// NewLimiter builds a Limiter from cfg.
func NewLimiter(cfg LimiterConfig) *Limiter {
	return &Limiter{
		concurrency: make(chan struct{}, cfg.MaxConcurrency),
		requests:    rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/secondsPerMinute), cfg.RequestsPerMinute),
		tokens:      rate.NewLimiter(rate.Limit(float64(cfg.TokensPerMinute)/secondsPerMinute), cfg.TokensPerMinute),
	}
}

// Acquire blocks until a concurrency slot, a request-rate token, and
// estimatedTokens worth of token-rate budget are all available, or ctx is
// done. The returned release func must be called exactly once.
func (l *Limiter) Acquire(ctx context.Context, estimatedTokens int) (release func(), err error) {
	select {
	case l.concurrency <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire concurrency slot: %w", ctx.Err())
	}

	if err := l.requests.Wait(ctx); err != nil {
		<-l.concurrency
		return nil, fmt.Errorf("acquire request-rate budget: %w", err)
	}

	if err := l.tokens.WaitN(ctx, estimatedTokens); err != nil {
		<-l.concurrency
		return nil, fmt.Errorf("acquire token-rate budget: %w", err)
	}

	return func() { <-l.concurrency }, nil
}
