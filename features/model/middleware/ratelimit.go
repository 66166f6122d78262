package middleware

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"goa.design/pulse/rmap"
	"golang.org/x/time/rate"

	"goa.design/agentcore/runtime/agent/model"
)

const (
	// DefaultTPM is the tokens-per-minute budget used when none is given.
	DefaultTPM = 60000

	// minimum request estimate, covers system prompt and framing.
	baseRequestTokens = 500
	charsPerToken     = 3
)

type (
	// TokenLimiter throttles model calls against a tokens-per-minute budget.
	// The budget follows an AIMD policy: it halves when the provider rate
	// limits a call and grows by a fixed step after each success, bounded by
	// [10% of the initial budget, max]. When backed by a shared map the budget
	// is coordinated across processes.
	TokenLimiter struct {
		mu      sync.Mutex
		limiter *rate.Limiter
		tpm     float64
		floor   float64
		ceiling float64
		step    float64

		shared budgetMap
		key    string
	}

	// LimiterOptions configures NewTokenLimiter.
	LimiterOptions struct {
		// InitialTPM is the starting budget. Defaults to DefaultTPM.
		InitialTPM float64
		// MaxTPM caps recovery. Defaults to InitialTPM.
		MaxTPM float64
		// Shared coordinates the budget across processes when set.
		Shared *rmap.Map
		// Key names the budget entry in Shared. Required with Shared.
		Key string
	}

	// budgetMap is the subset of rmap.Map the limiter needs.
	budgetMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}

	throttledClient struct {
		next model.Client
		l    *TokenLimiter
	}
)

// NewTokenLimiter returns a limiter. With a shared map the limiter seeds the
// budget entry when absent, adopts the current shared value and follows
// changes made by other processes until ctx is done. A shared map that cannot
// be seeded degrades to a process-local limiter.
func NewTokenLimiter(ctx context.Context, opts LimiterOptions) *TokenLimiter {
	var shared budgetMap
	if opts.Shared != nil {
		shared = opts.Shared
	}
	return newTokenLimiter(ctx, shared, opts.Key, opts.InitialTPM, opts.MaxTPM)
}

func newTokenLimiter(ctx context.Context, shared budgetMap, key string, initial, ceiling float64) *TokenLimiter {
	if initial <= 0 {
		initial = DefaultTPM
	}
	if shared != nil && key != "" {
		if v, ok := seedShared(ctx, shared, key, initial); ok {
			if ceiling <= 0 || ceiling < initial {
				ceiling = initial
			}
			initial = min(v, ceiling)
		} else {
			shared = nil
		}
	} else {
		shared = nil
	}
	if ceiling <= 0 || ceiling < initial {
		ceiling = initial
	}
	l := &TokenLimiter{
		limiter: rate.NewLimiter(rate.Limit(initial/60), int(initial)),
		tpm:     initial,
		floor:   max(initial*0.1, 1),
		ceiling: ceiling,
		step:    max(initial*0.05, 1),
		shared:  shared,
		key:     key,
	}
	if shared != nil {
		go l.follow(ctx, shared.Subscribe())
	}
	return l
}

func seedShared(ctx context.Context, m budgetMap, key string, initial float64) (float64, bool) {
	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, formatTPM(initial)); err != nil {
			return 0, false
		}
	}
	if v, ok := parseTPM(m.Get(key)); ok {
		return v, true
	}
	return initial, true
}

// Middleware returns the throttling middleware.
func (l *TokenLimiter) Middleware() Middleware {
	return func(next model.Client) model.Client {
		return &throttledClient{next: next, l: l}
	}
}

// TPM returns the current budget.
func (l *TokenLimiter) TPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tpm
}

func (c *throttledClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if err := c.l.limiter.WaitN(ctx, c.l.cost(req)); err != nil {
		return nil, err
	}
	resp, err := c.next.Complete(ctx, req)
	c.l.observe(err)
	return resp, err
}

func (c *throttledClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	if err := c.l.limiter.WaitN(ctx, c.l.cost(req)); err != nil {
		return nil, err
	}
	s, err := c.next.Stream(ctx, req)
	if !errors.Is(err, model.ErrStreamingUnsupported) {
		c.l.observe(err)
	}
	return s, err
}

// cost estimates the request size in tokens, capped at the bucket burst so
// oversized requests wait for a full bucket instead of failing.
func (l *TokenLimiter) cost(req *model.Request) int {
	return min(EstimateTokens(req), max(l.limiter.Burst(), 1))
}

func (l *TokenLimiter) observe(err error) {
	switch {
	case err == nil:
		l.adjust(func(cur float64) float64 { return cur + l.step })
	case errors.Is(err, model.ErrRateLimited):
		l.adjust(func(cur float64) float64 { return cur / 2 })
	}
}

// adjust applies f to the local budget and, when shared, to the shared entry.
func (l *TokenLimiter) adjust(f func(float64) float64) {
	l.mu.Lock()
	changed := l.setLocked(f(l.tpm))
	l.mu.Unlock()
	if changed && l.shared != nil {
		go l.publish(f)
	}
}

func (l *TokenLimiter) setLocked(tpm float64) bool {
	tpm = min(max(tpm, l.floor), l.ceiling)
	if tpm == l.tpm {
		return false
	}
	l.tpm = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60))
	l.limiter.SetBurst(int(tpm))
	return true
}

// publish applies f to the shared budget with optimistic concurrency.
func (l *TokenLimiter) publish(f func(float64) float64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for range 3 {
		raw, ok := l.shared.Get(l.key)
		cur, valid := parseTPM(raw, ok)
		if !valid {
			return
		}
		next := min(max(f(cur), l.floor), l.ceiling)
		if next == cur {
			return
		}
		prev, err := l.shared.TestAndSet(ctx, l.key, raw, formatTPM(next))
		if err != nil || prev == raw {
			return
		}
	}
}

func (l *TokenLimiter) follow(ctx context.Context, ch <-chan rmap.EventKind) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			if v, valid := parseTPM(l.shared.Get(l.key)); valid {
				l.mu.Lock()
				l.setLocked(v)
				l.mu.Unlock()
			}
		}
	}
}

// EstimateTokens approximates the token size of req from the characters in
// its system prompt, text parts and tool results.
func EstimateTokens(req *model.Request) int {
	chars := len(req.System)
	for _, m := range req.Messages {
		for _, p := range m.Parts {
			switch v := p.(type) {
			case model.TextPart:
				chars += len(v.Text)
			case model.ToolUsePart:
				chars += len(v.Input)
			case model.ToolResultPart:
				chars += len(v.Content)
			}
		}
	}
	return chars/charsPerToken + baseRequestTokens
}

func parseTPM(s string, ok bool) (float64, bool) {
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func formatTPM(v float64) string { return strconv.Itoa(int(v)) }
