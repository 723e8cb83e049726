package ratelimit

import (
	"context"
	"time"

	"github.com/kendrak/infergate/internal/apierr"
	"github.com/kendrak/infergate/internal/store"
)

// Limiter enforces the five admission dimensions: requests/60s,
// requests/24h, tokens/60s, tokens/24h, and lifetime tokens. A nil
// dimension on the user's RateLimit row means unbounded on that axis.
type Limiter struct {
	store    store.Store
	counters *Counters
}

func NewLimiter(s store.Store, c *Counters) *Limiter {
	return &Limiter{store: s, counters: c}
}

// Admit checks every configured dimension and, if all pass, records the
// request against the 60s window at admission time, so requests still in
// flight count toward requests_per_minute. The check and the record are
// separate steps, so concurrent admissions for the same user can each
// pass the check before any of them is recorded. It probes only
// "+1 request" — the token cost of the incoming request isn't known
// until the backend responds, so the token dimensions are checked
// against prior usage only, not a speculative estimate of this request.
func (l *Limiter) Admit(ctx context.Context, userID string) error {
	rl, err := l.store.GetRateLimit(ctx, userID)
	if err != nil {
		return err
	}
	if rl == nil {
		rl = store.DefaultRateLimit(userID)
	}

	now := time.Now()

	if rl.RequestsPerMinute != nil && l.counters.RequestsPerMinute(userID, now) >= *rl.RequestsPerMinute {
		return apierr.RateLimited("requests_per_minute")
	}
	if rl.RequestsPerDay != nil {
		n, err := l.store.CountUsageSince(ctx, userID, now.Add(-24*time.Hour))
		if err != nil {
			return err
		}
		if n >= *rl.RequestsPerDay {
			return apierr.RateLimited("requests_per_day")
		}
	}
	if rl.TokensPerMinute != nil && l.counters.TokensPerMinute(userID, now) >= *rl.TokensPerMinute {
		return apierr.RateLimited("tokens_per_minute")
	}
	if rl.TokensPerDay != nil {
		n, err := l.store.SumTokensSince(ctx, userID, now.Add(-24*time.Hour))
		if err != nil {
			return err
		}
		if n >= *rl.TokensPerDay {
			return apierr.RateLimited("tokens_per_day")
		}
	}
	if rl.LifetimeTokens != nil {
		n, err := l.store.SumTokensAllTime(ctx, userID)
		if err != nil {
			return err
		}
		if n >= *rl.LifetimeTokens {
			return apierr.RateLimited("lifetime_tokens")
		}
	}

	l.counters.AddRequest(userID, now)
	return nil
}

// Charge feeds the actual token count of a completed request into the
// 60-second window. The 24h/lifetime dimensions need no separate
// bookkeeping: they read straight from usage_records, which the usage
// tracker writes once the request finishes.
func (l *Limiter) Charge(userID string, tokens int64) {
	l.counters.AddTokens(userID, tokens, time.Now())
}
