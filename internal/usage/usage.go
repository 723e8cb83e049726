// Package usage records token counts and cost for completed requests,
// and tees streaming backend responses to the client while harvesting
// the terminal usage frame.
package usage

import (
	"context"
	"time"

	"github.com/kendrak/infergate/internal/pricebook"
	"github.com/kendrak/infergate/internal/ratelimit"
	"github.com/kendrak/infergate/internal/store"
)

// Tracker is the usage-accounting component (C7): it prices completed
// requests, writes the immutable usage row, and feeds the rate
// limiter's post-charge accounting.
type Tracker struct {
	store   store.Store
	prices  *pricebook.Book
	limiter *ratelimit.Limiter
}

func New(s store.Store, p *pricebook.Book, l *ratelimit.Limiter) *Tracker {
	return &Tracker{store: s, prices: p, limiter: l}
}

const promptPreviewMaxLen = 200

// TruncatePreview trims a prompt to a diagnostic-sized preview.
func TruncatePreview(s string) string {
	if len(s) <= promptPreviewMaxLen {
		return s
	}
	return s[:promptPreviewMaxLen]
}

// RecordBuffered prices and persists a completed, non-streaming request,
// then charges the rate limiter with the real token count.
func (t *Tracker) RecordBuffered(ctx context.Context, userID, requestID, model, promptPreview string, inputTokens, outputTokens int) error {
	cost, err := t.prices.CostForModel(ctx, model, inputTokens, outputTokens)
	if err != nil {
		return err
	}

	total := inputTokens + outputTokens
	if err := t.store.InsertUsageRecord(ctx, &store.UsageRecord{
		UserID:        userID,
		Model:         model,
		InputTokens:   inputTokens,
		OutputTokens:  outputTokens,
		TotalTokens:   total,
		Cost:          cost,
		RequestID:     requestID,
		PromptPreview: promptPreview,
		CreatedAt:     time.Now(),
	}); err != nil {
		return err
	}

	t.limiter.Charge(userID, int64(total))
	return nil
}
