package ratelimit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/kendrak/infergate/internal/apierr"
	"github.com/kendrak/infergate/internal/store"
)

func newTestLimiter(t *testing.T) (*Limiter, store.Store) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"), 5)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewLimiter(s, NewCounters()), s
}

func rateLimitErr(err error) *apierr.Error {
	var e *apierr.Error
	errors.As(err, &e)
	return e
}

func TestAdmitAllowsWithinDefaultLimits(t *testing.T) {
	l, _ := newTestLimiter(t)
	if err := l.Admit(context.Background(), "u1"); err != nil {
		t.Fatalf("expected first request to be admitted, got %v", err)
	}
}

func TestAdmitTripsRequestsPerMinute(t *testing.T) {
	l, s := newTestLimiter(t)
	ctx := context.Background()
	rpm := int64(2)
	if err := s.CreateUser(ctx, &store.User{ID: "u1", Credential: "h1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := s.SetRateLimit(ctx, &store.RateLimit{UserID: "u1", RequestsPerMinute: &rpm}); err != nil {
		t.Fatalf("SetRateLimit: %v", err)
	}

	if err := l.Admit(ctx, "u1"); err != nil {
		t.Fatalf("admit 1: %v", err)
	}
	if err := l.Admit(ctx, "u1"); err != nil {
		t.Fatalf("admit 2: %v", err)
	}
	err := l.Admit(ctx, "u1")
	if err == nil {
		t.Fatalf("expected third request to be rate limited")
	}
	if got := rateLimitErr(err); got == nil || got.Param != "requests_per_minute" {
		t.Fatalf("expected requests_per_minute dimension, got %+v", got)
	}
}

func TestAdmitTripsTokensPerDay(t *testing.T) {
	l, s := newTestLimiter(t)
	ctx := context.Background()
	tpd := int64(100)
	if err := s.CreateUser(ctx, &store.User{ID: "u1", Credential: "h1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := s.SetRateLimit(ctx, &store.RateLimit{UserID: "u1", TokensPerDay: &tpd}); err != nil {
		t.Fatalf("SetRateLimit: %v", err)
	}
	if err := s.InsertUsageRecord(ctx, &store.UsageRecord{
		UserID: "u1", Model: "llama3", TotalTokens: 150, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("InsertUsageRecord: %v", err)
	}

	err := l.Admit(ctx, "u1")
	if err == nil {
		t.Fatalf("expected rate limit trip once daily tokens exceed the cap")
	}
	if got := rateLimitErr(err); got == nil || got.Param != "tokens_per_day" {
		t.Fatalf("expected tokens_per_day dimension, got %+v", got)
	}
}

func TestAdmitIgnoresUnsetDimensions(t *testing.T) {
	l, s := newTestLimiter(t)
	ctx := context.Background()
	rpm := int64(1000)
	if err := s.CreateUser(ctx, &store.User{ID: "u1", Credential: "h1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := s.SetRateLimit(ctx, &store.RateLimit{UserID: "u1", RequestsPerMinute: &rpm}); err != nil {
		t.Fatalf("SetRateLimit: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := l.Admit(ctx, "u1"); err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
	}
}

func TestChargeFeedsTokenWindow(t *testing.T) {
	l, s := newTestLimiter(t)
	ctx := context.Background()
	tpm := int64(100)
	if err := s.CreateUser(ctx, &store.User{ID: "u1", Credential: "h1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := s.SetRateLimit(ctx, &store.RateLimit{UserID: "u1", TokensPerMinute: &tpm}); err != nil {
		t.Fatalf("SetRateLimit: %v", err)
	}

	l.Charge("u1", 150)
	err := l.Admit(ctx, "u1")
	if err == nil {
		t.Fatalf("expected tokens_per_minute to trip after Charge")
	}
	if got := rateLimitErr(err); got == nil || got.Param != "tokens_per_minute" {
		t.Fatalf("expected tokens_per_minute dimension, got %+v", got)
	}
}
