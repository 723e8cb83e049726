package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath, 5)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUserCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &User{ID: "u1", Credential: "hash1", CreatedAt: time.Now()}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	got, err := s.GetUserByCredentialHash(ctx, "hash1")
	if err != nil {
		t.Fatalf("GetUserByCredentialHash: %v", err)
	}
	if got == nil || got.ID != "u1" {
		t.Fatalf("expected user u1, got %+v", got)
	}

	missing, err := s.GetUserByCredentialHash(ctx, "nope")
	if err != nil {
		t.Fatalf("GetUserByCredentialHash(missing): %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown credential, got %+v", missing)
	}

	if err := s.DeleteUser(ctx, "u1"); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	gone, err := s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser after delete: %v", err)
	}
	if gone != nil {
		t.Fatalf("expected user to be gone after delete, got %+v", gone)
	}
}

func TestUsageRecordAndAggregates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := &User{ID: "u1", Credential: "hash1", CreatedAt: time.Now()}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	r := &UsageRecord{
		UserID: "u1", Model: "llama3", InputTokens: 10, OutputTokens: 20, TotalTokens: 30,
		Cost: 0.05, RequestID: "req-1", PromptPreview: "hello", CreatedAt: time.Now(),
	}
	if err := s.InsertUsageRecord(ctx, r); err != nil {
		t.Fatalf("InsertUsageRecord: %v", err)
	}

	since := time.Now().Add(-time.Minute)
	n, err := s.CountUsageSince(ctx, "u1", since)
	if err != nil {
		t.Fatalf("CountUsageSince: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 usage row, got %d", n)
	}

	tokens, err := s.SumTokensSince(ctx, "u1", since)
	if err != nil {
		t.Fatalf("SumTokensSince: %v", err)
	}
	if tokens != 30 {
		t.Fatalf("expected 30 tokens, got %d", tokens)
	}

	totals, err := s.QueryUsageForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("QueryUsageForUser: %v", err)
	}
	if totals.TotalRequests != 1 || totals.TotalTokens != 30 || totals.TotalCost != 0.05 {
		t.Fatalf("unexpected totals: %+v", totals)
	}
	if len(totals.ByModel) != 1 || totals.ByModel[0].Model != "llama3" {
		t.Fatalf("unexpected per-model breakdown: %+v", totals.ByModel)
	}

	history, err := s.ListUsageHistory(ctx, "u1", 10, 0)
	if err != nil {
		t.Fatalf("ListUsageHistory: %v", err)
	}
	if len(history) != 1 || history[0].RequestID != "req-1" {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestRateLimitDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rl, err := s.GetRateLimit(ctx, "unknown")
	if err != nil {
		t.Fatalf("GetRateLimit: %v", err)
	}
	if rl != nil {
		t.Fatalf("expected nil rate limit for user with no row, got %+v", rl)
	}

	def := DefaultRateLimit("u1")
	if def.LifetimeTokens != nil {
		t.Fatalf("expected unbounded lifetime tokens by default")
	}

	if err := s.CreateUser(ctx, &User{ID: "u1", Credential: "hash1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	rpm := int64(5)
	custom := &RateLimit{UserID: "u1", RequestsPerMinute: &rpm}
	if err := s.SetRateLimit(ctx, custom); err != nil {
		t.Fatalf("SetRateLimit: %v", err)
	}
	got, err := s.GetRateLimit(ctx, "u1")
	if err != nil {
		t.Fatalf("GetRateLimit after set: %v", err)
	}
	if got == nil || got.RequestsPerMinute == nil || *got.RequestsPerMinute != 5 {
		t.Fatalf("unexpected rate limit after set: %+v", got)
	}
	if got.TokensPerDay != nil {
		t.Fatalf("expected unset dimension to remain nil, got %v", *got.TokensPerDay)
	}
}

func TestPriceBookAndHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if got, err := s.GetPrice(ctx, "llama3"); err != nil || got != nil {
		t.Fatalf("expected no price for unset model, got %+v, err %v", got, err)
	}

	if err := s.SetPrice(ctx, "llama3", 1.5, 3.0, "admin"); err != nil {
		t.Fatalf("SetPrice: %v", err)
	}
	p, err := s.GetPrice(ctx, "llama3")
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if p == nil || p.InputCost != 1.5 || p.OutputCost != 3.0 {
		t.Fatalf("unexpected price row: %+v", p)
	}

	if err := s.SetPrice(ctx, "llama3", 2.0, 4.0, "admin"); err != nil {
		t.Fatalf("SetPrice (update): %v", err)
	}
	hist, err := s.ListPriceHistory(ctx, "llama3")
	if err != nil {
		t.Fatalf("ListPriceHistory: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected 2 history rows, got %d", len(hist))
	}
	if hist[0].InputCost != 2.0 {
		t.Fatalf("expected most recent history row first, got %+v", hist[0])
	}

	all, err := s.ListAllPriceHistory(ctx)
	if err != nil {
		t.Fatalf("ListAllPriceHistory: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 rows across all models, got %d", len(all))
	}
}

func TestMigrationIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s1, err := New(dbPath, 5)
	if err != nil {
		t.Fatalf("New (first open): %v", err)
	}
	s1.Close()

	s2, err := New(dbPath, 5)
	if err != nil {
		t.Fatalf("New (reopen, re-migrate): %v", err)
	}
	defer s2.Close()
}
