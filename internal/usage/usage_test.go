package usage

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kendrak/infergate/internal/pricebook"
	"github.com/kendrak/infergate/internal/ratelimit"
	"github.com/kendrak/infergate/internal/store"
)

func newTestTracker(t *testing.T) (*Tracker, store.Store) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"), 5)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	book := pricebook.New(s)
	limiter := ratelimit.NewLimiter(s, ratelimit.NewCounters())
	return New(s, book, limiter), s
}

func TestRecordBufferedWritesUsageRow(t *testing.T) {
	tr, s := newTestTracker(t)
	ctx := context.Background()
	if err := s.CreateUser(ctx, &store.User{ID: "u1", Credential: "h1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := s.SetPrice(ctx, "llama3", 1.0, 2.0, "admin"); err != nil {
		t.Fatalf("SetPrice: %v", err)
	}

	if err := tr.RecordBuffered(ctx, "u1", "req-1", "llama3", "hello", 1_000_000, 500_000); err != nil {
		t.Fatalf("RecordBuffered: %v", err)
	}

	totals, err := s.QueryUsageForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("QueryUsageForUser: %v", err)
	}
	if totals.TotalRequests != 1 || totals.TotalTokens != 1_500_000 || totals.TotalCost != 2.0 {
		t.Fatalf("unexpected totals: %+v", totals)
	}
}

func TestRecordBufferedDefaultsZeroCostForUnpricedModel(t *testing.T) {
	tr, s := newTestTracker(t)
	ctx := context.Background()
	if err := s.CreateUser(ctx, &store.User{ID: "u1", Credential: "h1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	if err := tr.RecordBuffered(ctx, "u1", "req-1", "unpriced-model", "hi", 100, 100); err != nil {
		t.Fatalf("RecordBuffered: %v", err)
	}

	totals, err := s.QueryUsageForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("QueryUsageForUser: %v", err)
	}
	if totals.TotalCost != 0 {
		t.Fatalf("expected zero cost for unpriced model, got %v", totals.TotalCost)
	}
}

func TestStreamTeeForwardsFramesAndWritesUsageRow(t *testing.T) {
	tr, s := newTestTracker(t)
	ctx := context.Background()
	if err := s.CreateUser(ctx, &store.User{ID: "u1", Credential: "h1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	backendStream := strings.NewReader(
		`{"model":"llama3","message":{"role":"assistant","content":"hel"},"done":false}` + "\n" +
			`{"model":"llama3","message":{"role":"assistant","content":"lo"},"done":false}` + "\n" +
			`{"model":"llama3","message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":10,"eval_count":5}` + "\n",
	)

	rec := httptest.NewRecorder()
	err := tr.StreamTee(ctx, rec, backendStream, "u1", "req-1", "llama3", "hello")
	if err != nil {
		t.Fatalf("StreamTee: %v", err)
	}

	out := rec.Body.String()
	if !strings.Contains(out, `"content":"hel"`) || !strings.Contains(out, `"content":"lo"`) {
		t.Fatalf("expected content frames forwarded, got: %s", out)
	}
	if !strings.Contains(out, `"prompt_tokens":10`) || !strings.Contains(out, `"completion_tokens":5`) {
		t.Fatalf("expected usage object in terminal frame, got: %s", out)
	}
	if !strings.HasSuffix(out, "data: [DONE]\n\n") {
		t.Fatalf("expected stream to end with [DONE] terminator, got: %s", out)
	}

	totals, err := s.QueryUsageForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("QueryUsageForUser: %v", err)
	}
	if totals.TotalRequests != 1 || totals.TotalTokens != 15 {
		t.Fatalf("unexpected totals after stream: %+v", totals)
	}
}

func TestStreamTeeCancellationWritesNoUsageRow(t *testing.T) {
	tr, s := newTestTracker(t)
	if err := s.CreateUser(context.Background(), &store.User{ID: "u1", Credential: "h1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	backendStream := strings.NewReader(
		`{"model":"llama3","message":{"role":"assistant","content":"hel"},"done":false}` + "\n" +
			`{"model":"llama3","message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":10,"eval_count":5}` + "\n",
	)

	rec := httptest.NewRecorder()
	err := tr.StreamTee(ctx, rec, backendStream, "u1", "req-1", "llama3", "hello")
	if err == nil {
		t.Fatalf("expected cancellation to surface as an error from StreamTee")
	}

	totals, err := s.QueryUsageForUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("QueryUsageForUser: %v", err)
	}
	if totals.TotalRequests != 0 {
		t.Fatalf("expected no usage row after cancellation, got %d", totals.TotalRequests)
	}
}

// TestStreamTeeCancellationDuringBlockedReadIsSilent covers cancellation
// that happens while Scan is blocked on the backend body, rather than
// between scans: the reader's error surfaces through scanner.Err(), and
// that must still be treated as a silent cancellation (ctx.Err()), not a
// client-visible error frame.
func TestStreamTeeCancellationDuringBlockedReadIsSilent(t *testing.T) {
	tr, s := newTestTracker(t)
	if err := s.CreateUser(context.Background(), &store.User{ID: "u1", Credential: "h1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()

	go func() {
		pw.Write([]byte(`{"model":"llama3","message":{"role":"assistant","content":"hel"},"done":false}` + "\n"))
		cancel()
		pw.CloseWithError(context.Canceled)
	}()

	rec := httptest.NewRecorder()
	err := tr.StreamTee(ctx, rec, pr, "u1", "req-1", "llama3", "hello")
	if err == nil {
		t.Fatalf("expected cancellation to surface as an error from StreamTee")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected ctx.Err() (context.Canceled), got: %v", err)
	}

	if strings.Contains(rec.Body.String(), "backend_error") {
		t.Fatalf("cancellation must not emit a client-visible error frame, got: %s", rec.Body.String())
	}

	totals, err := s.QueryUsageForUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("QueryUsageForUser: %v", err)
	}
	if totals.TotalRequests != 0 {
		t.Fatalf("expected no usage row after cancellation, got %d", totals.TotalRequests)
	}
}
