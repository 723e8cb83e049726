// Package store implements the persistence layer: users, usage records,
// rate limits, and the price book with its append-only history.
package store

import (
	"context"
	"time"
)

// Store is the persistence interface the rest of the proxy depends on.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	// Users
	CreateUser(ctx context.Context, u *User) error
	GetUserByCredentialHash(ctx context.Context, hash string) (*User, error)
	GetUser(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)
	DeleteUser(ctx context.Context, id string) error

	// Usage
	InsertUsageRecord(ctx context.Context, r *UsageRecord) error
	CountUsageSince(ctx context.Context, userID string, since time.Time) (int64, error)
	SumTokensSince(ctx context.Context, userID string, since time.Time) (int64, error)
	SumTokensAllTime(ctx context.Context, userID string) (int64, error)
	QueryUsageForUser(ctx context.Context, userID string) (*UsageTotals, error)
	ListUsageHistory(ctx context.Context, userID string, limit, offset int) ([]*UsageRecord, error)

	// Rate limits
	GetRateLimit(ctx context.Context, userID string) (*RateLimit, error)
	SetRateLimit(ctx context.Context, rl *RateLimit) error

	// Price book
	GetPrice(ctx context.Context, model string) (*PriceRow, error)
	ListPrices(ctx context.Context) ([]*PriceRow, error)
	SetPrice(ctx context.Context, model string, input, output float64, actor string) error
	ListPriceHistory(ctx context.Context, model string) ([]*PriceHistoryRow, error)
	ListAllPriceHistory(ctx context.Context) ([]*PriceHistoryRow, error)
}

// User is an API consumer identified by a bearer credential.
type User struct {
	ID         string
	Credential string
	CreatedAt  time.Time
}

// UsageRecord is one immutable row written per completed request.
type UsageRecord struct {
	ID             int64
	UserID         string
	Model          string
	InputTokens    int
	OutputTokens   int
	TotalTokens    int
	Cost           float64
	RequestID      string
	PromptPreview  string
	CreatedAt      time.Time
}

// UsageTotals aggregates a user's usage, overall and per model.
type UsageTotals struct {
	TotalRequests int64
	InputTokens   int64
	OutputTokens  int64
	TotalTokens   int64
	TotalCost     float64
	ByModel       []ModelUsage
}

// ModelUsage is the per-model breakdown of UsageTotals.
type ModelUsage struct {
	Model        string
	Requests     int64
	InputTokens  int64
	OutputTokens int64
	Cost         float64
}

// RateLimit is the per-user admission configuration. Nil fields mean
// unbounded on that dimension.
type RateLimit struct {
	UserID            string
	RequestsPerMinute *int64
	RequestsPerDay    *int64
	TokensPerMinute   *int64
	TokensPerDay      *int64
	LifetimeTokens    *int64
}

// Applied defaults when no rate-limit row exists for a user, per spec.
var (
	DefaultRequestsPerMinute int64 = 60
	DefaultRequestsPerDay    int64 = 1000
	DefaultTokensPerMinute   int64 = 100_000
	DefaultTokensPerDay      int64 = 1_000_000
)

// DefaultRateLimit returns the applied defaults for a user with no row.
func DefaultRateLimit(userID string) *RateLimit {
	return &RateLimit{
		UserID:            userID,
		RequestsPerMinute: &DefaultRequestsPerMinute,
		RequestsPerDay:    &DefaultRequestsPerDay,
		TokensPerMinute:   &DefaultTokensPerMinute,
		TokensPerDay:      &DefaultTokensPerDay,
		LifetimeTokens:    nil, // unbounded
	}
}

// PriceRow is the current per-model rate, in currency units per 1M tokens.
type PriceRow struct {
	Model      string
	InputCost  float64
	OutputCost float64
}

// PriceHistoryRow is an append-only record of a price-book change.
type PriceHistoryRow struct {
	ID         int64
	Model      string
	InputCost  float64
	OutputCost float64
	ChangedAt  time.Time
	Actor      string
}
