package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kendrak/infergate/internal/apierr"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore implements Store over an embedded, WAL-mode SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// New opens (creating if necessary) the SQLite database at dbPath, runs
// the base schema and additive migrations, and returns a ready Store.
// poolSize bounds the number of concurrent connections; WAL mode lets
// readers proceed while a writer holds the file.
func New(dbPath string, poolSize int) (*SQLiteStore, error) {
	// busy_timeout and foreign_keys are per-connection settings, so they go
	// in the DSN to apply to every pooled connection, not just the first.
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	dsn := dbPath + sep + "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if poolSize <= 0 {
		poolSize = 20
	}
	db.SetMaxOpenConns(poolSize)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLiteStore) Close() error                   { return s.db.Close() }

// translateErr maps a pool-exhaustion/lock-contention failure to the
// retriable "busy" error the caller is expected to surface as 503.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "busy") || strings.Contains(msg, "locked") {
		return apierr.StoreBusy("store is busy, retry the request")
	}
	return err
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

func (s *SQLiteStore) CreateUser(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, credential, created_at) VALUES (?, ?, ?)`,
		u.ID, u.Credential, u.CreatedAt.Unix())
	return translateErr(err)
}

func (s *SQLiteStore) GetUserByCredentialHash(ctx context.Context, hash string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, credential, created_at FROM users WHERE credential = ?`, hash)
	return scanUser(row)
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, credential, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, credential, created_at FROM users ORDER BY created_at`)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// DeleteUser removes the user row and cascades to usage_records and
// rate_limits via ON DELETE CASCADE (foreign_keys=ON).
func (s *SQLiteStore) DeleteUser(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id)
	return translateErr(err)
}

func scanUser(scanner interface{ Scan(...any) error }) (*User, error) {
	var (
		id, credential string
		createdAt      int64
	)
	err := scanner.Scan(&id, &credential, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, translateErr(err)
	}
	return &User{ID: id, Credential: credential, CreatedAt: time.Unix(createdAt, 0).UTC()}, nil
}

// ---------------------------------------------------------------------------
// Usage
// ---------------------------------------------------------------------------

func (s *SQLiteStore) InsertUsageRecord(ctx context.Context, r *UsageRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(user_id, model, input_tokens, output_tokens, total_tokens, cost, request_id, prompt_preview, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.UserID, r.Model, r.InputTokens, r.OutputTokens, r.TotalTokens, r.Cost,
		r.RequestID, r.PromptPreview, r.CreatedAt.Unix())
	return translateErr(err)
}

func (s *SQLiteStore) CountUsageSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage_records WHERE user_id = ? AND created_at > ?`,
		userID, since.Unix()).Scan(&n)
	return n, translateErr(err)
}

func (s *SQLiteStore) SumTokensSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	var n sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(total_tokens) FROM usage_records WHERE user_id = ? AND created_at > ?`,
		userID, since.Unix()).Scan(&n)
	if err != nil {
		return 0, translateErr(err)
	}
	return n.Int64, nil
}

func (s *SQLiteStore) SumTokensAllTime(ctx context.Context, userID string) (int64, error) {
	var n sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(total_tokens) FROM usage_records WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, translateErr(err)
	}
	return n.Int64, nil
}

func (s *SQLiteStore) QueryUsageForUser(ctx context.Context, userID string) (*UsageTotals, error) {
	t := &UsageTotals{}
	var input, output, total sql.NullInt64
	var cost sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), SUM(input_tokens), SUM(output_tokens), SUM(total_tokens), SUM(cost)
		FROM usage_records WHERE user_id = ?`, userID).
		Scan(&t.TotalRequests, &input, &output, &total, &cost)
	if err != nil {
		return nil, translateErr(err)
	}
	t.InputTokens, t.OutputTokens, t.TotalTokens, t.TotalCost = input.Int64, output.Int64, total.Int64, cost.Float64

	rows, err := s.db.QueryContext(ctx,
		`SELECT model, COUNT(*), SUM(input_tokens), SUM(output_tokens), SUM(cost)
		FROM usage_records WHERE user_id = ? GROUP BY model ORDER BY model`, userID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	for rows.Next() {
		var m ModelUsage
		if err := rows.Scan(&m.Model, &m.Requests, &m.InputTokens, &m.OutputTokens, &m.Cost); err != nil {
			return nil, err
		}
		t.ByModel = append(t.ByModel, m)
	}
	return t, rows.Err()
}

func (s *SQLiteStore) ListUsageHistory(ctx context.Context, userID string, limit, offset int) ([]*UsageRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, model, input_tokens, output_tokens, total_tokens, cost, request_id, prompt_preview, created_at
		FROM usage_records WHERE user_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		userID, limit, offset)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	var out []*UsageRecord
	for rows.Next() {
		r := &UsageRecord{}
		var ts int64
		if err := rows.Scan(&r.ID, &r.UserID, &r.Model, &r.InputTokens, &r.OutputTokens,
			&r.TotalTokens, &r.Cost, &r.RequestID, &r.PromptPreview, &ts); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(ts, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Rate limits
// ---------------------------------------------------------------------------

func (s *SQLiteStore) GetRateLimit(ctx context.Context, userID string) (*RateLimit, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, requests_per_minute, requests_per_day, tokens_per_minute, tokens_per_day, lifetime_tokens
		FROM rate_limits WHERE user_id = ?`, userID)
	rl := &RateLimit{}
	var rpm, rpd, tpm, tpd, lt sql.NullInt64
	err := row.Scan(&rl.UserID, &rpm, &rpd, &tpm, &tpd, &lt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, translateErr(err)
	}
	rl.RequestsPerMinute = nullableInt64(rpm)
	rl.RequestsPerDay = nullableInt64(rpd)
	rl.TokensPerMinute = nullableInt64(tpm)
	rl.TokensPerDay = nullableInt64(tpd)
	rl.LifetimeTokens = nullableInt64(lt)
	return rl, nil
}

func (s *SQLiteStore) SetRateLimit(ctx context.Context, rl *RateLimit) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_limits (user_id, requests_per_minute, requests_per_day, tokens_per_minute, tokens_per_day, lifetime_tokens)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			requests_per_minute = excluded.requests_per_minute,
			requests_per_day    = excluded.requests_per_day,
			tokens_per_minute   = excluded.tokens_per_minute,
			tokens_per_day      = excluded.tokens_per_day,
			lifetime_tokens     = excluded.lifetime_tokens`,
		rl.UserID, int64Ptr(rl.RequestsPerMinute), int64Ptr(rl.RequestsPerDay),
		int64Ptr(rl.TokensPerMinute), int64Ptr(rl.TokensPerDay), int64Ptr(rl.LifetimeTokens))
	return translateErr(err)
}

func nullableInt64(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func int64Ptr(p *int64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

// ---------------------------------------------------------------------------
// Price book
// ---------------------------------------------------------------------------

func (s *SQLiteStore) GetPrice(ctx context.Context, model string) (*PriceRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT model, input_cost, output_cost FROM price_book WHERE model = ?`, model)
	p := &PriceRow{}
	err := row.Scan(&p.Model, &p.InputCost, &p.OutputCost)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, translateErr(err)
	}
	return p, nil
}

func (s *SQLiteStore) ListPrices(ctx context.Context) ([]*PriceRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT model, input_cost, output_cost FROM price_book ORDER BY model`)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	var out []*PriceRow
	for rows.Next() {
		p := &PriceRow{}
		if err := rows.Scan(&p.Model, &p.InputCost, &p.OutputCost); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetPrice upserts the price-book row for model and appends a
// price_history row in the same transaction: if the history append
// fails, the upsert is rolled back.
func (s *SQLiteStore) SetPrice(ctx context.Context, model string, input, output float64, actor string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translateErr(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO price_book (model, input_cost, output_cost) VALUES (?, ?, ?)
		ON CONFLICT(model) DO UPDATE SET input_cost = excluded.input_cost, output_cost = excluded.output_cost`,
		model, input, output); err != nil {
		return translateErr(err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO price_history (model, input_cost, output_cost, changed_at, actor) VALUES (?, ?, ?, ?, ?)`,
		model, input, output, time.Now().UTC().Unix(), actor); err != nil {
		return translateErr(err)
	}

	return translateErr(tx.Commit())
}

func (s *SQLiteStore) ListPriceHistory(ctx context.Context, model string) ([]*PriceHistoryRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, model, input_cost, output_cost, changed_at, actor
		FROM price_history WHERE model = ? ORDER BY changed_at DESC, id DESC`, model)
	if err != nil {
		return nil, translateErr(err)
	}
	return scanPriceHistory(rows)
}

func (s *SQLiteStore) ListAllPriceHistory(ctx context.Context) ([]*PriceHistoryRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, model, input_cost, output_cost, changed_at, actor
		FROM price_history ORDER BY changed_at DESC, id DESC`)
	if err != nil {
		return nil, translateErr(err)
	}
	return scanPriceHistory(rows)
}

func scanPriceHistory(rows *sql.Rows) ([]*PriceHistoryRow, error) {
	defer rows.Close()
	var out []*PriceHistoryRow
	for rows.Next() {
		h := &PriceHistoryRow{}
		var ts int64
		if err := rows.Scan(&h.ID, &h.Model, &h.InputCost, &h.OutputCost, &ts, &h.Actor); err != nil {
			return nil, err
		}
		h.ChangedAt = time.Unix(ts, 0).UTC()
		out = append(out, h)
	}
	return out, rows.Err()
}
