package server

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kendrak/infergate/internal/apierr"
	"github.com/kendrak/infergate/internal/auth"
	"github.com/kendrak/infergate/internal/pricebook"
	"github.com/kendrak/infergate/internal/store"
)

// ---------------------------------------------------------------------------
// User CRUD (admin only)
// ---------------------------------------------------------------------------

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	id := uuid.New().String()
	credential, hash := generateCredential(id)

	u := &store.User{ID: id, Credential: hash, CreatedAt: time.Now()}
	if err := s.store.CreateUser(r.Context(), u); err != nil {
		writeAPIError(w, apierr.Internal("failed to create user"))
		return
	}

	slog.Info("user created", "id", id)
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "credential": credential})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		writeAPIError(w, apierr.Internal("failed to list users"))
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	u, err := s.store.GetUser(r.Context(), id)
	if err != nil {
		writeAPIError(w, apierr.Internal("failed to load user"))
		return
	}
	if u == nil {
		writeAPIError(w, apierr.NotFound("user not found"))
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteUser(r.Context(), id); err != nil {
		writeAPIError(w, apierr.Internal("failed to delete user"))
		return
	}
	slog.Info("user deleted", "id", id)
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

// generateCredential mints a sk-{user_id}-{random} credential with a
// 128-bit random suffix, and returns both the plaintext (shown once)
// and its sha256 hash (what gets persisted).
func generateCredential(userID string) (plaintext, hash string) {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	plaintext = fmt.Sprintf("sk-%s-%s", userID, hex.EncodeToString(b))
	sum := sha256.Sum256([]byte(plaintext))
	hash = hex.EncodeToString(sum[:])
	return
}

// ---------------------------------------------------------------------------
// Rate limits (admin only)
// ---------------------------------------------------------------------------

func (s *Server) handleGetRateLimit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rl, err := s.store.GetRateLimit(r.Context(), id)
	if err != nil {
		writeAPIError(w, apierr.Internal("failed to load rate limit"))
		return
	}
	if rl == nil {
		rl = store.DefaultRateLimit(id)
	}
	writeJSON(w, http.StatusOK, rl)
}

type rateLimitRequest struct {
	RequestsPerMinute *int64 `json:"requests_per_minute"`
	RequestsPerDay    *int64 `json:"requests_per_day"`
	TokensPerMinute   *int64 `json:"tokens_per_minute"`
	TokensPerDay      *int64 `json:"tokens_per_day"`
	LifetimeTokens    *int64 `json:"lifetime_tokens"`
}

func (s *Server) handleSetRateLimit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req rateLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, apierr.InvalidRequest("invalid JSON body"))
		return
	}

	rl := &store.RateLimit{
		UserID:            id,
		RequestsPerMinute: req.RequestsPerMinute,
		RequestsPerDay:    req.RequestsPerDay,
		TokensPerMinute:   req.TokensPerMinute,
		TokensPerDay:      req.TokensPerDay,
		LifetimeTokens:    req.LifetimeTokens,
	}
	if err := s.store.SetRateLimit(r.Context(), rl); err != nil {
		writeAPIError(w, apierr.Internal("failed to set rate limit"))
		return
	}
	slog.Info("rate limit updated", "user_id", id)
	writeJSON(w, http.StatusOK, rl)
}

// ---------------------------------------------------------------------------
// Price book (admin only)
// ---------------------------------------------------------------------------

func (s *Server) handleListPrices(w http.ResponseWriter, r *http.Request) {
	prices, err := s.prices.List(r.Context())
	if err != nil {
		writeAPIError(w, apierr.Internal("failed to list prices"))
		return
	}
	writeJSON(w, http.StatusOK, prices)
}

type priceRequest struct {
	InputCost  float64 `json:"input_cost"`
	OutputCost float64 `json:"output_cost"`
}

func (s *Server) handleSetPrice(w http.ResponseWriter, r *http.Request) {
	model := r.PathValue("model")
	var req priceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.InputCost < 0 || req.OutputCost < 0 {
		writeAPIError(w, apierr.InvalidRequest("input_cost and output_cost must be non-negative numbers"))
		return
	}

	actor := auth.FromContext(r.Context()).UserID
	if err := s.prices.Set(r.Context(), model, pricebook.Rates{InputCost: req.InputCost, OutputCost: req.OutputCost}, actor); err != nil {
		writeAPIError(w, apierr.Internal("failed to set price"))
		return
	}
	slog.Info("price updated", "model", model, "actor", actor)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"model": model, "input_cost": req.InputCost, "output_cost": req.OutputCost,
	})
}

func (s *Server) handlePriceHistory(w http.ResponseWriter, r *http.Request) {
	model := r.PathValue("model")
	hist, err := s.prices.History(r.Context(), model)
	if err != nil {
		writeAPIError(w, apierr.Internal("failed to load price history"))
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (s *Server) handleAllPriceHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := s.prices.AllHistory(r.Context())
	if err != nil {
		writeAPIError(w, apierr.Internal("failed to load price history"))
		return
	}
	writeJSON(w, http.StatusOK, hist)
}
