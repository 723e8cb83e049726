package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/kendrak/infergate/internal/apierr"
	"github.com/kendrak/infergate/internal/auth"
	"github.com/kendrak/infergate/internal/backend"
	"github.com/kendrak/infergate/internal/usage"
)

// wireMessage is the OpenAI wire shape for one chat message; Content is
// left as interface{} because it is a sum type (string or part list).
type wireMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type wireChatRequest struct {
	Model          string        `json:"model"`
	Messages       []wireMessage `json:"messages"`
	Stream         bool          `json:"stream"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var body wireChatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, apierr.InvalidRequest("invalid JSON body"))
		return
	}
	s.handleChat(w, r, body)
}

// handleChatCompletionsUpload ingests a multipart request (model,
// messages as a JSON string, stream, files[]) into the same wire shape
// as /v1/chat/completions, then applies the standard pipeline. Image
// ingestion here is deliberately minimal: it normalizes uploaded files
// into inline data: URIs so the rest of the pipeline (backend.NormalizeContent)
// handles them identically to a JSON request's image_url parts.
func (s *Server) handleChatCompletionsUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(int64(s.cfg.MaxUploadSizeMB) << 20); err != nil {
		writeAPIError(w, apierr.PayloadTooLarge("upload exceeds the configured size limit"))
		return
	}

	model := r.FormValue("model")
	streamStr := r.FormValue("stream")
	messagesJSON := r.FormValue("messages")

	var messages []wireMessage
	if err := json.Unmarshal([]byte(messagesJSON), &messages); err != nil {
		writeAPIError(w, apierr.InvalidRequest("messages must be a JSON-encoded array"))
		return
	}

	var images []string
	for _, fh := range r.MultipartForm.File["files"] {
		if !allowedImageMIME(s.cfg.AllowedImageMIME, fh.Header.Get("Content-Type")) {
			writeAPIError(w, apierr.UnsupportedMediaType("unsupported image MIME type: "+fh.Header.Get("Content-Type")))
			return
		}
		f, err := fh.Open()
		if err != nil {
			writeAPIError(w, apierr.InvalidRequest("failed to read uploaded file"))
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			writeAPIError(w, apierr.InvalidRequest("failed to read uploaded file"))
			return
		}
		images = append(images, fmt.Sprintf("data:%s;base64,%s", fh.Header.Get("Content-Type"), base64.StdEncoding.EncodeToString(data)))
	}

	if len(images) > 0 && len(messages) > 0 {
		last := &messages[len(messages)-1]
		parts := []interface{}{map[string]interface{}{"type": "text", "text": last.Content}}
		for _, uri := range images {
			parts = append(parts, map[string]interface{}{"type": "image_url", "image_url": map[string]interface{}{"url": uri}})
		}
		last.Content = parts
	}

	body := wireChatRequest{Model: model, Messages: messages, Stream: streamStr == "true"}
	s.handleChat(w, r, body)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, body wireChatRequest) {
	ctx := r.Context()
	principal := auth.FromContext(ctx)
	if principal == nil || principal.IsAdmin {
		writeAPIError(w, apierr.Unauthenticated("a user credential is required for chat completions"))
		return
	}
	if body.Model == "" {
		writeAPIError(w, apierr.InvalidRequest("model is required"))
		return
	}

	if err := s.limiter.Admit(ctx, principal.UserID); err != nil {
		writeAPIError(w, err)
		return
	}

	messages := make([]backend.Message, 0, len(body.Messages))
	var promptPreview string
	for _, m := range body.Messages {
		text, images, err := backend.NormalizeContent(ctx, http.DefaultClient, m.Content)
		if err != nil {
			writeAPIError(w, err)
			return
		}
		if m.Role == "user" && promptPreview == "" {
			promptPreview = usage.TruncatePreview(text)
		}
		messages = append(messages, backend.Message{Role: m.Role, Content: text, Images: images})
	}

	req := backend.ChatRequest{
		Model:    body.Model,
		Messages: messages,
		Stream:   body.Stream,
	}
	if body.ResponseFormat != nil && body.ResponseFormat.Type == "json_object" {
		req.JSONFormat = true
	}

	if err := s.backend.Acquire(ctx); err != nil {
		return // client disconnected while waiting for a permit
	}
	defer s.backend.Release()

	requestID := requestIDFromContext(ctx)

	if body.Stream {
		resp, err := s.backend.ChatStream(ctx, req)
		if err != nil {
			writeAPIError(w, err)
			return
		}
		defer resp.Body.Close()
		_ = s.tracker.StreamTee(ctx, w, resp.Body, principal.UserID, requestID, body.Model, promptPreview)
		return
	}

	result, err := s.backend.Chat(ctx, req)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	if err := s.tracker.RecordBuffered(ctx, principal.UserID, requestID, body.Model, promptPreview, result.InputTokens, result.OutputTokens); err != nil {
		writeAPIError(w, apierr.Internal("failed to record usage"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      "chatcmpl-" + uuid.NewString(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   body.Model,
		"choices": []map[string]interface{}{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": result.Content},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{
			"prompt_tokens":     result.InputTokens,
			"completion_tokens": result.OutputTokens,
			"total_tokens":      result.InputTokens + result.OutputTokens,
		},
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	list, err := s.backend.Models(r.Context())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	principal := auth.FromContext(r.Context())
	totals, err := s.store.QueryUsageForUser(r.Context(), principal.UserID)
	if err != nil {
		writeAPIError(w, apierr.Internal("failed to load usage"))
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

func (s *Server) handleUsageHistory(w http.ResponseWriter, r *http.Request) {
	principal := auth.FromContext(r.Context())
	limit := atoiOr(r.URL.Query().Get("limit"), 50)
	offset := atoiOr(r.URL.Query().Get("offset"), 0)

	history, err := s.store.ListUsageHistory(r.Context(), principal.UserID, limit, offset)
	if err != nil {
		writeAPIError(w, apierr.Internal("failed to load usage history"))
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handlePricing(w http.ResponseWriter, r *http.Request) {
	prices, err := s.prices.List(r.Context())
	if err != nil {
		writeAPIError(w, apierr.Internal("failed to load pricing"))
		return
	}
	writeJSON(w, http.StatusOK, prices)
}

func atoiOr(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func allowedImageMIME(allowed []string, mime string) bool {
	for _, a := range allowed {
		if a == mime {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, err error) {
	apiErr, ok := err.(*apierr.Error)
	if !ok {
		apiErr = apierr.Internal(err.Error())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	resp := map[string]interface{}{
		"error": map[string]interface{}{
			"message": apiErr.Message,
			"type":    apiErr.Type,
		},
	}
	if apiErr.Param != "" {
		resp["error"].(map[string]interface{})["param"] = apiErr.Param
	}
	json.NewEncoder(w).Encode(resp)
}
