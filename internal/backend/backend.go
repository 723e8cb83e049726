// Package backend translates between the OpenAI chat-completion shape
// and the local inference backend's native request/response shape, and
// bounds concurrent in-flight backend calls with a semaphore.
package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kendrak/infergate/internal/apierr"
)

// Client forwards chat-completion requests to the backend, translating
// shapes in both directions and capping concurrency.
type Client struct {
	baseURL string
	http    *http.Client
	permits *semaphore.Weighted
}

func New(baseURL string, timeout time.Duration, maxConcurrent int64) *Client {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		permits: semaphore.NewWeighted(maxConcurrent),
	}
}

// Message is the normalized internal shape for one chat message: text
// plus any image payloads split out of the wire's image_url parts.
type Message struct {
	Role    string
	Content string
	Images  [][]byte
}

// ChatRequest is the normalized request the pipeline hands to the client
// after parsing the OpenAI-shaped wire body.
type ChatRequest struct {
	Model      string
	Messages   []Message
	Stream     bool
	JSONFormat bool // from response_format.type == "json_object"
}

// ChatResult is a buffered (non-streaming) completion result.
type ChatResult struct {
	Content      string
	InputTokens  int
	OutputTokens int
}

// ollamaMessage is the backend's native message shape.
type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
}

type ollamaChatResponse struct {
	Model   string `json:"model"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done             bool `json:"done"`
	PromptEvalCount  int  `json:"prompt_eval_count"`
	EvalCount        int  `json:"eval_count"`
}

// Acquire blocks until a backend permit is available or ctx is done.
func (c *Client) Acquire(ctx context.Context) error {
	return c.permits.Acquire(ctx, 1)
}

// Release returns a permit acquired by Acquire.
func (c *Client) Release() {
	c.permits.Release(1)
}

func toOllamaMessages(msgs []Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(msgs))
	for _, m := range msgs {
		om := ollamaMessage{Role: m.Role, Content: m.Content}
		for _, img := range m.Images {
			om.Images = append(om.Images, base64.StdEncoding.EncodeToString(img))
		}
		out = append(out, om)
	}
	return out
}

func (c *Client) buildRequest(req ChatRequest, stream bool) ollamaChatRequest {
	or := ollamaChatRequest{
		Model:    req.Model,
		Messages: toOllamaMessages(req.Messages),
		Stream:   stream,
	}
	if req.JSONFormat {
		or.Format = "json"
	}
	return or
}

// Chat sends a buffered (non-streaming) completion request.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	body, err := json.Marshal(c.buildRequest(req, false))
	if err != nil {
		return nil, apierr.Internal(fmt.Sprintf("encode backend request: %v", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, apierr.Internal(fmt.Sprintf("build backend request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, apierr.BackendUnavailable(fmt.Sprintf("backend unreachable: %v", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.BackendUnavailable("failed to read backend response")
	}

	if err := statusErr(resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	var or ollamaChatResponse
	if err := json.Unmarshal(respBody, &or); err != nil {
		return nil, apierr.BackendUnavailable("backend returned an unparseable response")
	}

	return &ChatResult{
		Content:      or.Message.Content,
		InputTokens:  or.PromptEvalCount,
		OutputTokens: or.EvalCount,
	}, nil
}

// ChatStream sends a streaming completion request and returns the raw
// backend response for the caller (internal/usage) to tee line by line.
// The caller is responsible for closing resp.Body.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest) (*http.Response, error) {
	body, err := json.Marshal(c.buildRequest(req, true))
	if err != nil {
		return nil, apierr.Internal(fmt.Sprintf("encode backend request: %v", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, apierr.Internal(fmt.Sprintf("build backend request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, apierr.BackendUnavailable(fmt.Sprintf("backend unreachable: %v", err))
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, statusErr(resp.StatusCode, respBody)
	}

	return resp, nil
}

// ollamaTagsResponse is the backend's native model-listing shape.
type ollamaTagsResponse struct {
	Models []struct {
		Name       string    `json:"name"`
		Model      string    `json:"model"`
		ModifiedAt time.Time `json:"modified_at"`
	} `json:"models"`
}

// ModelInfo is one entry in an OpenAI-shaped model list.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the OpenAI-shaped response body for GET /v1/models.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// Models fetches the backend's native model listing and translates it
// into the OpenAI-shaped model-list response callers expect.
func (c *Client) Models(ctx context.Context) (*ModelList, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, apierr.Internal(fmt.Sprintf("build backend request: %v", err))
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, apierr.BackendUnavailable(fmt.Sprintf("backend unreachable: %v", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.BackendUnavailable("failed to read backend response")
	}
	if err := statusErr(resp.StatusCode, body); err != nil {
		return nil, err
	}

	var tags ollamaTagsResponse
	if err := json.Unmarshal(body, &tags); err != nil {
		return nil, apierr.BackendUnavailable("backend returned an unparseable model list")
	}

	list := &ModelList{Object: "list", Data: make([]ModelInfo, 0, len(tags.Models))}
	for _, m := range tags.Models {
		id := m.Model
		if id == "" {
			id = m.Name
		}
		list.Data = append(list.Data, ModelInfo{
			ID:      id,
			Object:  "model",
			Created: m.ModifiedAt.Unix(),
			OwnedBy: "local",
		})
	}
	return list, nil
}

func statusErr(status int, body []byte) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusNotFound:
		return apierr.NotFound("model not found")
	case status == http.StatusBadRequest:
		return apierr.InvalidRequest("backend rejected the request: " + truncate(string(body), 200))
	case status >= 500:
		return apierr.BackendUnavailable("backend unavailable")
	default:
		return apierr.BackendUnavailable(fmt.Sprintf("unexpected backend status %d", status))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
