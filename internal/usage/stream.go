package usage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// backendFrame is one line of the backend's newline-delimited JSON
// stream. The terminal frame sets Done and carries the token counts.
type backendFrame struct {
	Model   string `json:"model"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool `json:"done"`
	PromptEvalCount int  `json:"prompt_eval_count"`
	EvalCount       int  `json:"eval_count"`
}

type chunkChoice struct {
	Index        int         `json:"index"`
	Delta        chunkDelta  `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type chunkUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
	Usage   *chunkUsage   `json:"usage,omitempty"`
}

// StreamTee reads the backend's newline-delimited JSON stream from
// backendBody, re-frames each frame as an OpenAI-shaped SSE chunk
// written to w, and — on a clean terminal frame — appends a synthetic
// final chunk carrying the usage object plus the `[DONE]` terminator,
// then records the usage row. Frames are forwarded as they arrive; the
// full response is never buffered.
//
// On a mid-stream read failure, it emits a JSON error frame followed by
// the terminator and returns without writing a usage row — a partial
// stream is never charged.
//
// If ctx is cancelled before the terminal frame, StreamTee stops
// forwarding and returns ctx.Err() without writing a usage row or a
// terminator; the caller (which owns the backend permit) is expected to
// treat this as a silent cancellation, not a client-visible error.
func (t *Tracker) StreamTee(ctx context.Context, w http.ResponseWriter, backendBody io.Reader, userID, requestID, model, promptPreview string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("usage: response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()

	scanner := bufio.NewScanner(backendBody)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var frame backendFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			continue
		}

		if !frame.Done {
			writeChunk(w, chatCompletionChunk{
				ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
				Choices: []chunkChoice{{Delta: chunkDelta{Role: "assistant", Content: frame.Message.Content}}},
			})
			flusher.Flush()
			continue
		}

		stopReason := "stop"
		inputTokens, outputTokens := frame.PromptEvalCount, frame.EvalCount
		writeChunk(w, chatCompletionChunk{
			ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
			Choices: []chunkChoice{{FinishReason: &stopReason}},
			Usage: &chunkUsage{
				PromptTokens:     inputTokens,
				CompletionTokens: outputTokens,
				TotalTokens:      inputTokens + outputTokens,
			},
		})
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()

		return t.RecordBuffered(context.Background(), userID, requestID, model, promptPreview, inputTokens, outputTokens)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err := scanner.Err(); err != nil {
		writeErrorFrame(w, err)
		flusher.Flush()
		return err
	}

	return nil
}

func writeChunk(w http.ResponseWriter, chunk chatCompletionChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func writeErrorFrame(w http.ResponseWriter, err error) {
	fmt.Fprintf(w, "data: {\"error\":{\"message\":%q,\"type\":\"backend_error\"}}\n\n", err.Error())
	fmt.Fprint(w, "data: [DONE]\n\n")
}
