package backend

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kendrak/infergate/internal/apierr"
)

// contentPart mirrors the OpenAI wire shape for one element of a
// multipart message content array.
type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

// NormalizeContent accepts either a plain string or a slice of
// contentPart-shaped maps (as decoded generically from JSON) and
// flattens it into text plus raw image payloads. image_url parts with
// data: URIs are decoded in place; http(s) URIs are fetched. A fetch
// failure is a client error — the URL came from the client, not us.
func NormalizeContent(ctx context.Context, httpClient *http.Client, raw interface{}) (string, [][]byte, error) {
	switch v := raw.(type) {
	case string:
		return v, nil, nil
	case []interface{}:
		var textParts []string
		var images [][]byte
		for _, item := range v {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			switch m["type"] {
			case "text":
				if t, ok := m["text"].(string); ok {
					textParts = append(textParts, t)
				}
			case "image_url":
				urlField, _ := m["image_url"].(map[string]interface{})
				url, _ := urlField["url"].(string)
				if url == "" {
					continue
				}
				img, err := resolveImage(ctx, httpClient, url)
				if err != nil {
					return "", nil, err
				}
				images = append(images, img)
			}
		}
		return strings.Join(textParts, "\n"), images, nil
	case nil:
		return "", nil, nil
	default:
		return "", nil, apierr.InvalidRequest("unsupported message content shape")
	}
}

func resolveImage(ctx context.Context, httpClient *http.Client, url string) ([]byte, error) {
	if strings.HasPrefix(url, "data:") {
		idx := strings.Index(url, ",")
		if idx < 0 {
			return nil, apierr.InvalidRequest("malformed data URI in image_url")
		}
		data, err := base64.StdEncoding.DecodeString(url[idx+1:])
		if err != nil {
			return nil, apierr.InvalidRequest("image_url data URI is not valid base64")
		}
		return data, nil
	}

	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, apierr.InvalidRequest(fmt.Sprintf("invalid image_url: %v", err))
		}
		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, apierr.InvalidRequest(fmt.Sprintf("failed to fetch image_url: %v", err))
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, apierr.InvalidRequest(fmt.Sprintf("image_url returned status %d", resp.StatusCode))
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, apierr.InvalidRequest("failed to read image_url response")
		}
		return data, nil
	}

	return nil, apierr.InvalidRequest("image_url must be a data: or http(s): URI")
}
