package generator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/triagechat/internal/conversation"
)

// HTTPGenerator forwards each message to a plain HTTP endpoint. The endpoint
// may answer with a JSON object, plain text, SSE or NDJSON.
type HTTPGenerator struct {
	url    string
	client *http.Client
}

type httpRequest struct {
	Message string              `json:"message"`
	History []conversation.Turn `json:"history"`
}

func NewHTTPGenerator(url string, timeout time.Duration) *HTTPGenerator {
	return &HTTPGenerator{
		url: strings.TrimSpace(url),
		client: &http.Client{
			Timeout: timeoutOrDefault(timeout),
		},
	}
}

func (g *HTTPGenerator) Generate(ctx context.Context, message string, history []conversation.Turn) (string, error) {
	if history == nil {
		history = []conversation.Turn{}
	}
	payload, err := json.Marshal(httpRequest{Message: message, History: history})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := g.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", &StatusError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var text string
	ct := strings.ToLower(res.Header.Get("Content-Type"))
	switch {
	case strings.Contains(ct, "text/event-stream"):
		text, err = consumeStreaming(res.Body, true)
	case strings.Contains(ct, "application/x-ndjson"):
		text, err = consumeStreaming(res.Body, false)
	default:
		text, err = consumeBody(res.Body)
	}
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("empty reply from %s", g.url)
	}
	return text, nil
}

func consumeBody(body io.Reader) (string, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return string(raw), nil
	}
	return extractText(obj), nil
}

// consumeStreaming concatenates the text deltas of an SSE or NDJSON body. In
// SSE mode only data: lines carry payload; event:, id: and retry: are skipped.
func consumeStreaming(body io.Reader, sse bool) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		} else if sse {
			continue
		}
		if line == "[DONE]" {
			break
		}

		delta := line
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err == nil {
			delta = extractText(obj)
		}
		out.WriteString(delta)
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("stream read: %w", err)
	}
	return out.String(), nil
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "reply", "response", "output", "delta", "message"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
