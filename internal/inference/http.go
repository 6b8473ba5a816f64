package inference

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
)

// HTTPBackend talks to a text-generation server exposing POST /generate and
// POST /generate_stream (server-sent events). The server is asked to return the
// full text, prompt included, which matches what a raw decode produces.
type HTTPBackend struct {
	baseURL string
	client  *http.Client
}

type generateRequest struct {
	Inputs     string             `json:"inputs"`
	Parameters generateParameters `json:"parameters"`
	Stream     bool               `json:"stream,omitempty"`
}

type generateParameters struct {
	MaxNewTokens      int      `json:"max_new_tokens"`
	Temperature       float64  `json:"temperature,omitempty"`
	TopP              float64  `json:"top_p,omitempty"`
	RepetitionPenalty float64  `json:"repetition_penalty,omitempty"`
	Stop              []string `json:"stop,omitempty"`
	DoSample          bool     `json:"do_sample"`
	ReturnFullText    bool     `json:"return_full_text"`
}

func NewHTTPBackend(baseURL string, timeout time.Duration) *HTTPBackend {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPBackend{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (b *HTTPBackend) Generate(ctx context.Context, prompt string, params Params) (string, error) {
	res, err := b.post(ctx, "/generate", prompt, params, false)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", Classify(fmt.Errorf("read response: %w", err))
	}

	var arr []map[string]any
	if err := json.Unmarshal(body, &arr); err == nil && len(arr) > 0 {
		return extractText(arr[0]), nil
	}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return string(body), nil
	}
	return extractText(obj), nil
}

func (b *HTTPBackend) Stream(ctx context.Context, prompt string, params Params, onFragment FragmentHandler) error {
	res, err := b.post(ctx, "/generate_stream", prompt, params, true)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if err := b.consumeSSE(res.Body, onFragment); err != nil {
		if ctx.Err() != nil {
			return Classify(ctx.Err())
		}
		return err
	}
	return nil
}

func (b *HTTPBackend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

func (b *HTTPBackend) post(ctx context.Context, path, prompt string, params Params, stream bool) (*http.Response, error) {
	payload, err := json.Marshal(generateRequest{
		Inputs: prompt,
		Parameters: generateParameters{
			MaxNewTokens:      params.MaxNewTokens,
			Temperature:       params.Temperature,
			TopP:              params.TopP,
			RepetitionPenalty: params.RepetitionPenalty,
			Stop:              params.Stop,
			DoSample:          params.Temperature > 0,
			ReturnFullText:    true,
		},
		Stream: stream,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, &ConfigurationError{Field: "BACKEND_URL", Reason: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	res, err := b.client.Do(httpReq)
	if err != nil {
		return nil, Classify(fmt.Errorf("send request: %w", err))
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		return nil, statusError(res.StatusCode, strings.TrimSpace(string(body)))
	}
	return res, nil
}

// consumeSSE forwards the token text of each event. Non-JSON data lines are
// forwarded as raw text.
func (b *HTTPBackend) consumeSSE(body io.Reader, onFragment FragmentHandler) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimPrefix(data, " ")
		if strings.TrimSpace(data) == "[DONE]" {
			break
		}

		fragment := data
		var obj map[string]any
		if err := json.Unmarshal([]byte(data), &obj); err == nil {
			if msg, ok := obj["error"].(string); ok && msg != "" {
				return fmt.Errorf("%w: stream error: %s", ErrUnavailable, msg)
			}
			fragment = extractText(obj)
		}
		if fragment == "" || onFragment == nil {
			continue
		}
		if err := onFragment(fragment); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return Classify(fmt.Errorf("stream read: %w", err))
	}
	return nil
}

func extractText(obj map[string]any) string {
	if tok, ok := obj["token"].(map[string]any); ok {
		if special, _ := tok["special"].(bool); special {
			return ""
		}
		if s, ok := tok["text"].(string); ok {
			return s
		}
	}
	for _, k := range []string{"generated_text", "text", "delta", "output"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
