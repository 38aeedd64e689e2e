package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nightfall-run/nightfall/internal/config"
)

// OllamaAdapter is the reference local-model Adapter, grounded on the
// teacher's llm/ollama/ollama_client.go Client (same /api/chat endpoint,
// same retry-on-5xx/429 contract), adapted from a single-shot SendPrompt
// into a streaming Adapter by passing "stream": true and decoding Ollama's
// newline-delimited JSON chunks. The request that opens a stream (and the
// one-shot EnsureModelReady pull) are each wrapped in provider.Retry per
// spec §6. Once a stream has started it is not retried: a dropped
// connection or an error chunk from Ollama closes the chunk channel early,
// the caller receives only the text delivered so far, and no error is
// reported for it.
type OllamaAdapter struct {
	baseURL    string
	model      string
	maxRetries int
	logger     *zap.Logger
	httpClient *http.Client

	mu        sync.Mutex
	lastUsage *Usage
}

// initialBackoff is the first retry delay Retry doubles from; it is
// uncapped until provider.Retry clamps it against config.RetryBackoffCap.
const initialBackoff = time.Second

// NewOllamaAdapter builds an OllamaAdapter targeting cfg.Host:cfg.Port.
// maxRetries is the total number of attempts made for a request that keeps
// failing transiently (spec §6, config.Task.MaxRetries); values below 1 are
// treated as 1 (a single attempt, no retry).
func NewOllamaAdapter(cfg config.ProviderConfig, maxRetries int, logger *zap.Logger) *OllamaAdapter {
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	if port == 0 {
		port = 11434
	}
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &OllamaAdapter{
		baseURL:    fmt.Sprintf("http://%s:%d", host, port),
		model:      cfg.Model,
		maxRetries: maxRetries,
		logger:     logger,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

type ollamaChatChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool `json:"done"`
	PromptEvalCount int  `json:"prompt_eval_count"`
	EvalCount       int  `json:"eval_count"`
	Error           string `json:"error"`
}

// Complete streams a chat completion from Ollama's /api/chat endpoint.
func (a *OllamaAdapter) Complete(ctx context.Context, messages []Message, cancel <-chan struct{}) (<-chan Chunk, error) {
	payload := map[string]interface{}{
		"model":    a.model,
		"messages": toOllamaMessages(messages),
		"stream":   true,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	resp, err := Retry(ctx, a.logger, a.maxRetries, initialBackoff, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/chat", strings.NewReader(string(body)))
		if err != nil {
			return nil, fmt.Errorf("ollama: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			resp.Body.Close()
			return nil, &APIError{StatusCode: resp.StatusCode, Message: "ollama: non-2xx response"}
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk)
	go func() {
		defer resp.Body.Close()
		defer close(out)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			select {
			case <-cancel:
				return
			case <-ctx.Done():
				return
			default:
			}

			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var chunk ollamaChatChunk
			if err := json.Unmarshal([]byte(line), &chunk); err != nil {
				if a.logger != nil {
					a.logger.Warn("ollama: skipping malformed stream chunk", zap.Error(err))
				}
				continue
			}
			if chunk.Error != "" {
				return
			}

			select {
			case out <- Chunk{Text: chunk.Message.Content, Done: chunk.Done}:
			case <-cancel:
				return
			case <-ctx.Done():
				return
			}

			if chunk.Done {
				a.mu.Lock()
				a.lastUsage = &Usage{
					PromptTokens:     chunk.PromptEvalCount,
					CompletionTokens: chunk.EvalCount,
					TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
				}
				a.mu.Unlock()
				return
			}
		}
	}()

	return out, nil
}

// IsAvailable pings Ollama's root endpoint.
func (a *OllamaAdapter) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/", nil)
	if err != nil {
		return false
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

// EnsureModelReady issues an Ollama pull and waits for it to complete,
// retrying transient failures per spec §6.
func (a *OllamaAdapter) EnsureModelReady(ctx context.Context, model string) error {
	payload, err := json.Marshal(map[string]interface{}{"name": model, "stream": false})
	if err != nil {
		return err
	}

	_, err = Retry(ctx, a.logger, a.maxRetries, initialBackoff, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/pull", strings.NewReader(string(payload)))
		if err != nil {
			return struct{}{}, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return struct{}{}, fmt.Errorf("ollama: pull %s: %w", model, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return struct{}{}, &APIError{StatusCode: resp.StatusCode, Message: "ollama: pull failed"}
		}
		return struct{}{}, nil
	})
	return err
}

// GetLastUsage returns token accounting from the most recent completed
// Complete call.
func (a *OllamaAdapter) GetLastUsage() *Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastUsage
}

func toOllamaMessages(messages []Message) []map[string]string {
	out := make([]map[string]string, 0, len(messages))
	for _, m := range messages {
		role := m.Role
		switch role {
		case "system", "user", "assistant":
		default:
			role = "user"
		}
		out = append(out, map[string]string{"role": role, "content": m.Content})
	}
	return out
}
