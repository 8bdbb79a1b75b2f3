package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/agrifarm/internal/httpkit"
)

// levelTrace matches the TRACE level configured for the process.
const levelTrace = slog.Level(-8)

// OllamaClient is a client for the Ollama API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	// Generation can take minutes on small hardware; the header
	// timeout has to cover the whole non-streamed completion.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 5 * time.Minute
	return &OllamaClient{
		baseURL: baseURL,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(5*time.Minute),
			httpkit.WithTransport(t),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

type ollamaChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  *Options  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model           string  `json:"model"`
	CreatedAt       string  `json:"created_at"`
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	TotalDuration   int64   `json:"total_duration,omitempty"`
	PromptEvalCount int     `json:"prompt_eval_count,omitempty"`
	EvalCount       int     `json:"eval_count,omitempty"`
	EvalDuration    int64   `json:"eval_duration,omitempty"`
}

// StatusError is a non-200 answer from Ollama.
type StatusError struct {
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ollama %s returned status %d: %s", e.Path, e.Status, e.Body)
}

// call sends in as JSON (GET when in is nil) and decodes the reply into
// out when out is non-nil.
func (c *OllamaClient) call(ctx context.Context, path string, in, out any) error {
	method := http.MethodGet
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", path, err)
		}
		c.logger.Log(ctx, levelTrace, "ollama request", "path", path, "body", string(data))
		method = http.MethodPost
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Path: path, Status: resp.StatusCode, Body: httpkit.ReadErrorBody(resp.Body, 512)}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// Chat sends a non-streaming chat completion request to Ollama.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, opts *Options) (*ChatResponse, error) {
	start := time.Now()
	var wire ollamaChatResponse
	err := c.call(ctx, "/api/chat", ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Options:  opts,
	}, &wire)
	if err != nil {
		return nil, err
	}
	created, _ := time.Parse(time.RFC3339Nano, wire.CreatedAt)

	c.logger.Debug("ollama chat complete",
		"model", wire.Model,
		"input_tokens", wire.PromptEvalCount,
		"output_tokens", wire.EvalCount,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return &ChatResponse{
		Model:         wire.Model,
		CreatedAt:     created,
		Message:       wire.Message,
		InputTokens:   wire.PromptEvalCount,
		OutputTokens:  wire.EvalCount,
		TotalDuration: time.Duration(wire.TotalDuration),
		EvalDuration:  time.Duration(wire.EvalDuration),
	}, nil
}

// Ping checks that Ollama answers its version endpoint.
func (c *OllamaClient) Ping(ctx context.Context) error {
	return c.call(ctx, "/api/version", nil, nil)
}

// ListModels returns the names of the locally installed models.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := c.call(ctx, "/api/tags", nil, &tags); err != nil {
		return nil, err
	}
	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	return names, nil
}

// HasModel reports whether name is installed. A name without a tag
// matches its ":latest" variant.
func (c *OllamaClient) HasModel(ctx context.Context, name string) (bool, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false, err
	}
	for _, m := range models {
		if m == name || (!strings.Contains(name, ":") && m == name+":latest") {
			return true, nil
		}
	}
	return false, nil
}
