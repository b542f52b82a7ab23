package engine

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

const defaultEngineTimeout = 120 * time.Second

// OpenAIConfig configures one OpenAI-compatible backend.
type OpenAIConfig struct {
	Name    string
	BaseURL string
	APIKey  string
	// DefaultModel is used when Options.Model is empty.
	DefaultModel string
	Timeout      time.Duration
	// HTTPClient overrides the default client. Streaming always uses an
	// unbounded client so the per-call ctx governs the stream lifetime.
	HTTPClient *http.Client
}

// OpenAI speaks the OpenAI-compatible chat/completions and embeddings API.
// It implements Engine, Streamer, Embedder and JSONAnalyzer.
type OpenAI struct {
	name         string
	baseURL      string
	apiKey       string
	defaultModel string
	unary        *http.Client
	stream       *http.Client
}

// NewOpenAI builds a driver from cfg.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("engine %q: empty base URL", cfg.Name)
	}
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultEngineTimeout
	}
	unary := cfg.HTTPClient
	if unary == nil {
		unary = &http.Client{Timeout: cfg.Timeout}
	}
	return &OpenAI{
		name:         cfg.Name,
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		defaultModel: cfg.DefaultModel,
		unary:        unary,
		stream:       &http.Client{Transport: unary.Transport},
	}, nil
}

func (o *OpenAI) Name() string { return o.name }

type chatCompletionRequest struct {
	Model          string         `json:"model"`
	Messages       []Message      `json:"messages"`
	Temperature    *float64       `json:"temperature,omitempty"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	Stream         bool           `json:"stream,omitempty"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Chat runs a unary completion.
func (o *OpenAI) Chat(ctx context.Context, messages []Message, opts Options) (Result, error) {
	body := o.buildRequest(messages, opts, false, nil)
	var decoded chatCompletionResponse
	if err := o.post(ctx, "/chat/completions", body, &decoded); err != nil {
		return Result{}, err
	}
	if len(decoded.Choices) == 0 {
		return Result{}, fmt.Errorf("engine %s: empty choices", o.name)
	}
	return Result{
		Content:          decoded.Choices[0].Message.Content,
		Model:            decoded.Model,
		PromptTokens:     decoded.Usage.PromptTokens,
		CompletionTokens: decoded.Usage.CompletionTokens,
		TotalTokens:      decoded.Usage.TotalTokens,
	}, nil
}

// AnalyzeJSON runs a completion constrained to a single JSON object.
func (o *OpenAI) AnalyzeJSON(ctx context.Context, messages []Message, opts Options) (json.RawMessage, error) {
	body := o.buildRequest(messages, opts, false, map[string]any{"type": "json_object"})
	var decoded chatCompletionResponse
	if err := o.post(ctx, "/chat/completions", body, &decoded); err != nil {
		return nil, err
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("engine %s: empty choices", o.name)
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if !json.Valid([]byte(content)) {
		return nil, fmt.Errorf("engine %s: non-JSON analysis output", o.name)
	}
	return json.RawMessage(content), nil
}

// ChatStream runs a completion as a server-sent-event stream and exposes it
// as a token iterator.
func (o *OpenAI) ChatStream(ctx context.Context, messages []Message, opts Options) (StreamIterator, error) {
	body := o.buildRequest(messages, opts, true, nil)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("engine %s: marshal request: %w", o.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("engine %s: build request: %w", o.name, err)
	}
	o.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := o.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine %s: %w", o.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		return nil, fmt.Errorf("engine %s: status %d: %s", o.name, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return &sseIterator{name: o.name, body: resp.Body, scanner: bufio.NewScanner(resp.Body)}, nil
}

// Embed vectorizes inputs with the given embedding model.
func (o *OpenAI) Embed(ctx context.Context, inputs []string, model string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	body := struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}{Model: model, Input: inputs}

	var decoded struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := o.post(ctx, "/embeddings", body, &decoded); err != nil {
		return nil, err
	}
	if len(decoded.Data) != len(inputs) {
		return nil, fmt.Errorf("engine %s: %d embeddings for %d inputs", o.name, len(decoded.Data), len(inputs))
	}
	out := make([][]float32, len(inputs))
	for _, item := range decoded.Data {
		if item.Index < 0 || item.Index >= len(out) {
			return nil, fmt.Errorf("engine %s: embedding index %d out of range", o.name, item.Index)
		}
		out[item.Index] = item.Embedding
	}
	return out, nil
}

func (o *OpenAI) buildRequest(messages []Message, opts Options, stream bool, responseFormat map[string]any) chatCompletionRequest {
	model := opts.Model
	if model == "" {
		model = o.defaultModel
	}
	req := chatCompletionRequest{
		Model:          model,
		Messages:       messages,
		MaxTokens:      opts.MaxTokens,
		Stream:         stream,
		ResponseFormat: responseFormat,
	}
	if opts.Temperature > 0 {
		req.Temperature = &opts.Temperature
	}
	return req
}

func (o *OpenAI) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}
}

func (o *OpenAI) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("engine %s: marshal request: %w", o.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("engine %s: build request: %w", o.name, err)
	}
	o.setHeaders(req)

	resp, err := o.unary.Do(req)
	if err != nil {
		return fmt.Errorf("engine %s: %w", o.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("engine %s: status %d: %s", o.name, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("engine %s: decode response: %w", o.name, err)
	}
	return nil
}

// sseIterator parses "data:" lines until the [DONE] sentinel.
type sseIterator struct {
	name    string
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func (it *sseIterator) Next() (string, error) {
	if it.done {
		return "", io.EOF
	}
	for it.scanner.Scan() {
		line := strings.TrimSpace(it.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			it.done = true
			return "", io.EOF
		}
		var chunk chatCompletionResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			it.done = true
			return "", fmt.Errorf("engine %s: decode stream chunk: %w", it.name, err)
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		return chunk.Choices[0].Delta.Content, nil
	}
	it.done = true
	if err := it.scanner.Err(); err != nil {
		return "", fmt.Errorf("engine %s: stream read: %w", it.name, err)
	}
	return "", io.EOF
}

func (it *sseIterator) Close() error {
	it.done = true
	return it.body.Close()
}
