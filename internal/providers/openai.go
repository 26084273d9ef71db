package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"
)

// OpenAIConfig configures the OpenAI-compatible client. BaseURL covers
// any chat/completions-speaking endpoint (OpenAI, vLLM, DeepSeek, local
// gateways).
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
	HTTPClient  *http.Client
}

// OpenAI streams chat completions over SSE.
type OpenAI struct {
	apiKey       string
	apiBase      string
	defaultModel string
	maxTokens    int
	temperature  float64
	client       *http.Client
	logger       *slog.Logger
}

// NewOpenAI builds the client. The zero HTTPClient gets a 120 s overall
// timeout, long enough for slow streamed turns.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	return &OpenAI{
		apiKey:       cfg.APIKey,
		apiBase:      strings.TrimRight(base, "/"),
		defaultModel: cfg.Model,
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
		client:       client,
		logger:       slog.Default().With("component", "providers"),
	}
}

func (p *OpenAI) Name() string         { return "openai" }
func (p *OpenAI) DefaultModel() string { return p.defaultModel }

// HTTPError is a non-200 API response.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("openai: http %d: %s", e.Status, e.Body)
}

// openAIStreamChunk is the SSE payload shape we care about.
type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

// toolCallAccumulator collects a tool call whose arguments arrive as
// string fragments across deltas.
type toolCallAccumulator struct {
	id      string
	name    string
	rawArgs string
}

// Stream POSTs a streaming chat completion and emits items as the SSE
// frames arrive. Accumulated tool calls are emitted once complete, in
// index order, before the finish item.
func (p *OpenAI) Stream(ctx context.Context, req Request, emit func(Item)) error {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	body, err := p.doRequest(ctx, p.buildBody(model, req))
	if err != nil {
		return err
	}
	defer body.Close()

	finishReason := "stop"
	var usage *Usage
	accumulators := make(map[int]*toolCallAccumulator)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage = &Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			emit(Item{Type: ItemDelta, Content: choice.Delta.Content})
		}
		for _, tc := range choice.Delta.ToolCalls {
			acc, ok := accumulators[tc.Index]
			if !ok {
				acc = &toolCallAccumulator{id: tc.ID}
				accumulators[tc.Index] = acc
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = strings.TrimSpace(tc.Function.Name)
			}
			acc.rawArgs += tc.Function.Arguments
		}
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("openai: read stream: %w", err)
	}

	indexes := make([]int, 0, len(accumulators))
	for idx := range accumulators {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		acc := accumulators[idx]
		args := make(map[string]any)
		if acc.rawArgs != "" {
			if err := json.Unmarshal([]byte(acc.rawArgs), &args); err != nil {
				p.logger.Warn("tool call arguments unparseable",
					"tool", acc.name, "error", err)
			}
		}
		emit(Item{Type: ItemToolCall, ToolCall: &ToolCall{
			ID:        acc.id,
			Name:      acc.name,
			Arguments: args,
		}})
	}
	if len(accumulators) > 0 {
		finishReason = "tool_calls"
	}

	if usage != nil {
		emit(Item{Type: ItemUsage, Usage: usage})
	}
	emit(Item{Type: ItemFinish, Reason: finishReason})
	return nil
}

// buildBody converts the request to OpenAI wire format: tool_calls get
// the type+function wrapper with arguments as a JSON string, and empty
// assistant content alongside tool_calls is omitted.
func (p *OpenAI) buildBody(model string, req Request) map[string]any {
	msgs := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := map[string]any{"role": m.Role}
		if m.Content != "" || len(m.ToolCalls) == 0 {
			msg["content"] = m.Content
		}
		if len(m.ToolCalls) > 0 {
			wire := make([]map[string]any, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Arguments)
				wire[i] = map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": string(argsJSON),
					},
				}
			}
			msg["tool_calls"] = wire
		}
		if m.ToolCallID != "" {
			msg["tool_call_id"] = m.ToolCallID
		}
		if m.Name != "" {
			msg["name"] = m.Name
		}
		msgs = append(msgs, msg)
	}

	body := map[string]any{
		"model":          model,
		"messages":       msgs,
		"stream":         true,
		"stream_options": map[string]any{"include_usage": true},
	}
	if len(req.Tools) > 0 {
		body["tools"] = req.Tools
		body["tool_choice"] = "auto"
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.maxTokens
	}
	if maxTokens > 0 {
		body["max_tokens"] = maxTokens
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = p.temperature
	}
	if temperature > 0 {
		body["temperature"] = temperature
	}
	return body
}

func (p *OpenAI) doRequest(ctx context.Context, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		resp.Body.Close()
		return nil, &HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	return resp.Body, nil
}
