// Package providers adapts chat-completion APIs to the typed item
// stream the agent loop consumes.
package providers

import "context"

// ItemType tags one element of a streamed model reply.
type ItemType string

const (
	// ItemDelta carries a fragment of assistant text.
	ItemDelta ItemType = "delta"
	// ItemToolCall carries one complete tool invocation request.
	ItemToolCall ItemType = "tool_call"
	// ItemUsage carries token accounting, usually once near the end.
	ItemUsage ItemType = "usage"
	// ItemFinish terminates the stream with the provider's reason.
	ItemFinish ItemType = "finish"
)

// Item is one element of a streamed reply. Exactly the field matching
// Type is populated.
type Item struct {
	Type     ItemType  `json:"type"`
	Content  string    `json:"content,omitempty"`
	ToolCall *ToolCall `json:"tool_call,omitempty"`
	Usage    *Usage    `json:"usage,omitempty"`
	Reason   string    `json:"reason,omitempty"` // stop | tool_calls | length
}

// Message is one chat turn in wire order.
type Message struct {
	Role       string     `json:"role"` // system | user | assistant | tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"` // tool name on role=tool
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Usage tracks token consumption for one call.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Request is the input for one model turn.
type Request struct {
	Messages    []Message        `json:"messages"`
	Tools       []map[string]any `json:"tools,omitempty"`
	Model       string           `json:"model,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
}

// Provider streams one model turn as typed items. Implementations emit
// items in arrival order and finish with exactly one ItemFinish unless
// they return an error.
type Provider interface {
	Name() string
	DefaultModel() string
	Stream(ctx context.Context, req Request, emit func(Item)) error
}

// Response is a fully collected reply for callers that do not stream.
type Response struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"`
	Usage        Usage      `json:"usage"`
}

// Collect consumes a full stream into a Response.
func Collect(ctx context.Context, p Provider, req Request) (*Response, error) {
	resp := &Response{FinishReason: "stop"}
	err := p.Stream(ctx, req, func(item Item) {
		switch item.Type {
		case ItemDelta:
			resp.Content += item.Content
		case ItemToolCall:
			if item.ToolCall != nil {
				resp.ToolCalls = append(resp.ToolCalls, *item.ToolCall)
			}
		case ItemUsage:
			if item.Usage != nil {
				resp.Usage = *item.Usage
			}
		case ItemFinish:
			if item.Reason != "" {
				resp.FinishReason = item.Reason
			}
		}
	})
	if err != nil {
		return nil, err
	}
	if len(resp.ToolCalls) > 0 && resp.FinishReason == "stop" {
		resp.FinishReason = "tool_calls"
	}
	return resp, nil
}
