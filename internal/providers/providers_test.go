package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestScriptedPlaysTurnsInOrder(t *testing.T) {
	p := NewScripted(
		Turn{Deltas: []string{"hel", "lo"}, Usage: &Usage{TotalTokens: 7}},
		Turn{ToolCalls: []ToolCall{{ID: "c1", Name: "shell"}}},
	)

	var items []Item
	if err := p.Stream(context.Background(), Request{Model: "m"}, func(i Item) { items = append(items, i) }); err != nil {
		t.Fatal(err)
	}
	want := []ItemType{ItemDelta, ItemDelta, ItemUsage, ItemFinish}
	if len(items) != len(want) {
		t.Fatalf("got %d items, want %d: %+v", len(items), len(want), items)
	}
	for i, typ := range want {
		if items[i].Type != typ {
			t.Errorf("items[%d].Type = %s, want %s", i, items[i].Type, typ)
		}
	}
	if items[0].Content+items[1].Content != "hello" {
		t.Errorf("deltas = %q%q", items[0].Content, items[1].Content)
	}
	if items[3].Reason != "stop" {
		t.Errorf("finish reason = %q, want stop", items[3].Reason)
	}

	items = items[:0]
	if err := p.Stream(context.Background(), Request{}, func(i Item) { items = append(items, i) }); err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[0].Type != ItemToolCall || items[1].Reason != "tool_calls" {
		t.Errorf("tool turn items = %+v", items)
	}

	// Exhausted scripts emit a bare finish.
	items = items[:0]
	if err := p.Stream(context.Background(), Request{}, func(i Item) { items = append(items, i) }); err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Type != ItemFinish {
		t.Errorf("exhausted items = %+v", items)
	}

	if got := p.Calls(); got != 3 {
		t.Errorf("Calls() = %d, want 3", got)
	}
	if reqs := p.Requests(); len(reqs) != 3 || reqs[0].Model != "m" {
		t.Errorf("Requests() = %+v", reqs)
	}
}

func TestScriptedErrorTurn(t *testing.T) {
	boom := errors.New("provider down")
	p := NewScripted(Turn{Err: boom})
	err := p.Stream(context.Background(), Request{}, func(Item) {})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want provider down", err)
	}
}

func TestCollect(t *testing.T) {
	p := NewScripted(Turn{
		Deltas:    []string{"I will ", "check"},
		ToolCalls: []ToolCall{{ID: "c1", Name: "memory_search", Arguments: map[string]any{"query": "dock"}}},
		Usage:     &Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	})
	resp, err := Collect(context.Background(), p, Request{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "I will check" {
		t.Errorf("Content = %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "memory_search" {
		t.Errorf("ToolCalls = %+v", resp.ToolCalls)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("FinishReason = %q", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
}

// sseServer replays raw SSE lines for one chat/completions POST.
func sseServer(t *testing.T, lines []string, capture *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if capture != nil {
			if err := json.NewDecoder(r.Body).Decode(capture); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n", line)
		}
	}))
}

func TestOpenAIStreamParsesSSE(t *testing.T) {
	lines := []string{
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		"",
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"shell","arguments":"{\"comm"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"and\":\"ls\"}"}}]}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`data: {"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`,
		`data: [DONE]`,
		`data: {"choices":[{"delta":{"content":"after done, ignored"}}]}`,
	}
	srv := sseServer(t, lines, nil)
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{BaseURL: srv.URL, Model: "gpt-test", APIKey: "k"})
	var items []Item
	if err := p.Stream(context.Background(), Request{}, func(i Item) { items = append(items, i) }); err != nil {
		t.Fatal(err)
	}

	want := []ItemType{ItemDelta, ItemDelta, ItemToolCall, ItemUsage, ItemFinish}
	if len(items) != len(want) {
		t.Fatalf("got %d items %+v, want %v", len(items), items, want)
	}
	for i, typ := range want {
		if items[i].Type != typ {
			t.Errorf("items[%d].Type = %s, want %s", i, items[i].Type, typ)
		}
	}
	if items[0].Content != "Hel" || items[1].Content != "lo" {
		t.Errorf("deltas = %q, %q", items[0].Content, items[1].Content)
	}
	tc := items[2].ToolCall
	if tc == nil || tc.ID != "call_1" || tc.Name != "shell" {
		t.Fatalf("tool call = %+v", tc)
	}
	if got := tc.Arguments["command"]; got != "ls" {
		t.Errorf("split arguments reassembled to %v", tc.Arguments)
	}
	if items[3].Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", items[3].Usage)
	}
	if items[4].Reason != "tool_calls" {
		t.Errorf("finish = %q", items[4].Reason)
	}
}

func TestOpenAIStreamHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{BaseURL: srv.URL})
	err := p.Stream(context.Background(), Request{}, func(Item) {
		t.Error("items emitted on error response")
	})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("err = %v, want *HTTPError", err)
	}
	if httpErr.Status != http.StatusTooManyRequests {
		t.Errorf("Status = %d", httpErr.Status)
	}
}

func TestOpenAIRequestWireFormat(t *testing.T) {
	var captured map[string]any
	srv := sseServer(t, []string{`data: [DONE]`}, &captured)
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{BaseURL: srv.URL, Model: "default-model", MaxTokens: 512})
	req := Request{
		Messages: []Message{
			{Role: "system", Content: "be brief"},
			{Role: "assistant", ToolCalls: []ToolCall{{ID: "c1", Name: "shell", Arguments: map[string]any{"command": "ls"}}}},
			{Role: "tool", Content: "file.txt", ToolCallID: "c1", Name: "shell"},
			{Role: "user", Content: "thanks"},
		},
		Tools: []map[string]any{{"type": "function", "function": map[string]any{"name": "shell"}}},
	}
	if err := p.Stream(context.Background(), req, func(Item) {}); err != nil {
		t.Fatal(err)
	}

	if captured["model"] != "default-model" {
		t.Errorf("model = %v", captured["model"])
	}
	if captured["stream"] != true || captured["tool_choice"] != "auto" {
		t.Errorf("stream/tool_choice = %v/%v", captured["stream"], captured["tool_choice"])
	}
	if captured["max_tokens"] != float64(512) {
		t.Errorf("max_tokens = %v", captured["max_tokens"])
	}

	msgs := captured["messages"].([]any)
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	assistant := msgs[1].(map[string]any)
	if _, has := assistant["content"]; has {
		t.Error("empty assistant content not omitted alongside tool_calls")
	}
	wire := assistant["tool_calls"].([]any)[0].(map[string]any)
	if wire["type"] != "function" {
		t.Errorf("tool call wrapper = %v", wire)
	}
	fn := wire["function"].(map[string]any)
	if fn["arguments"] != `{"command":"ls"}` {
		t.Errorf("arguments not a JSON string: %v", fn["arguments"])
	}
	toolMsg := msgs[2].(map[string]any)
	if toolMsg["tool_call_id"] != "c1" || toolMsg["name"] != "shell" {
		t.Errorf("tool message = %v", toolMsg)
	}
}
