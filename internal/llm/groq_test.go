package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGroqClient_Chat(t *testing.T) {
	var gotAuth string
	var gotReq chatRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotReq)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"model": "llama-3.3-70b-versatile",
			"created": 1756000000,
			"choices": [{
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {
							"name": "add_expense",
							"arguments": "{\"amount\": 12.5, \"category\": \"food\"}"
						}
					}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 100, "completion_tokens": 20}
		}`))
	}))
	defer srv.Close()

	c := NewGroqClient(srv.URL, "test-key", nil)
	resp, err := c.Chat(context.Background(), "llama-3.3-70b-versatile", []Message{
		{Role: "user", Content: "spent 12.5 on coffee"},
	}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q, want Bearer test-key", gotAuth)
	}
	if gotReq.Model != "llama-3.3-70b-versatile" {
		t.Errorf("request model = %q", gotReq.Model)
	}

	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.Message.ToolCalls))
	}
	tc := resp.Message.ToolCalls[0]
	if tc.Function.Name != "add_expense" {
		t.Errorf("tool name = %q", tc.Function.Name)
	}
	// Arguments arrive as a JSON string on the wire and must be decoded
	// into Go values at this boundary.
	if tc.Function.Arguments["amount"] != 12.5 {
		t.Errorf("amount = %v, want 12.5", tc.Function.Arguments["amount"])
	}
	if tc.Function.Arguments["category"] != "food" {
		t.Errorf("category = %v, want food", tc.Function.Arguments["category"])
	}

	if resp.InputTokens != 100 || resp.OutputTokens != 20 {
		t.Errorf("usage = %d/%d, want 100/20", resp.InputTokens, resp.OutputTokens)
	}
}

func TestGroqClient_ChatRoundTripsToolCalls(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Write([]byte(`{"choices": [{"message": {"role": "assistant", "content": "done"}}]}`))
	}))
	defer srv.Close()

	assistant := Message{Role: "assistant"}
	tc := ToolCall{ID: "call_1"}
	tc.Function.Name = "add_expense"
	tc.Function.Arguments = map[string]any{"amount": 12.5}
	assistant.ToolCalls = []ToolCall{tc}

	c := NewGroqClient(srv.URL, "", nil)
	_, err := c.Chat(context.Background(), "m", []Message{
		assistant,
		{Role: "tool", Content: "ok", ToolCallID: "call_1"},
	}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if len(gotReq.Messages) != 2 {
		t.Fatalf("wire messages = %d, want 2", len(gotReq.Messages))
	}
	wire := gotReq.Messages[0].ToolCalls
	if len(wire) != 1 || wire[0].Function.Name != "add_expense" {
		t.Fatalf("wire tool calls = %+v", wire)
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(wire[0].Function.Arguments), &args); err != nil {
		t.Fatalf("wire arguments not a JSON string: %v", err)
	}
	if args["amount"] != 12.5 {
		t.Errorf("wire amount = %v", args["amount"])
	}
	if gotReq.Messages[1].ToolCallID != "call_1" {
		t.Errorf("tool result lost its call id")
	}
}

func TestGroqClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewGroqClient(srv.URL, "", nil)
	_, err := c.Chat(context.Background(), "m", []Message{{Role: "user", Content: "hi"}}, nil)
	if err == nil {
		t.Fatal("Chat should surface a non-200 response as an error")
	}
}

func TestGroqClient_Ping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("path = %q, want /models", r.URL.Path)
		}
		w.Write([]byte(`{"data": []}`))
	}))
	defer srv.Close()

	c := NewGroqClient(srv.URL, "", nil)
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
