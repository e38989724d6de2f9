package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatCompletion_DecodesToolCalls(t *testing.T) {
	var got map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "test-model",
			"choices": [{
				"index": 0, "finish_reason": "tool_calls",
				"message": {"role": "assistant", "content": "", "tool_calls": [
					{"id": "call_1", "type": "function", "function": {"name": "echo", "arguments": "{\"text\":\"hi\"}"}},
					{"id": "call_2", "type": "function", "function": {"name": "whoami", "arguments": "not json"}}
				]}
			}]
		}`))
	}))
	defer ts.Close()

	c := NewClient(ts.URL+"/v1/", "sk-test", "test-model")
	resp, err := c.ChatCompletion(context.Background(), []Message{
		SystemMessage("be brief"),
		UserMessage("say hi"),
	}, []ToolDef{{Name: "echo", Description: "Echo text", Parameters: map[string]any{"type": "object"}}})
	require.NoError(t, err)

	assert.Equal(t, "test-model", got["model"])
	assert.Len(t, got["messages"], 2)
	assert.Len(t, got["tools"], 1)

	require.Len(t, resp.Message.ToolCalls, 2)
	assert.Equal(t, ToolCall{ID: "call_1", Name: "echo", Args: map[string]any{"text": "hi"}}, resp.Message.ToolCalls[0])
	assert.Equal(t, map[string]any{"_raw": "not json"}, resp.Message.ToolCalls[1].Args)
}

func TestChatCompletion_NoChoices(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "x", "object": "chat.completion", "created": 1, "model": "m", "choices": []}`))
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL+"/v1/", "k", "m").ChatCompletion(context.Background(), []Message{UserMessage("hi")}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}

func TestConvertMessages_ToolRoundTrip(t *testing.T) {
	out := convertMessages([]Message{
		UserMessage("q"),
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "echo", Args: map[string]any{"text": "x"}}}},
		ToolResultMessage("c1", "x"),
		AssistantMessage("done"),
	})
	require.Len(t, out, 4)
	require.NotNil(t, out[1].OfAssistant)
	require.Len(t, out[1].OfAssistant.ToolCalls, 1)
	assert.Equal(t, `{"text":"x"}`, out[1].OfAssistant.ToolCalls[0].Function.Arguments)
	require.NotNil(t, out[2].OfTool)
	assert.Equal(t, "c1", out[2].OfTool.ToolCallID)
}
