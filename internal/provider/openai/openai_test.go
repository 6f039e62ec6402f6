package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tatianab/referee/internal/llm"
)

type fakeServer struct {
	mu     sync.Mutex
	bodies []map[string]any
	reply  func(w http.ResponseWriter, body map[string]any)
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)
	f.mu.Lock()
	f.bodies = append(f.bodies, body)
	f.mu.Unlock()
	f.reply(w, body)
}

func newModel(t *testing.T, f *fakeServer) *Model {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return New("test-key", srv.URL+"/", "test-model", option.WithMaxRetries(0))
}

func conversation() []llm.Message {
	return []llm.Message{
		{Role: llm.RoleSystem, Content: "referee"},
		{Role: llm.RoleUser, Content: "A strikes B"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{
			{ID: "call_1", Name: "update_player_hp", Arguments: map[string]any{"player_name": "B", "delta": -3, "reason": "hit"}},
		}},
		{Role: llm.RoleTool, Name: "update_player_hp", ToolCallID: "call_1", Content: `{"success":true}`},
	}
}

var specs = []llm.ToolSpec{{
	Name:        "next_round",
	Description: "advance",
	Parameters:  map[string]any{"type": "object", "properties": map[string]any{}, "required": []string{}},
}}

func TestGenerate_ToolCalls(t *testing.T) {
	f := &fakeServer{reply: func(w http.ResponseWriter, _ map[string]any) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "test-model",
			"choices": [{
				"index": 0,
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"content": null,
					"tool_calls": [{
						"id": "call_2",
						"type": "function",
						"function": {"name": "next_round", "arguments": "{}"}
					}]
				}
			}]
		}`)
	}}
	m := newModel(t, f)

	msg, err := m.Generate(context.Background(), llm.Request{Messages: conversation(), Tools: specs})

	require.NoError(t, err)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "call_2", msg.ToolCalls[0].ID)
	assert.Equal(t, "next_round", msg.ToolCalls[0].Name)

	require.Len(t, f.bodies, 1)
	body := f.bodies[0]
	assert.Equal(t, "test-model", body["model"])
	assert.NotContains(t, body, "tool_choice")
	messages, ok := body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 4)
	assistant := messages[2].(map[string]any)
	assert.Equal(t, "assistant", assistant["role"])
	calls := assistant["tool_calls"].([]any)
	fn := calls[0].(map[string]any)["function"].(map[string]any)
	assert.JSONEq(t, `{"player_name":"B","delta":-3,"reason":"hit"}`, fn["arguments"].(string))
	tool := messages[3].(map[string]any)
	assert.Equal(t, "tool", tool["role"])
	assert.Equal(t, "call_1", tool["tool_call_id"])
}

func TestGenerate_MalformedArguments(t *testing.T) {
	f := &fakeServer{reply: func(w http.ResponseWriter, _ map[string]any) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"x","object":"chat.completion","created":1,"model":"m","choices":[{"index":0,"finish_reason":"tool_calls",
			"message":{"role":"assistant","content":null,"tool_calls":[{"id":"c","type":"function","function":{"name":"next_round","arguments":"{oops"}}]}}]}`)
	}}
	m := newModel(t, f)

	_, err := m.Generate(context.Background(), llm.Request{Messages: conversation()[:2]})

	assert.True(t, errors.Is(err, llm.ErrMalformedToolCall))
}

func TestStream_NoTools(t *testing.T) {
	f := &fakeServer{reply: func(w http.ResponseWriter, _ map[string]any) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, tok := range []string{"B ", "is ", "down."} {
			fmt.Fprintf(w, "data: {\"id\":\"c\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", tok)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}}
	m := newModel(t, f)

	var got []string
	err := m.Stream(context.Background(), llm.Request{Messages: conversation(), Tools: specs, NoTools: true}, func(tok string) error {
		got = append(got, tok)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"B ", "is ", "down."}, got)
	require.Len(t, f.bodies, 1)
	assert.Equal(t, "none", f.bodies[0]["tool_choice"])
	assert.Equal(t, true, f.bodies[0]["stream"])
}

func TestFromCompletion_TextOnly(t *testing.T) {
	var msg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	msg.Role, msg.Content = "assistant", "Strike deals 1 damage."
	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	m := newModel(t, &fakeServer{reply: func(w http.ResponseWriter, _ map[string]any) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"x","object":"chat.completion","created":1,"model":"m","choices":[{"index":0,"finish_reason":"stop","message":%s}]}`, raw)
	}})

	out, err := m.Generate(context.Background(), llm.Request{Messages: conversation()[:2]})

	require.NoError(t, err)
	assert.Equal(t, "Strike deals 1 damage.", out.Content)
	assert.Empty(t, out.ToolCalls)
}
