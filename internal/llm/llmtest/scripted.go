// Package llmtest provides a deterministic llm.Model for tests.
package llmtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/tatianab/referee/internal/llm"
)

// Response configures one Generate call in a script.
type Response struct {
	Message llm.Message
	Err     error
}

// Scripted replays canned replies in order and records every request.
type Scripted struct {
	mu        sync.Mutex
	index     int
	responses []Response

	// Tokens are emitted by Stream; StreamErr, if set, is returned after them.
	Tokens    []string
	StreamErr error

	Requests       []llm.Request
	StreamRequests []llm.Request
}

var _ llm.Model = (*Scripted)(nil)

func New(responses ...Response) *Scripted {
	cloned := make([]Response, len(responses))
	copy(cloned, responses)
	return &Scripted{responses: cloned}
}

// Reply is shorthand for a final text answer.
func Reply(text string) Response {
	return Response{Message: llm.Message{Role: llm.RoleAssistant, Content: text}}
}

// Calls is shorthand for a reply requesting tool calls.
func Calls(text string, calls ...llm.ToolCall) Response {
	return Response{Message: llm.Message{Role: llm.RoleAssistant, Content: text, ToolCalls: calls}}
}

// Call builds a tool call.
func Call(id, name string, args map[string]any) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: args}
}

func (m *Scripted) Generate(_ context.Context, req llm.Request) (llm.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Requests = append(m.Requests, cloneRequest(req))
	if m.index >= len(m.responses) {
		return llm.Message{}, fmt.Errorf("script exhausted at call %d", m.index+1)
	}
	current := m.responses[m.index]
	m.index++
	if current.Err != nil {
		return llm.Message{}, current.Err
	}
	msg := llm.CloneMessage(current.Message)
	if msg.Role == "" {
		msg.Role = llm.RoleAssistant
	}
	return msg, nil
}

func (m *Scripted) Stream(ctx context.Context, req llm.Request, onToken func(string) error) error {
	m.mu.Lock()
	m.StreamRequests = append(m.StreamRequests, cloneRequest(req))
	tokens := append([]string(nil), m.Tokens...)
	streamErr := m.StreamErr
	m.mu.Unlock()

	for _, tok := range tokens {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := onToken(tok); err != nil {
			return err
		}
	}
	return streamErr
}

// GenerateCalls reports how many Generate calls were made.
func (m *Scripted) GenerateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

func cloneRequest(in llm.Request) llm.Request {
	return llm.Request{
		Messages: llm.CloneMessages(in.Messages),
		Tools:    append([]llm.ToolSpec(nil), in.Tools...),
		NoTools:  in.NoTools,
	}
}
