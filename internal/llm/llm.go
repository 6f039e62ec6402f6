// Package llm defines the contract between the referee and an external
// reasoning engine that can request tool invocations.
package llm

import (
	"context"
	"errors"
	"maps"
)

var (
	// ErrNoCandidates is returned when a provider reply carries nothing usable.
	ErrNoCandidates = errors.New("no content returned from model")
	// ErrMalformedToolCall is returned when tool call arguments cannot be decoded.
	ErrMalformedToolCall = errors.New("malformed tool call")
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one structured action requested by the engine.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Message is one role-tagged turn of a conversation.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`         // tool name on RoleTool messages
	ToolCallID string     `json:"tool_call_id,omitempty"` // correlates a tool reply to its call
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolSpec is the schema contract offered to the engine for one tool.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema object
}

// Request is the full input to one engine call.
type Request struct {
	Messages []Message
	Tools    []ToolSpec
	// NoTools asks the provider to answer in text only, even if tools are listed.
	NoTools bool
}

// Model is an external reasoning engine.
type Model interface {
	// Generate returns the engine's complete reply to the conversation.
	Generate(ctx context.Context, req Request) (Message, error)
	// Stream delivers the reply text token by token. Returning an error
	// from onToken stops consumption and is returned by Stream.
	Stream(ctx context.Context, req Request, onToken func(token string) error) error
}

// CloneMessage returns a deep copy of a message.
func CloneMessage(in Message) Message {
	out := in
	if len(in.ToolCalls) > 0 {
		out.ToolCalls = make([]ToolCall, len(in.ToolCalls))
		for i, call := range in.ToolCalls {
			out.ToolCalls[i] = call
			if call.Arguments != nil {
				out.ToolCalls[i].Arguments = maps.Clone(call.Arguments)
			}
		}
	}
	return out
}

// CloneMessages deep-copies a transcript.
func CloneMessages(in []Message) []Message {
	out := make([]Message, len(in))
	for i := range in {
		out[i] = CloneMessage(in[i])
	}
	return out
}
