// Package gemini adapts the Gemini API to llm.Model.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/tatianab/referee/internal/llm"
)

const DefaultModel = "gemini-2.5-flash"

type Model struct {
	client *genai.Client
	name   string
}

var _ llm.Model = (*Model)(nil)

func New(ctx context.Context, apiKey, modelName string) (*Model, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	if modelName == "" {
		modelName = DefaultModel
	}
	return &Model{client: client, name: modelName}, nil
}

func (m *Model) Close() error {
	return m.client.Close()
}

func (m *Model) Generate(ctx context.Context, req llm.Request) (llm.Message, error) {
	cs, last, err := m.chat(req)
	if err != nil {
		return llm.Message{}, err
	}
	resp, err := cs.SendMessage(ctx, last...)
	if err != nil {
		return llm.Message{}, err
	}
	return fromResponse(resp)
}

func (m *Model) Stream(ctx context.Context, req llm.Request, onToken func(string) error) error {
	cs, last, err := m.chat(req)
	if err != nil {
		return err
	}
	iter := cs.SendMessageStream(ctx, last...)
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, tok := range textParts(resp) {
			if err := onToken(tok); err != nil {
				return err
			}
		}
	}
}

// chat prepares a session whose history is everything but the final
// content, which is returned to be sent.
func (m *Model) chat(req llm.Request) (*genai.ChatSession, []genai.Part, error) {
	system, contents, err := toContents(req.Messages)
	if err != nil {
		return nil, nil, err
	}
	if len(contents) == 0 {
		return nil, nil, errors.New("gemini: empty conversation")
	}

	model := m.client.GenerativeModel(m.name)
	model.SystemInstruction = system
	if len(req.Tools) > 0 {
		model.Tools = []*genai.Tool{toTool(req.Tools)}
		if req.NoTools {
			model.ToolConfig = &genai.ToolConfig{
				FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingNone},
			}
		}
	}

	cs := model.StartChat()
	cs.History = contents[:len(contents)-1]
	return cs, contents[len(contents)-1].Parts, nil
}

func toTool(specs []llm.ToolSpec) *genai.Tool {
	decls := make([]*genai.FunctionDeclaration, len(specs))
	for i, s := range specs {
		decls[i] = &genai.FunctionDeclaration{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  toSchema(s.Parameters),
		}
	}
	return &genai.Tool{FunctionDeclarations: decls}
}

// toSchema converts the flat JSON Schema objects used by package tools.
func toSchema(params map[string]any) *genai.Schema {
	schema := &genai.Schema{Type: genai.TypeObject, Properties: map[string]*genai.Schema{}}
	props, _ := params["properties"].(map[string]any)
	for name, raw := range props {
		p, _ := raw.(map[string]any)
		typ, _ := p["type"].(string)
		desc, _ := p["description"].(string)
		schema.Properties[name] = &genai.Schema{Type: schemaType(typ), Description: desc}
	}
	switch req := params["required"].(type) {
	case []string:
		schema.Required = append(schema.Required, req...)
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	return schema
}

func schemaType(t string) genai.Type {
	switch t {
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}

// toContents maps the transcript onto Gemini's two-role model. Consecutive
// tool replies are grouped into a single user content.
func toContents(msgs []llm.Message) (*genai.Content, []*genai.Content, error) {
	var system *genai.Content
	var out []*genai.Content
	for _, msg := range msgs {
		switch msg.Role {
		case llm.RoleSystem:
			if system == nil {
				system = &genai.Content{}
			}
			system.Parts = append(system.Parts, genai.Text(msg.Content))
		case llm.RoleUser:
			out = append(out, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(msg.Content)}})
		case llm.RoleAssistant:
			c := &genai.Content{Role: "model"}
			if msg.Content != "" {
				c.Parts = append(c.Parts, genai.Text(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				c.Parts = append(c.Parts, genai.FunctionCall{Name: call.Name, Args: call.Arguments})
			}
			if len(c.Parts) == 0 {
				c.Parts = append(c.Parts, genai.Text(""))
			}
			out = append(out, c)
		case llm.RoleTool:
			part := genai.FunctionResponse{Name: msg.Name, Response: toolResponse(msg.Content)}
			if n := len(out); n > 0 && isFunctionResponses(out[n-1]) {
				out[n-1].Parts = append(out[n-1].Parts, part)
				continue
			}
			out = append(out, &genai.Content{Role: "user", Parts: []genai.Part{part}})
		default:
			return nil, nil, fmt.Errorf("gemini: unsupported role %q", msg.Role)
		}
	}
	return system, out, nil
}

func isFunctionResponses(c *genai.Content) bool {
	if c.Role != "user" || len(c.Parts) == 0 {
		return false
	}
	for _, p := range c.Parts {
		if _, ok := p.(genai.FunctionResponse); !ok {
			return false
		}
	}
	return true
}

func toolResponse(content string) map[string]any {
	var out map[string]any
	if err := json.Unmarshal([]byte(content), &out); err != nil || out == nil {
		return map[string]any{"content": content}
	}
	return out
}

func fromResponse(resp *genai.GenerateContentResponse) (llm.Message, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return llm.Message{}, llm.ErrNoCandidates
	}
	msg := llm.Message{Role: llm.RoleAssistant}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			text.WriteString(string(p))
		case genai.FunctionCall:
			if p.Name == "" {
				return llm.Message{}, fmt.Errorf("%w: missing function name", llm.ErrMalformedToolCall)
			}
			msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
				ID:        "call_" + uuid.NewString(),
				Name:      p.Name,
				Arguments: p.Args,
			})
		}
	}
	msg.Content = text.String()
	return msg, nil
}

func textParts(resp *genai.GenerateContentResponse) []string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}
	var out []string
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok && t != "" {
			out = append(out, string(t))
		}
	}
	return out
}
