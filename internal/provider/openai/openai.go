// Package openai adapts OpenAI-compatible chat completion endpoints to
// llm.Model. OPENAI_BASE_URL lets it target any compatible server.
package openai

import (
	"context"
	"encoding/json"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/tatianab/referee/internal/llm"
)

const DefaultModel = "gpt-4o-mini"

type Model struct {
	client sdk.Client
	name   string
}

var _ llm.Model = (*Model)(nil)

// New builds a client. baseURL may be empty to use the public API.
func New(apiKey, baseURL, modelName string, opts ...option.RequestOption) *Model {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	reqOpts = append(reqOpts, opts...)
	if modelName == "" {
		modelName = DefaultModel
	}
	return &Model{client: sdk.NewClient(reqOpts...), name: modelName}
}

func (m *Model) Generate(ctx context.Context, req llm.Request) (llm.Message, error) {
	params, err := m.params(req)
	if err != nil {
		return llm.Message{}, err
	}
	completion, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return llm.Message{}, err
	}
	if len(completion.Choices) == 0 {
		return llm.Message{}, llm.ErrNoCandidates
	}
	return fromCompletion(completion.Choices[0].Message)
}

func (m *Model) Stream(ctx context.Context, req llm.Request, onToken func(string) error) error {
	params, err := m.params(req)
	if err != nil {
		return err
	}
	stream := m.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		if err := onToken(chunk.Choices[0].Delta.Content); err != nil {
			return err
		}
	}
	return stream.Err()
}

func (m *Model) params(req llm.Request) (sdk.ChatCompletionNewParams, error) {
	messages, err := toMessages(req.Messages)
	if err != nil {
		return sdk.ChatCompletionNewParams{}, err
	}
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(m.name),
		Messages: messages,
	}
	if len(req.Tools) > 0 {
		params.Tools = toTools(req.Tools)
		if req.NoTools {
			params.ToolChoice = sdk.ChatCompletionToolChoiceOptionUnionParam{OfAuto: sdk.String("none")}
		}
	}
	return params, nil
}

func toTools(specs []llm.ToolSpec) []sdk.ChatCompletionToolParam {
	out := make([]sdk.ChatCompletionToolParam, len(specs))
	for i, s := range specs {
		out[i] = sdk.ChatCompletionToolParam{
			Function: sdk.FunctionDefinitionParam{
				Name:        s.Name,
				Description: sdk.String(s.Description),
				Parameters:  sdk.FunctionParameters(s.Parameters),
			},
		}
	}
	return out
}

func toMessages(msgs []llm.Message) ([]sdk.ChatCompletionMessageParamUnion, error) {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case llm.RoleSystem:
			out = append(out, sdk.SystemMessage(msg.Content))
		case llm.RoleUser:
			out = append(out, sdk.UserMessage(msg.Content))
		case llm.RoleTool:
			out = append(out, sdk.ToolMessage(msg.Content, msg.ToolCallID))
		case llm.RoleAssistant:
			assistant := &sdk.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				assistant.Content.OfString = sdk.String(msg.Content)
			}
			for _, call := range msg.ToolCalls {
				args, err := json.Marshal(call.Arguments)
				if err != nil {
					return nil, fmt.Errorf("encode arguments for %s: %w", call.Name, err)
				}
				if call.Arguments == nil {
					args = []byte("{}")
				}
				assistant.ToolCalls = append(assistant.ToolCalls, sdk.ChatCompletionMessageToolCallParam{
					ID: call.ID,
					Function: sdk.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: string(args),
					},
				})
			}
			out = append(out, sdk.ChatCompletionMessageParamUnion{OfAssistant: assistant})
		default:
			return nil, fmt.Errorf("openai: unsupported role %q", msg.Role)
		}
	}
	return out, nil
}

func fromCompletion(msg sdk.ChatCompletionMessage) (llm.Message, error) {
	out := llm.Message{Role: llm.RoleAssistant, Content: msg.Content}
	for _, call := range msg.ToolCalls {
		if call.Function.Name == "" {
			return llm.Message{}, fmt.Errorf("%w: missing function name", llm.ErrMalformedToolCall)
		}
		var args map[string]any
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				return llm.Message{}, fmt.Errorf("%w: %s: %v", llm.ErrMalformedToolCall, call.Function.Name, err)
			}
		}
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: args,
		})
	}
	return out, nil
}
