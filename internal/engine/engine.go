// Package engine runs the bounded tool-calling negotiation between the
// referee and an external reasoning engine.
//
// One negotiation owns its GameState for its whole duration; callers must
// not run two negotiations against the same state concurrently.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/tatianab/referee/internal/llm"
	"github.com/tatianab/referee/internal/models"
	"github.com/tatianab/referee/internal/prompt"
	"github.com/tatianab/referee/internal/state"
	"github.com/tatianab/referee/internal/tools"
)

// MaxRounds bounds the engine calls made while negotiating one question.
const MaxRounds = 5

var ErrNilState = errors.New("game state is required")

type Engine struct {
	model       llm.Model
	tools       *tools.Registry
	logger      *slog.Logger
	callTimeout time.Duration
}

type Option func(*Engine)

// WithLogger sets the logger; the default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithCallTimeout bounds every individual engine call. Zero disables it.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Engine) { e.callTimeout = d }
}

func New(model llm.Model, registry *tools.Registry, opts ...Option) (*Engine, error) {
	if model == nil {
		return nil, errors.New("model is required")
	}
	if registry == nil {
		return nil, errors.New("tool registry is required")
	}
	e := &Engine{
		model:  model,
		tools:  registry,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Input is everything one question needs.
type Input struct {
	Question  string
	Fragments []models.Fragment
	State     *models.GameState
	History   []models.Turn
}

// Outcome is the result of a completed negotiation.
type Outcome struct {
	Answer         string                 `json:"answer"`
	StateChanges   []models.StateChange   `json:"state_changes"`
	RuleReferences []models.RuleReference `json:"rule_references"`
}

type negotiation struct {
	answer   string
	changes  []models.StateChange
	messages []llm.Message
	// pending is set when the round limit cut off a reply that still
	// carried tool calls, so no final answer has been seen yet.
	pending bool
}

// Negotiate answers a question, applying whatever mutations the engine
// requests along the way. Mutations committed before a failure stay.
func (e *Engine) Negotiate(ctx context.Context, in Input) (*Outcome, error) {
	n, err := e.negotiate(ctx, in, nil)
	if err != nil {
		return nil, err
	}
	return &Outcome{
		Answer:         n.answer,
		StateChanges:   n.changes,
		RuleReferences: references(in.Fragments),
	}, nil
}

// negotiate is the single round-trip loop shared by both call shapes.
// observe, if set, sees every StateChange as soon as it is recorded; an
// error from it stops the loop.
func (e *Engine) negotiate(ctx context.Context, in Input, observe func(models.StateChange) error) (*negotiation, error) {
	if in.State == nil {
		return nil, ErrNilState
	}
	messages, err := prompt.Build(in.Question, in.Fragments, in.State, in.History)
	if err != nil {
		return nil, fmt.Errorf("build conversation: %w", err)
	}
	specs := e.tools.Specs()
	logger := e.logger.With("session", in.State.SessionID)

	n := &negotiation{changes: []models.StateChange{}}
	var reply llm.Message
	for round := 1; round <= MaxRounds; round++ {
		logger.Info("negotiation round", "round", round)

		reply, err = e.generate(ctx, llm.Request{Messages: llm.CloneMessages(messages), Tools: specs})
		if err != nil {
			return nil, fmt.Errorf("engine call in round %d: %w", round, err)
		}
		reply.Role = llm.RoleAssistant
		for i := range reply.ToolCalls {
			if reply.ToolCalls[i].ID == "" {
				reply.ToolCalls[i].ID = fmt.Sprintf("call_%d_%d", round, i+1)
			}
		}
		messages = append(messages, reply)

		if len(reply.ToolCalls) == 0 {
			logger.Info("engine returned final answer", "round", round)
			n.answer = reply.Content
			n.messages = messages
			return n, nil
		}

		logger.Info("engine requested tools", "round", round, "count", len(reply.ToolCalls))
		for _, call := range reply.ToolCalls {
			change, result := e.execute(logger, in.State, call)
			n.changes = append(n.changes, change)
			messages = append(messages, toolMessage(call, result))
			if observe != nil {
				if err := observe(change); err != nil {
					return nil, err
				}
			}
		}
	}

	logger.Warn("round limit reached with tool calls pending, concluding", "rounds", MaxRounds)
	n.answer = reply.Content
	n.messages = messages
	n.pending = true
	return n, nil
}

func (e *Engine) generate(ctx context.Context, req llm.Request) (llm.Message, error) {
	if e.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
	}
	return e.model.Generate(ctx, req)
}

func (e *Engine) execute(logger *slog.Logger, s *models.GameState, call llm.ToolCall) (models.StateChange, state.Result) {
	kind, result := e.tools.Execute(s, call.Name, call.Arguments)

	details := maps.Clone(call.Arguments)
	if details == nil {
		details = map[string]any{}
	}
	player, _ := call.Arguments["player_name"].(string)
	reason, _ := call.Arguments["reason"].(string)
	if !result.Success {
		reason = result.Message
	}

	logger.Info("tool executed", "tool", kind, "name", call.Name, "success", result.Success, "message", result.Message)
	return models.StateChange{
		Action:  call.Name,
		Player:  player,
		Details: details,
		Reason:  reason,
		Success: result.Success,
		Message: result.Message,
	}, result
}

func toolMessage(call llm.ToolCall, result state.Result) llm.Message {
	content, err := json.Marshal(result)
	if err != nil {
		content = []byte(fmt.Sprintf(`{"success":false,"message":%q}`, err.Error()))
	}
	return llm.Message{
		Role:       llm.RoleTool,
		Name:       call.Name,
		ToolCallID: call.ID,
		Content:    string(content),
	}
}

func references(fragments []models.Fragment) []models.RuleReference {
	refs := make([]models.RuleReference, len(fragments))
	for i, f := range fragments {
		refs[i] = models.RuleReference{Content: f.Content, Score: f.Score}
	}
	return refs
}
