package mcpserver

import (
	"context"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tatianab/referee/internal/referee"
	"github.com/tatianab/referee/internal/session"
)

type handlers struct {
	referee  *referee.Service
	sessions *session.Manager
	logger   *slog.Logger
}

type AskInput struct {
	SessionID string `json:"session_id" jsonschema:"session identifier"`
	Question  string `json:"question" jsonschema:"the rules question or description of what happened at the table"`
}

type ChangeView struct {
	Action  string         `json:"action" jsonschema:"tool the referee invoked"`
	Player  string         `json:"player,omitempty" jsonschema:"affected player, absent for turn changes"`
	Details map[string]any `json:"details" jsonschema:"arguments of the change"`
	Reason  string         `json:"reason" jsonschema:"why the change was made"`
	Success bool           `json:"success" jsonschema:"whether the change was applied"`
	Message string         `json:"message" jsonschema:"outcome message"`
}

type ReferenceView struct {
	Content string  `json:"content" jsonschema:"rule text"`
	Score   float64 `json:"score" jsonschema:"relevance between 0 and 1"`
}

type AskResult struct {
	Answer         string          `json:"answer" jsonschema:"the referee's ruling"`
	StateChanges   []ChangeView    `json:"state_changes" jsonschema:"state changes attempted while ruling, in order"`
	RuleReferences []ReferenceView `json:"rule_references" jsonschema:"rule fragments the ruling was based on"`
}

func (h *handlers) ask(ctx context.Context, _ *mcp.CallToolRequest, in AskInput) (*mcp.CallToolResult, AskResult, error) {
	out, err := h.referee.Ask(ctx, in.SessionID, in.Question)
	if err != nil {
		return nil, AskResult{}, err
	}
	res := AskResult{
		Answer:         out.Answer,
		StateChanges:   make([]ChangeView, 0, len(out.StateChanges)),
		RuleReferences: make([]ReferenceView, 0, len(out.RuleReferences)),
	}
	for _, c := range out.StateChanges {
		details := c.Details
		if details == nil {
			details = map[string]any{}
		}
		res.StateChanges = append(res.StateChanges, ChangeView{
			Action:  c.Action,
			Player:  c.Player,
			Details: details,
			Reason:  c.Reason,
			Success: c.Success,
			Message: c.Message,
		})
	}
	for _, r := range out.RuleReferences {
		res.RuleReferences = append(res.RuleReferences, ReferenceView{Content: r.Content, Score: r.Score})
	}
	h.logger.Info("mcp ruling", "session", in.SessionID, "changes", len(res.StateChanges))
	return nil, res, nil
}

type SessionInput struct {
	SessionID string `json:"session_id" jsonschema:"session identifier"`
}

func (h *handlers) getSession(ctx context.Context, _ *mcp.CallToolRequest, in SessionInput) (*mcp.CallToolResult, SessionView, error) {
	s, err := h.sessions.Get(ctx, in.SessionID)
	if err != nil {
		return nil, SessionView{}, err
	}
	return nil, sessionView(s), nil
}

type ListSessionsInput struct{}

type SessionSummary struct {
	SessionID   string `json:"session_id" jsonschema:"session identifier"`
	GameName    string `json:"game_name" jsonschema:"game name"`
	Round       int    `json:"round" jsonschema:"current round"`
	PlayerCount int    `json:"player_count" jsonschema:"number of players"`
}

type ListSessionsResult struct {
	Sessions []SessionSummary `json:"sessions" jsonschema:"stored sessions ordered by identifier"`
}

func (h *handlers) listSessions(ctx context.Context, _ *mcp.CallToolRequest, _ ListSessionsInput) (*mcp.CallToolResult, ListSessionsResult, error) {
	list, err := h.sessions.List(ctx)
	if err != nil {
		return nil, ListSessionsResult{}, err
	}
	res := ListSessionsResult{Sessions: make([]SessionSummary, 0, len(list))}
	for _, s := range list {
		res.Sessions = append(res.Sessions, SessionSummary{
			SessionID:   s.SessionID,
			GameName:    s.GameName,
			Round:       s.Round,
			PlayerCount: s.PlayerCount,
		})
	}
	return nil, res, nil
}

// MutationResult reports a manual change. A refused change is not a tool
// error: Success is false and Message says why.
type MutationResult struct {
	Success       bool        `json:"success" jsonschema:"whether the change was applied"`
	Message       string      `json:"message" jsonschema:"outcome message"`
	Round         int         `json:"round" jsonschema:"current round"`
	CurrentPlayer string      `json:"current_player" jsonschema:"player whose turn it is"`
	Player        *PlayerView `json:"player,omitempty" jsonschema:"the affected player after the change"`
}

func mutationResult(m *referee.Mutation, err error) (*mcp.CallToolResult, MutationResult, error) {
	if err != nil {
		return nil, MutationResult{}, err
	}
	return nil, MutationResult{
		Success:       m.Result.Success,
		Message:       m.Result.Message,
		Round:         m.Round,
		CurrentPlayer: m.CurrentPlayer,
		Player:        playerView(m.Player),
	}, nil
}

type HPInput struct {
	SessionID  string `json:"session_id" jsonschema:"session identifier"`
	PlayerName string `json:"player_name" jsonschema:"player to change"`
	Delta      int    `json:"delta" jsonschema:"HP change, negative for damage"`
	Reason     string `json:"reason,omitempty" jsonschema:"why the HP changed"`
}

func (h *handlers) updateHP(ctx context.Context, _ *mcp.CallToolRequest, in HPInput) (*mcp.CallToolResult, MutationResult, error) {
	return mutationResult(h.referee.UpdateHP(ctx, in.SessionID, in.PlayerName, in.Delta, in.Reason))
}

type EffectInput struct {
	SessionID  string `json:"session_id" jsonschema:"session identifier"`
	PlayerName string `json:"player_name" jsonschema:"player to change"`
	Effect     string `json:"effect" jsonschema:"status effect name"`
}

func (h *handlers) applyEffect(ctx context.Context, _ *mcp.CallToolRequest, in EffectInput) (*mcp.CallToolResult, MutationResult, error) {
	return mutationResult(h.referee.ApplyEffect(ctx, in.SessionID, in.PlayerName, in.Effect))
}

func (h *handlers) removeEffect(ctx context.Context, _ *mcp.CallToolRequest, in EffectInput) (*mcp.CallToolResult, MutationResult, error) {
	return mutationResult(h.referee.RemoveEffect(ctx, in.SessionID, in.PlayerName, in.Effect))
}

type ResourceInput struct {
	SessionID  string `json:"session_id" jsonschema:"session identifier"`
	PlayerName string `json:"player_name" jsonschema:"player to change"`
	Resource   string `json:"resource_name" jsonschema:"resource name, e.g. gold"`
	Delta      int    `json:"delta" jsonschema:"amount to add, negative to spend"`
	Reason     string `json:"reason,omitempty" jsonschema:"why the resource changed"`
}

func (h *handlers) updateResource(ctx context.Context, _ *mcp.CallToolRequest, in ResourceInput) (*mcp.CallToolResult, MutationResult, error) {
	return mutationResult(h.referee.UpdateResource(ctx, in.SessionID, in.PlayerName, in.Resource, in.Delta, in.Reason))
}

type NextRoundInput struct {
	SessionID  string `json:"session_id" jsonschema:"session identifier"`
	NextPlayer string `json:"next_player,omitempty" jsonschema:"player to take the next turn, defaults to the next in order"`
}

func (h *handlers) nextRound(ctx context.Context, _ *mcp.CallToolRequest, in NextRoundInput) (*mcp.CallToolResult, MutationResult, error) {
	return mutationResult(h.referee.NextRound(ctx, in.SessionID, in.NextPlayer))
}
