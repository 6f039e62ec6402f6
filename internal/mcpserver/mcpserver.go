// Package mcpserver publishes the referee as Model Context Protocol tools so
// an external assistant can ask rulings and adjust the table state.
package mcpserver

import (
	"context"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tatianab/referee/internal/models"
	"github.com/tatianab/referee/internal/referee"
	"github.com/tatianab/referee/internal/session"
)

const (
	serverName    = "referee"
	serverVersion = "v0.1.0"
)

// New builds an MCP server with every referee tool registered.
func New(svc *referee.Service, sessions *session.Manager, logger *slog.Logger) *mcp.Server {
	if logger == nil {
		logger = slog.Default()
	}
	server := mcp.NewServer(&mcp.Implementation{Name: serverName, Version: serverVersion}, nil)
	h := &handlers{referee: svc, sessions: sessions, logger: logger}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ask_referee",
		Description: "Asks the referee a rules question for a session. The referee may update player state while ruling.",
	}, h.ask)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_session",
		Description: "Returns the current state of a session.",
	}, h.getSession)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_sessions",
		Description: "Lists stored sessions.",
	}, h.listSessions)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "update_player_hp",
		Description: "Changes a player's HP by delta (negative for damage). HP is clamped to [0, max_hp].",
	}, h.updateHP)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "apply_status_effect",
		Description: "Adds a status effect to a player.",
	}, h.applyEffect)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "remove_status_effect",
		Description: "Removes a status effect from a player.",
	}, h.removeEffect)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "update_player_resource",
		Description: "Changes a player's resource by delta. Spending more than the player has is refused.",
	}, h.updateResource)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "next_round",
		Description: "Ends the current turn and passes play to the next player, or to next_player when given.",
	}, h.nextRound)
	return server
}

// Serve runs the server on stdin/stdout until ctx is cancelled or the
// client disconnects.
func Serve(ctx context.Context, server *mcp.Server) error {
	return server.Run(ctx, &mcp.StdioTransport{})
}

// PlayerView is a player as reported to MCP clients.
type PlayerView struct {
	Name          string         `json:"name" jsonschema:"player name"`
	HP            int            `json:"hp" jsonschema:"current hit points"`
	MaxHP         int            `json:"max_hp" jsonschema:"maximum hit points"`
	MP            *int           `json:"mp,omitempty" jsonschema:"current resource points, absent when the game has none"`
	MaxMP         *int           `json:"max_mp,omitempty" jsonschema:"maximum resource points"`
	StatusEffects []string       `json:"status_effects" jsonschema:"active status effects"`
	Resources     map[string]int `json:"resources" jsonschema:"named resource counts"`
}

func playerView(p *models.PlayerState) *PlayerView {
	if p == nil {
		return nil
	}
	v := &PlayerView{
		Name:          p.Name,
		HP:            p.HP,
		MaxHP:         p.MaxHP,
		MP:            p.MP,
		MaxMP:         p.MaxMP,
		StatusEffects: append([]string{}, p.StatusEffects...),
		Resources:     make(map[string]int, len(p.Resources)),
	}
	for k, n := range p.Resources {
		v.Resources[k] = n
	}
	return v
}

// SessionView is a session as reported to MCP clients.
type SessionView struct {
	SessionID     string       `json:"session_id" jsonschema:"session identifier"`
	GameName      string       `json:"game_name" jsonschema:"game whose rulebook governs the session"`
	Round         int          `json:"round" jsonschema:"current round, starting at 1"`
	CurrentPlayer string       `json:"current_player" jsonschema:"player whose turn it is"`
	Phase         string       `json:"phase" jsonschema:"waiting, playing or ended"`
	Players       []PlayerView `json:"players" jsonschema:"players in turn order"`
	GlobalEffects []string     `json:"global_effects" jsonschema:"effects applying to the whole table"`
	RecentLog     []string     `json:"recent_log" jsonschema:"most recent action log entries"`
}

const recentLogEntries = 10

func sessionView(s *models.GameState) SessionView {
	v := SessionView{
		SessionID:     s.SessionID,
		GameName:      s.GameName,
		Round:         s.Round,
		CurrentPlayer: s.CurrentPlayer,
		Phase:         string(s.Phase),
		Players:       make([]PlayerView, 0, len(s.Players)),
		GlobalEffects: append([]string{}, s.GlobalEffects...),
		RecentLog:     append([]string{}, s.ActionLog[max(0, len(s.ActionLog)-recentLogEntries):]...),
	}
	for _, p := range s.Players {
		v.Players = append(v.Players, *playerView(p))
	}
	return v
}
