package mcpserver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tatianab/referee/internal/engine"
	"github.com/tatianab/referee/internal/llm/llmtest"
	"github.com/tatianab/referee/internal/referee"
	"github.com/tatianab/referee/internal/rulebook"
	"github.com/tatianab/referee/internal/session"
	"github.com/tatianab/referee/internal/tools"
)

// connect serves a referee over in-memory transports and returns a
// connected client session and the ID of a two player session.
func connect(t *testing.T, responses ...llmtest.Response) (*mcp.ClientSession, string) {
	t.Helper()
	ctx := context.Background()

	book, err := rulebook.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = book.Close() })
	_, err = book.Ingest(ctx, "Skirmish", "Strike: the attacker deals 3 damage to an adjacent player.")
	require.NoError(t, err)

	registry, err := tools.NewRegistry()
	require.NoError(t, err)
	eng, err := engine.New(llmtest.New(responses...), registry)
	require.NoError(t, err)
	sessions := session.NewManager(session.NewMemoryStore(), nil)
	svc := referee.New(sessions, book, eng, referee.Options{TopK: 3, MaxHistory: 10})

	gs, err := svc.CreateSession(ctx, "Skirmish", []session.PlayerSpec{
		{Name: "A", HP: 4, MaxHP: 4},
		{Name: "B", HP: 3, MaxHP: 3, Resources: map[string]int{"gold": 2}},
	})
	require.NoError(t, err)

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	serverSession, err := New(svc, sessions, nil).Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = serverSession.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "client", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })

	return cs, gs.SessionID
}

func call[T any](t *testing.T, cs *mcp.ClientSession, name string, args map[string]any) (T, *mcp.CallToolResult) {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)

	var out T
	if res.StructuredContent != nil {
		raw, err := json.Marshal(res.StructuredContent)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return out, res
}

func TestListTools(t *testing.T) {
	cs, _ := connect(t)

	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"ask_referee", "get_session", "list_sessions",
		"update_player_hp", "apply_status_effect", "remove_status_effect", "update_player_resource", "next_round",
	}, names)
}

func TestAskReferee(t *testing.T) {
	cs, id := connect(t,
		llmtest.Calls("", llmtest.Call("c1", "update_player_hp", map[string]any{"player_name": "B", "delta": -3, "reason": "Strike"})),
		llmtest.Reply("B is knocked out."),
	)

	out, res := call[AskResult](t, cs, "ask_referee", map[string]any{"session_id": id, "question": "A strikes B"})

	require.False(t, res.IsError)
	assert.Equal(t, "B is knocked out.", out.Answer)
	require.Len(t, out.StateChanges, 1)
	assert.True(t, out.StateChanges[0].Success)
	assert.NotEmpty(t, out.RuleReferences)

	view, _ := call[SessionView](t, cs, "get_session", map[string]any{"session_id": id})
	assert.Equal(t, 0, view.Players[1].HP)
}

func TestManualTools(t *testing.T) {
	cs, id := connect(t)

	m, res := call[MutationResult](t, cs, "update_player_hp", map[string]any{"session_id": id, "player_name": "A", "delta": -1})
	require.False(t, res.IsError)
	assert.True(t, m.Success)
	assert.Equal(t, 3, m.Player.HP)

	m, _ = call[MutationResult](t, cs, "apply_status_effect", map[string]any{"session_id": id, "player_name": "A", "effect": "Stunned"})
	assert.Equal(t, []string{"Stunned"}, m.Player.StatusEffects)

	m, _ = call[MutationResult](t, cs, "remove_status_effect", map[string]any{"session_id": id, "player_name": "A", "effect": "Stunned"})
	assert.Empty(t, m.Player.StatusEffects)

	// refusals are results, not tool errors
	m, res = call[MutationResult](t, cs, "update_player_resource", map[string]any{"session_id": id, "player_name": "B", "resource_name": "gold", "delta": -5})
	require.False(t, res.IsError)
	assert.False(t, m.Success)
	assert.Contains(t, m.Message, "insufficient")

	m, _ = call[MutationResult](t, cs, "next_round", map[string]any{"session_id": id})
	assert.True(t, m.Success)
	assert.Equal(t, "B", m.CurrentPlayer)
	assert.Nil(t, m.Player)

	list, _ := call[ListSessionsResult](t, cs, "list_sessions", map[string]any{})
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, id, list.Sessions[0].SessionID)
}

func TestUnknownSessionIsToolError(t *testing.T) {
	cs, _ := connect(t)

	_, res := call[SessionView](t, cs, "get_session", map[string]any{"session_id": "missing"})

	require.True(t, res.IsError)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "not found")
}
