package referee

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tatianab/referee/internal/engine"
	"github.com/tatianab/referee/internal/llm/llmtest"
	"github.com/tatianab/referee/internal/models"
	"github.com/tatianab/referee/internal/rulebook"
	"github.com/tatianab/referee/internal/session"
	"github.com/tatianab/referee/internal/tools"
)

const rules = `Strike: the attacker deals 3 damage to an adjacent player.

Poison: a poisoned player takes 1 damage at the start of each turn.`

type fixture struct {
	svc      *Service
	sessions *session.Manager
	model    *llmtest.Scripted
	id       string
}

func setup(t *testing.T, responses ...llmtest.Response) *fixture {
	t.Helper()
	ctx := context.Background()

	book, err := rulebook.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = book.Close() })
	_, err = book.Ingest(ctx, "Skirmish", rules)
	require.NoError(t, err)

	model := llmtest.New(responses...)
	registry, err := tools.NewRegistry()
	require.NoError(t, err)
	eng, err := engine.New(model, registry)
	require.NoError(t, err)

	sessions := session.NewManager(session.NewMemoryStore(), nil)
	svc := New(sessions, book, eng, Options{TopK: 3, MaxHistory: 10})

	s, err := svc.CreateSession(ctx, "Skirmish", []session.PlayerSpec{
		{Name: "A", HP: 4, MaxHP: 4},
		{Name: "B", HP: 3, MaxHP: 3, Resources: map[string]int{"gold": 2}},
	})
	require.NoError(t, err)

	return &fixture{svc: svc, sessions: sessions, model: model, id: s.SessionID}
}

func TestCreateSession_RequiresRulebook(t *testing.T) {
	f := setup(t)

	_, err := f.svc.CreateSession(context.Background(), "Chess", []session.PlayerSpec{{Name: "A", HP: 1, MaxHP: 1}})

	assert.ErrorIs(t, err, ErrNoRulebook)
}

func TestAsk(t *testing.T) {
	// Given the engine rules that B takes a Strike
	f := setup(t,
		llmtest.Calls("", llmtest.Call("c1", "update_player_hp", map[string]any{"player_name": "B", "delta": -3, "reason": "hit by Strike"})),
		llmtest.Reply("B takes 3 damage and is knocked out."),
	)
	ctx := context.Background()

	// When
	out, err := f.svc.Ask(ctx, f.id, "A strikes B, what happens?")

	// Then
	require.NoError(t, err)
	assert.Equal(t, "B takes 3 damage and is knocked out.", out.Answer)
	require.Len(t, out.StateChanges, 1)
	require.NotEmpty(t, out.RuleReferences)
	assert.Contains(t, out.RuleReferences[0].Content, "Strike")

	s, err := f.sessions.Get(ctx, f.id)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Player("B").HP)
	assert.Equal(t, []models.Turn{
		{Role: models.RoleUser, Content: "A strikes B, what happens?"},
		{Role: models.RoleAssistant, Content: "B takes 3 damage and is knocked out."},
	}, s.ChatHistory)

	system := f.model.Requests[0].Messages[0].Content
	assert.Contains(t, system, "Strike: the attacker deals 3 damage")
}

func TestAsk_FailureKeepsChangesButNotHistory(t *testing.T) {
	f := setup(t,
		llmtest.Calls("", llmtest.Call("c1", "apply_status_effect", map[string]any{"player_name": "A", "effect": "Poison"})),
		llmtest.Response{Err: errors.New("upstream down")},
	)
	ctx := context.Background()

	_, err := f.svc.Ask(ctx, f.id, "Poison A")
	require.Error(t, err)

	s, err := f.sessions.Get(ctx, f.id)
	require.NoError(t, err)
	assert.True(t, s.Player("A").HasEffect("Poison"))
	assert.Empty(t, s.ChatHistory)
}

func TestAsk_Errors(t *testing.T) {
	f := setup(t)

	_, err := f.svc.Ask(context.Background(), f.id, "  ")
	assert.ErrorIs(t, err, ErrEmptyQuestion)

	_, err = f.svc.Ask(context.Background(), "missing", "q")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestAskStream(t *testing.T) {
	f := setup(t,
		llmtest.Calls("", llmtest.Call("c1", "update_player_hp", map[string]any{"player_name": "B", "delta": -1, "reason": "Poison"})),
		llmtest.Reply("B loses 1 HP to Poison."),
	)
	ctx := context.Background()

	seq, err := f.svc.AskStream(ctx, f.id, "Poison tick on B")
	require.NoError(t, err)

	var types []engine.EventType
	for ev := range seq {
		types = append(types, ev.Type)
		if ev.Type == engine.EventDone {
			// persisted before done is delivered
			s, err := f.sessions.Get(ctx, f.id)
			require.NoError(t, err)
			assert.Len(t, s.ChatHistory, 2)
		}
	}

	require.NotEmpty(t, types)
	assert.Equal(t, engine.EventStateChange, types[0])
	assert.Equal(t, engine.EventDone, types[len(types)-1])

	s, err := f.sessions.Get(ctx, f.id)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Player("B").HP)
	assert.Equal(t, "B loses 1 HP to Poison.", s.ChatHistory[1].Content)
}

func TestAskStream_UnknownSession(t *testing.T) {
	f := setup(t)

	_, err := f.svc.AskStream(context.Background(), "missing", "q")

	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestAskStream_HoldsLease(t *testing.T) {
	f := setup(t,
		llmtest.Calls("", llmtest.Call("c1", "next_round", nil)),
		llmtest.Reply("done"),
	)
	ctx := context.Background()

	seq, err := f.svc.AskStream(ctx, f.id, "end turn")
	require.NoError(t, err)

	for ev := range seq {
		if ev.Type == engine.EventStateChange {
			short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			_, err := f.svc.UpdateHP(short, f.id, "A", -1, "x")
			cancel()
			assert.ErrorIs(t, err, context.DeadlineExceeded)
		}
	}

	m, err := f.svc.UpdateHP(ctx, f.id, "A", -1, "x")
	require.NoError(t, err)
	assert.True(t, m.Result.Success)
}

func TestManualOperations(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	m, err := f.svc.UpdateHP(ctx, f.id, "A", -10, "fell")
	require.NoError(t, err)
	assert.True(t, m.Result.Success)
	assert.Equal(t, 0, m.Player.HP)

	m, err = f.svc.ApplyEffect(ctx, f.id, "A", "Shield")
	require.NoError(t, err)
	assert.Equal(t, []string{"Shield"}, m.Player.StatusEffects)

	m, err = f.svc.ApplyEffect(ctx, f.id, "A", "Shield")
	require.NoError(t, err)
	assert.False(t, m.Result.Success)

	m, err = f.svc.RemoveEffect(ctx, f.id, "A", "Shield")
	require.NoError(t, err)
	assert.Empty(t, m.Player.StatusEffects)

	m, err = f.svc.UpdateResource(ctx, f.id, "B", "gold", -3, "buy")
	require.NoError(t, err)
	assert.False(t, m.Result.Success)
	assert.Equal(t, 2, m.Player.Resources["gold"])

	m, err = f.svc.NextRound(ctx, f.id, "")
	require.NoError(t, err)
	assert.True(t, m.Result.Success)
	assert.Equal(t, "B", m.CurrentPlayer)
	assert.Nil(t, m.Player)

	m, err = f.svc.UpdateHP(ctx, f.id, "Z", 1, "")
	require.NoError(t, err)
	assert.False(t, m.Result.Success)

	logs, err := f.svc.Logs(ctx, f.id)
	require.NoError(t, err)
	// creation, hp, effect, removal, turn
	assert.Len(t, logs, 5)
}
