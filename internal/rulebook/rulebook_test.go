package rulebook

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const skirmishRules = `Skirmish is a game for two to four players.

Strike: the attacker deals 1 damage to an adjacent player. A player reduced to 0 HP is knocked out.

Poison: a poisoned player takes 1 damage at the start of each of their turns. Poison cannot stack.

Trade: on your turn you may pay 2 gold to draw one card.`

func openStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "rules.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestChunk(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		size    int
		overlap int
		want    []string
	}{
		{name: "empty", text: " \n\n ", size: 50},
		{name: "fits", text: "One rule.\n\nTwo rule.", size: 50, want: []string{"One rule.\nTwo rule."}},
		{name: "paragraph per chunk", text: "Alpha beta.\n\nGamma delta.", size: 12, want: []string{"Alpha beta.", "Gamma delta."}},
		{
			name:    "overlap carried",
			text:    "Strike deals damage.\n\nDodge cancels it.",
			size:    30,
			overlap: 7,
			want:    []string{"Strike deals damage.", "damage. Dodge cancels it."},
		},
		{name: "sentences", text: "First one. Second one. Third one.", size: 12, want: []string{"First one.", "Second one.", "Third one."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Chunk(tt.text, tt.size, tt.overlap)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChunk_NeverExceedsSize(t *testing.T) {
	long := strings.Repeat("word ", 400) + strings.Repeat("x", 120)
	for _, size := range []int{10, 37, 100, 500} {
		for _, c := range Chunk(long+"\n\n"+skirmishRules, size, size/5) {
			assert.LessOrEqual(t, utf8.RuneCountInString(c), size)
			assert.NotEmpty(t, c)
		}
	}
}

func TestIngestAndSearch(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, WithChunking(120, 20))

	n, err := s.Ingest(ctx, "Skirmish", skirmishRules)
	require.NoError(t, err)
	assert.Greater(t, n, 1)

	frags, err := s.Search(ctx, "What happens when I'm poisoned?", "Skirmish", 2)
	require.NoError(t, err)
	require.NotEmpty(t, frags)
	assert.Contains(t, frags[0].Content, "Poison")
	for i, f := range frags {
		assert.Greater(t, f.Score, 0.0)
		assert.Less(t, f.Score, 1.0)
		if i > 0 {
			assert.LessOrEqual(t, f.Score, frags[i-1].Score)
		}
	}

	none, err := s.Search(ctx, "Poison", "Chess", 5)
	require.NoError(t, err)
	assert.Empty(t, none)

	empty, err := s.Search(ctx, "?? the", "Skirmish", 5)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestIngest_ReplacesPreviousRulebook(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	_, err := s.Ingest(ctx, "Skirmish", skirmishRules)
	require.NoError(t, err)
	_, err = s.Ingest(ctx, "Skirmish", "Fireball deals 3 damage to everyone.")
	require.NoError(t, err)

	frags, err := s.Search(ctx, "poison", "Skirmish", 5)
	require.NoError(t, err)
	assert.Empty(t, frags)

	games, err := s.Games(ctx)
	require.NoError(t, err)
	require.Len(t, games, 1)
	assert.Equal(t, "Skirmish", games[0].Name)
	assert.Equal(t, 1, games[0].Chunks)
}

func TestIngest_Empty(t *testing.T) {
	s := openStore(t)
	_, err := s.Ingest(context.Background(), "Skirmish", "   \n\n")
	assert.ErrorIs(t, err, ErrEmptyDocument)
}

func TestDeleteGame(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	_, err := s.Ingest(ctx, "Skirmish", skirmishRules)
	require.NoError(t, err)

	ok, err := s.Has(ctx, "Skirmish")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.DeleteGame(ctx, "Skirmish"))
	assert.ErrorIs(t, s.DeleteGame(ctx, "Skirmish"), ErrUnknownGame)

	ok, err = s.Has(ctx, "Skirmish")
	require.NoError(t, err)
	assert.False(t, ok)
	frags, err := s.Search(ctx, "strike", "Skirmish", 5)
	require.NoError(t, err)
	assert.Empty(t, frags)
}

func TestOpen_InMemory(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Ingest(context.Background(), "Skirmish", skirmishRules)
	require.NoError(t, err)
	frags, err := s.Search(context.Background(), "trade gold", "Skirmish", 1)
	require.NoError(t, err)
	require.Len(t, frags, 1)
	assert.Contains(t, frags[0].Content, "gold")
}
