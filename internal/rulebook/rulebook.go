// Package rulebook stores uploaded rule text per game and retrieves the
// fragments most relevant to a question.
package rulebook

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	_ "modernc.org/sqlite"

	"github.com/tatianab/referee/internal/models"
)

const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 100
)

var (
	ErrEmptyDocument = errors.New("document contains no text")
	ErrUnknownGame   = errors.New("no rulebook for game")
)

// Game describes one ingested rulebook.
type Game struct {
	Name       string    `json:"game_name"`
	Chunks     int       `json:"chunks"`
	IngestedAt time.Time `json:"ingested_at"`
}

// Store is a SQLite full-text index of rule chunks.
type Store struct {
	db      *sql.DB
	size    int
	overlap int
	logger  *slog.Logger
}

type Option func(*Store)

func WithChunking(size, overlap int) Option {
	return func(s *Store) {
		if size > 0 {
			s.size = size
		}
		if overlap >= 0 && overlap < s.size {
			s.overlap = overlap
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Open opens or creates the database at path. ":memory:" keeps it in
// process.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection, so an in-memory database is shared by every query
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initSchema(db, path != ":memory:"); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, size: DefaultChunkSize, overlap: DefaultChunkOverlap, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func initSchema(db *sql.DB, wal bool) error {
	var stmts []string
	if wal {
		stmts = append(stmts, "PRAGMA journal_mode=WAL;", "PRAGMA synchronous=NORMAL;")
	}
	stmts = append(stmts,
		"PRAGMA busy_timeout=5000;",
		`CREATE TABLE IF NOT EXISTS rulebooks (
			game TEXT PRIMARY KEY,
			chunks INTEGER NOT NULL,
			ingested_at TEXT NOT NULL
		);`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS rule_chunks USING fts5(
			game UNINDEXED,
			seq UNINDEXED,
			content,
			tokenize = 'porter unicode61'
		);`,
	)
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ingest replaces the game's rulebook with text and returns the number of
// chunks stored.
func (s *Store) Ingest(ctx context.Context, game, text string) (int, error) {
	game = strings.TrimSpace(game)
	if game == "" {
		return 0, errors.New("game name is required")
	}
	chunks := Chunk(text, s.size, s.overlap)
	if len(chunks) == 0 {
		return 0, ErrEmptyDocument
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM rule_chunks WHERE game = ?`, game); err != nil {
		return 0, fmt.Errorf("clear chunks: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO rule_chunks (game, seq, content) VALUES (?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	for i, c := range chunks {
		if _, err := stmt.ExecContext(ctx, game, i, c); err != nil {
			return 0, fmt.Errorf("insert chunk %d: %w", i, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rulebooks (game, chunks, ingested_at) VALUES (?, ?, ?)
		 ON CONFLICT(game) DO UPDATE SET chunks = excluded.chunks, ingested_at = excluded.ingested_at`,
		game, len(chunks), time.Now().UTC().Format(time.RFC3339)); err != nil {
		return 0, fmt.Errorf("record rulebook: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	s.logger.Info("rulebook ingested", "game", game, "chunks", len(chunks))
	return len(chunks), nil
}

// Search returns up to k fragments of the game's rulebook ranked by
// relevance to question. Scores fall in (0, 1), higher is better.
func (s *Store) Search(ctx context.Context, question, game string, k int) ([]models.Fragment, error) {
	query := matchQuery(question)
	if query == "" || k <= 0 {
		return []models.Fragment{}, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT content, bm25(rule_chunks) AS relevance
		 FROM rule_chunks
		 WHERE rule_chunks MATCH ? AND game = ?
		 ORDER BY relevance
		 LIMIT ?`, query, game, k)
	if err != nil {
		return nil, fmt.Errorf("search rulebook: %w", err)
	}
	defer rows.Close()

	fragments := []models.Fragment{}
	for rows.Next() {
		var content string
		var rank float64
		if err := rows.Scan(&content, &rank); err != nil {
			return nil, err
		}
		fragments = append(fragments, models.Fragment{Content: content, Score: score(rank)})
	}
	return fragments, rows.Err()
}

// score maps bm25 (lower is better, usually negative) onto (0, 1).
func score(rank float64) float64 {
	return 1 / (1 + math.Exp(rank))
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "can": true, "do": true,
	"does": true, "for": true, "how": true, "i": true, "if": true, "in": true,
	"is": true, "it": true, "of": true, "on": true, "or": true, "the": true,
	"to": true, "what": true, "when": true, "with": true,
}

// matchQuery turns free text into an FTS5 OR query of quoted terms.
func matchQuery(question string) string {
	words := strings.FieldsFunc(strings.ToLower(question), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(words))
	var terms []string
	for _, w := range words {
		if stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, `"`+w+`"`)
	}
	return strings.Join(terms, " OR ")
}

// Has reports whether a rulebook has been ingested for game.
func (s *Store) Has(ctx context.Context, game string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rulebooks WHERE game = ?`, game).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Games lists ingested rulebooks by name.
func (s *Store) Games(ctx context.Context) ([]Game, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT game, chunks, ingested_at FROM rulebooks ORDER BY game`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	games := []Game{}
	for rows.Next() {
		var g Game
		var at string
		if err := rows.Scan(&g.Name, &g.Chunks, &at); err != nil {
			return nil, err
		}
		g.IngestedAt, _ = time.Parse(time.RFC3339, at)
		games = append(games, g)
	}
	return games, rows.Err()
}

// DeleteGame drops a game's rulebook.
func (s *Store) DeleteGame(ctx context.Context, game string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM rulebooks WHERE game = ?`, game)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownGame, game)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rule_chunks WHERE game = ?`, game); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.logger.Info("rulebook deleted", "game", game)
	return nil
}
