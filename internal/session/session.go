// Package session creates, stores and hands out exclusive access to game
// sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tatianab/referee/internal/models"
)

var (
	ErrNoPlayers       = errors.New("at least one player is required")
	ErrDuplicatePlayer = errors.New("duplicate player name")
	ErrEmptyGameName   = errors.New("game name is required")
)

// PlayerSpec describes a player at session creation.
type PlayerSpec struct {
	Name      string         `json:"name" yaml:"name"`
	HP        int            `json:"hp" yaml:"hp"`
	MaxHP     int            `json:"max_hp" yaml:"max_hp"`
	MP        *int           `json:"mp,omitempty" yaml:"mp,omitempty"`
	MaxMP     *int           `json:"max_mp,omitempty" yaml:"max_mp,omitempty"`
	Resources map[string]int `json:"resources,omitempty" yaml:"resources,omitempty"`
}

// Summary is the listing view of a session.
type Summary struct {
	SessionID   string       `json:"session_id"`
	GameName    string       `json:"game_name"`
	Phase       models.Phase `json:"phase"`
	Round       int          `json:"round"`
	PlayerCount int          `json:"player_count"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Session IDs are the first 8 hex digits of a random UUID.
var idPattern = regexp.MustCompile(`^[0-9a-f]{8}$`)

type Manager struct {
	store  Store
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sessionLock
}

// sessionLock is dropped from Manager.locks once no caller holds or waits
// for it.
type sessionLock struct {
	ch   chan struct{}
	refs int
}

func NewManager(store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		logger: logger,
		locks:  make(map[string]*sessionLock),
	}
}

// Create starts a session with players in the given turn order.
func (m *Manager) Create(ctx context.Context, gameName string, specs []PlayerSpec) (*models.GameState, error) {
	gameName = strings.TrimSpace(gameName)
	if gameName == "" {
		return nil, ErrEmptyGameName
	}
	if len(specs) == 0 {
		return nil, ErrNoPlayers
	}

	players := make([]*models.PlayerState, 0, len(specs))
	seen := make(map[string]bool, len(specs))
	for _, spec := range specs {
		p, err := models.NewPlayer(spec.Name, spec.HP, spec.MaxHP, spec.MP, spec.MaxMP, spec.Resources)
		if err != nil {
			return nil, err
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePlayer, p.Name)
		}
		seen[p.Name] = true
		players = append(players, p)
	}

	id, err := m.newID(ctx)
	if err != nil {
		return nil, err
	}
	s := &models.GameState{
		SessionID:     id,
		GameName:      gameName,
		Round:         1,
		CurrentPlayer: players[0].Name,
		Phase:         models.PhasePlaying,
		Players:       players,
		GlobalEffects: []string{},
		ActionLog:     []string{},
		ChatHistory:   []models.Turn{},
		CreatedAt:     time.Now().UTC(),
	}
	s.AddLog(fmt.Sprintf("session created for %s, players: %s", gameName, strings.Join(s.PlayerNames(), ", ")))

	if err := m.store.Save(ctx, s); err != nil {
		return nil, err
	}
	m.logger.Info("session created", "session", id, "game", gameName, "players", len(players))
	return s.Clone(), nil
}

func (m *Manager) newID(ctx context.Context) (string, error) {
	for range 5 {
		id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		_, err := m.store.Load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return id, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", errors.New("could not allocate a session id")
}

// Get returns a snapshot of the session, waiting for any lease to finish.
func (m *Manager) Get(ctx context.Context, id string) (*models.GameState, error) {
	lease, err := m.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer lease.Discard()
	return lease.State.Clone(), nil
}

// List summarizes every stored session, ordered by ID.
func (m *Manager) List(ctx context.Context) ([]Summary, error) {
	ids, err := m.store.IDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		s, err := m.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// deleted or expired since IDs was read
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, Summary{
			SessionID:   s.SessionID,
			GameName:    s.GameName,
			Phase:       s.Phase,
			Round:       s.Round,
			PlayerCount: len(s.Players),
			CreatedAt:   s.CreatedAt,
		})
	}
	return out, nil
}

func (m *Manager) Delete(ctx context.Context, id string) error {
	unlock, err := m.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	m.logger.Info("session deleted", "session", id)
	return nil
}

// Reset restores every player to full health, clears effects, history and
// the round counter. Resources are kept.
func (m *Manager) Reset(ctx context.Context, id string) (*models.GameState, error) {
	lease, err := m.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	s := lease.State
	for _, p := range s.Players {
		p.HP = p.MaxHP
		if p.MaxMP != nil {
			mp := *p.MaxMP
			p.MP = &mp
		}
		p.StatusEffects = []string{}
	}
	s.Round = 1
	s.Phase = models.PhasePlaying
	s.GlobalEffects = []string{}
	s.ChatHistory = []models.Turn{}
	s.CurrentPlayer = ""
	if len(s.Players) > 0 {
		s.CurrentPlayer = s.Players[0].Name
	}
	s.AddLog("game reset")

	snapshot := s.Clone()
	if err := lease.Release(ctx); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Lease is exclusive access to one session's state. State may be mutated
// freely until Release persists it.
type Lease struct {
	State *models.GameState

	m      *Manager
	unlock func()
	once   sync.Once
	err    error
}

// Acquire waits for exclusive access to the session or for ctx to end.
func (m *Manager) Acquire(ctx context.Context, id string) (*Lease, error) {
	unlock, err := m.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	s, err := m.store.Load(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	return &Lease{State: s, m: m, unlock: unlock}, nil
}

// Release saves the state and gives up the lease. Later calls return the
// first call's result.
func (l *Lease) Release(ctx context.Context) error {
	l.once.Do(func() {
		defer l.unlock()
		// persist even if the request that held the lease was cancelled
		l.err = l.m.store.Save(context.WithoutCancel(ctx), l.State)
		if l.err != nil {
			l.m.logger.Error("session save failed", "session", l.State.SessionID, "err", l.err)
		}
	})
	return l.err
}

// Discard gives up the lease without saving.
func (l *Lease) Discard() {
	l.once.Do(l.unlock)
}

// lock rejects malformed IDs with ErrNotFound so they never reach a store.
func (m *Manager) lock(ctx context.Context, id string) (func(), error) {
	if !idPattern.MatchString(id) {
		return nil, ErrNotFound
	}

	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sessionLock{ch: make(chan struct{}, 1)}
		m.locks[id] = l
	}
	l.refs++
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, id)
		}
		m.mu.Unlock()
	}

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			release()
		}, nil
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
}

// AppendExchange records a question and its answer in the chat history and
// keeps only the most recent maxExchanges pairs. maxExchanges <= 0 keeps
// everything.
func AppendExchange(s *models.GameState, question, answer string, maxExchanges int) {
	s.ChatHistory = append(s.ChatHistory,
		models.Turn{Role: models.RoleUser, Content: question},
		models.Turn{Role: models.RoleAssistant, Content: answer},
	)
	if maxExchanges > 0 && len(s.ChatHistory) > 2*maxExchanges {
		s.ChatHistory = append([]models.Turn(nil), s.ChatHistory[len(s.ChatHistory)-2*maxExchanges:]...)
	}
}
