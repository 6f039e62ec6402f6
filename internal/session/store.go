package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/tatianab/referee/internal/models"
)

var ErrNotFound = errors.New("session not found")

// Store persists game states by session ID.
type Store interface {
	Load(ctx context.Context, id string) (*models.GameState, error)
	Save(ctx context.Context, s *models.GameState) error
	Delete(ctx context.Context, id string) error
	IDs(ctx context.Context) ([]string, error)
}

// MemoryStore keeps states in process. Load hands out the stored pointer.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*models.GameState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*models.GameState)}
}

func (m *MemoryStore) Load(_ context.Context, id string) (*models.GameState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) Save(_ context.Context, s *models.GameState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[s.SessionID] = s
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[id]; !ok {
		return ErrNotFound
	}
	delete(m.states, id)
	return nil
}

func (m *MemoryStore) IDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// YAMLStore keeps one state.yaml snapshot per session under Dir.
type YAMLStore struct {
	Dir string
}

func NewYAMLStore(dir string) *YAMLStore {
	if dir == "" {
		dir = models.DefaultSaveDir
	}
	return &YAMLStore{Dir: dir}
}

func (y *YAMLStore) Load(_ context.Context, id string) (*models.GameState, error) {
	s, err := models.LoadState(y.Dir, id)
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, models.ErrInvalidSessionID) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return s, nil
}

func (y *YAMLStore) Save(_ context.Context, s *models.GameState) error {
	if err := s.Save(y.Dir); err != nil {
		return fmt.Errorf("save session %s: %w", s.SessionID, err)
	}
	return nil
}

func (y *YAMLStore) Delete(_ context.Context, id string) error {
	err := models.RemoveState(y.Dir, id)
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, models.ErrInvalidSessionID) {
		return ErrNotFound
	}
	return err
}

func (y *YAMLStore) IDs(_ context.Context) ([]string, error) {
	ids, err := models.ListStates(y.Dir)
	if err != nil {
		return nil, err
	}
	slices.Sort(ids)
	return ids, nil
}
