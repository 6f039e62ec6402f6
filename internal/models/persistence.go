package models

import (
	"errors"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSaveDir is where snapshots go when no directory is configured.
const DefaultSaveDir = ".saves"

const stateFile = "state.yaml"

// ErrInvalidSessionID is returned for IDs that are not a single path
// element.
var ErrInvalidSessionID = errors.New("invalid session id")

func stateDir(dir, sessionID string) (string, error) {
	if dir == "" {
		dir = DefaultSaveDir
	}
	if sessionID == "" || sessionID == "." || sessionID == ".." || filepath.Base(sessionID) != sessionID {
		return "", ErrInvalidSessionID
	}
	return filepath.Join(dir, sessionID), nil
}

// Save writes the state to <dir>/<session id>/state.yaml.
func (s *GameState) Save(dir string) error {
	sessionDir, err := stateDir(dir, s.SessionID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}

	// Write then rename so a crash never leaves a half-written snapshot.
	tmp := filepath.Join(sessionDir, stateFile+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(sessionDir, stateFile))
}

// LoadState reads a snapshot written by Save.
func LoadState(dir, sessionID string) (*GameState, error) {
	sessionDir, err := stateDir(dir, sessionID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(sessionDir, stateFile))
	if err != nil {
		return nil, err
	}

	var state GameState
	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// RemoveState deletes a session's snapshot directory.
func RemoveState(dir, sessionID string) error {
	sessionDir, err := stateDir(dir, sessionID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(sessionDir); err != nil {
		return err
	}
	return os.RemoveAll(sessionDir)
}

// ListStates returns the session IDs that have a snapshot under dir.
func ListStates(dir string) ([]string, error) {
	if dir == "" {
		dir = DefaultSaveDir
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			// state.yaml marks a valid session
			if _, err := os.Stat(filepath.Join(dir, entry.Name(), stateFile)); err == nil {
				ids = append(ids, entry.Name())
			}
		}
	}
	return ids, nil
}
