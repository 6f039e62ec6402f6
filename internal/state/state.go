// Package state applies single validated changes to a game session.
//
// Every function is total: validation failures come back as a Result with
// Success=false and the state untouched. Callers decide how to surface them.
package state

import (
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"

	"github.com/tatianab/referee/internal/models"
)

// Result is the uniform outcome of a mutation.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`

	OldHP         *int    `json:"old_hp,omitempty"`
	NewHP         *int    `json:"new_hp,omitempty"`
	OldValue      *int    `json:"old_value,omitempty"`
	NewValue      *int    `json:"new_value,omitempty"`
	CurrentRound  *int    `json:"current_round,omitempty"`
	CurrentPlayer *string `json:"current_player,omitempty"`
}

// Failure builds an unsuccessful Result.
func Failure(format string, args ...any) Result {
	return Result{Success: false, Message: fmt.Sprintf(format, args...)}
}

func ptr[T any](v T) *T { return &v }

func unknownPlayer(name string) Result {
	return Failure("player '%s' does not exist", name)
}

func commit(s *models.GameState, msg string) {
	s.AddLog(msg)
	slog.Info("state changed", "session", s.SessionID, "change", msg)
}

// UpdatePlayerHP adds delta to a player's HP, clamped to [0, max_hp].
func UpdatePlayerHP(s *models.GameState, playerName string, delta int, reason string) Result {
	p := s.Player(playerName)
	if p == nil {
		return unknownPlayer(playerName)
	}

	oldHP := p.HP
	switch {
	case delta > p.MaxHP-p.HP:
		p.HP = p.MaxHP
	case delta < -p.HP:
		p.HP = 0
	default:
		p.HP += delta
	}

	var action string
	switch {
	case delta > 0:
		action = fmt.Sprintf("%s heals %d HP", playerName, delta)
	case delta < 0:
		action = fmt.Sprintf("%s takes %d damage", playerName, absInt(delta))
	default:
		action = fmt.Sprintf("%s HP unchanged", playerName)
	}
	msg := fmt.Sprintf("%s (%d -> %d)", action, oldHP, p.HP)
	if reason != "" {
		msg += ", reason: " + reason
	}
	commit(s, msg)

	return Result{Success: true, Message: msg, OldHP: ptr(oldHP), NewHP: ptr(p.HP)}
}

// ApplyStatusEffect adds effect to a player unless already present.
func ApplyStatusEffect(s *models.GameState, playerName, effect string) Result {
	p := s.Player(playerName)
	if p == nil {
		return unknownPlayer(playerName)
	}
	if strings.TrimSpace(effect) == "" {
		return Failure("effect name is required")
	}
	if p.HasEffect(effect) {
		return Failure("%s already has '%s' (duplicate)", playerName, effect)
	}

	p.StatusEffects = append(p.StatusEffects, effect)
	msg := fmt.Sprintf("%s gains status effect: %s", playerName, effect)
	commit(s, msg)
	return Result{Success: true, Message: msg}
}

// RemoveStatusEffect removes effect from a player if present.
func RemoveStatusEffect(s *models.GameState, playerName, effect string) Result {
	p := s.Player(playerName)
	if p == nil {
		return unknownPlayer(playerName)
	}
	i := slices.Index(p.StatusEffects, effect)
	if i < 0 {
		return Failure("%s does not have '%s'", playerName, effect)
	}

	p.StatusEffects = slices.Delete(p.StatusEffects, i, i+1)
	msg := fmt.Sprintf("%s loses status effect: %s", playerName, effect)
	commit(s, msg)
	return Result{Success: true, Message: msg}
}

// UpdatePlayerResource adds delta to a named resource; it never goes negative.
func UpdatePlayerResource(s *models.GameState, playerName, resourceName string, delta int, reason string) Result {
	p := s.Player(playerName)
	if p == nil {
		return unknownPlayer(playerName)
	}
	if strings.TrimSpace(resourceName) == "" {
		return Failure("resource name is required")
	}

	oldValue := p.Resources[resourceName]
	if delta < -oldValue {
		return Failure("%s has insufficient %s: has %d, needs %d (short by %d)",
			playerName, resourceName, oldValue, -delta, -delta-oldValue)
	}
	if delta > 0 && oldValue > math.MaxInt-delta {
		return Failure("%s %s would overflow", playerName, resourceName)
	}
	newValue := oldValue + delta

	if p.Resources == nil {
		p.Resources = make(map[string]int)
	}
	p.Resources[resourceName] = newValue

	sign := ""
	if delta > 0 {
		sign = "+"
	}
	msg := fmt.Sprintf("%s %s: %d -> %d (%s%d)", playerName, resourceName, oldValue, newValue, sign, delta)
	if reason != "" {
		msg += ", reason: " + reason
	}
	commit(s, msg)

	return Result{Success: true, Message: msg, OldValue: ptr(oldValue), NewValue: ptr(newValue)}
}

// NextRound passes the turn, either to nextPlayer or to the following
// player in turn order. The round counter goes up when rotation lands on
// the first player and someone already held the turn.
func NextRound(s *models.GameState, nextPlayer string) Result {
	if s.Phase != models.PhasePlaying {
		return Failure("cannot advance the round while the game is '%s'", s.Phase)
	}
	names := s.PlayerNames()
	if len(names) == 0 {
		return Failure("there are no players")
	}
	if nextPlayer != "" && s.Player(nextPlayer) == nil {
		return unknownPlayer(nextPlayer)
	}

	oldRound := s.Round
	oldPlayer := s.CurrentPlayer

	if nextPlayer != "" {
		s.CurrentPlayer = nextPlayer
	} else {
		next := 0
		if i := slices.Index(names, oldPlayer); i >= 0 {
			next = (i + 1) % len(names)
		}
		s.CurrentPlayer = names[next]
	}

	if s.CurrentPlayer == names[0] && oldPlayer != "" {
		s.Round++
	}

	from := oldPlayer
	if from == "" {
		from = "none"
	}
	msg := fmt.Sprintf("turn passes: %s -> %s", from, s.CurrentPlayer)
	if s.Round != oldRound {
		msg += fmt.Sprintf(" (round %d begins)", s.Round)
	}
	commit(s, msg)

	return Result{
		Success:       true,
		Message:       msg,
		CurrentRound:  ptr(s.Round),
		CurrentPlayer: ptr(s.CurrentPlayer),
	}
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
