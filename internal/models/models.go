package models

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"time"
)

// Phase is the coarse lifecycle stage of a session.
type Phase string

const (
	PhaseWaiting Phase = "waiting"
	PhasePlaying Phase = "playing"
	PhaseEnded   Phase = "ended"
)

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseWaiting, PhasePlaying, PhaseEnded:
		return true
	}
	return false
}

var (
	ErrInvalidMaxHP     = errors.New("max hp must be at least 1")
	ErrHPOutOfRange     = errors.New("hp must be between 0 and max hp")
	ErrMPPairMismatch   = errors.New("mp and max mp must be set together")
	ErrMPOutOfRange     = errors.New("mp must be between 0 and max mp")
	ErrNegativeResource = errors.New("resource values must be non-negative")
	ErrEmptyPlayerName  = errors.New("player name is required")
)

// PlayerState is one player's mutable state within a session.
type PlayerState struct {
	Name          string         `yaml:"name" json:"name"`
	HP            int            `yaml:"hp" json:"hp"`
	MaxHP         int            `yaml:"max_hp" json:"max_hp"`
	MP            *int           `yaml:"mp,omitempty" json:"mp,omitempty"`         // nil when the game has no resource-point system
	MaxMP         *int           `yaml:"max_mp,omitempty" json:"max_mp,omitempty"` // set together with MP
	StatusEffects []string       `yaml:"status_effects" json:"status_effects"`
	Resources     map[string]int `yaml:"resources" json:"resources"` // e.g. {"gold": 100}
}

// NewPlayer builds a player and checks its invariants.
func NewPlayer(name string, hp, maxHP int, mp, maxMP *int, resources map[string]int) (*PlayerState, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyPlayerName
	}
	if maxHP < 1 {
		return nil, fmt.Errorf("%s: %w", name, ErrInvalidMaxHP)
	}
	if hp < 0 || hp > maxHP {
		return nil, fmt.Errorf("%s: %w", name, ErrHPOutOfRange)
	}
	if (mp == nil) != (maxMP == nil) {
		return nil, fmt.Errorf("%s: %w", name, ErrMPPairMismatch)
	}
	if mp != nil && (*mp < 0 || *mp > *maxMP) {
		return nil, fmt.Errorf("%s: %w", name, ErrMPOutOfRange)
	}
	res := make(map[string]int, len(resources))
	for k, v := range resources {
		if v < 0 {
			return nil, fmt.Errorf("%s: %s: %w", name, k, ErrNegativeResource)
		}
		res[k] = v
	}
	p := &PlayerState{
		Name:          name,
		HP:            hp,
		MaxHP:         maxHP,
		StatusEffects: []string{},
		Resources:     res,
	}
	if mp != nil {
		cur, limit := *mp, *maxMP
		p.MP, p.MaxMP = &cur, &limit
	}
	return p, nil
}

// HasEffect reports whether the player currently carries effect.
func (p *PlayerState) HasEffect(effect string) bool {
	return slices.Contains(p.StatusEffects, effect)
}

// Clone returns a deep copy of the player.
func (p *PlayerState) Clone() *PlayerState {
	c := *p
	if p.MP != nil {
		mp := *p.MP
		c.MP = &mp
	}
	if p.MaxMP != nil {
		maxMP := *p.MaxMP
		c.MaxMP = &maxMP
	}
	c.StatusEffects = slices.Clone(p.StatusEffects)
	if p.Resources != nil {
		c.Resources = maps.Clone(p.Resources)
	}
	return &c
}

// Role tags a chat history turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry in a session's chat history.
type Turn struct {
	Role    Role   `yaml:"role" json:"role"`
	Content string `yaml:"content" json:"content"`
}

// GameState is the full record of one play session.
type GameState struct {
	SessionID     string         `yaml:"session_id" json:"session_id"`
	GameName      string         `yaml:"game_name" json:"game_name"` // selects the rulebook
	Round         int            `yaml:"round" json:"round"`
	CurrentPlayer string         `yaml:"current_player" json:"current_player"` // "" before play starts
	Phase         Phase          `yaml:"phase" json:"phase"`
	Players       []*PlayerState `yaml:"players" json:"players"` // slice order is turn order
	GlobalEffects []string       `yaml:"global_effects" json:"global_effects"`
	ActionLog     []string       `yaml:"action_log" json:"action_log"`
	ChatHistory   []Turn         `yaml:"chat_history" json:"chat_history"`
	CreatedAt     time.Time      `yaml:"created_at" json:"created_at"`
}

// Clone returns a deep copy of the state.
func (s *GameState) Clone() *GameState {
	c := *s
	c.Players = make([]*PlayerState, len(s.Players))
	for i, p := range s.Players {
		c.Players[i] = p.Clone()
	}
	c.GlobalEffects = slices.Clone(s.GlobalEffects)
	c.ActionLog = slices.Clone(s.ActionLog)
	c.ChatHistory = slices.Clone(s.ChatHistory)
	return &c
}

// Player returns the named player or nil.
func (s *GameState) Player(name string) *PlayerState {
	for _, p := range s.Players {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// PlayerNames returns player names in turn order.
func (s *GameState) PlayerNames() []string {
	names := make([]string, len(s.Players))
	for i, p := range s.Players {
		names[i] = p.Name
	}
	return names
}

// AddLog appends a timestamped line to the action log.
func (s *GameState) AddLog(message string) {
	s.ActionLog = append(s.ActionLog, fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), message))
}

// Summary renders the state as plain text for the reasoning engine.
func (s *GameState) Summary() string {
	current := s.CurrentPlayer
	if current == "" {
		current = "none"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Game: %s\n", s.GameName)
	fmt.Fprintf(&b, "Round: %d\n", s.Round)
	fmt.Fprintf(&b, "Phase: %s\n", s.Phase)
	fmt.Fprintf(&b, "Current player: %s\n", current)
	b.WriteString("\nPlayers:\n")

	for _, p := range s.Players {
		effects := "none"
		if len(p.StatusEffects) > 0 {
			effects = strings.Join(p.StatusEffects, ", ")
		}
		fmt.Fprintf(&b, "  - %s: HP %d/%d", p.Name, p.HP, p.MaxHP)
		if p.MP != nil && p.MaxMP != nil {
			fmt.Fprintf(&b, ", MP %d/%d", *p.MP, *p.MaxMP)
		}
		fmt.Fprintf(&b, ", effects: %s", effects)
		if len(p.Resources) > 0 {
			keys := make([]string, 0, len(p.Resources))
			for k := range p.Resources {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			parts := make([]string, len(keys))
			for i, k := range keys {
				parts[i] = fmt.Sprintf("%s:%d", k, p.Resources[k])
			}
			fmt.Fprintf(&b, ", resources: %s", strings.Join(parts, ", "))
		}
		b.WriteString("\n")
	}

	if len(s.GlobalEffects) > 0 {
		fmt.Fprintf(&b, "\nGlobal effects: %s\n", strings.Join(s.GlobalEffects, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

// Fragment is a retrieved piece of rule text with its relevance score.
type Fragment struct {
	Content string  `yaml:"content" json:"content"`
	Score   float64 `yaml:"score" json:"score"`
}

// RuleReference is a rule fragment cited in a ruling.
type RuleReference struct {
	Content string  `json:"content"`
	Page    int     `json:"page,omitempty"`
	Score   float64 `json:"score"`
}

// StateChange is the audit record of one attempted mutation.
type StateChange struct {
	Action  string         `yaml:"action" json:"action"`
	Player  string         `yaml:"player,omitempty" json:"player,omitempty"` // empty for turn advance
	Details map[string]any `yaml:"details" json:"details"`
	Reason  string         `yaml:"reason" json:"reason"`
	Success bool           `yaml:"success" json:"success"`
	Message string         `yaml:"message" json:"message"`
}
