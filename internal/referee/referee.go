// Package referee answers rules questions for live sessions. It holds a
// session's lease for the whole of each question or manual change, so only
// one negotiation runs against a session at a time.
package referee

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"

	"github.com/tatianab/referee/internal/engine"
	"github.com/tatianab/referee/internal/models"
	"github.com/tatianab/referee/internal/session"
	"github.com/tatianab/referee/internal/state"
)

var (
	ErrNoRulebook    = errors.New("no rulebook uploaded for game")
	ErrEmptyQuestion = errors.New("question is required")
)

// Rulebook is the retrieval side the service needs.
type Rulebook interface {
	Search(ctx context.Context, question, game string, k int) ([]models.Fragment, error)
	Has(ctx context.Context, game string) (bool, error)
}

type Options struct {
	// TopK is how many rule fragments to retrieve per question.
	TopK int
	// MaxHistory is how many question/answer pairs a session remembers.
	MaxHistory int
	Logger     *slog.Logger
}

type Service struct {
	sessions   *session.Manager
	rules      Rulebook
	engine     *engine.Engine
	topK       int
	maxHistory int
	logger     *slog.Logger
}

func New(sessions *session.Manager, rules Rulebook, eng *engine.Engine, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	return &Service{
		sessions:   sessions,
		rules:      rules,
		engine:     eng,
		topK:       opts.TopK,
		maxHistory: opts.MaxHistory,
		logger:     opts.Logger,
	}
}

// CreateSession starts a session for a game whose rulebook is loaded.
func (s *Service) CreateSession(ctx context.Context, game string, players []session.PlayerSpec) (*models.GameState, error) {
	ok, err := s.rules.Has(ctx, strings.TrimSpace(game))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRulebook, game)
	}
	return s.sessions.Create(ctx, game, players)
}

// Ask answers a question, applying any state changes the ruling needs.
// Changes made before a failure are kept.
func (s *Service) Ask(ctx context.Context, sessionID, question string) (*engine.Outcome, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	lease, err := s.sessions.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer lease.Release(ctx)

	in, err := s.input(ctx, lease.State, question)
	if err != nil {
		return nil, err
	}
	out, err := s.engine.Negotiate(ctx, in)
	if err != nil {
		s.logger.Error("question failed", "session", sessionID, "err", err)
		return nil, err
	}
	session.AppendExchange(lease.State, question, out.Answer, s.maxHistory)
	if err := lease.Release(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// AskStream is Ask delivered as events. An unknown session is reported
// before streaming starts; later failures arrive as an error event. The
// exchange is recorded in history only when the answer completed.
func (s *Service) AskStream(ctx context.Context, sessionID, question string) (iter.Seq[engine.Event], error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		return nil, err
	}

	return func(yield func(engine.Event) bool) {
		fail := func(err error) {
			s.logger.Error("question failed", "session", sessionID, "err", err)
			if yield(engine.Event{Type: engine.EventError, Content: err.Error()}) {
				yield(engine.Event{Type: engine.EventDone})
			}
		}

		lease, err := s.sessions.Acquire(ctx, sessionID)
		if err != nil {
			fail(err)
			return
		}
		defer lease.Release(ctx)

		in, err := s.input(ctx, lease.State, question)
		if err != nil {
			fail(err)
			return
		}

		var answer strings.Builder
		failed := false
		for ev := range s.engine.NegotiateStream(ctx, in) {
			switch ev.Type {
			case engine.EventAnswerChunk:
				answer.WriteString(ev.Content)
			case engine.EventError:
				failed = true
			case engine.EventDone:
				if !failed {
					session.AppendExchange(lease.State, question, answer.String(), s.maxHistory)
				}
				// persist before the consumer hears we are done
				if err := lease.Release(ctx); err != nil && !failed {
					fail(err)
					return
				}
			}
			if !yield(ev) {
				return
			}
		}
	}, nil
}

func (s *Service) input(ctx context.Context, gs *models.GameState, question string) (engine.Input, error) {
	fragments, err := s.rules.Search(ctx, question, gs.GameName, s.topK)
	if err != nil {
		return engine.Input{}, fmt.Errorf("retrieve rules: %w", err)
	}
	return engine.Input{
		Question:  question,
		Fragments: fragments,
		State:     gs,
		History:   slices.Clone(gs.ChatHistory),
	}, nil
}

// Mutation is the outcome of a manual state change.
type Mutation struct {
	Result        state.Result        `json:"result"`
	Player        *models.PlayerState `json:"player,omitempty"`
	Round         int                 `json:"round"`
	CurrentPlayer string              `json:"current_player"`
}

func (s *Service) UpdateHP(ctx context.Context, sessionID, player string, delta int, reason string) (*Mutation, error) {
	return s.mutate(ctx, sessionID, player, func(gs *models.GameState) state.Result {
		return state.UpdatePlayerHP(gs, player, delta, reason)
	})
}

func (s *Service) ApplyEffect(ctx context.Context, sessionID, player, effect string) (*Mutation, error) {
	return s.mutate(ctx, sessionID, player, func(gs *models.GameState) state.Result {
		return state.ApplyStatusEffect(gs, player, effect)
	})
}

func (s *Service) RemoveEffect(ctx context.Context, sessionID, player, effect string) (*Mutation, error) {
	return s.mutate(ctx, sessionID, player, func(gs *models.GameState) state.Result {
		return state.RemoveStatusEffect(gs, player, effect)
	})
}

func (s *Service) UpdateResource(ctx context.Context, sessionID, player, resource string, delta int, reason string) (*Mutation, error) {
	return s.mutate(ctx, sessionID, player, func(gs *models.GameState) state.Result {
		return state.UpdatePlayerResource(gs, player, resource, delta, reason)
	})
}

// NextRound passes the turn; next may be empty to follow turn order.
func (s *Service) NextRound(ctx context.Context, sessionID, next string) (*Mutation, error) {
	return s.mutate(ctx, sessionID, "", func(gs *models.GameState) state.Result {
		return state.NextRound(gs, next)
	})
}

// Logs returns the session's action log, oldest first.
func (s *Service) Logs(ctx context.Context, sessionID string) ([]string, error) {
	gs, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return gs.ActionLog, nil
}

func (s *Service) mutate(ctx context.Context, sessionID, player string, apply func(*models.GameState) state.Result) (*Mutation, error) {
	lease, err := s.sessions.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer lease.Release(ctx)

	res := apply(lease.State)
	m := &Mutation{
		Result:        res,
		Round:         lease.State.Round,
		CurrentPlayer: lease.State.CurrentPlayer,
	}
	if p := lease.State.Player(player); p != nil {
		m.Player = p.Clone()
	}
	if err := lease.Release(ctx); err != nil {
		return nil, err
	}
	return m, nil
}
