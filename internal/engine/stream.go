package engine

import (
	"context"
	"errors"
	"iter"

	"github.com/tatianab/referee/internal/llm"
	"github.com/tatianab/referee/internal/models"
)

type EventType string

const (
	EventStateChange   EventType = "state_change"
	EventRuleReference EventType = "rule_reference"
	EventAnswerChunk   EventType = "answer_chunk"
	EventError         EventType = "error"
	EventDone          EventType = "done"
)

// Event is one item of a streamed negotiation. Data carries a
// models.StateChange or models.RuleReference; Content carries answer text
// or an error message.
type Event struct {
	Type    EventType `json:"type"`
	Data    any       `json:"data,omitempty"`
	Content string    `json:"content,omitempty"`
}

var errConsumerGone = errors.New("stream consumer stopped")

// NegotiateStream runs the same negotiation as Negotiate but delivers its
// results as events: state changes as they happen, then rule references,
// then the answer in chunks. Every sequence a consumer reads to the end
// finishes with exactly one done event; failures arrive as an error event
// right before it. Breaking out of the range stops the negotiation and any
// upstream token stream.
func (e *Engine) NegotiateStream(ctx context.Context, in Input) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		err := e.stream(ctx, in, yield)
		switch {
		case errors.Is(err, errConsumerGone):
			e.logger.Info("stream consumer went away", "session", sessionID(in))
			return
		case err != nil:
			e.logger.Error("negotiation stream failed", "session", sessionID(in), "err", err)
			if !yield(Event{Type: EventError, Content: err.Error()}) {
				return
			}
		}
		yield(Event{Type: EventDone})
	}
}

func (e *Engine) stream(ctx context.Context, in Input, yield func(Event) bool) error {
	n, err := e.negotiate(ctx, in, func(change models.StateChange) error {
		if !yield(Event{Type: EventStateChange, Data: change}) {
			return errConsumerGone
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, ref := range references(in.Fragments) {
		if !yield(Event{Type: EventRuleReference, Data: ref}) {
			return errConsumerGone
		}
	}

	if !n.pending {
		if !yield(Event{Type: EventAnswerChunk, Content: n.answer}) {
			return errConsumerGone
		}
		return nil
	}

	// The round limit cut the engine off mid-negotiation; ask once more for
	// a conclusion with tools disabled and stream it through.
	e.logger.Info("streaming concluding answer", "session", sessionID(in))
	if e.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
	}
	req := llm.Request{Messages: n.messages, Tools: e.tools.Specs(), NoTools: true}
	return e.model.Stream(ctx, req, func(token string) error {
		if token == "" {
			return nil
		}
		if !yield(Event{Type: EventAnswerChunk, Content: token}) {
			return errConsumerGone
		}
		return nil
	})
}

func sessionID(in Input) string {
	if in.State == nil {
		return ""
	}
	return in.State.SessionID
}
