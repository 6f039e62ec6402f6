package httpapi

import (
	"io"
	"net/http"

	"github.com/tatianab/referee/internal/referee"
	"github.com/tatianab/referee/internal/session"
)

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) uploadRules(w http.ResponseWriter, r *http.Request) {
	game := r.PathValue("game")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRulebookBytes))
	if err != nil {
		s.writeError(w, badRequest{"rulebook too large or unreadable"})
		return
	}
	n, err := s.rules.Ingest(r.Context(), game, string(body))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "game_name": game, "chunks": n})
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	games, err := s.rules.Games(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"games": games})
}

func (s *Server) deleteRules(w http.ResponseWriter, r *http.Request) {
	if err := s.rules.DeleteGame(r.Context(), r.PathValue("game")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type createSessionRequest struct {
	GameName string               `json:"game_name"`
	Players  []session.PlayerSpec `json:"players"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	state, err := s.referee.CreateSession(r.Context(), req.GameName, req.Players)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, state)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.sessions.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	state, err := s.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) resetSession(w http.ResponseWriter, r *http.Request) {
	state, err := s.sessions.Reset(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type hpRequest struct {
	Delta  int    `json:"delta"`
	Reason string `json:"reason"`
}

func (s *Server) updateHP(w http.ResponseWriter, r *http.Request) {
	var req hpRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	m, err := s.referee.UpdateHP(r.Context(), r.PathValue("id"), r.PathValue("name"), req.Delta, req.Reason)
	s.writeMutation(w, m, err)
}

type effectRequest struct {
	Effect string `json:"effect"`
	// Action is "add" or "remove".
	Action string `json:"action"`
}

func (s *Server) updateEffect(w http.ResponseWriter, r *http.Request) {
	var req effectRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	id, name := r.PathValue("id"), r.PathValue("name")
	var m *referee.Mutation
	var err error
	switch req.Action {
	case "", "add":
		m, err = s.referee.ApplyEffect(r.Context(), id, name, req.Effect)
	case "remove":
		m, err = s.referee.RemoveEffect(r.Context(), id, name, req.Effect)
	default:
		err = badRequest{"action must be 'add' or 'remove'"}
	}
	s.writeMutation(w, m, err)
}

type resourceRequest struct {
	Resource string `json:"resource"`
	Delta    int    `json:"delta"`
	Reason   string `json:"reason"`
}

func (s *Server) updateResource(w http.ResponseWriter, r *http.Request) {
	var req resourceRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	m, err := s.referee.UpdateResource(r.Context(), r.PathValue("id"), r.PathValue("name"), req.Resource, req.Delta, req.Reason)
	s.writeMutation(w, m, err)
}

type nextRoundRequest struct {
	NextPlayer string `json:"next_player"`
}

func (s *Server) nextRound(w http.ResponseWriter, r *http.Request) {
	var req nextRoundRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	m, err := s.referee.NextRound(r.Context(), r.PathValue("id"), req.NextPlayer)
	s.writeMutation(w, m, err)
}

// writeMutation reports a refused change as 400 with the refusal message.
func (s *Server) writeMutation(w http.ResponseWriter, m *referee.Mutation, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !m.Result.Success {
		writeJSON(w, http.StatusBadRequest, errorBody{Success: false, Error: m.Result.Message})
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) logs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.referee.Logs(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}
