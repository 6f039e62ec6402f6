// Package httpapi exposes the referee over HTTP, Server-Sent Events and
// websockets.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tatianab/referee/internal/models"
	"github.com/tatianab/referee/internal/referee"
	"github.com/tatianab/referee/internal/rulebook"
	"github.com/tatianab/referee/internal/session"
)

const maxRulebookBytes = 10 << 20

// Rules is the rulebook administration the API needs.
type Rules interface {
	Ingest(ctx context.Context, game, text string) (int, error)
	Games(ctx context.Context) ([]rulebook.Game, error)
	DeleteGame(ctx context.Context, game string) error
}

type Server struct {
	referee  *referee.Service
	sessions *session.Manager
	rules    Rules
	logger   *slog.Logger

	upgrader websocket.Upgrader
}

func NewServer(svc *referee.Service, sessions *session.Manager, rules Rules, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		referee:  svc,
		sessions: sessions,
		rules:    rules,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)

	mux.HandleFunc("POST /api/rules/{game}", s.uploadRules)
	mux.HandleFunc("GET /api/rules", s.listRules)
	mux.HandleFunc("DELETE /api/rules/{game}", s.deleteRules)

	mux.HandleFunc("POST /api/sessions", s.createSession)
	mux.HandleFunc("GET /api/sessions", s.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.getSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.deleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/reset", s.resetSession)

	mux.HandleFunc("PATCH /api/sessions/{id}/players/{name}/hp", s.updateHP)
	mux.HandleFunc("PATCH /api/sessions/{id}/players/{name}/effects", s.updateEffect)
	mux.HandleFunc("PATCH /api/sessions/{id}/players/{name}/resources", s.updateResource)
	mux.HandleFunc("POST /api/sessions/{id}/next-round", s.nextRound)
	mux.HandleFunc("GET /api/sessions/{id}/logs", s.logs)

	mux.HandleFunc("POST /api/query", s.query)
	mux.HandleFunc("POST /api/query/stream", s.queryStream)
	mux.HandleFunc("GET /api/query/ws", s.queryWebsocket)
	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "took", time.Since(start))
	})
}

type badRequest struct{ msg string }

func (e badRequest) Error() string { return e.msg }

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return badRequest{fmt.Sprintf("invalid request body: %v", err)}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// writeError maps domain errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var br badRequest
	switch {
	case errors.As(err, &br):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrNotFound), errors.Is(err, rulebook.ErrUnknownGame):
		status = http.StatusNotFound
	case errors.Is(err, referee.ErrNoRulebook),
		errors.Is(err, referee.ErrEmptyQuestion),
		errors.Is(err, rulebook.ErrEmptyDocument),
		errors.Is(err, session.ErrNoPlayers),
		errors.Is(err, session.ErrDuplicatePlayer),
		errors.Is(err, session.ErrEmptyGameName),
		errors.Is(err, models.ErrEmptyPlayerName),
		errors.Is(err, models.ErrInvalidMaxHP),
		errors.Is(err, models.ErrHPOutOfRange),
		errors.Is(err, models.ErrMPPairMismatch),
		errors.Is(err, models.ErrMPOutOfRange),
		errors.Is(err, models.ErrNegativeResource):
		status = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
	}
	writeJSON(w, status, errorBody{Success: false, Error: err.Error()})
}
