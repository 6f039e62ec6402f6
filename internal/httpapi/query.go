package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tatianab/referee/internal/engine"
)

type queryRequest struct {
	SessionID string `json:"session_id"`
	Question  string `json:"question"`
}

func (s *Server) query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	out, err := s.referee.Ask(r.Context(), req.SessionID, req.Question)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// queryStream writes one SSE "data:" line per event. A dropped client
// cancels the request context, which stops the negotiation.
func (s *Server) queryStream(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	seq, err := s.referee.AskStream(r.Context(), req.SessionID, req.Question)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	for ev := range seq {
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error("encode event", "err", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			s.logger.Info("stream client went away", "session", req.SessionID)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// queryWebsocket expects one query message, then sends one JSON message
// per event and closes after done. A dropped connection cancels the
// negotiation.
func (s *Server) queryWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	var req queryRequest
	if err := conn.ReadJSON(&req); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "expected query"), time.Now().Add(time.Second))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	// The client sends nothing more; a failed read means it went away.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(ev engine.Event) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(ev) == nil
	}

	seq, err := s.referee.AskStream(ctx, req.SessionID, req.Question)
	if err != nil {
		if send(engine.Event{Type: engine.EventError, Content: err.Error()}) {
			send(engine.Event{Type: engine.EventDone})
		}
	} else {
		for ev := range seq {
			if !send(ev) {
				s.logger.Info("websocket client went away", "session", req.SessionID)
				return
			}
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}
