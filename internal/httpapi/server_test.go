package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tatianab/referee/internal/engine"
	"github.com/tatianab/referee/internal/llm"
	"github.com/tatianab/referee/internal/llm/llmtest"
	"github.com/tatianab/referee/internal/models"
	"github.com/tatianab/referee/internal/referee"
	"github.com/tatianab/referee/internal/rulebook"
	"github.com/tatianab/referee/internal/session"
	"github.com/tatianab/referee/internal/tools"
)

const rules = `Strike: the attacker deals 3 damage to an adjacent player.

Poison: a poisoned player takes 1 damage at the start of each turn.`

func newTestServer(t *testing.T, responses ...llmtest.Response) *httptest.Server {
	t.Helper()
	return newServerWith(t, session.NewMemoryStore(), llmtest.New(responses...))
}

func newServerWith(t *testing.T, store session.Store, model llm.Model) *httptest.Server {
	t.Helper()
	book, err := rulebook.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = book.Close() })

	registry, err := tools.NewRegistry()
	require.NoError(t, err)
	eng, err := engine.New(model, registry)
	require.NoError(t, err)

	sessions := session.NewManager(store, nil)
	svc := referee.New(sessions, book, eng, referee.Options{TopK: 3, MaxHistory: 10})

	srv := httptest.NewServer(NewServer(svc, sessions, book, nil).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

// setupSession uploads the rulebook and creates a two player session.
func setupSession(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	status, body := do(t, http.MethodPost, srv.URL+"/api/rules/Skirmish", rules)
	require.Equal(t, http.StatusCreated, status, body)

	status, body = do(t, http.MethodPost, srv.URL+"/api/sessions", `{
		"game_name": "Skirmish",
		"players": [{"name": "A", "hp": 4, "max_hp": 4}, {"name": "B", "hp": 3, "max_hp": 3, "resources": {"gold": 2}}]
	}`)
	require.Equal(t, http.StatusCreated, status, body)
	id, ok := body["session_id"].(string)
	require.True(t, ok)
	return id
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	status, body := do(t, http.MethodGet, srv.URL+"/health", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestRules(t *testing.T) {
	srv := newTestServer(t)

	status, body := do(t, http.MethodPost, srv.URL+"/api/rules/Skirmish", "  ")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, false, body["success"])

	status, _ = do(t, http.MethodPost, srv.URL+"/api/rules/Skirmish", rules)
	require.Equal(t, http.StatusCreated, status)

	status, body = do(t, http.MethodGet, srv.URL+"/api/rules", "")
	require.Equal(t, http.StatusOK, status)
	games := body["games"].([]any)
	require.Len(t, games, 1)
	assert.Equal(t, "Skirmish", games[0].(map[string]any)["game_name"])

	status, _ = do(t, http.MethodDelete, srv.URL+"/api/rules/Skirmish", "")
	assert.Equal(t, http.StatusOK, status)
	status, _ = do(t, http.MethodDelete, srv.URL+"/api/rules/Skirmish", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSessions(t *testing.T) {
	srv := newTestServer(t)

	// no rulebook yet
	status, _ := do(t, http.MethodPost, srv.URL+"/api/sessions", `{"game_name":"Skirmish","players":[{"name":"A","hp":1,"max_hp":1}]}`)
	assert.Equal(t, http.StatusBadRequest, status)

	id := setupSession(t, srv)

	status, body := do(t, http.MethodGet, srv.URL+"/api/sessions/"+id, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "A", body["current_player"])
	assert.Equal(t, string(models.PhasePlaying), body["phase"])

	status, body = do(t, http.MethodGet, srv.URL+"/api/sessions", "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["sessions"], 1)

	status, body = do(t, http.MethodPost, srv.URL+"/api/sessions", `{"game_name":"Skirmish","players":[{"name":"A","hp":1,"max_hp":1},{"name":"A","hp":1,"max_hp":1}]}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "duplicate")

	status, _ = do(t, http.MethodDelete, srv.URL+"/api/sessions/"+id, "")
	assert.Equal(t, http.StatusOK, status)
	status, _ = do(t, http.MethodGet, srv.URL+"/api/sessions/"+id, "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSessions_EscapedPathID(t *testing.T) {
	root := t.TempDir()
	precious := filepath.Join(root, "victim", "precious.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(precious), 0o755))
	require.NoError(t, os.WriteFile(precious, []byte("keep"), 0o600))

	srv := newServerWith(t, session.NewYAMLStore(filepath.Join(root, "saves")), llmtest.New())
	setupSession(t, srv)

	status, _ := do(t, http.MethodDelete, srv.URL+"/api/sessions/..%2Fvictim", "")
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = do(t, http.MethodGet, srv.URL+"/api/sessions/..%2Fvictim", "")
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = do(t, http.MethodPost, srv.URL+"/api/sessions/..%2Fvictim/reset", "")
	assert.Equal(t, http.StatusNotFound, status)

	assert.FileExists(t, precious)
}

func TestManualState(t *testing.T) {
	srv := newTestServer(t)
	id := setupSession(t, srv)
	base := srv.URL + "/api/sessions/" + id

	status, body := do(t, http.MethodPatch, base+"/players/B/hp", `{"delta":-5,"reason":"fall"}`)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, float64(0), body["player"].(map[string]any)["hp"])

	status, body = do(t, http.MethodPatch, base+"/players/Z/hp", `{"delta":1}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "does not exist")

	status, _ = do(t, http.MethodPatch, base+"/players/A/effects", `{"effect":"Poison"}`)
	assert.Equal(t, http.StatusOK, status)
	status, _ = do(t, http.MethodPatch, base+"/players/A/effects", `{"effect":"Poison","action":"remove"}`)
	assert.Equal(t, http.StatusOK, status)
	status, _ = do(t, http.MethodPatch, base+"/players/A/effects", `{"effect":"Poison","action":"toggle"}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = do(t, http.MethodPatch, base+"/players/B/resources", `{"resource":"gold","delta":-3,"reason":"buy"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "insufficient")

	status, body = do(t, http.MethodPost, base+"/next-round", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "B", body["current_player"])

	status, body = do(t, http.MethodGet, base+"/logs", "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["logs"], 5)

	status, body = do(t, http.MethodPost, base+"/reset", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "A", body["current_player"])
}

func TestQuery(t *testing.T) {
	srv := newTestServer(t,
		llmtest.Calls("", llmtest.Call("c1", "update_player_hp", map[string]any{"player_name": "B", "delta": -3, "reason": "hit by Strike"})),
		llmtest.Reply("B is knocked out."),
	)
	id := setupSession(t, srv)

	status, body := do(t, http.MethodPost, srv.URL+"/api/query", `{"session_id":"`+id+`","question":"A strikes B"}`)

	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "B is knocked out.", body["answer"])
	changes := body["state_changes"].([]any)
	require.Len(t, changes, 1)
	assert.Equal(t, "update_player_hp", changes[0].(map[string]any)["action"])
	assert.NotEmpty(t, body["rule_references"])

	status, _ = do(t, http.MethodPost, srv.URL+"/api/query", `{"session_id":"nope","question":"q"}`)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = do(t, http.MethodPost, srv.URL+"/api/query", `{"session_id":"`+id+`","question":""}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestQueryStream(t *testing.T) {
	srv := newTestServer(t,
		llmtest.Calls("", llmtest.Call("c1", "apply_status_effect", map[string]any{"player_name": "A", "effect": "Poison"})),
		llmtest.Reply("A is poisoned."),
	)
	id := setupSession(t, srv)

	resp, err := http.Post(srv.URL+"/api/query/stream", "application/json",
		strings.NewReader(`{"session_id":"`+id+`","question":"Poison A"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var types []string
	var answer string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev struct {
			Type    string `json:"type"`
			Content string `json:"content"`
		}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		types = append(types, ev.Type)
		if ev.Type == "answer_chunk" {
			answer += ev.Content
		}
	}
	require.NoError(t, scanner.Err())

	assert.Equal(t, []string{"state_change", "rule_reference", "answer_chunk", "done"}, types)
	assert.Equal(t, "A is poisoned.", answer)
}

func TestQueryWebsocket(t *testing.T) {
	srv := newTestServer(t, llmtest.Reply("Strike deals 3 damage."))
	id := setupSession(t, srv)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/query/ws"
	conn, _, err := websocket.DefaultDialer.DialContext(context.Background(), url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"session_id": id, "question": "What does Strike do?"}))

	var types []engine.EventType
	for {
		var ev engine.Event
		if err := conn.ReadJSON(&ev); err != nil {
			break
		}
		types = append(types, ev.Type)
		if ev.Type == engine.EventDone {
			break
		}
	}
	assert.Equal(t, []engine.EventType{engine.EventRuleReference, engine.EventAnswerChunk, engine.EventDone}, types)
}

func TestQueryWebsocket_UnknownSession(t *testing.T) {
	srv := newTestServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/query/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"session_id": "nope", "question": "q"}))

	var first, second engine.Event
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, engine.EventError, first.Type)
	assert.Contains(t, first.Content, "not found")
	assert.Equal(t, engine.EventDone, second.Type)
}

// stallingModel blocks every call until its context ends.
type stallingModel struct {
	started   chan struct{}
	cancelled chan struct{}
}

func (m *stallingModel) Generate(ctx context.Context, _ llm.Request) (llm.Message, error) {
	close(m.started)
	<-ctx.Done()
	close(m.cancelled)
	return llm.Message{}, ctx.Err()
}

func (m *stallingModel) Stream(ctx context.Context, _ llm.Request, _ func(string) error) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestQueryWebsocket_ClientGoneCancelsRuling(t *testing.T) {
	model := &stallingModel{started: make(chan struct{}), cancelled: make(chan struct{})}
	srv := newServerWith(t, session.NewMemoryStore(), model)
	id := setupSession(t, srv)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/query/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(map[string]string{"session_id": id, "question": "What does Strike do?"}))

	select {
	case <-model.started:
	case <-time.After(5 * time.Second):
		t.Fatal("ruling never started")
	}
	require.NoError(t, conn.Close())

	select {
	case <-model.cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("ruling kept running after the client left")
	}
}
