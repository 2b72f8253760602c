package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/discord-voice-lab/voicesession/internal/logging"
	"github.com/discord-voice-lab/voicesession/internal/mcp"
	"github.com/discord-voice-lab/voicesession/internal/session"
)

type fakeController struct {
	mu     sync.Mutex
	active *session.VoiceSession
	ended  []session.EndReason
	turns  []session.Turn
	subs   []chan session.Event
}

func (f *fakeController) StartSession(ctx context.Context, userID string) (session.VoiceSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active != nil {
		return session.VoiceSession{}, session.ErrSessionActive
	}
	f.active = &session.VoiceSession{ID: "sess-1", UserID: userID, Trigger: session.TriggerManual, State: session.StateListening}
	return *f.active, nil
}

func (f *fakeController) EndSession(ctx context.Context, reason session.EndReason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, reason)
	f.active = nil
	return nil
}

func (f *fakeController) Status() session.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := session.Status{State: session.StateIdle}
	if f.active != nil {
		cp := *f.active
		st.State, st.Session = cp.State, &cp
	}
	return st
}

func (f *fakeController) Turns() []session.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.Turn(nil), f.turns...)
}

func (f *fakeController) Subscribe(buffer int) (<-chan session.Event, func()) {
	ch := make(chan session.Event, buffer)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch, func() {}
}

func (f *fakeController) publish(ev session.Event) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		ch <- ev
	}
	return len(f.subs)
}

func newTestServer(t *testing.T) (*fakeController, *httptest.Server) {
	t.Helper()
	fc := &fakeController{}
	srv := httptest.NewServer(New(fc, logging.Nop()).Handler())
	t.Cleanup(srv.Close)
	return fc, srv
}

func TestHealthAndStatus(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	var health map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || health["status"] != "ok" || health["state"] != "IDLE" {
		t.Fatalf("health: code=%d body=%v", resp.StatusCode, health)
	}

	resp, err = http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	var st session.Status
	_ = json.NewDecoder(resp.Body).Decode(&st)
	resp.Body.Close()
	if st.State != session.StateIdle || st.Session != nil {
		t.Fatalf("status: %+v", st)
	}
}

func TestStartAndEnd(t *testing.T) {
	fc, srv := newTestServer(t)
	post := func(path, body string) int {
		resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if code := post("/session/start", `{"user_id":"u1"}`); code != http.StatusCreated {
		t.Fatalf("start: want=201 got=%d", code)
	}
	if code := post("/session/start", ""); code != http.StatusConflict {
		t.Fatalf("second start: want=409 got=%d", code)
	}
	if code := post("/session/start", "{"); code != http.StatusBadRequest {
		t.Fatalf("bad body: want=400 got=%d", code)
	}
	if code := post("/session/end", ""); code != http.StatusNoContent {
		t.Fatalf("end: want=204 got=%d", code)
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.ended) != 1 || fc.ended[0] != session.ReasonEndCommand {
		t.Fatalf("end reasons: %v", fc.ended)
	}
}

func TestEventStream(t *testing.T) {
	fc, srv := newTestServer(t)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for fc.publish(session.Event{Type: session.EventSessionStarted, SessionID: "sess-1"}) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev session.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != session.EventSessionStarted || ev.SessionID != "sess-1" {
		t.Fatalf("event: %+v", ev)
	}
}

func TestMCPTools(t *testing.T) {
	fc, srv := newTestServer(t)
	fc.turns = []session.Turn{{CorrelationID: "c1", Text: "hello", Confidence: 0.9, Response: "hi", At: time.Unix(10, 0)}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr, err := mcp.DialWebSocket(ctx, srv.URL+"/mcp/ws")
	if err != nil {
		t.Fatal(err)
	}
	client := sdk.NewClient(&sdk.Implementation{Name: "test", Version: "v0.0.1"}, nil)
	sess, err := mcp.Connect(ctx, client, tr, 0, logging.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	call := func(name string, args map[string]any) map[string]any {
		t.Helper()
		res, err := sess.CallTool(ctx, &sdk.CallToolParams{Name: name, Arguments: args})
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if res.IsError {
			return map[string]any{"is_error": true}
		}
		m, _ := res.StructuredContent.(map[string]any)
		return m
	}

	if got := call("start_session", map[string]any{"user_id": "u1"}); got["session_id"] != "sess-1" {
		t.Fatalf("start_session: %v", got)
	}
	if got := call("start_session", map[string]any{}); got["is_error"] != true {
		t.Fatalf("second start_session: %v", got)
	}
	if got := call("session_status", map[string]any{}); got["state"] != "LISTENING" || got["session_id"] != "sess-1" {
		t.Fatalf("session_status: %v", got)
	}
	turns := call("session_turns", map[string]any{})
	if list, _ := turns["turns"].([]any); len(list) != 1 {
		t.Fatalf("session_turns: %v", turns)
	}
	if got := call("end_session", map[string]any{}); got["ended"] != true {
		t.Fatalf("end_session: %v", got)
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if n := len(fc.ended); n == 0 || fc.ended[n-1] != session.ReasonEndCommand {
		t.Fatalf("end reasons: %v", fc.ended)
	}
}
