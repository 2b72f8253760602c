// Package control exposes the session controller over HTTP: health and
// status endpoints, manual start and end, a websocket event stream and an
// MCP endpoint with session tools.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/discord-voice-lab/voicesession/internal/logging"
	"github.com/discord-voice-lab/voicesession/internal/mcp"
	"github.com/discord-voice-lab/voicesession/internal/session"
)

// Controller is the part of session.Controller the server drives.
type Controller interface {
	StartSession(ctx context.Context, userID string) (session.VoiceSession, error)
	EndSession(ctx context.Context, reason session.EndReason) error
	Status() session.Status
	Turns() []session.Turn
	Subscribe(buffer int) (<-chan session.Event, func())
}

type Server struct {
	ctrl     Controller
	log      logging.Logger
	mcp      *sdk.Server
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

func New(ctrl Controller, log logging.Logger) *Server {
	if log == nil {
		log = logging.Nop()
	}
	s := &Server{
		ctrl: ctrl,
		log:  log.With("component", "control"),
		mcp:  sdk.NewServer(&sdk.Implementation{Name: "voicesession", Version: "v1.0.0"}, nil),
		mux:  http.NewServeMux(),
	}
	s.addTools()
	s.mux.HandleFunc("GET /health", s.health)
	s.mux.HandleFunc("GET /status", s.status)
	s.mux.HandleFunc("POST /session/start", s.start)
	s.mux.HandleFunc("POST /session/end", s.end)
	s.mux.HandleFunc("GET /events", s.events)
	s.mux.HandleFunc("GET /mcp/ws", s.mcpWS)
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe serves addr until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.mux, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Infow("control server listening", "addr", addr)
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "state": string(s.ctrl.Status().State)})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

type startRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	sess, err := s.ctrl.StartSession(r.Context(), req.UserID)
	switch {
	case errors.Is(err, session.ErrSessionActive):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeJSON(w, http.StatusCreated, sess)
	}
}

func (s *Server) end(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.EndSession(r.Context(), session.ReasonEndCommand); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// events streams lifecycle events as JSON text messages until the client
// goes away or the controller closes.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("ws upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	ch, unsubscribe := s.ctrl.Subscribe(256)
	defer unsubscribe()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case <-gone:
			return
		case ev, ok := <-ch:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "controller closed"))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Debugw("event stream write failed", "err", err)
				return
			}
		}
	}
}

func (s *Server) mcpWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("ws upgrade failed", "err", err)
		return
	}
	go func() {
		ss, err := s.mcp.Connect(context.Background(), mcp.NewWebSocketTransport(conn), nil)
		if err != nil {
			s.log.Warnw("mcp server connect error", "err", err)
			return
		}
		if err := ss.Wait(); err != nil {
			s.log.Debugw("mcp session ended", "err", err)
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
