package control

import (
	"context"
	"errors"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/discord-voice-lab/voicesession/internal/session"
)

type StartArgs struct {
	UserID string `json:"user_id,omitempty" jsonschema:"the Discord user the session is for"`
}

type StartResult struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
}

type EndArgs struct{}

type EndResult struct {
	Ended bool `json:"ended"`
}

type StatusArgs struct{}

type TurnsArgs struct{}

type StatusResult struct {
	State         string `json:"state"`
	SessionID     string `json:"session_id,omitempty"`
	Trigger       string `json:"trigger,omitempty"`
	Retries       int    `json:"retries"`
	LastEndReason string `json:"last_end_reason,omitempty"`
	DroppedFrames int64  `json:"dropped_frames"`
}

// TurnView is a Turn with its timestamp rendered as RFC 3339.
type TurnView struct {
	CorrelationID string  `json:"correlation_id"`
	Text          string  `json:"text"`
	Confidence    float64 `json:"confidence"`
	Response      string  `json:"response,omitempty"`
	At            string  `json:"at"`
}

type TurnsResult struct {
	Turns []TurnView `json:"turns"`
}

func (s *Server) addTools() {
	sdk.AddTool(s.mcp, &sdk.Tool{Name: "start_session", Description: "Open a voice session as if the wake word had been heard"}, s.startTool)
	sdk.AddTool(s.mcp, &sdk.Tool{Name: "end_session", Description: "End the active voice session"}, s.endTool)
	sdk.AddTool(s.mcp, &sdk.Tool{Name: "session_status", Description: "Report the controller state and active session"}, s.statusTool)
	sdk.AddTool(s.mcp, &sdk.Tool{Name: "session_turns", Description: "List the turns of the active or most recent session"}, s.turnsTool)
}

func (s *Server) startTool(ctx context.Context, _ *sdk.CallToolRequest, in StartArgs) (*sdk.CallToolResult, StartResult, error) {
	sess, err := s.ctrl.StartSession(ctx, in.UserID)
	if errors.Is(err, session.ErrSessionActive) {
		return toolError(err), StartResult{}, nil
	}
	if err != nil {
		return nil, StartResult{}, err
	}
	return nil, StartResult{SessionID: sess.ID, State: string(sess.State)}, nil
}

func (s *Server) endTool(ctx context.Context, _ *sdk.CallToolRequest, _ EndArgs) (*sdk.CallToolResult, EndResult, error) {
	active := s.ctrl.Status().Session != nil
	if err := s.ctrl.EndSession(ctx, session.ReasonEndCommand); err != nil {
		return nil, EndResult{}, err
	}
	return nil, EndResult{Ended: active}, nil
}

func (s *Server) statusTool(ctx context.Context, _ *sdk.CallToolRequest, _ StatusArgs) (*sdk.CallToolResult, StatusResult, error) {
	st := s.ctrl.Status()
	out := StatusResult{State: string(st.State), LastEndReason: string(st.LastEndReason), DroppedFrames: st.DroppedFrames}
	if st.Session != nil {
		out.SessionID = st.Session.ID
		out.Trigger = string(st.Session.Trigger)
		out.Retries = st.Session.Retries
	}
	return nil, out, nil
}

func (s *Server) turnsTool(ctx context.Context, _ *sdk.CallToolRequest, _ TurnsArgs) (*sdk.CallToolResult, TurnsResult, error) {
	turns := s.ctrl.Turns()
	out := TurnsResult{Turns: make([]TurnView, 0, len(turns))}
	for _, t := range turns {
		out.Turns = append(out.Turns, TurnView{
			CorrelationID: t.CorrelationID,
			Text:          t.Text,
			Confidence:    t.Confidence,
			Response:      t.Response,
			At:            t.At.UTC().Format(time.RFC3339Nano),
		})
	}
	return nil, out, nil
}

func toolError(err error) *sdk.CallToolResult {
	return &sdk.CallToolResult{IsError: true, Content: []sdk.Content{&sdk.TextContent{Text: err.Error()}}}
}
