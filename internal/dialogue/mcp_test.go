package dialogue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/discord-voice-lab/voicesession/internal/resilience"
	"github.com/discord-voice-lab/voicesession/internal/session"
)

type respondArgs struct {
	SessionID     string `json:"session_id"`
	Text          string `json:"text"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func newMCPEngine(t *testing.T, handler func(respondArgs) *sdk.CallToolResult) (*MCPEngine, *atomic.Int32) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	server := sdk.NewServer(&sdk.Implementation{Name: "dialogue-test", Version: "v0.0.1"}, nil)
	sdk.AddTool(server, &sdk.Tool{Name: "respond", Description: "reply to the user"},
		func(ctx context.Context, req *sdk.CallToolRequest, in respondArgs) (*sdk.CallToolResult, any, error) {
			return handler(in), nil, nil
		})
	ct, st := sdk.NewInMemoryTransports()
	ss, err := server.Connect(ctx, st, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { _ = ss.Close() })

	var dials atomic.Int32
	e := NewMCPEngine("ws://unused", "", nil)
	e.Keepalive = 0
	e.Dial = func(context.Context) (sdk.Transport, error) {
		dials.Add(1)
		return ct, nil
	}
	t.Cleanup(func() { _ = e.Close() })
	return e, &dials
}

func TestMCPRespond(t *testing.T) {
	var seen respondArgs
	e, dials := newMCPEngine(t, func(in respondArgs) *sdk.CallToolResult {
		seen = in
		return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: "you said " + in.Text}}}
	})
	ctx := session.WithCorrelationID(context.Background(), "cid-9")
	got, err := e.Respond(ctx, "s1", "hello")
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if got != "you said hello" {
		t.Fatalf("reply: got=%q", got)
	}
	if seen.SessionID != "s1" || seen.CorrelationID != "cid-9" {
		t.Fatalf("tool args: %+v", seen)
	}
	if _, err := e.Respond(ctx, "s1", "again"); err != nil {
		t.Fatal(err)
	}
	if n := dials.Load(); n != 1 {
		t.Fatalf("session should be reused: dials=%d", n)
	}
}

func TestMCPToolErrorIsPermanent(t *testing.T) {
	e, _ := newMCPEngine(t, func(in respondArgs) *sdk.CallToolResult {
		return &sdk.CallToolResult{IsError: true, Content: []sdk.Content{&sdk.TextContent{Text: "no model loaded"}}}
	})
	_, err := e.Respond(context.Background(), "s1", "hello")
	if err == nil || !resilience.IsPermanent(err) {
		t.Fatalf("want permanent error, got=%v", err)
	}
}
