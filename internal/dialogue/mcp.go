package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/discord-voice-lab/voicesession/internal/logging"
	"github.com/discord-voice-lab/voicesession/internal/mcp"
	"github.com/discord-voice-lab/voicesession/internal/resilience"
	"github.com/discord-voice-lab/voicesession/internal/session"
)

// MCPEngine asks a tool on a remote MCP server for each reply. The session
// is dialed lazily and redialed after a failed call.
type MCPEngine struct {
	URL       string
	Tool      string
	Keepalive time.Duration
	// Dial opens the transport; it defaults to a websocket to URL.
	Dial func(ctx context.Context) (sdk.Transport, error)

	client *sdk.Client
	log    logging.Logger

	mu     sync.Mutex
	sess   *sdk.ClientSession
	cancel context.CancelFunc
}

func NewMCPEngine(url, tool string, log logging.Logger) *MCPEngine {
	if tool == "" {
		tool = "respond"
	}
	if log == nil {
		log = logging.Nop()
	}
	e := &MCPEngine{
		URL:       url,
		Tool:      tool,
		Keepalive: 30 * time.Second,
		client:    sdk.NewClient(&sdk.Implementation{Name: "voicesession", Version: "v1.0.0"}, nil),
		log:       log.With("component", "dialogue", "backend", "mcp"),
	}
	e.Dial = func(ctx context.Context) (sdk.Transport, error) { return mcp.DialWebSocket(ctx, e.URL) }
	return e
}

// Respond implements session.DialogueEngine.
func (e *MCPEngine) Respond(ctx context.Context, sessionID, text string) (string, error) {
	sess, err := e.session(ctx)
	if err != nil {
		return "", fmt.Errorf("mcp dial: %w: %v", resilience.ErrTransient, err)
	}
	res, err := sess.CallTool(ctx, &sdk.CallToolParams{
		Name: e.Tool,
		Arguments: map[string]any{
			"session_id":     sessionID,
			"text":           text,
			"correlation_id": session.CorrelationID(ctx),
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		e.reset()
		return "", fmt.Errorf("mcp %s: %w: %v", e.Tool, resilience.ErrTransient, err)
	}
	reply := textOf(res)
	if res.IsError {
		return "", fmt.Errorf("mcp %s: %w: %s", e.Tool, resilience.ErrPermanent, reply)
	}
	logging.Ctx(ctx, e.log).Debugw("dialogue reply", "tool", e.Tool, "reply_len", len(reply))
	return reply, nil
}

func (e *MCPEngine) session(ctx context.Context) (*sdk.ClientSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess != nil {
		return e.sess, nil
	}
	if e.Dial == nil {
		return nil, errors.New("no dialer")
	}
	t, err := e.Dial(ctx)
	if err != nil {
		return nil, err
	}
	// the keepalive outlives the call that dialed
	kctx, cancel := context.WithCancel(context.Background())
	sess, err := mcp.Connect(kctx, e.client, t, e.Keepalive, e.log)
	if err != nil {
		cancel()
		return nil, err
	}
	e.sess, e.cancel = sess, cancel
	e.log.Infow("connected to dialogue server", "url", e.URL, "tool", e.Tool)
	return sess, nil
}

func (e *MCPEngine) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeLocked()
}

func (e *MCPEngine) closeLocked() error {
	if e.sess == nil {
		return nil
	}
	e.cancel()
	err := e.sess.Close()
	e.sess, e.cancel = nil, nil
	return err
}

func (e *MCPEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeLocked()
}

func textOf(res *sdk.CallToolResult) string {
	var b strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*sdk.TextContent); ok {
			b.WriteString(tc.Text)
		}
	}
	return strings.TrimSpace(b.String())
}
