package mcp

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/discord-voice-lab/voicesession/internal/logging"
)

// WebSocketURL rewrites http(s) URLs to ws(s).
func WebSocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("mcp: unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// DialWebSocket opens a websocket to an MCP server endpoint.
func DialWebSocket(ctx context.Context, raw string) (sdk.Transport, error) {
	wsURL, err := WebSocketURL(raw)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocketTransport(conn), nil
}

// Connect starts a client session over t and pings it every keepalive
// until the session closes or ctx ends. A zero keepalive disables pings.
func Connect(ctx context.Context, client *sdk.Client, t sdk.Transport, keepalive time.Duration, log logging.Logger) (*sdk.ClientSession, error) {
	sess, err := client.Connect(ctx, t, nil)
	if err != nil {
		return nil, err
	}
	if keepalive > 0 {
		go func() {
			ticker := time.NewTicker(keepalive)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					pctx, cancel := context.WithTimeout(ctx, keepalive/2)
					err := sess.Ping(pctx, nil)
					cancel()
					if err != nil {
						log.Debugw("mcp keepalive failed; stopping", "err", err)
						return
					}
				}
			}
		}()
	}
	return sess, nil
}
