// ABOUTME: MCP client transport over WebSocket using coder/websocket
// ABOUTME: Each JSON-RPC message travels as one text frame

package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Subprotocol is the WebSocket subprotocol offered to MCP servers.
const Subprotocol = "mcp"

// maxMessageBytes bounds a single inbound frame.
const maxMessageBytes = 16 << 20

// WebSocketTransport dials an MCP server over WebSocket.
type WebSocketTransport struct {
	URL        string
	HTTPClient *http.Client
	Header     http.Header
}

// Connect implements mcp.Transport.
func (t *WebSocketTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, resp, err := websocket.Dial(ctx, t.URL, &websocket.DialOptions{
		HTTPClient:   t.HTTPClient,
		HTTPHeader:   t.Header,
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", t.URL, err)
	}
	conn.SetReadLimit(maxMessageBytes)

	sessionID := ""
	if resp != nil {
		sessionID = resp.Header.Get("Mcp-Session-Id")
	}
	return &wsConnection{conn: conn, sessionID: sessionID}, nil
}

type wsConnection struct {
	conn      *websocket.Conn
	sessionID string

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *wsConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, fmt.Errorf("unexpected websocket frame type %v", typ)
	}
	msg, err := jsonrpc.DecodeMessage(data)
	if err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	return msg, nil
}

func (c *wsConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConnection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close(websocket.StatusNormalClosure, "")
	})
	return c.closeErr
}

func (c *wsConnection) SessionID() string { return c.sessionID }

var _ mcp.Transport = (*WebSocketTransport)(nil)
