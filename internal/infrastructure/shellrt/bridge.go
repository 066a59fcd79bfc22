package shellrt

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// BridgeRequest is the envelope handed to an external PTY bridge process
// for one command (spec §4.7.2).
type BridgeRequest struct {
	RequestID      string `json:"request_id"`
	Command        string `json:"command"`
	Shell          string `json:"shell,omitempty"`
	Login          bool   `json:"login,omitempty"`
	DisplayInPanel bool   `json:"display_in_panel,omitempty"`
	ConnectionID   string `json:"connection_id,omitempty"`
	Stdin          string `json:"stdin,omitempty"`
}

// BridgeResponse is what the bridge returns for one BridgeRequest.
type BridgeResponse struct {
	RequestID          string `json:"request_id"`
	SessionID          string `json:"session_id"`
	Output             string `json:"output"`
	ExitCode           *int   `json:"exit_code,omitempty"`
	PanelID            string `json:"panel_id,omitempty"`
	ActualConnectionID string `json:"actual_connection_id,omitempty"`
	Error              string `json:"error,omitempty"`
}

// BridgeClient dials a PTY-bridge process over a WebSocket connection and
// exchanges one {command, shell, login, display_in_panel, connection_id,
// stdin} request per call, matching responses back to requests by id.
//
// The environment contract (§4.7.2/§5): the bridge owns ANSI handling,
// terminal dimensions, and process lifecycle; this client supplies only
// the command, shell, login flag, display intent, connection id, and
// optional stdin.
type BridgeClient struct {
	conn   *websocket.Conn
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]chan BridgeResponse
	closed  bool
}

// DialBridge connects to an external PTY bridge at url.
func DialBridge(url string, logger *zap.Logger) (*BridgeClient, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial pty bridge: %w", err)
	}
	c := &BridgeClient{
		conn:    conn,
		logger:  logger,
		pending: make(map[string]chan BridgeResponse),
	}
	go c.readLoop()
	return c, nil
}

func (c *BridgeClient) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.closed = true
			for _, ch := range c.pending {
				close(ch)
			}
			c.pending = nil
			c.mu.Unlock()
			if c.logger != nil {
				c.logger.Warn("pty bridge connection closed", zap.Error(err))
			}
			return
		}

		var resp BridgeResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.RequestID]
		if ok {
			delete(c.pending, resp.RequestID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
			close(ch)
		}
	}
}

// Send submits one command to the bridge and blocks for its response.
func (c *BridgeClient) Send(req BridgeRequest) (*BridgeResponse, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	ch := make(chan BridgeResponse, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("pty bridge connection closed")
	}
	c.pending[req.RequestID] = ch
	c.mu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal bridge request: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return nil, fmt.Errorf("write bridge request: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("pty bridge connection closed before responding")
		}
		if resp.Error != "" {
			return &resp, fmt.Errorf("pty bridge: %s", resp.Error)
		}
		return &resp, nil
	case <-time.After(2 * time.Minute):
		return nil, fmt.Errorf("pty bridge request %s timed out", req.RequestID)
	}
}

// Close terminates the bridge connection.
func (c *BridgeClient) Close() error {
	return c.conn.Close()
}
