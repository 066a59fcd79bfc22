package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 1 << 20
)

// InboundKind discriminates one client->server WebSocket frame. These map
// onto spec §6's Op sum type, split across connection setup (configure /
// resume / fork select which Conversation this socket drives — they are
// not mid-stream Ops in this transport, since each changes which history
// the rest of the connection operates against) and in-conversation Ops
// (everything else, which map directly onto entity.OpKind).
type InboundKind string

const (
	InboundConfigure InboundKind = "configure"
	InboundResume    InboundKind = "resume"
	InboundFork      InboundKind = "fork"
	InboundUserInput InboundKind = "user_input"
	InboundInterrupt InboundKind = "interrupt"
	InboundCompact   InboundKind = "compact"
	InboundApproval  InboundKind = "approval"
	InboundShutdown  InboundKind = "shutdown"
)

// Inbound is one client->server frame.
type Inbound struct {
	Kind           InboundKind `json:"kind"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Model          string      `json:"model,omitempty"`
	Workspace      string      `json:"workspace,omitempty"`
	Text           string      `json:"text,omitempty"`
	N              int         `json:"n,omitempty"`
	CallID         string      `json:"call_id,omitempty"`
	Approved       bool        `json:"approved,omitempty"`
}

// client is one live WebSocket connection, bound to exactly one
// Conversation for its lifetime (spec §5: "ownership of its agent loop is
// a single asynchronous task"). Grounded on the teacher's
// internal/interfaces/websocket Client/readPump/writePump, adapted from a
// chat-room broadcast hub to a single-conversation duplex pipe.
type client struct {
	conn   *websocket.Conn
	send   chan entity.EventMsg
	logger *zap.Logger

	mu   sync.Mutex
	conv *conversationHandle
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) readPump(handle func(*client, Inbound)) {
	defer c.conn.Close()
	c.conn.SetReadLimit(maxMessage)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			c.emit(entity.EventMsg{Kind: entity.EventMsgError, Error: "malformed frame: " + err.Error()})
			continue
		}
		handle(c, in)
	}
}

// emit is a non-blocking send to this client's outbound queue — a slow
// reader must throttle the conversation it is bound to (spec §5 back-
// pressure), not crash the server.
func (c *client) emit(ev entity.EventMsg) {
	select {
	case c.send <- ev:
	default:
		c.logger.Warn("dropping event for slow client", zap.String("kind", string(ev.Kind)))
	}
}
