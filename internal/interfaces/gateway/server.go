package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/ngoclaw/agentcore/internal/application"
	"github.com/ngoclaw/agentcore/internal/domain/entity"
)

// conversationHandle pairs a live application.Conversation with the
// cancellation of the goroutine group serving it over one socket, so
// Shutdown/disconnect can unwind cleanly.
type conversationHandle struct {
	conv    *application.Conversation
	rootCtx context.Context
	cancel  context.CancelFunc
}

// Server is the WebSocket front door onto an application.Manager: it
// turns each accepted connection into exactly one bound conversation and
// pipes Inbound frames to Manager calls / entity.EventMsg frames back
// (spec §6). Grounded on the teacher's agentgrpc.Server (a thin
// Start/Stop wrapper around the same AgentLoop the CLI/Telegram surfaces
// also drive) — same role, WebSocket instead of gRPC because the pack's
// actual wire dependency for a custom duplex protocol is
// gorilla/websocket, not a generated proto service.
type Server struct {
	manager   *application.Manager
	approvals *PendingApprovals
	logger    *zap.Logger
	http      *http.Server

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewServer wraps manager behind a WebSocket handler listening at addr
// (host:port). approvals must be the same PendingApprovals instance whose
// ApprovalFunc was wired into the tool layer's Orchestrator/Patch Runtime
// at startup, so an inbound "approval" frame resolves the call it names.
// ServeWS is also exported standalone for embedding into a caller's own
// http.ServeMux.
func NewServer(manager *application.Manager, approvals *PendingApprovals, addr string, logger *zap.Logger) *Server {
	s := &Server{manager: manager, approvals: approvals, logger: logger, clients: make(map[*client]struct{})}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.ServeWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	s.http = &http.Server{Addr: addr, Handler: mux}
	return s
}

// ListenAndServe blocks serving WebSocket connections until the server is
// shut down or hits a fatal accept error.
func (s *Server) ListenAndServe() error {
	s.logger.Info("gateway listening", zap.String("addr", s.http.Addr))
	return s.http.ListenAndServe()
}

// Shutdown interrupts every bound conversation and stops accepting new
// connections, waiting up to ctx's deadline for in-flight requests to
// drain.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for c := range s.clients {
		c.mu.Lock()
		if c.conv != nil {
			c.conv.cancel()
		}
		c.mu.Unlock()
	}
	s.mu.Unlock()
	return s.http.Shutdown(ctx)
}

// ServeWS upgrades one HTTP connection to WebSocket and drives it until
// the client disconnects or sends "shutdown".
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan entity.EventMsg, 256), logger: s.logger}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	go c.writePump()
	defer s.detach(c)
	c.readPump(s.handleInbound)
}

func (s *Server) detach(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()

	c.mu.Lock()
	handle := c.conv
	c.conv = nil
	c.mu.Unlock()
	if handle == nil {
		close(c.send)
		return
	}
	handle.cancel()
	if err := s.manager.CloseConversation(handle.conv.ID); err != nil {
		s.logger.Warn("failed to close conversation on disconnect", zap.String("conversation_id", handle.conv.ID), zap.Error(err))
	}
	close(c.send)
}

func (s *Server) handleInbound(c *client, in Inbound) {
	switch in.Kind {
	case InboundConfigure:
		s.bind(c, func() (*application.Conversation, error) {
			return s.manager.Create(in.Model, in.Workspace)
		})
	case InboundResume:
		s.bind(c, func() (*application.Conversation, error) {
			return s.manager.Resume(in.ConversationID)
		})
	case InboundFork:
		s.bind(c, func() (*application.Conversation, error) {
			return s.manager.Fork(in.ConversationID, in.N)
		})
	case InboundUserInput:
		s.withConversation(c, func(handle *conversationHandle) {
			go s.pump(c, s.manager.Submit(handle.rootCtx, handle.conv, in.Text))
		})
	case InboundInterrupt:
		s.withConversation(c, func(handle *conversationHandle) {
			handle.conv.Interrupt()
		})
	case InboundCompact:
		s.withConversation(c, func(handle *conversationHandle) {
			go s.pump(c, s.manager.Compact(handle.rootCtx, handle.conv))
		})
	case InboundApproval:
		s.withConversation(c, func(handle *conversationHandle) {
			s.approvals.Resolve(handle.conv.ID, in.CallID, in.Approved)
		})
	case InboundShutdown:
		c.conn.Close()
	default:
		c.emit(entity.EventMsg{Kind: entity.EventMsgError, Error: fmt.Sprintf("unknown op kind %q", in.Kind)})
	}
}

// bind creates/resumes/forks a conversation via create and attaches it to
// c, refusing a second bind on an already-bound socket (one connection,
// one conversation, for this transport's lifetime).
func (s *Server) bind(c *client, create func() (*application.Conversation, error)) {
	c.mu.Lock()
	alreadyBound := c.conv != nil
	c.mu.Unlock()
	if alreadyBound {
		c.emit(entity.EventMsg{Kind: entity.EventMsgError, Error: "connection already bound to a conversation"})
		return
	}

	conv, err := create()
	if err != nil {
		c.emit(entity.EventMsg{Kind: entity.EventMsgError, Error: err.Error()})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conv = &conversationHandle{conv: conv, rootCtx: ctx, cancel: cancel}
	c.mu.Unlock()

	c.emit(entity.NewSessionConfiguredEvent(conv.ID, conv.Model))
}

func (s *Server) withConversation(c *client, fn func(*conversationHandle)) {
	c.mu.Lock()
	handle := c.conv
	c.mu.Unlock()
	if handle == nil {
		c.emit(entity.EventMsg{Kind: entity.EventMsgError, Error: "connection has no bound conversation; send configure/resume/fork first"})
		return
	}
	fn(handle)
}

func (s *Server) pump(c *client, events <-chan entity.EventMsg) {
	for ev := range events {
		c.emit(ev)
	}
}
