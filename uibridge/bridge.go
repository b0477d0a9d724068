// Package uibridge exposes the core to the local UI process over a loopback
// WebSocket: events stream out as JSON, UI commands come back in. The bridge
// is a thin adapter — all state lives in the core and the store, and every
// event is a trigger for the UI to reload what it renders.
package uibridge

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/secure-legion/legion/core"
	"github.com/secure-legion/legion/internal/logger"
	"github.com/secure-legion/legion/storage"
)

// Command is one inbound UI request.
type Command struct {
	Op        string `json:"op"`
	ContactID int64  `json:"contact_id,omitempty"`
	PingID    string `json:"ping_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Body      string `json:"body,omitempty"`
	Type      string `json:"type,omitempty"`
	Tag       byte   `json:"tag,omitempty"`
	Enabled   bool   `json:"enabled,omitempty"`
}

// Reply is the bridge's answer to a command.
type Reply struct {
	Op        string `json:"op"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// Server bridges the event bus and the core API onto a WebSocket endpoint.
type Server struct {
	core *core.Core
	log  logger.Logger

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu     sync.Mutex
	closed bool
}

// NewServer creates a bridge for the given core.
func NewServer(c *core.Core, log logger.Logger) *Server {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &Server{
		core: c,
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The bridge binds loopback only; same-origin checks do not apply.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start serves the bridge on addr until Stop.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	s.mu.Lock()
	s.httpSrv = &http.Server{Addr: addr, Handler: mux}
	s.mu.Unlock()

	s.log.Info("ui bridge listening", logger.String("addr", addr))
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the bridge down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.httpSrv == nil {
		return nil
	}
	s.closed = true
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", logger.Error(err))
		return
	}
	defer conn.Close()

	events, cancel := s.core.Bus().Subscribe()
	defer cancel()

	var writeMu sync.Mutex
	done := make(chan struct{})

	// Event pump: core events stream to the UI as they commit.
	go func() {
		defer close(done)
		for ev := range events {
			writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err := conn.WriteJSON(ev)
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}()

	// Command pump.
	for {
		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			break
		}
		reply := s.execute(r.Context(), cmd)
		writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		err := conn.WriteJSON(reply)
		writeMu.Unlock()
		if err != nil {
			break
		}
	}
	<-done
}

func (s *Server) execute(ctx context.Context, cmd Command) Reply {
	reply := Reply{Op: cmd.Op, OK: true}
	contactID := storage.ContactID(cmd.ContactID)

	var err error
	switch cmd.Op {
	case "send":
		var messageID string
		messageID, err = s.core.Send(ctx, contactID, []byte(cmd.Body), core.SendOptions{
			Type: storage.MessageType(cmd.Type),
			Tag:  cmd.Tag,
		})
		reply.MessageID = messageID
	case "request_download":
		err = s.core.RequestDownload(ctx, contactID, cmd.PingID)
	case "resend":
		err = s.core.Resend(ctx, cmd.MessageID)
	case "delete_thread":
		err = s.core.DeleteThread(ctx, contactID)
	case "set_device_protection":
		s.core.SetDeviceProtection(cmd.Enabled)
	case "set_foreground":
		s.core.SetForeground(contactID)
	default:
		reply.OK = false
		reply.Error = "unknown op: " + cmd.Op
		return reply
	}

	if err != nil {
		reply.OK = false
		reply.Error = err.Error()
	}
	return reply
}
