// Package bridge exposes key sessions to a remote key-message handler over a
// websocket. The handler creates sessions, receives their key messages and
// feeds license server responses back as updates.
package bridge

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lanikai/alohacdm/internal/cdmi"
	"github.com/lanikai/alohacdm/internal/logging"
	"github.com/lanikai/alohacdm/internal/metrics"
)

var log = logging.DefaultLogger.WithTag("bridge")

const (
	// Events queued for a connection before new ones are dropped.
	eventBacklog = 64

	writeTimeout = 10 * time.Second
)

// A Factory creates and destroys sessions of one key system.
type Factory interface {
	CreateSession(initData []byte) (cdmi.KeySession, error)
	DestroySession(s cdmi.KeySession)
}

// Request is a message from the remote handler:
//
//	{ "op": "create", "kind": "system", "initData": "<base64>" }
//	{ "op": "update", "session": "...", "data": "<base64>" }
//	{ "op": "run", "session": "..." }
//	{ "op": "stop", "session": "..." }
//	{ "op": "destroy", "session": "..." }
type Request struct {
	Op       string `json:"op"`
	Kind     string `json:"kind,omitempty"`
	Session  string `json:"session,omitempty"`
	InitData []byte `json:"initData,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// Event is a message to the remote handler.
type Event struct {
	Type    string `json:"type"`
	Session string `json:"session,omitempty"`
	ID      string `json:"id,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Data    []byte `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type Server struct {
	factories map[string]Factory
	upgrader  websocket.Upgrader
	router    *http.ServeMux
	server    *http.Server
}

// NewServer returns a bridge serving /ws on addr. factories maps the "kind"
// of create requests to key systems.
func NewServer(addr string, factories map[string]Factory) *Server {
	s := &Server{
		factories: factories,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		router: http.NewServeMux(),
	}
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	s.router.HandleFunc("/ws", s.handleWebsocket)
	return s
}

// Handle registers an additional handler, e.g. for metrics.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.router.Handle(pattern, h)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Listen() error {
	log.Info("Listening on %s", s.server.Addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("upgrade: %v", err)
		return
	}
	defer ws.Close()

	c := &conn{
		id:       uuid.New().String(),
		server:   s,
		out:      make(chan Event, eventBacklog),
		sessions: make(map[string]*session),
	}
	metrics.BridgeConnections.Inc()
	defer metrics.BridgeConnections.Dec()
	log.Info("Handler %s connected from %s", c.id, r.RemoteAddr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writeLoop(ws)
	}()

	for {
		var req Request
		if err := ws.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("Failed to read websocket message: %v", err)
			}
			break
		}
		c.handle(req)
	}

	c.close()
	<-done
	log.Info("Handler %s disconnected", c.id)
}

// conn is one connected handler and the sessions it created.
type conn struct {
	id     string
	server *Server

	mu       sync.Mutex
	out      chan Event
	closed   bool
	sessions map[string]*session
}

type session struct {
	id      string
	factory Factory
	keys    cdmi.KeySession
	running bool // guarded by conn.mu
}

// send queues an event without blocking. Session callbacks run on the
// notification dispatcher and call this.
func (c *conn) send(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.out <- ev:
	default:
		log.Warn("Handler %s is not keeping up, dropped %s event", c.id, ev.Type)
	}
}

func (c *conn) fail(session string, format string, a ...interface{}) {
	msg := fmt.Sprintf(format, a...)
	log.Debug("Handler %s: %s", c.id, msg)
	c.send(Event{Type: "error", Session: session, Error: msg})
}

func (c *conn) writeLoop(ws *websocket.Conn) {
	for ev := range c.out {
		ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := ws.WriteJSON(ev); err != nil {
			log.Warn("Failed to write websocket message: %v", err)
			// Unblock the reader.
			ws.Close()
			for range c.out {
			}
			return
		}
	}
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
}

func (c *conn) lookup(id string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[id]
}

func (c *conn) handle(req Request) {
	switch req.Op {
	case "create":
		c.create(req)
	case "update", "run", "stop", "destroy":
		s := c.lookup(req.Session)
		if s == nil {
			c.fail(req.Session, "no session %q", req.Session)
			return
		}
		switch req.Op {
		case "update":
			s.keys.Update(req.Data)
		case "run", "stop":
			run := req.Op == "run"
			c.mu.Lock()
			toggle := s.running != run
			s.running = run
			c.mu.Unlock()
			if !toggle {
				c.fail(s.id, "session already in %q state", req.Op)
				return
			}
			if run {
				s.keys.Run(&callback{conn: c, session: s.id})
			} else {
				s.keys.Run(nil)
			}
		case "destroy":
			c.mu.Lock()
			delete(c.sessions, s.id)
			c.mu.Unlock()
			s.factory.DestroySession(s.keys)
			c.send(Event{Type: "destroyed", Session: s.id})
		}
	default:
		c.fail(req.Session, "unexpected op %q", req.Op)
	}
}

func (c *conn) create(req Request) {
	f, ok := c.server.factories[req.Kind]
	if !ok {
		c.fail("", "unknown session kind %q", req.Kind)
		return
	}
	keys, err := f.CreateSession(req.InitData)
	if err != nil {
		c.fail("", "create %s session: %v", req.Kind, err)
		return
	}

	s := &session{
		id:      uuid.New().String(),
		factory: f,
		keys:    keys,
		running: true,
	}
	c.mu.Lock()
	c.sessions[s.id] = s
	c.mu.Unlock()

	c.send(Event{Type: "created", Session: s.id, ID: keys.SessionID()})
	keys.Run(&callback{conn: c, session: s.id})
}

// close stops event delivery and destroys every session the handler left
// behind.
func (c *conn) close() {
	c.mu.Lock()
	c.closed = true
	close(c.out)
	sessions := c.sessions
	c.sessions = nil
	c.mu.Unlock()

	for _, s := range sessions {
		s.factory.DestroySession(s.keys)
	}
}

// callback forwards session notifications to the handler.
type callback struct {
	conn    *conn
	session string
}

func (cb *callback) OnKeyMessage(data []byte, reason string) {
	cb.conn.send(Event{Type: "keymessage", Session: cb.session, Reason: reason, Data: data})
}

func (cb *callback) OnKeyReady() {
	cb.conn.send(Event{Type: "keyready", Session: cb.session})
}
