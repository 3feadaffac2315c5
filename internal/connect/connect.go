// Package connect implements stream sessions: each binds one descrambling
// session of a shared system session to a transport stream.
package connect

import (
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/lanikai/alohacdm/internal/cdmi"
	"github.com/lanikai/alohacdm/internal/contract"
	"github.com/lanikai/alohacdm/internal/dispatch"
	"github.com/lanikai/alohacdm/internal/engine"
	"github.com/lanikai/alohacdm/internal/logging"
	"github.com/lanikai/alohacdm/internal/message"
	"github.com/lanikai/alohacdm/internal/pssh"
	"github.com/lanikai/alohacdm/internal/request"
	"github.com/lanikai/alohacdm/internal/system"
)

var log = logging.DefaultLogger.WithTag("connect")

// SessionIDPrefix starts the id of every stream session.
const SessionIDPrefix = "CONNECTSESSION_ID:"

var ErrNoSystem = errors.New("no system session to descramble under")

// Systems resolves system session ids, taking a reference on success.
type Systems interface {
	Lookup(id string) (*system.System, bool)
}

// Session is a stream session.
type Session struct {
	system     *system.System
	dispatcher *dispatch.Dispatcher
	routing    pssh.Routing
	handle     engine.Handle
	id         string

	mu        sync.Mutex
	cb        cdmi.Callback
	pending   request.Set
	destroyed bool
}

var _ cdmi.KeySession = (*Session)(nil)

// New parses stream routing from init data, looks up the owning system
// session and opens a descrambling session under it. A failed open leaves a
// session with handle 0 that ignores every message.
func New(systems Systems, d *dispatch.Dispatcher, initData []byte) (*Session, error) {
	var routing pssh.Routing
	if private, n := pssh.FindPrivateData(initData); n > 0 {
		rt, err := pssh.ParseRouting(private)
		if err != nil {
			log.Warn("Ignoring stream routing: %v", err)
		} else {
			routing = rt
		}
	} else {
		log.Debug("No stream routing in init data (%d), using defaults", n)
	}

	s, ok := systems.Lookup(routing.SystemSessionID)
	if !ok {
		return nil, errors.Wrapf(ErrNoSystem, "lookup %q", routing.SystemSessionID)
	}

	c := &Session{
		system:     s,
		dispatcher: d,
		routing:    routing,
	}
	c.handle = s.OpenDescrambling(c, routing.TSID, routing.EMI)
	c.id = SessionIDPrefix + strconv.FormatUint(uint64(c.handle), 10)
	if c.handle == 0 {
		log.Error("Failed to open descrambling session for %v", routing)
	} else {
		log.Info("%s descrambling %v", c.id, routing)
	}
	return c, nil
}

// Handle returns the descrambling session handle, 0 if none could be
// opened.
func (c *Session) Handle() engine.Handle {
	return c.handle
}

func (c *Session) Routing() pssh.Routing {
	return c.routing
}

func (c *Session) System() *system.System {
	return c.system
}

func (c *Session) Run(cb cdmi.Callback) {
	c.mu.Lock()
	if (cb == nil) == (c.cb == nil) {
		c.mu.Unlock()
		contract.Fail("%s: Run must toggle the callback", c.id)
		return
	}
	c.cb = cb
	flush := cb != nil && c.pending.WasReceived(request.KeyNeeded)
	if flush {
		c.pending.MarkHandled(request.KeyNeeded)
	}
	c.mu.Unlock()

	if flush {
		c.dispatcher.Post(c.OnNeedKey)
	}
}

// OnNeedKey is called on the dispatcher goroutine when the engine misses a
// key for this stream.
func (c *Session) OnNeedKey() {
	c.mu.Lock()
	cb := c.cb
	if cb == nil {
		c.pending.MarkReceived(request.KeyNeeded)
	}
	c.mu.Unlock()

	if cb != nil {
		cb.OnKeyMessage(nil, request.KeyNeeded.String())
	}
}

// Update forwards ECM and platform metadata to the descrambling session.
func (c *Session) Update(msg []byte) {
	m, err := message.Decode(msg)
	if m == nil {
		log.Warn("%s: Update expected more data: %v", c.id, err)
		return
	}

	switch m.Kind {
	case request.ECMDelivery, request.PlatformDelivery:
		if err != nil {
			contract.Fail("%s: malformed %v message: %v", c.id, m.Kind, err)
			return
		}
		if !contract.Require(m.HasPayload(), "%s: %v message without payload", c.id, m.Kind) {
			return
		}
		if c.handle == 0 {
			log.Warn("%s: dropping %v, no descrambling session", c.id, m.Kind)
			return
		}
		if m.Kind == request.ECMDelivery {
			c.system.SetContentMetadata(c.handle, m.Payload)
		} else {
			c.system.SetPlatformMetadata(c.handle, c.routing.TSID, m.Payload)
		}
	default:
		log.Debug("%s ignoring %v message", c.id, m.Kind)
	}
	if m.Trailing > 0 {
		log.Warn("%s: %d bytes after %v message", c.id, m.Trailing, m.Kind)
	}
}

func (c *Session) Load() error {
	return cdmi.ErrNotImplemented
}

func (c *Session) Remove() error {
	return cdmi.ErrNotImplemented
}

func (c *Session) Close() error {
	return cdmi.ErrNotImplemented
}

func (c *Session) Decrypt(payload, iv, keyID []byte) ([]byte, error) {
	contract.Fail("%s: descrambling happens in the platform, not here", c.id)
	return nil, cdmi.ErrNotSupported
}

func (c *Session) ReleaseClearContent(opaque []byte) error {
	contract.Fail("%s: stream sessions hold no clear content", c.id)
	return cdmi.ErrNotSupported
}

func (c *Session) SessionID() string {
	return c.id
}

func (c *Session) KeySystem() string {
	return c.id
}

// Destroy closes the descrambling session and releases the system session.
// Further calls are no-ops.
func (c *Session) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.cb = nil
	c.mu.Unlock()

	if c.handle != 0 {
		c.system.CloseDescrambling(c.handle, c.routing.TSID)
	}
	c.system.Release()
	log.Debug("%s destroyed", c.id)
}
