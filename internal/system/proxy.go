package system

import (
	"github.com/lanikai/alohacdm/internal/cdmi"
	"github.com/lanikai/alohacdm/internal/contract"
	"github.com/lanikai/alohacdm/internal/message"
	"github.com/lanikai/alohacdm/internal/metrics"
)

// Proxy is one client's session on a shared System. It holds one reference
// to the system until Destroy.
type Proxy struct {
	system *System

	// Guarded by system.reg.mu.
	cb        cdmi.Callback
	destroyed bool
}

var _ cdmi.KeySession = (*Proxy)(nil)

// Open returns a new client session on the system for the given vault key,
// creating the system when needed.
func (r *Registry) Open(key string, load func() ([]byte, error)) (*Proxy, error) {
	s, err := r.AddOrGetSession(key, load)
	if err != nil {
		return nil, err
	}
	p := &Proxy{system: s}
	r.mu.Lock()
	s.proxies = append(s.proxies, p)
	n := len(s.proxies)
	r.mu.Unlock()

	metrics.Proxies.Inc()
	log.Debug("%s has %d client sessions", s.id, n)
	return p, nil
}

func (p *Proxy) System() *System {
	return p.system
}

func (p *Proxy) Run(cb cdmi.Callback) {
	p.system.run(p, cb)
}

func (p *Proxy) Update(msg []byte) {
	p.system.Update(msg)
}

func (p *Proxy) Load() error {
	return cdmi.ErrNotImplemented
}

func (p *Proxy) Remove() error {
	return cdmi.ErrNotImplemented
}

func (p *Proxy) Close() error {
	return cdmi.ErrNotImplemented
}

func (p *Proxy) Decrypt(payload, iv, keyID []byte) ([]byte, error) {
	contract.Fail("%s: system sessions never decrypt", p.system.id)
	return nil, cdmi.ErrNotSupported
}

func (p *Proxy) ReleaseClearContent(opaque []byte) error {
	contract.Fail("%s: system sessions hold no clear content", p.system.id)
	return cdmi.ErrNotSupported
}

func (p *Proxy) SessionID() string {
	return p.system.id
}

func (p *Proxy) KeySystem() string {
	return p.system.id
}

// Destroy deregisters the proxy and releases its system reference. Further
// calls are no-ops.
func (p *Proxy) Destroy() {
	s := p.system
	s.reg.mu.Lock()
	if p.destroyed {
		s.reg.mu.Unlock()
		return
	}
	p.destroyed = true
	p.cb = nil
	for i, q := range s.proxies {
		if q == p {
			s.proxies = append(s.proxies[:i], s.proxies[i+1:]...)
			break
		}
	}
	s.reg.mu.Unlock()

	metrics.Proxies.Dec()
	s.Release()
}

// decode parses an Update message. It returns a nil message for input too
// short to carry a tag or carrying an unknown tag, which are logged and
// otherwise ignored whatever follows the tag.
func decode(id string, msg []byte) (*message.Message, error) {
	m, err := message.Decode(msg)
	if m == nil {
		log.Warn("%s: Update expected more data: %v", id, err)
		return nil, err
	}
	if !m.Kind.Valid() {
		log.Debug("%s ignoring %v message (%d bytes)", id, m.Kind, len(msg))
		return nil, nil
	}
	if err == nil && m.Trailing > 0 {
		log.Warn("%s: %d bytes after %v message", id, m.Trailing, m.Kind)
	}
	return m, err
}
