package sim

import (
	"github.com/lanikai/alohacdm/internal/engine"
)

// TriggerRenewal invokes the renewal listener of an application session.
// It reports whether a listener was registered.
func (e *Engine) TriggerRenewal(app engine.Handle) bool {
	e.mu.Lock()
	a, ok := e.apps[app]
	var fn engine.RenewalFunc
	if ok {
		fn = a.renewal
	}
	e.mu.Unlock()
	if fn == nil {
		return false
	}

	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	fn(app)
	return true
}

// TriggerNeedKey invokes the need-key listener of an application session,
// optionally scoped to a descrambling session.
func (e *Engine) TriggerNeedKey(app, desc engine.Handle) bool {
	e.mu.Lock()
	a, ok := e.apps[app]
	var fn engine.NeedKeyFunc
	if ok {
		fn = a.needKey
	}
	e.mu.Unlock()
	if fn == nil {
		return false
	}

	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	fn(app, desc)
	return true
}

// CompleteDelivery invokes the delivery-complete listener of a delivery
// session.
func (e *Engine) CompleteDelivery(d engine.Handle) bool {
	e.mu.Lock()
	del, ok := e.dels[d]
	var fn engine.DeliveryCompleteFunc
	if ok {
		fn = del.complete
	}
	e.mu.Unlock()
	if fn == nil {
		return false
	}

	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	fn(d, engine.OK)
	return true
}

// Sessions counts open sessions of every kind.
type Sessions struct {
	Applications  int
	Provisionings int
	Deliveries    int
	Inbands       int
	Descramblings int
}

func (e *Engine) Sessions() Sessions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Sessions{
		Applications:  len(e.apps),
		Provisionings: len(e.provs),
		Deliveries:    len(e.dels),
		Inbands:       len(e.inband),
		Descramblings: len(e.descs),
	}
}

// Provisioned reports whether the application session may use delivery.
func (e *Engine) Provisioned(app engine.Handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.apps[app]
	return ok && a.provisioned
}

// Imported returns the messages imported into a delivery session.
func (e *Engine) Imported(d engine.Handle) [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	if del, ok := e.dels[d]; ok {
		return del.imported
	}
	return nil
}

// Metadata returns the last content and platform metadata set on a
// descrambling session.
func (e *Engine) Metadata(d engine.Handle) (content, platform []byte, attached bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if desc, ok := e.descs[d]; ok {
		return desc.content, desc.platform, desc.attached
	}
	return nil, nil, false
}

// EMMs counts successfully decrypted entitlement management messages.
func (e *Engine) EMMs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.emms
}
