package system

import (
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/lanikai/alohacdm/internal/cdmi"
	"github.com/lanikai/alohacdm/internal/contract"
	"github.com/lanikai/alohacdm/internal/engine"
	"github.com/lanikai/alohacdm/internal/metrics"
	"github.com/lanikai/alohacdm/internal/request"
)

// Descrambler is the stream session owning a descrambling handle. Its
// OnNeedKey runs on the dispatcher goroutine.
type Descrambler interface {
	OnNeedKey()
}

// System shares one engine application session among every client session
// opened for the same operator vault, and among the stream sessions
// descrambling under it.
type System struct {
	reg    *Registry
	engine engine.Engine

	// Immutable after construction.
	id      string
	key     string
	license string
	app     engine.Handle

	// Serializes engine calls that change the session handles below. Engine
	// listeners never take it, so it may be held across engine calls.
	opMu sync.Mutex

	// Guarded by reg.mu.
	refs         int
	state        State
	delivery     engine.Handle
	provisioning engine.Handle
	inband       engine.Handle
	descramblers map[engine.Handle]Descrambler
	proxies      []*Proxy
	pending      request.Set
}

// Must not hold r.mu.
func (r *Registry) construct(key string, vault []byte) (*System, error) {
	app, status := r.engine.OpenApplication(vault)
	if app == 0 || (!status.Ok() && status != engine.NeedsProvisioning) {
		report(status, "OpenApplication")
		return nil, errors.Wrap(status.Err("OpenApplication"), "open application session")
	}

	s := &System{
		reg:          r,
		engine:       r.engine,
		id:           SessionIDPrefix + strconv.FormatUint(uint64(app), 10),
		key:          key,
		license:      r.license,
		app:          app,
		state:        Constructing,
		descramblers: make(map[engine.Handle]Descrambler),
	}

	// Listeners may fire as soon as they are registered.
	r.mu.Lock()
	r.apps[app] = s
	r.mu.Unlock()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.registerListeners()
	s.openInband()

	if status == engine.NeedsProvisioning {
		log.Info("%s needs provisioning", s.id)
		r.mu.Lock()
		s.state = NeedsProvisioning
		s.markPendingLocked(request.Provision)
		r.mu.Unlock()
	} else {
		s.initializeWhenProvisioned()
	}
	return s, nil
}

// Must hold s.opMu.
func (s *System) registerListeners() {
	report(s.engine.SetRenewalListener(s.app, s.reg.OnRenewal), "SetRenewalListener")
	report(s.engine.SetNeedKeyListener(s.app, s.reg.OnNeedKey), "SetNeedKeyListener")
}

// Must hold s.opMu.
func (s *System) openInband() {
	s.reg.mu.Lock()
	open := s.inband != 0
	s.reg.mu.Unlock()
	if open {
		return
	}
	h, status := s.engine.OpenInband(s.app)
	if !report(status, "OpenInband") {
		return
	}
	s.reg.mu.Lock()
	s.inband = h
	s.reg.mu.Unlock()
}

// Must hold s.opMu.
func (s *System) openDelivery() engine.Handle {
	s.reg.mu.Lock()
	h := s.delivery
	retired := s.state.Retired()
	s.reg.mu.Unlock()
	if h != 0 || retired {
		return h
	}

	h, status := s.engine.OpenDelivery(s.app)
	if !report(status, "OpenDelivery") || h == 0 {
		return 0
	}
	s.reg.mu.Lock()
	s.delivery = h
	s.reg.deliveries[h] = s
	s.reg.mu.Unlock()
	report(s.engine.SetDeliveryCompleteListener(h, s.reg.OnDeliveryCompleted), "SetDeliveryCompleteListener")
	return h
}

// Must hold s.opMu.
func (s *System) closeDelivery() {
	s.reg.mu.Lock()
	h := s.delivery
	s.delivery = 0
	if h != 0 && s.reg.deliveries[h] == s {
		delete(s.reg.deliveries, h)
	}
	s.reg.mu.Unlock()
	if h != 0 {
		report(s.engine.CloseDelivery(h), "CloseDelivery")
	}
}

// Must hold s.opMu.
func (s *System) closeProvisioning() {
	s.reg.mu.Lock()
	h := s.provisioning
	s.provisioning = 0
	s.reg.mu.Unlock()
	if h != 0 {
		report(s.engine.CloseProvisioning(h), "CloseProvisioning")
	}
}

// initializeWhenProvisioned brings a provisioned application session into
// service: delivery session, listeners, in-band session, filters.
//
// Must hold s.opMu.
func (s *System) initializeWhenProvisioned() {
	s.openDelivery()
	s.registerListeners()
	s.openInband()

	s.reg.mu.Lock()
	if s.state == Constructing || s.state == NeedsProvisioning {
		s.state = Provisioned
	}
	s.reg.mu.Unlock()
	log.Info("%s provisioned", s.id)

	filters := s.filters()
	if len(filters) == 0 {
		return
	}
	s.reg.mu.Lock()
	listening := s.hasCallbackLocked()
	if !listening {
		s.markPendingLocked(request.Filters)
	}
	s.reg.mu.Unlock()
	if listening {
		s.broadcast(request.Filters, filters)
	}
}

// Must hold s.opMu.
func (s *System) filters() []byte {
	filters, status := engine.Filters(s.engine, s.app)
	if !report(status, "GetFilters") {
		return nil
	}
	return engine.FilterBytes(filters)
}

// provisionChallenge opens a provisioning session and exports its
// challenge. The session stays open until the response is imported, or is
// closed again when no challenge comes out of it.
//
// Must hold s.opMu.
func (s *System) provisionChallenge() []byte {
	params, status := engine.Export(func(buf []byte) (int, engine.Status) {
		return s.engine.GetProvisioningParameters(s.app, buf)
	})
	if !report(status, "GetProvisioningParameters") {
		return nil
	}

	// A previous exchange that never completed is abandoned.
	s.closeProvisioning()

	h, status := s.engine.OpenProvisioning(s.app)
	if !report(status, "OpenProvisioning") {
		return nil
	}
	s.reg.mu.Lock()
	s.provisioning = h
	s.reg.mu.Unlock()

	if !report(s.engine.SetProvisioningClientData(h, params), "SetProvisioningClientData") {
		s.closeProvisioning()
		return nil
	}
	challenge, status := engine.Export(func(buf []byte) (int, engine.Status) {
		return s.engine.ExportProvisioningMessage(h, buf)
	})
	if !report(status, "ExportProvisioningMessage") || len(challenge) == 0 {
		s.closeProvisioning()
		return nil
	}
	return challenge
}

// renewalChallenge exports a challenge from the delivery session, opening
// it when needed. It returns nil for failed and empty exports.
//
// Must hold s.opMu.
func (s *System) renewalChallenge() []byte {
	h := s.openDelivery()
	if h == 0 {
		return nil
	}
	challenge, status := engine.Export(func(buf []byte) (int, engine.Status) {
		return s.engine.ExportDeliveryMessage(h, buf)
	})
	if !report(status, "ExportDeliveryMessage") || len(challenge) == 0 {
		return nil
	}
	return challenge
}

// Must hold s.reg.mu.
func (s *System) hasCallbackLocked() bool {
	for _, p := range s.proxies {
		if p.cb != nil {
			return true
		}
	}
	return false
}

// Must hold s.reg.mu.
func (s *System) markPendingLocked(k request.Kind) {
	s.pending.MarkReceived(k)
	metrics.PendingRequests.WithLabelValues(k.String()).Inc()
	log.Debug("%s deferred %v, pending %v", s.id, k, s.pending)
}

func (s *System) callbacks() []cdmi.Callback {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	var cbs []cdmi.Callback
	for _, p := range s.proxies {
		if p.cb != nil {
			cbs = append(cbs, p.cb)
		}
	}
	return cbs
}

// deliver hands a key message to every registered callback. It runs on the
// dispatcher goroutine and holds no lock while calling out.
func (s *System) deliver(kind request.Kind, data []byte) {
	reason := kind.String()
	for _, cb := range s.callbacks() {
		cb.OnKeyMessage(data, reason)
		metrics.KeyMessages.WithLabelValues(reason).Inc()
	}
}

// broadcast queues a key message for every callback registered by the time
// the dispatcher gets to it. data must not be modified afterwards.
func (s *System) broadcast(kind request.Kind, data []byte) {
	log.Debug("%s queueing %v (%d bytes)", s.id, kind, len(data))
	s.reg.dispatcher.Post(func() { s.deliver(kind, data) })
}

// keyReady notifies every callback that keys are usable and retires the
// delivery session that produced them. Runs on the dispatcher goroutine.
func (s *System) keyReady() {
	for _, cb := range s.callbacks() {
		cb.OnKeyReady()
		metrics.KeyMessages.WithLabelValues(request.KeyReady.String()).Inc()
	}
	s.opMu.Lock()
	s.closeDelivery()
	s.opMu.Unlock()
}

// run registers or clears the callback of p. Registering flushes pending
// events, in request.FlushOrder, to every registered callback.
func (s *System) run(p *Proxy, cb cdmi.Callback) {
	s.reg.mu.Lock()
	if (cb == nil) == (p.cb == nil) {
		s.reg.mu.Unlock()
		contract.Fail("%s: Run must toggle the callback", s.id)
		return
	}
	p.cb = cb
	if cb == nil {
		s.reg.mu.Unlock()
		return
	}
	pending := s.pending
	s.pending = 0
	alive := s.state.Alive()
	s.reg.mu.Unlock()

	if alive {
		s.flush(pending)
	}
}

func (s *System) flush(pending request.Set) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if !pending.Empty() {
		log.Debug("%s flushing %v", s.id, pending)
	}
	for _, k := range request.FlushOrder {
		if k == request.Filters {
			// Announced whenever available so every client resynchronizes.
			if filters := s.filters(); len(filters) > 0 {
				s.broadcast(k, filters)
			}
			continue
		}
		if !pending.WasReceived(k) {
			continue
		}
		switch k {
		case request.Provision:
			if challenge := s.provisionChallenge(); len(challenge) > 0 {
				s.broadcast(k, challenge)
			}
		case request.KeyNeeded:
			s.broadcast(k, nil)
		case request.Renewal:
			if challenge := s.renewalChallenge(); len(challenge) > 0 {
				s.broadcast(k, challenge)
			}
		case request.KeyReady:
			s.reg.dispatcher.Post(s.keyReady)
		}
	}
}

// Update routes a response message to the engine.
func (s *System) Update(msg []byte) {
	m, err := decode(s.id, msg)
	if m == nil {
		return
	}
	if err != nil {
		contract.Fail("%s: malformed %v message: %v", s.id, m.Kind, err)
		return
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	switch m.Kind {
	case request.KeyReady:
	case request.KeyNeeded, request.Renewal:
		if !m.HasPayload() {
			contract.Require(m.Kind == request.KeyNeeded, "%s: %v message without payload", s.id, m.Kind)
			return
		}
		h := s.openDelivery()
		if h == 0 {
			log.Error("%s: no delivery session for %v response", s.id, m.Kind)
			return
		}
		report(s.engine.ImportDeliveryMessage(h, m.Payload), "ImportDeliveryMessage")

	case request.EMMDelivery:
		if !contract.Require(m.HasPayload(), "%s: EMM message without payload", s.id) {
			return
		}
		s.reg.mu.Lock()
		h := s.inband
		s.reg.mu.Unlock()
		if h == 0 {
			log.Error("%s: no in-band session for EMM", s.id)
			return
		}
		report(s.engine.DecryptEMM(h, m.Payload), "DecryptEMM")

	case request.Provision:
		if !contract.Require(m.HasPayload(), "%s: provisioning response without payload", s.id) {
			return
		}
		s.reg.mu.Lock()
		h := s.provisioning
		s.reg.mu.Unlock()
		if h == 0 {
			log.Error("%s: provisioning response without an open exchange", s.id)
			return
		}
		ok := report(s.engine.ImportProvisioningMessage(h, m.Payload), "ImportProvisioningMessage")
		s.closeProvisioning()
		if ok {
			s.initializeWhenProvisioned()
		}

	default:
		log.Debug("%s ignoring %v message", s.id, m.Kind)
	}
}

// OpenDescrambling opens a descrambling session for a stream and attaches
// it to the platform descrambler. It returns 0 on failure.
func (s *System) OpenDescrambling(d Descrambler, tsid uint32, emi uint16) engine.Handle {
	s.reg.mu.Lock()
	alive := s.state.Alive()
	s.reg.mu.Unlock()
	if !alive {
		log.Warn("%s: descrambling requested while %v", s.id, s.State())
		return 0
	}

	h, status := s.engine.OpenDescrambling(s.app)
	if !report(status, "OpenDescrambling") || h == 0 {
		return 0
	}

	// Registered before attaching so need-key events raised by the attach
	// reach d.
	s.reg.mu.Lock()
	_, dup := s.descramblers[h]
	if !dup {
		s.descramblers[h] = d
		metrics.DescramblingSessions.Inc()
	}
	s.reg.mu.Unlock()
	if !contract.Require(!dup, "%s: descrambling handle %d already open", s.id, h) {
		return 0
	}

	if !report(s.engine.AttachStream(h, tsid, emi), "AttachStream") {
		s.reg.mu.Lock()
		_, ok := s.descramblers[h]
		if ok {
			delete(s.descramblers, h)
			metrics.DescramblingSessions.Dec()
		}
		s.reg.mu.Unlock()
		if ok {
			report(s.engine.CloseDescrambling(h), "CloseDescrambling")
		}
		return 0
	}
	log.Debug("%s opened descrambling session %d for tsid %d", s.id, h, tsid)
	return h
}

// CloseDescrambling closes a session returned by OpenDescrambling. Closing
// an unknown handle is a contract violation.
func (s *System) CloseDescrambling(h engine.Handle, tsid uint32) {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()

	if _, ok := s.descramblers[h]; !contract.Require(ok, "%s: descrambling handle %d not open", s.id, h) {
		return
	}
	report(s.engine.DetachStream(h, tsid), "DetachStream")
	report(s.engine.CloseDescrambling(h), "CloseDescrambling")
	delete(s.descramblers, h)
	metrics.DescramblingSessions.Dec()
}

// SetContentMetadata forwards an ECM to a descrambling session.
func (s *System) SetContentMetadata(h engine.Handle, ecm []byte) {
	report(s.engine.SetContentMetadata(h, ecm, engine.StreamDVB), "SetContentMetadata")
}

// SetPlatformMetadata forwards platform descrambler configuration.
func (s *System) SetPlatformMetadata(h engine.Handle, tsid uint32, metadata []byte) {
	report(s.engine.SetPlatformMetadata(h, tsid, metadata), "SetPlatformMetadata")
}

// Addref takes another reference.
func (s *System) Addref() {
	s.reg.mu.Lock()
	s.refs++
	s.reg.mu.Unlock()
}

// Release drops a reference. The last one unlinks the system from the
// registry and closes its engine sessions.
func (s *System) Release() {
	s.reg.mu.Lock()
	if s.refs <= 0 {
		s.reg.mu.Unlock()
		contract.Fail("%s released more often than acquired", s.id)
		return
	}
	s.refs--
	if s.refs > 0 {
		s.reg.mu.Unlock()
		return
	}
	s.state = Closing
	s.reg.removeLocked(s)
	s.reg.mu.Unlock()

	s.destroy()
}

func (s *System) destroy() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.reg.mu.Lock()
	inband := s.inband
	s.inband = 0
	leaked := s.descramblers
	s.descramblers = make(map[engine.Handle]Descrambler)
	s.reg.mu.Unlock()

	for h := range leaked {
		log.Warn("%s: closing leaked descrambling session %d", s.id, h)
		report(s.engine.CloseDescrambling(h), "CloseDescrambling")
		metrics.DescramblingSessions.Dec()
	}
	if inband != 0 {
		report(s.engine.CloseInband(inband), "CloseInband")
	}
	s.closeProvisioning()
	s.closeDelivery()
	report(s.engine.CloseApplication(s.app), "CloseApplication")

	s.reg.mu.Lock()
	s.state = Closed
	s.reg.mu.Unlock()
	metrics.SystemSessions.Dec()
	log.Info("%s closed", s.id)
}

func (s *System) ID() string {
	return s.id
}

// Key returns the operator vault key the system was created for.
func (s *System) Key() string {
	return s.key
}

func (s *System) LicensePath() string {
	return s.license
}

func (s *System) State() State {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	return s.state
}

// Refs returns the current reference count.
func (s *System) Refs() int {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	return s.refs
}

// Pending returns events waiting for a callback.
func (s *System) Pending() request.Set {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	return s.pending
}

// Application returns the application session handle.
func (s *System) Application() engine.Handle {
	return s.app
}

// Delivery returns the delivery session handle, 0 when none is open.
func (s *System) Delivery() engine.Handle {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	return s.delivery
}

// Provisioning returns the handle of the provisioning exchange in flight.
func (s *System) Provisioning() engine.Handle {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	return s.provisioning
}
