package system

import (
	"github.com/lanikai/alohacdm/internal/engine"
	"github.com/lanikai/alohacdm/internal/logging"
	"github.com/lanikai/alohacdm/internal/metrics"
	"github.com/lanikai/alohacdm/internal/request"
)

// The engine invokes the listeners below on its own goroutines. They only
// hold the shared lock long enough to resolve the handle and either record a
// pending event or queue the notification; client code runs later on the
// dispatcher goroutine.

// OnRenewal handles a renewal request of an application session. The
// challenge is generated on the dispatcher goroutine.
func (r *Registry) OnRenewal(app engine.Handle) {
	r.mu.Lock()
	s := r.apps[app]
	if s == nil || s.state.Retired() {
		r.mu.Unlock()
		log.Debug("Renewal for unknown application session %d", app)
		return
	}
	listening := s.hasCallbackLocked()
	if !listening {
		s.markPendingLocked(request.Renewal)
	}
	r.mu.Unlock()

	if listening {
		r.dispatcher.Post(func() {
			s.opMu.Lock()
			challenge := s.renewalChallenge()
			s.opMu.Unlock()
			if len(challenge) > 0 {
				s.deliver(request.Renewal, challenge)
			}
		})
	}
}

// OnNeedKey handles a missing key. A non-zero descrambling handle routes the
// notification to the stream session owning it.
func (r *Registry) OnNeedKey(app, descrambling engine.Handle) {
	r.mu.Lock()
	s := r.apps[app]
	if s == nil || s.state.Retired() {
		r.mu.Unlock()
		log.Debug("Need key for unknown application session %d", app)
		return
	}

	if descrambling != 0 {
		d := s.descramblers[descrambling]
		r.mu.Unlock()
		if d == nil {
			log.Warn("%s: need key for unknown descrambling session %d", s.id, descrambling)
			return
		}
		r.dispatcher.Post(d.OnNeedKey)
		return
	}

	listening := s.hasCallbackLocked()
	if !listening {
		s.markPendingLocked(request.KeyNeeded)
	}
	r.mu.Unlock()

	if listening {
		s.broadcast(request.KeyNeeded, nil)
	}
}

// OnDeliveryCompleted handles the end of a license delivery: clients learn
// that keys are ready and the delivery session is closed.
func (r *Registry) OnDeliveryCompleted(delivery engine.Handle, status engine.Status) {
	if !report(status, "DeliveryCompleted") {
		return
	}
	r.mu.Lock()
	s := r.deliveries[delivery]
	if s == nil || s.state.Retired() {
		r.mu.Unlock()
		log.Debug("Completion of unknown delivery session %d", delivery)
		return
	}
	listening := s.hasCallbackLocked()
	if !listening {
		s.markPendingLocked(request.KeyReady)
	}
	r.mu.Unlock()

	if listening {
		r.dispatcher.Post(s.keyReady)
	}
}

// report logs a failed engine call and returns whether it succeeded.
func report(status engine.Status, call string) bool {
	if status.Ok() {
		return true
	}
	log.Log(logging.Error, 1, "Call to %s failed, status = %v", call, status)
	metrics.EngineFailures.WithLabelValues(call).Inc()
	return false
}
