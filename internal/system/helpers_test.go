package system

import (
	"sync"
	"testing"

	"github.com/lanikai/alohacdm/internal/dispatch"
	"github.com/lanikai/alohacdm/internal/engine"
	"github.com/lanikai/alohacdm/internal/engine/sim"
	"github.com/lanikai/alohacdm/internal/message"
	"github.com/lanikai/alohacdm/internal/request"
)

const defaultVault = "/etc/alohacdm/operator.vault"

type event struct {
	Reason string
	Data   []byte
}

// recorder is a client callback that remembers every notification.
type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) OnKeyMessage(data []byte, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{reason, append([]byte(nil), data...)})
}

func (r *recorder) OnKeyReady() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{Reason: "KEYREADY"})
}

func (r *recorder) reasons() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var reasons []string
	for _, e := range r.events {
		reasons = append(reasons, e.Reason)
	}
	return reasons
}

func (r *recorder) last() event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return event{}
	}
	return r.events[len(r.events)-1]
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// alwaysFilters reports its filters whether or not the application session
// is provisioned.
type alwaysFilters struct {
	*sim.Engine
	filters []engine.Filter
}

func (f alwaysFilters) GetFilters(app engine.Handle, buf []engine.Filter) (int, engine.Status) {
	if len(buf) < len(f.filters) {
		return len(f.filters), engine.BufferTooSmall
	}
	return copy(buf, f.filters), engine.OK
}

// emptyChallenges exports zero-length provisioning and delivery messages.
type emptyChallenges struct {
	*sim.Engine
}

func (e emptyChallenges) ExportProvisioningMessage(p engine.Handle, buf []byte) (int, engine.Status) {
	return 0, engine.OK
}

func (e emptyChallenges) ExportDeliveryMessage(d engine.Handle, buf []byte) (int, engine.Status) {
	return 0, engine.OK
}

// needKeyOnAttach raises a need-key event for every stream as it attaches.
type needKeyOnAttach struct {
	*sim.Engine
	app engine.Handle
}

func (e *needKeyOnAttach) OpenDescrambling(app engine.Handle) (engine.Handle, engine.Status) {
	e.app = app
	return e.Engine.OpenDescrambling(app)
}

func (e *needKeyOnAttach) AttachStream(d engine.Handle, tsid uint32, emi uint16) engine.Status {
	e.Engine.TriggerNeedKey(e.app, d)
	return e.Engine.AttachStream(d, tsid, emi)
}

// failAttach refuses every stream.
type failAttach struct {
	*sim.Engine
}

func (e failAttach) AttachStream(d engine.Handle, tsid uint32, emi uint16) engine.Status {
	return engine.Failure
}

type fixture struct {
	*Registry
	sim        *sim.Engine
	dispatcher *dispatch.Dispatcher
}

func newFixture(t *testing.T, opts sim.Options, wrap ...func(*sim.Engine) engine.Engine) *fixture {
	e := sim.New(opts)
	var eng engine.Engine = e
	for _, w := range wrap {
		eng = w(e)
	}
	d := dispatch.New()
	t.Cleanup(d.Stop)
	return &fixture{
		Registry: NewRegistry(Options{
			Engine:       eng,
			Dispatcher:   d,
			DefaultVault: defaultVault,
			LicensePath:  t.TempDir(),
		}),
		sim:        e,
		dispatcher: d,
	}
}

func vaultContent(s string) func() ([]byte, error) {
	return func() ([]byte, error) { return []byte(s), nil }
}

func (f *fixture) open(t *testing.T, key string) *Proxy {
	p, err := f.Open(key, vaultContent("vault:"+key))
	if err != nil {
		t.Fatalf("Open %q: %v", key, err)
	}
	return p
}

func encode(t *testing.T, kind request.Kind, payload []byte) []byte {
	msg, err := message.Encode(kind, payload)
	if err != nil {
		t.Fatalf("Encode %v: %v", kind, err)
	}
	return msg
}

// descrambler counts need-key notifications of a stream.
type descrambler struct {
	mu       sync.Mutex
	needKeys int
}

func (d *descrambler) OnNeedKey() {
	d.mu.Lock()
	d.needKeys++
	d.mu.Unlock()
}

func (d *descrambler) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.needKeys
}
