// Package sim is an in-process engine that speaks the engine.Engine
// contract without any secure hardware. It backs the tests and the daemon.
//
// Listeners run on the goroutine that triggers them, serialized by a lock
// of their own, like the callback thread of a vendor engine.
package sim

import (
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/lanikai/alohacdm/internal/engine"
	"github.com/lanikai/alohacdm/internal/logging"
)

var log = logging.DefaultLogger.WithTag("sim")

// Store persists provisioning results across engine instances.
type Store interface {
	Load(key string) ([]byte, bool, error)
	Save(key string, value []byte) error
}

type Options struct {
	// New application sessions report engine.NeedsProvisioning until a
	// provisioning response has been imported for their vault.
	NeedsProvisioning bool

	// Entitlement filters reported once provisioned.
	Filters []engine.Filter

	// Fire the delivery-complete listener from a new goroutine after every
	// successful ImportDeliveryMessage.
	CompleteOnImport bool

	// Optional persistence of provisioned vaults.
	Store Store
}

type application struct {
	vaultKey    string
	provisioned bool
	renewal     engine.RenewalFunc
	needKey     engine.NeedKeyFunc
}

type provisioning struct {
	app    engine.Handle
	params []byte
}

type delivery struct {
	app      engine.Handle
	complete engine.DeliveryCompleteFunc
	imported [][]byte
}

type descrambling struct {
	app      engine.Handle
	tsid     uint32
	attached bool
	content  []byte
	platform []byte
}

type Engine struct {
	opts Options

	mu     sync.Mutex
	next   engine.Handle
	apps   map[engine.Handle]*application
	provs  map[engine.Handle]*provisioning
	dels   map[engine.Handle]*delivery
	inband map[engine.Handle]engine.Handle
	descs  map[engine.Handle]*descrambling

	provisioned map[string]bool
	emms        int

	// Serializes listener invocations.
	listenerMu sync.Mutex
}

var _ engine.Engine = (*Engine)(nil)

func New(opts Options) *Engine {
	return &Engine{
		opts:        opts,
		apps:        make(map[engine.Handle]*application),
		provs:       make(map[engine.Handle]*provisioning),
		dels:        make(map[engine.Handle]*delivery),
		inband:      make(map[engine.Handle]engine.Handle),
		descs:       make(map[engine.Handle]*descrambling),
		provisioned: make(map[string]bool),
	}
}

// Must hold e.mu. Handles are never reused.
func (e *Engine) allocate() engine.Handle {
	e.next++
	return e.next
}

func vaultKey(vault []byte) string {
	sum := blake2b.Sum256(vault)
	return hex.EncodeToString(sum[:8])
}

func (e *Engine) isProvisioned(key string) bool {
	if !e.opts.NeedsProvisioning || e.provisioned[key] {
		return true
	}
	if e.opts.Store == nil {
		return false
	}
	_, ok, err := e.opts.Store.Load(key)
	if err != nil {
		log.Warn("Failed to look up provisioning of %s: %v", key, err)
	}
	return ok
}

func fill(buf []byte, msg []byte) (int, engine.Status) {
	if len(buf) < len(msg) {
		return len(msg), engine.BufferTooSmall
	}
	return copy(buf, msg), engine.OK
}

func (e *Engine) OpenApplication(vault []byte) (engine.Handle, engine.Status) {
	if len(vault) == 0 {
		return 0, engine.InvalidArgument
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	key := vaultKey(vault)
	h := e.allocate()
	app := &application{vaultKey: key, provisioned: e.isProvisioned(key)}
	e.apps[h] = app
	if !app.provisioned {
		return h, engine.NeedsProvisioning
	}
	return h, engine.OK
}

func (e *Engine) CloseApplication(h engine.Handle) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.apps[h]; !ok {
		return engine.InvalidHandle
	}
	delete(e.apps, h)
	return engine.OK
}

func (e *Engine) SetRenewalListener(h engine.Handle, fn engine.RenewalFunc) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	app, ok := e.apps[h]
	if !ok {
		return engine.InvalidHandle
	}
	app.renewal = fn
	return engine.OK
}

func (e *Engine) SetNeedKeyListener(h engine.Handle, fn engine.NeedKeyFunc) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	app, ok := e.apps[h]
	if !ok {
		return engine.InvalidHandle
	}
	app.needKey = fn
	return engine.OK
}

func (e *Engine) GetProvisioningParameters(h engine.Handle, buf []byte) (int, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	app, ok := e.apps[h]
	if !ok {
		return 0, engine.InvalidHandle
	}
	return fill(buf, []byte("params:"+app.vaultKey))
}

func (e *Engine) OpenProvisioning(h engine.Handle) (engine.Handle, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.apps[h]; !ok {
		return 0, engine.InvalidHandle
	}
	p := e.allocate()
	e.provs[p] = &provisioning{app: h}
	return p, engine.OK
}

func (e *Engine) SetProvisioningClientData(p engine.Handle, params []byte) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	prov, ok := e.provs[p]
	if !ok {
		return engine.InvalidHandle
	}
	prov.params = append([]byte(nil), params...)
	return engine.OK
}

// ProvisioningChallenge is the challenge exported by a provisioning session
// configured with params.
func ProvisioningChallenge(params []byte) []byte {
	return []byte("provisioning-challenge;" + string(params))
}

func (e *Engine) ExportProvisioningMessage(p engine.Handle, buf []byte) (int, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	prov, ok := e.provs[p]
	if !ok {
		return 0, engine.InvalidHandle
	}
	if prov.params == nil {
		return 0, engine.InvalidArgument
	}
	return fill(buf, ProvisioningChallenge(prov.params))
}

func (e *Engine) ImportProvisioningMessage(p engine.Handle, msg []byte) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	prov, ok := e.provs[p]
	if !ok {
		return engine.InvalidHandle
	}
	if len(msg) == 0 {
		return engine.InvalidArgument
	}
	app, ok := e.apps[prov.app]
	if !ok {
		return engine.InvalidHandle
	}
	app.provisioned = true
	e.provisioned[app.vaultKey] = true
	if e.opts.Store != nil {
		if err := e.opts.Store.Save(app.vaultKey, msg); err != nil {
			log.Error("Failed to persist provisioning of %s: %v", app.vaultKey, err)
			return engine.Failure
		}
	}
	return engine.OK
}

func (e *Engine) CloseProvisioning(p engine.Handle) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.provs[p]; !ok {
		return engine.InvalidHandle
	}
	delete(e.provs, p)
	return engine.OK
}

func (e *Engine) OpenDelivery(h engine.Handle) (engine.Handle, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.apps[h]; !ok {
		return 0, engine.InvalidHandle
	}
	d := e.allocate()
	e.dels[d] = &delivery{app: h}
	return d, engine.OK
}

func (e *Engine) SetDeliveryCompleteListener(d engine.Handle, fn engine.DeliveryCompleteFunc) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	del, ok := e.dels[d]
	if !ok {
		return engine.InvalidHandle
	}
	del.complete = fn
	return engine.OK
}

// RenewalChallenge is the challenge exported by the given delivery session.
func RenewalChallenge(d engine.Handle) []byte {
	return []byte(fmt.Sprintf("renewal-challenge;delivery=%d", d))
}

func (e *Engine) ExportDeliveryMessage(d engine.Handle, buf []byte) (int, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.dels[d]; !ok {
		return 0, engine.InvalidHandle
	}
	return fill(buf, RenewalChallenge(d))
}

func (e *Engine) ImportDeliveryMessage(d engine.Handle, msg []byte) engine.Status {
	e.mu.Lock()
	del, ok := e.dels[d]
	if !ok {
		e.mu.Unlock()
		return engine.InvalidHandle
	}
	if len(msg) == 0 {
		e.mu.Unlock()
		return engine.InvalidArgument
	}
	del.imported = append(del.imported, append([]byte(nil), msg...))
	e.mu.Unlock()

	if e.opts.CompleteOnImport {
		go e.CompleteDelivery(d)
	}
	return engine.OK
}

func (e *Engine) CloseDelivery(d engine.Handle) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.dels[d]; !ok {
		return engine.InvalidHandle
	}
	delete(e.dels, d)
	return engine.OK
}

func (e *Engine) OpenInband(h engine.Handle) (engine.Handle, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.apps[h]; !ok {
		return 0, engine.InvalidHandle
	}
	i := e.allocate()
	e.inband[i] = h
	return i, engine.OK
}

func (e *Engine) DecryptEMM(i engine.Handle, emm []byte) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	app, ok := e.inband[i]
	if !ok {
		return engine.InvalidHandle
	}
	if a := e.apps[app]; a == nil || !a.provisioned {
		return engine.NotProvisioned
	}
	if len(emm) == 0 {
		return engine.InvalidArgument
	}
	e.emms++
	return engine.OK
}

func (e *Engine) CloseInband(i engine.Handle) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inband[i]; !ok {
		return engine.InvalidHandle
	}
	delete(e.inband, i)
	return engine.OK
}

func (e *Engine) GetFilters(h engine.Handle, buf []engine.Filter) (int, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	app, ok := e.apps[h]
	if !ok {
		return 0, engine.InvalidHandle
	}
	if !app.provisioned || len(e.opts.Filters) == 0 {
		return 0, engine.OK
	}
	if len(buf) < len(e.opts.Filters) {
		return len(e.opts.Filters), engine.BufferTooSmall
	}
	return copy(buf, e.opts.Filters), engine.OK
}

func (e *Engine) OpenDescrambling(h engine.Handle) (engine.Handle, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.apps[h]; !ok {
		return 0, engine.InvalidHandle
	}
	d := e.allocate()
	e.descs[d] = &descrambling{app: h}
	return d, engine.OK
}

func (e *Engine) CloseDescrambling(d engine.Handle) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.descs[d]; !ok {
		return engine.InvalidHandle
	}
	delete(e.descs, d)
	return engine.OK
}

func (e *Engine) SetContentMetadata(d engine.Handle, metadata []byte, typ engine.StreamType) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	desc, ok := e.descs[d]
	if !ok {
		return engine.InvalidHandle
	}
	if typ != engine.StreamDVB {
		return engine.InvalidArgument
	}
	desc.content = append([]byte(nil), metadata...)
	return engine.OK
}

func (e *Engine) AttachStream(d engine.Handle, tsid uint32, emi uint16) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	desc, ok := e.descs[d]
	if !ok {
		return engine.InvalidHandle
	}
	desc.tsid = tsid
	desc.attached = true
	return engine.OK
}

func (e *Engine) DetachStream(d engine.Handle, tsid uint32) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	desc, ok := e.descs[d]
	if !ok || !desc.attached || desc.tsid != tsid {
		return engine.InvalidArgument
	}
	desc.attached = false
	return engine.OK
}

func (e *Engine) SetPlatformMetadata(d engine.Handle, tsid uint32, metadata []byte) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	desc, ok := e.descs[d]
	if !ok || desc.tsid != tsid {
		return engine.InvalidHandle
	}
	desc.platform = append([]byte(nil), metadata...)
	return engine.OK
}
