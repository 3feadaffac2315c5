package system

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/lanikai/alohacdm/internal/dispatch"
	"github.com/lanikai/alohacdm/internal/engine"
	"github.com/lanikai/alohacdm/internal/logging"
	"github.com/lanikai/alohacdm/internal/metrics"
	"github.com/lanikai/alohacdm/internal/vault"
)

var log = logging.DefaultLogger.WithTag("system")

// SessionIDPrefix starts the id of every system session.
const SessionIDPrefix = "SYSTEMSESSION_ID:"

var errNoVault = errors.New("no operator vault")

type Options struct {
	Engine engine.Engine

	// Dispatcher for client notifications. Defaults to dispatch.Default().
	Dispatcher *dispatch.Dispatcher

	// Vault key of the default slot, used when init data carries no
	// private data.
	DefaultVault string

	// Engine license storage, handed to every system session.
	LicensePath string
}

type slot struct {
	key    string
	system *System
}

// Registry maps operator vault keys and engine handles to the systems that
// own them. Its mutex is the one shared lock: it guards the tables below,
// the mutable fields of every System and Proxy, and reference counts.
type Registry struct {
	engine     engine.Engine
	dispatcher *dispatch.Dispatcher
	license    string

	// Serializes construction so that one vault key never yields two
	// systems. Never taken with mu held.
	createMu sync.Mutex

	mu sync.Mutex

	// slots[0] belongs to the default vault and is never erased.
	slots      []slot
	apps       map[engine.Handle]*System
	deliveries map[engine.Handle]*System
}

func NewRegistry(opts Options) *Registry {
	d := opts.Dispatcher
	if d == nil {
		d = dispatch.Default()
	}
	return &Registry{
		engine:     opts.Engine,
		dispatcher: d,
		license:    opts.LicensePath,
		slots:      []slot{{key: opts.DefaultVault}},
		apps:       make(map[engine.Handle]*System),
		deliveries: make(map[engine.Handle]*System),
	}
}

// DefaultVault returns the vault key of the default slot.
func (r *Registry) DefaultVault() string {
	return r.slots[0].key
}

// Must hold r.mu.
func (r *Registry) find(key string) int {
	for i := range r.slots {
		if r.slots[i].key == key {
			return i
		}
	}
	return -1
}

// AddOrGetSession returns the system for the given vault key with its
// reference count incremented, constructing it when absent. load supplies
// the vault content and is only called for construction.
func (r *Registry) AddOrGetSession(key string, load func() ([]byte, error)) (*System, error) {
	r.createMu.Lock()
	defer r.createMu.Unlock()

	r.mu.Lock()
	if i := r.find(key); i >= 0 && r.slots[i].system != nil {
		s := r.slots[i].system
		s.refs++
		r.mu.Unlock()
		log.Debug("Sharing %s, %d references", s.id, s.refs)
		return s, nil
	}
	r.mu.Unlock()

	content, err := load()
	if err != nil {
		return nil, errors.Wrapf(err, "load operator vault %s", vault.Fingerprint([]byte(key)))
	}
	if len(content) == 0 {
		return nil, errNoVault
	}

	s, err := r.construct(key, content)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	s.refs = 1
	if i := r.find(key); i >= 0 {
		r.slots[i].system = s
	} else {
		r.slots = append(r.slots, slot{key, s})
	}
	r.mu.Unlock()
	metrics.SystemSessions.Inc()
	return s, nil
}

// RemoveSession erases the slot holding s. The default slot stays, holding
// nothing. Engine sessions are not touched; see System.Release.
func (r *Registry) RemoveSession(s *System) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(s)
}

// Must hold r.mu.
func (r *Registry) removeLocked(s *System) {
	for i := range r.slots {
		if r.slots[i].system != s {
			continue
		}
		if i == 0 {
			r.slots[0].system = nil
		} else {
			r.slots = append(r.slots[:i], r.slots[i+1:]...)
		}
		break
	}
	if r.apps[s.app] == s {
		delete(r.apps, s.app)
	}
	if s.delivery != 0 && r.deliveries[s.delivery] == s {
		delete(r.deliveries, s.delivery)
	}
}

// Lookup returns the live system with the given session id, or the default
// system for an empty id, with its reference count incremented.
func (r *Registry) Lookup(id string) (*System, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s *System
	if id == "" {
		s = r.slots[0].system
	} else {
		for i := range r.slots {
			if r.slots[i].system != nil && r.slots[i].system.id == id {
				s = r.slots[i].system
				break
			}
		}
	}
	if s == nil || !s.state.Alive() {
		return nil, false
	}
	s.refs++
	return s, true
}

// Len returns the number of slots, including the default slot.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}
