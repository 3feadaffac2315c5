package alohacdm

import (
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/lanikai/alohacdm/internal/cdmi"
	"github.com/lanikai/alohacdm/internal/connect"
	"github.com/lanikai/alohacdm/internal/dispatch"
	"github.com/lanikai/alohacdm/internal/engine"
	"github.com/lanikai/alohacdm/internal/logging"
	"github.com/lanikai/alohacdm/internal/pssh"
	"github.com/lanikai/alohacdm/internal/system"
	"github.com/lanikai/alohacdm/internal/vault"
)

var log = logging.DefaultLogger.WithTag("alohacdm")

// Key system names and the init data types they accept.
const (
	SystemKeySystem  = "com.lanikai.system"
	ConnectKeySystem = "com.lanikai.connect"
	InitDataType     = "cenc"
)

// MimeTypes lists the container types both key systems descramble.
var MimeTypes = []string{
	"video/mp2t",
	"video/mp4",
	"audio/mp4",
}

func supportedMimeType(mimeType string) bool {
	if mimeType == "" {
		return true
	}
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	mimeType = strings.TrimSpace(mimeType)
	for _, t := range MimeTypes {
		if t == mimeType {
			return true
		}
	}
	return false
}

type (
	KeySession = cdmi.KeySession
	Callback   = cdmi.Callback
)

// Module owns everything shared by the key systems: the engine, the session
// registry and the notification dispatcher.
type Module struct {
	Config Config

	engine     engine.Engine
	registry   *system.Registry
	dispatcher *dispatch.Dispatcher
	vaults     *vault.Loader

	mu     sync.Mutex
	closed bool
}

// Open prepares a module driving the given engine.
func Open(cfg Config, eng engine.Engine) (*Module, error) {
	vaults, err := vault.NewLoader(vault.Options{
		CacheSize: cfg.VaultCacheSize,
		Watch:     cfg.WatchVaults,
		Lock:      true,
	})
	if err != nil {
		return nil, err
	}
	d := dispatch.Default()
	m := &Module{
		Config:     cfg,
		engine:     eng,
		dispatcher: d,
		vaults:     vaults,
		registry: system.NewRegistry(system.Options{
			Engine:       eng,
			Dispatcher:   d,
			DefaultVault: cfg.OperatorVaultPath,
			LicensePath:  cfg.LicensePath,
		}),
	}
	log.Info("Using operator vault %s, licenses in %s", cfg.OperatorVaultPath, cfg.LicensePath)
	return m, nil
}

// LookupSystem returns the system session with the given id, or the default
// one for an empty id. The caller owns a reference and must Release it.
func (m *Module) LookupSystem(id string) (*system.System, bool) {
	return m.registry.Lookup(id)
}

// Dispatcher returns the dispatcher client notifications run on.
func (m *Module) Dispatcher() *dispatch.Dispatcher {
	return m.dispatcher
}

func (m *Module) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close stops the dispatcher and drops cached vaults. Sessions must have
// been destroyed before.
func (m *Module) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	dispatch.Shutdown()
	return m.vaults.Close()
}

// SystemKeys hands out client sessions on shared system sessions.
type SystemKeys struct {
	*Module
}

func NewSystemKeys(m *Module) SystemKeys {
	return SystemKeys{m}
}

func (k SystemKeys) KeySystem() string {
	return SystemKeySystem
}

func (k SystemKeys) IsTypeSupported(keySystem, mimeType string) bool {
	return keySystem == SystemKeySystem && supportedMimeType(mimeType)
}

// CreateSession returns a client session for the operator vault named by
// the init data. Init data without private data selects the configured
// operator vault; otherwise the private data is the vault itself.
func (k SystemKeys) CreateSession(initData []byte) (KeySession, error) {
	if k.isClosed() {
		return nil, errClosed
	}
	key := k.Config.OperatorVaultPath
	load := func() ([]byte, error) { return k.vaults.Load(key) }
	if private, n := pssh.FindPrivateData(initData); n > 0 {
		key = string(private)
		load = func() ([]byte, error) { return private, nil }
	} else {
		log.Debug("No vault in init data (%d), using %s", n, key)
	}

	p, err := k.registry.Open(key, load)
	if err != nil {
		return nil, errors.Wrap(err, "create system session")
	}
	return p, nil
}

func (k SystemKeys) DestroySession(s KeySession) {
	if p, ok := s.(*system.Proxy); ok {
		p.Destroy()
	}
}

func (k SystemKeys) SetServerCertificate(cert []byte) error {
	return errNotSupported
}

// ConnectKeys hands out stream sessions descrambling under a system session.
type ConnectKeys struct {
	*Module
}

func NewConnectKeys(m *Module) ConnectKeys {
	return ConnectKeys{m}
}

func (k ConnectKeys) KeySystem() string {
	return ConnectKeySystem
}

func (k ConnectKeys) IsTypeSupported(keySystem, mimeType string) bool {
	return keySystem == ConnectKeySystem && supportedMimeType(mimeType)
}

// CreateSession opens a stream session routed by the init data.
func (k ConnectKeys) CreateSession(initData []byte) (KeySession, error) {
	if k.isClosed() {
		return nil, errClosed
	}
	c, err := connect.New(k.registry, k.dispatcher, initData)
	if err != nil {
		return nil, errors.Wrap(err, "create stream session")
	}
	return c, nil
}

func (k ConnectKeys) DestroySession(s KeySession) {
	if c, ok := s.(*connect.Session); ok {
		c.Destroy()
	}
}

func (k ConnectKeys) SetServerCertificate(cert []byte) error {
	return errNotSupported
}
