// Package vault loads operator vaults, the secret blobs an engine
// application session is opened with.
package vault

import (
	"encoding/hex"
	"io/ioutil"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/golang/groupcache/lru"
	"github.com/golang/groupcache/singleflight"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"github.com/lanikai/alohacdm/internal/logging"
	"github.com/lanikai/alohacdm/internal/metrics"
)

var log = logging.DefaultLogger.WithTag("vault")

var ErrEmpty = errors.New("operator vault is empty")

// Fingerprint identifies vault content in logs without revealing it.
func Fingerprint(content []byte) string {
	sum := blake2b.Sum256(content)
	return hex.EncodeToString(sum[:6])
}

type Options struct {
	// Number of vaults kept in memory. Zero disables caching.
	CacheSize int

	// Drop cached vaults when their file changes.
	Watch bool

	// Lock cached vault pages into memory so they never reach swap.
	Lock bool
}

// Loader reads vault files, caching their content. Concurrent loads of the
// same path share one read.
type Loader struct {
	opts  Options
	group singleflight.Group

	mu      sync.Mutex
	cache   *lru.Cache
	watcher *fsnotify.Watcher
	watched map[string]bool

	done chan struct{}
}

func NewLoader(opts Options) (*Loader, error) {
	l := &Loader{
		opts:    opts,
		watched: make(map[string]bool),
		done:    make(chan struct{}),
	}
	if opts.CacheSize > 0 {
		l.cache = lru.New(opts.CacheSize)
		l.cache.OnEvicted = func(key lru.Key, value interface{}) {
			release(value.([]byte))
		}
	}
	if opts.Watch && l.cache != nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, errors.Wrap(err, "watch operator vaults")
		}
		l.watcher = w
		go l.watchLoop()
	} else {
		close(l.done)
	}
	return l, nil
}

// Load returns the content of the vault at path. Callers must not modify
// the returned slice.
func (l *Loader) Load(path string) ([]byte, error) {
	path = filepath.Clean(path)
	if content, ok := l.cached(path); ok {
		metrics.VaultLoads.WithLabelValues("hit").Inc()
		return content, nil
	}

	v, err := l.group.Do(path, func() (interface{}, error) {
		return l.read(path)
	})
	if err != nil {
		metrics.VaultLoads.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.VaultLoads.WithLabelValues("load").Inc()
	return v.([]byte), nil
}

func (l *Loader) cached(path string) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cache == nil {
		return nil, false
	}
	v, ok := l.cache.Get(path)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

func (l *Loader) read(path string) ([]byte, error) {
	content, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read operator vault")
	}
	if len(content) == 0 {
		return nil, errors.Wrap(ErrEmpty, path)
	}
	log.Info("Loaded operator vault %s (%d bytes, %s)", path, len(content), Fingerprint(content))

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cache == nil {
		return content, nil
	}
	if l.opts.Lock {
		if err := lock(content); err != nil {
			log.Warn("Failed to lock operator vault in memory: %v", err)
		}
	}
	l.cache.Add(path, content)
	l.watch(path)
	return content, nil
}

// Must hold l.mu.
func (l *Loader) watch(path string) {
	if l.watcher == nil {
		return
	}
	dir := filepath.Dir(path)
	if l.watched[dir] {
		return
	}
	if err := l.watcher.Add(dir); err != nil {
		log.Warn("Cannot watch %s: %v", dir, err)
		return
	}
	l.watched[dir] = true
}

// Invalidate drops the cached content of path.
func (l *Loader) Invalidate(path string) {
	path = filepath.Clean(path)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cache != nil {
		l.cache.Remove(path)
	}
}

func (l *Loader) watchLoop() {
	defer close(l.done)
	for {
		select {
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				log.Debug("Operator vault %s changed (%v)", ev.Name, ev.Op)
				l.Invalidate(ev.Name)
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("Vault watcher: %v", err)
		}
	}
}

// Close stops watching and releases cached vaults.
func (l *Loader) Close() error {
	var err error
	if l.watcher != nil {
		err = l.watcher.Close()
	}
	<-l.done

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cache != nil {
		l.cache.Clear()
	}
	return err
}
