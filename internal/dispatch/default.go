package dispatch

import "sync"

var (
	defaultMu         sync.Mutex
	defaultDispatcher *Dispatcher
)

// Default returns the process-wide dispatcher, starting it on first use or
// after Shutdown.
func Default() *Dispatcher {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultDispatcher == nil {
		log.Debug("Starting dispatcher")
		defaultDispatcher = New()
	}
	return defaultDispatcher
}

// Shutdown stops the process-wide dispatcher and waits for its worker.
func Shutdown() {
	defaultMu.Lock()
	d := defaultDispatcher
	defaultDispatcher = nil
	defaultMu.Unlock()

	if d != nil {
		d.Stop()
	}
}
