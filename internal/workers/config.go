package workers

import (
	"time"

	"github.com/ternarybob/excerpo/internal/common"
)

// PoolConfig sizes one queue consumer pool
type PoolConfig struct {
	// Concurrency is the number of goroutines processing deliveries
	Concurrency int

	// Prefetch caps how many messages one poll claims ahead of processing.
	// Claimed messages stay invisible to other consumers until acked or the
	// visibility timeout lapses.
	Prefetch int

	// PollInterval is how often the receive loop checks the queue
	PollInterval time.Duration

	// DrainTimeout bounds how long Stop waits for in-flight work before
	// aborting it
	DrainTimeout time.Duration
}

// NewHTTPPoolConfig sizes the pool consuming the plain HTTP task queue
func NewHTTPPoolConfig(cfg common.WorkersConfig) PoolConfig {
	return PoolConfig{
		Concurrency:  cfg.HTTPConcurrency,
		Prefetch:     cfg.HTTPPrefetch,
		PollInterval: 1 * time.Second,
		DrainTimeout: 90 * time.Second,
	}
}

// NewBrowserPoolConfig sizes the pool consuming the browser task queue.
// Concurrency matches the session pool so a worker never queues on acquire.
func NewBrowserPoolConfig(cfg common.WorkersConfig) PoolConfig {
	return PoolConfig{
		Concurrency:  cfg.BrowserSessions,
		Prefetch:     cfg.BrowserPrefetch,
		PollInterval: 1 * time.Second,
		DrainTimeout: 90 * time.Second,
	}
}

// NewResultsPoolConfig sizes the pool draining the results queue into the
// coordinator. Ingestion is cheap; two consumers keep up with a full worker
// fleet.
func NewResultsPoolConfig() PoolConfig {
	return PoolConfig{
		Concurrency:  2,
		Prefetch:     10,
		PollInterval: 1 * time.Second,
		DrainTimeout: 30 * time.Second,
	}
}

// ProcessorConfig tunes one task processor
type ProcessorConfig struct {
	// WorkerID stamps result envelopes with the processing worker.
	// Empty generates one from the hostname and pid.
	WorkerID string

	// TaskTimeout is the fallback end-to-end budget when the message
	// carries none
	TaskTimeout time.Duration

	// Debug captures page snapshots to trash on failed fetches
	Debug bool
}
