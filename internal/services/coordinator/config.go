package coordinator

import "time"

// Config holds the coordinator's dispatch and retry policy
type Config struct {
	// DefaultMaxAttempts is the attempt budget when a request omits one
	DefaultMaxAttempts int

	// DefaultPriority is applied when a request omits a priority
	DefaultPriority int

	// RetryBackoffBase is the delay before the first retry republish; the
	// delay doubles per consumed attempt. Zero republishes immediately.
	RetryBackoffBase time.Duration

	// RetryBackoffMax caps the retry delay
	RetryBackoffMax time.Duration

	// MessageTTL expires undelivered task messages; 0 means no expiry
	MessageTTL time.Duration

	// TaskTimeout is the end-to-end budget stamped on task messages
	TaskTimeout time.Duration

	// DispatchBatch bounds how many tasks one DispatchDue or RequeueStale
	// sweep picks up
	DispatchBatch int

	// AllowTestURLs permits localhost and private-network target URLs.
	// Enabled in development, off in production.
	AllowTestURLs bool
}

// NewDefaultConfig creates a coordinator configuration with sensible defaults
func NewDefaultConfig() Config {
	return Config{
		DefaultMaxAttempts: 3,
		DefaultPriority:    5,
		RetryBackoffBase:   30 * time.Second,
		RetryBackoffMax:    10 * time.Minute,
		MessageTTL:         0,
		TaskTimeout:        60 * time.Second,
		DispatchBatch:      100,
		AllowTestURLs:      true,
	}
}
