package queue

import "time"

// Config holds configuration for the message bus
type Config struct {
	// VisibilityTimeout is the message visibility timeout for redelivery
	VisibilityTimeout time.Duration

	// MaxReceive is the maximum times a message can be received before it
	// is moved to the dead-letter queue
	MaxReceive int

	// DeadLetterRetention is how long dead-letter entries are kept
	DeadLetterRetention time.Duration
}

// NewDefaultConfig creates a queue configuration with sensible defaults
func NewDefaultConfig() Config {
	return Config{
		VisibilityTimeout:   5 * time.Minute,
		MaxReceive:          3,
		DeadLetterRetention: 7 * 24 * time.Hour,
	}
}
