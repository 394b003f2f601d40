package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/excerpo/internal/models"
)

// PublishOptions control ordering and expiry of a published message
type PublishOptions struct {
	// Priority 0-10; higher is consumed first
	Priority int
	// TTL expires the message if not consumed in time; expired messages are
	// dead-lettered, not dropped. Zero means no expiry.
	TTL time.Duration
	// Delay keeps the message invisible after publish (retry backoff)
	Delay time.Duration
}

// Delivery is one received message plus its acknowledgement handle. The
// message stays invisible until the visibility timeout lapses; Ack removes
// it permanently.
type Delivery struct {
	ID           string
	Queue        string
	Message      *models.QueueMessage
	ReceiveCount int
	EnqueuedAt   time.Time

	AckFn    func() error
	ExtendFn func(time.Duration) error
}

// Ack permanently removes the message from the queue.
func (d *Delivery) Ack() error {
	if d.AckFn == nil {
		return nil
	}
	return d.AckFn()
}

// Extend pushes the visibility timeout out for long-running work.
func (d *Delivery) Extend(duration time.Duration) error {
	if d.ExtendFn == nil {
		return nil
	}
	return d.ExtendFn(duration)
}

// Bus is the persistent message bus: named queues with priority ordering,
// per-message TTL, visibility timeouts and dead-letter routing. Delivery is
// at-least-once; consumers are responsible for idempotency.
type Bus interface {
	Publish(ctx context.Context, queue string, msg *models.QueueMessage, opts PublishOptions) error

	// Receive claims the next visible message or returns models.ErrNoMessage
	Receive(ctx context.Context, queue string) (*Delivery, error)

	// ReceiveBatch claims up to max visible messages
	ReceiveBatch(ctx context.Context, queue string, max int) ([]*Delivery, error)

	// DeadLetter moves a message into the dead-letter queue with a reason
	DeadLetter(ctx context.Context, sourceQueue string, msg *models.QueueMessage, reason string) error

	ListDeadLetters(ctx context.Context, limit int) ([]*models.DLQEntry, error)
	RemoveDeadLetter(ctx context.Context, id string) error

	// PurgeExpiredDeadLetters removes entries older than the retention window
	PurgeExpiredDeadLetters(ctx context.Context, retention time.Duration) (int, error)

	Stats(ctx context.Context) (map[string]*models.QueueStats, error)
	Close() error
}

// MessageHandler processes one delivery. Returning nil acknowledges the
// message; returning an error leaves it for redelivery after the visibility
// timeout.
type MessageHandler func(ctx context.Context, delivery *Delivery) error

// WorkerPool manages concurrent message consumption from one queue
type WorkerPool interface {
	RegisterHandler(messageType string, handler MessageHandler)
	Start() error
	Stop() error
}
