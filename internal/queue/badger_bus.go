package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
)

const (
	maxPriority = 10
	dlqPrefix   = "dlq:entry:"

	// conflictRetries bounds retries on badger transaction conflicts, which
	// are expected when multiple workers claim from the same queue
	conflictRetries = 5
)

// storedMessage is the internal structure persisted in Badger. The body is
// the wire envelope; the wrapper carries delivery bookkeeping.
type storedMessage struct {
	ID           string               `json:"id"`
	Queue        string               `json:"queue"`
	Body         *models.QueueMessage `json:"body"`
	Priority     int                  `json:"priority"`
	EnqueuedAt   time.Time            `json:"enqueued_at"`
	VisibleAt    time.Time            `json:"visible_at"`
	ExpiresAt    time.Time            `json:"expires_at,omitempty"`
	ReceiveCount int                  `json:"receive_count"`
}

// BadgerBus implements a persistent multi-queue message bus on BadgerDB.
// Messages are stored at queue:{name}:msg:{id}; a separate index key at
// queue:{name}:index:{band}:{visibleAt}:{id} gives claim order. The band is
// the inverted priority, so higher-priority messages sort first, and within
// a band keys sort by visibility time.
type BadgerBus struct {
	db     *badger.DB
	config Config
	logger arbor.ILogger
}

// NewBadgerBus creates a new Badger-backed message bus
func NewBadgerBus(db *badger.DB, config Config, logger arbor.ILogger) (*BadgerBus, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if config.VisibilityTimeout <= 0 {
		config.VisibilityTimeout = 5 * time.Minute
	}
	if config.MaxReceive <= 0 {
		config.MaxReceive = 3
	}
	if config.DeadLetterRetention <= 0 {
		config.DeadLetterRetention = 7 * 24 * time.Hour
	}

	return &BadgerBus{
		db:     db,
		config: config,
		logger: logger,
	}, nil
}

// Publish adds a message to the named queue
func (b *BadgerBus) Publish(ctx context.Context, queue string, msg *models.QueueMessage, opts interfaces.PublishOptions) error {
	if queue == "" {
		return errors.New("queue name is required")
	}
	if msg == nil {
		return errors.New("message is required")
	}

	now := time.Now()
	stored := storedMessage{
		ID:         uuid.New().String(),
		Queue:      queue,
		Body:       msg,
		Priority:   clampPriority(opts.Priority),
		EnqueuedAt: now,
		VisibleAt:  now,
	}
	if opts.Delay > 0 {
		stored.VisibleAt = now.Add(opts.Delay)
	}
	if opts.TTL > 0 {
		stored.ExpiresAt = now.Add(opts.TTL)
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	return b.update(func(txn *badger.Txn) error {
		if err := txn.Set(msgKey(queue, stored.ID), data); err != nil {
			return err
		}
		return txn.Set(indexKey(queue, stored.Priority, stored.VisibleAt, stored.ID), []byte{})
	})
}

// Receive claims the next visible message from the queue. The claim
// increments the receive count and hides the message for the visibility
// timeout; the returned delivery's Ack removes it permanently. Returns
// models.ErrNoMessage when nothing is ready.
func (b *BadgerBus) Receive(ctx context.Context, queue string) (*interfaces.Delivery, error) {
	if queue == "" {
		return nil, errors.New("queue name is required")
	}

	var claimed storedMessage
	var found bool
	err := b.update(func(txn *badger.Txn) error {
		var err error
		found, err = b.claim(txn, queue, &claimed)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		// Nothing claimable, but the scan may have dead-lettered expired or
		// poison messages; returning nil above committed those moves.
		return nil, models.ErrNoMessage
	}

	id := claimed.ID
	return &interfaces.Delivery{
		ID:           id,
		Queue:        queue,
		Message:      claimed.Body,
		ReceiveCount: claimed.ReceiveCount,
		EnqueuedAt:   claimed.EnqueuedAt,
		AckFn:        func() error { return b.ack(queue, id) },
		ExtendFn:     func(d time.Duration) error { return b.extend(queue, id, d) },
	}, nil
}

// ReceiveBatch claims up to max visible messages
func (b *BadgerBus) ReceiveBatch(ctx context.Context, queue string, max int) ([]*interfaces.Delivery, error) {
	if max <= 0 {
		max = 1
	}

	var deliveries []*interfaces.Delivery
	for len(deliveries) < max {
		delivery, err := b.Receive(ctx, queue)
		if err != nil {
			if errors.Is(err, models.ErrNoMessage) {
				break
			}
			return deliveries, err
		}
		deliveries = append(deliveries, delivery)
	}
	return deliveries, nil
}

// claim finds the first visible message in index order and moves it out of
// sight. Runs inside a single transaction so concurrent workers cannot claim
// the same message. Returns false when nothing is claimable; that is not an
// error, because dead-letter moves made during the scan must still commit.
func (b *BadgerBus) claim(txn *badger.Txn, queue string, out *storedMessage) (bool, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	prefix := []byte(indexPrefix(queue))
	now := time.Now()

	var claimed storedMessage
	var oldIndexKey []byte
	found := false

	it.Seek(prefix)
	for it.ValidForPrefix(prefix) {
		key := it.Item().KeyCopy(nil)

		band, visibleAt, id, err := parseIndexKey(queue, key)
		if err != nil {
			it.Next()
			continue
		}

		if visibleAt.After(now) {
			// Within a band keys sort by visibility time, so the rest of
			// this band is not ready yet. Jump to the next band.
			if band >= maxPriority {
				break
			}
			it.Seek([]byte(bandPrefix(queue, band+1)))
			continue
		}

		item, err := txn.Get(msgKey(queue, id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				// Orphaned index entry, clean it up
				if err := txn.Delete(key); err != nil {
					return false, err
				}
				it.Next()
				continue
			}
			return false, err
		}

		var stored storedMessage
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &stored)
		}); err != nil {
			return false, err
		}

		if !stored.ExpiresAt.IsZero() && now.After(stored.ExpiresAt) {
			if err := b.deadLetterInTxn(txn, queue, &stored, key, "message ttl expired"); err != nil {
				return false, err
			}
			it.Next()
			continue
		}

		if stored.ReceiveCount >= b.config.MaxReceive {
			reason := fmt.Sprintf("exceeded %d receives", b.config.MaxReceive)
			if err := b.deadLetterInTxn(txn, queue, &stored, key, reason); err != nil {
				return false, err
			}
			it.Next()
			continue
		}

		found = true
		claimed = stored
		oldIndexKey = key
		break
	}

	if !found {
		return false, nil
	}

	claimed.ReceiveCount++
	claimed.VisibleAt = time.Now().Add(b.config.VisibilityTimeout)

	data, err := json.Marshal(claimed)
	if err != nil {
		return false, err
	}
	if err := txn.Set(msgKey(queue, claimed.ID), data); err != nil {
		return false, err
	}
	if err := txn.Delete(oldIndexKey); err != nil {
		return false, err
	}
	if err := txn.Set(indexKey(queue, claimed.Priority, claimed.VisibleAt, claimed.ID), []byte{}); err != nil {
		return false, err
	}

	*out = claimed
	return true, nil
}

// ack permanently removes an acknowledged message
func (b *BadgerBus) ack(queue, id string) error {
	return b.update(func(txn *badger.Txn) error {
		mk := msgKey(queue, id)
		item, err := txn.Get(mk)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				// Already acked or dead-lettered
				return nil
			}
			return err
		}

		var stored storedMessage
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &stored)
		}); err != nil {
			return err
		}

		if err := txn.Delete(indexKey(queue, stored.Priority, stored.VisibleAt, id)); err != nil {
			return err
		}
		return txn.Delete(mk)
	})
}

// extend pushes the visibility timeout out for a long-running consumer
func (b *BadgerBus) extend(queue, id string, duration time.Duration) error {
	return b.update(func(txn *badger.Txn) error {
		mk := msgKey(queue, id)
		item, err := txn.Get(mk)
		if err != nil {
			return err
		}

		var stored storedMessage
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &stored)
		}); err != nil {
			return err
		}

		oldIndexKey := indexKey(queue, stored.Priority, stored.VisibleAt, id)
		stored.VisibleAt = time.Now().Add(duration)

		data, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		if err := txn.Set(mk, data); err != nil {
			return err
		}
		if err := txn.Delete(oldIndexKey); err != nil {
			return err
		}
		return txn.Set(indexKey(queue, stored.Priority, stored.VisibleAt, id), []byte{})
	})
}

// DeadLetter moves a message into the dead-letter queue with a reason. Used
// by consumers for messages that must not be redelivered, like malformed
// payloads.
func (b *BadgerBus) DeadLetter(ctx context.Context, sourceQueue string, msg *models.QueueMessage, reason string) error {
	if msg == nil {
		return errors.New("message is required")
	}

	entry := models.DLQEntry{
		ID:          uuid.New().String(),
		SourceQueue: sourceQueue,
		Reason:      reason,
		Message:     *msg,
		DeadAt:      time.Now(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter entry: %w", err)
	}

	err = b.update(func(txn *badger.Txn) error {
		return txn.Set(dlqKey(entry.DeadAt, entry.ID), data)
	})
	if err != nil {
		return err
	}

	b.logger.Warn().
		Str("queue", sourceQueue).
		Str("task_id", msg.TaskID).
		Str("reason", reason).
		Msg("Message moved to dead-letter queue")
	return nil
}

// deadLetterInTxn moves an expired or poison message to the DLQ inside an
// existing claim transaction
func (b *BadgerBus) deadLetterInTxn(txn *badger.Txn, queue string, stored *storedMessage, oldIndexKey []byte, reason string) error {
	entry := models.DLQEntry{
		ID:          stored.ID,
		SourceQueue: queue,
		Reason:      reason,
		DeadAt:      time.Now(),
	}
	if stored.Body != nil {
		entry.Message = *stored.Body
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := txn.Set(dlqKey(entry.DeadAt, entry.ID), data); err != nil {
		return err
	}
	if err := txn.Delete(oldIndexKey); err != nil {
		return err
	}
	if err := txn.Delete(msgKey(queue, stored.ID)); err != nil {
		return err
	}

	b.logger.Warn().
		Str("queue", queue).
		Str("message_id", stored.ID).
		Str("reason", reason).
		Msg("Message moved to dead-letter queue")
	return nil
}

// ListDeadLetters returns dead-letter entries oldest first
func (b *BadgerBus) ListDeadLetters(ctx context.Context, limit int) ([]*models.DLQEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	var entries []*models.DLQEntry
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(dlqPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(entries) < limit; it.Next() {
			var entry models.DLQEntry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				continue
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	return entries, err
}

// RemoveDeadLetter deletes a single dead-letter entry by ID
func (b *BadgerBus) RemoveDeadLetter(ctx context.Context, id string) error {
	return b.update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(dlqPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if strings.HasSuffix(string(key), ":"+id) {
				return txn.Delete(key)
			}
		}
		return fmt.Errorf("dead-letter entry %s not found", id)
	})
}

// PurgeExpiredDeadLetters removes entries older than the retention window
// and returns the number purged
func (b *BadgerBus) PurgeExpiredDeadLetters(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		retention = b.config.DeadLetterRetention
	}
	cutoff := time.Now().Add(-retention)

	purged := 0
	err := b.update(func(txn *badger.Txn) error {
		purged = 0
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(dlqPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			deadAt, err := parseDLQKey(key)
			if err != nil {
				continue
			}
			if !deadAt.Before(cutoff) {
				// Keys sort by dead-letter time; everything past here is newer
				break
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	return purged, err
}

// Stats counts ready and in-flight messages per queue. Delayed messages
// that have never been claimed count toward the total only.
func (b *BadgerBus) Stats(ctx context.Context) (map[string]*models.QueueStats, error) {
	stats := map[string]*models.QueueStats{
		models.QueueTasksHTTP:    {Queue: models.QueueTasksHTTP},
		models.QueueTasksBrowser: {Queue: models.QueueTasksBrowser},
		models.QueueResults:      {Queue: models.QueueResults},
		models.QueueDeadLetters:  {Queue: models.QueueDeadLetters},
	}

	now := time.Now()
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte("queue:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if !strings.Contains(string(it.Item().Key()), ":msg:") {
				continue
			}

			var stored storedMessage
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &stored)
			}); err != nil {
				continue
			}

			qs, ok := stats[stored.Queue]
			if !ok {
				qs = &models.QueueStats{Queue: stored.Queue}
				stats[stored.Queue] = qs
			}
			qs.Total++
			if !stored.VisibleAt.After(now) {
				qs.Ready++
			} else if stored.ReceiveCount > 0 {
				qs.InFlight++
			}
		}

		dlqIt := txn.NewIterator(badger.DefaultIteratorOptions)
		defer dlqIt.Close()
		dlq := []byte(dlqPrefix)
		for dlqIt.Seek(dlq); dlqIt.ValidForPrefix(dlq); dlqIt.Next() {
			stats[models.QueueDeadLetters].Total++
		}
		return nil
	})
	return stats, err
}

// Close closes the bus (no-op, the DB is managed externally)
func (b *BadgerBus) Close() error {
	return nil
}

// update runs a read-write transaction with bounded retries on conflicts
func (b *BadgerBus) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 5 * time.Millisecond)
	}
	return err
}

// Key helpers

func msgKey(queue, id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", queue, id))
}

func indexPrefix(queue string) string {
	return fmt.Sprintf("queue:%s:index:", queue)
}

func bandPrefix(queue string, band int) string {
	return fmt.Sprintf("queue:%s:index:%02d:", queue, band)
}

func indexKey(queue string, priority int, visibleAt time.Time, id string) []byte {
	// Zero pad the timestamp to 20 digits so string sorting matches
	// numeric sorting
	return []byte(fmt.Sprintf("queue:%s:index:%02d:%020d:%s", queue, priorityBand(priority), visibleAt.UnixNano(), id))
}

// priorityBand inverts the priority so that band 00 holds priority 10 and
// sorts first
func priorityBand(priority int) int {
	return maxPriority - clampPriority(priority)
}

func clampPriority(priority int) int {
	if priority < 0 {
		return 0
	}
	if priority > maxPriority {
		return maxPriority
	}
	return priority
}

func parseIndexKey(queue string, key []byte) (int, time.Time, string, error) {
	prefixLen := len(indexPrefix(queue))
	if len(key) <= prefixLen {
		return 0, time.Time{}, "", fmt.Errorf("invalid index key length")
	}

	// Suffix is "{2-digit-band}:{20-digit-ts}:{id}"
	suffix := string(key[prefixLen:])
	if len(suffix) < 25 {
		return 0, time.Time{}, "", fmt.Errorf("invalid index key suffix")
	}

	band, err := strconv.Atoi(suffix[:2])
	if err != nil {
		return 0, time.Time{}, "", err
	}
	ts, err := strconv.ParseInt(suffix[3:23], 10, 64)
	if err != nil {
		return 0, time.Time{}, "", err
	}
	id := suffix[24:]

	return band, time.Unix(0, ts), id, nil
}

func dlqKey(deadAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", dlqPrefix, deadAt.UnixNano(), id))
}

func parseDLQKey(key []byte) (time.Time, error) {
	if len(key) < len(dlqPrefix)+21 {
		return time.Time{}, fmt.Errorf("invalid dead-letter key length")
	}
	ts, err := strconv.ParseInt(string(key[len(dlqPrefix):len(dlqPrefix)+20]), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, ts), nil
}
