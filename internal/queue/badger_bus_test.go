package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
)

func newTestBus(t *testing.T, config Config) *BadgerBus {
	t.Helper()

	opts := badger.DefaultOptions(t.TempDir()).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("Failed to open badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	bus, err := NewBadgerBus(db, config, arbor.NewLogger())
	if err != nil {
		t.Fatalf("Failed to create bus: %v", err)
	}
	return bus
}

func taskMessage(t *testing.T, taskID string) *models.QueueMessage {
	t.Helper()

	msg, err := models.NewTaskQueueMessage(&models.TaskMessage{
		TaskID:    taskID,
		RunID:     taskID + "-run",
		SourceID:  "test-source",
		TargetURL: "https://example.com/page",
		Mode:      models.ModeHTTP,
		SchemaID:  "test-schema",
		Attempt:   1,
	})
	if err != nil {
		t.Fatalf("Failed to build message: %v", err)
	}
	return msg
}

func TestPublishReceiveAck(t *testing.T) {
	bus := newTestBus(t, NewDefaultConfig())
	ctx := context.Background()

	if err := bus.Publish(ctx, models.QueueTasksHTTP, taskMessage(t, "task-1"), interfaces.PublishOptions{}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	delivery, err := bus.Receive(ctx, models.QueueTasksHTTP)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if delivery.Message.TaskID != "task-1" {
		t.Errorf("Expected task-1, got %s", delivery.Message.TaskID)
	}
	if delivery.Message.Type != models.MessageTypeTaskHTTP {
		t.Errorf("Expected type %s, got %s", models.MessageTypeTaskHTTP, delivery.Message.Type)
	}
	if delivery.ReceiveCount != 1 {
		t.Errorf("Expected receive count 1, got %d", delivery.ReceiveCount)
	}

	if err := delivery.Ack(); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}

	// Acked message is gone for good
	if _, err := bus.Receive(ctx, models.QueueTasksHTTP); !errors.Is(err, models.ErrNoMessage) {
		t.Errorf("Expected ErrNoMessage after ack, got %v", err)
	}
}

func TestReceiveEmptyQueue(t *testing.T) {
	bus := newTestBus(t, NewDefaultConfig())

	_, err := bus.Receive(context.Background(), models.QueueTasksHTTP)
	if !errors.Is(err, models.ErrNoMessage) {
		t.Errorf("Expected ErrNoMessage, got %v", err)
	}
}

func TestQueueIsolation(t *testing.T) {
	bus := newTestBus(t, NewDefaultConfig())
	ctx := context.Background()

	if err := bus.Publish(ctx, models.QueueTasksHTTP, taskMessage(t, "task-1"), interfaces.PublishOptions{}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if _, err := bus.Receive(ctx, models.QueueTasksBrowser); !errors.Is(err, models.ErrNoMessage) {
		t.Errorf("Expected ErrNoMessage from the browser queue, got %v", err)
	}
}

func TestPriorityOrdering(t *testing.T) {
	bus := newTestBus(t, NewDefaultConfig())
	ctx := context.Background()

	// Low priority published first, high priority second
	if err := bus.Publish(ctx, models.QueueTasksHTTP, taskMessage(t, "low"), interfaces.PublishOptions{Priority: 0}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := bus.Publish(ctx, models.QueueTasksHTTP, taskMessage(t, "high"), interfaces.PublishOptions{Priority: 10}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := bus.Publish(ctx, models.QueueTasksHTTP, taskMessage(t, "mid"), interfaces.PublishOptions{Priority: 5}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	expected := []string{"high", "mid", "low"}
	for _, want := range expected {
		delivery, err := bus.Receive(ctx, models.QueueTasksHTTP)
		if err != nil {
			t.Fatalf("Receive failed: %v", err)
		}
		if delivery.Message.TaskID != want {
			t.Errorf("Expected %s, got %s", want, delivery.Message.TaskID)
		}
		if err := delivery.Ack(); err != nil {
			t.Fatalf("Ack failed: %v", err)
		}
	}
}

func TestFIFOWithinPriority(t *testing.T) {
	bus := newTestBus(t, NewDefaultConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		msg := taskMessage(t, fmt.Sprintf("task-%d", i))
		if err := bus.Publish(ctx, models.QueueTasksHTTP, msg, interfaces.PublishOptions{Priority: 5}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		// Distinct enqueue timestamps keep the index order deterministic
		time.Sleep(2 * time.Millisecond)
	}

	for i := 0; i < 3; i++ {
		delivery, err := bus.Receive(ctx, models.QueueTasksHTTP)
		if err != nil {
			t.Fatalf("Receive failed: %v", err)
		}
		want := fmt.Sprintf("task-%d", i)
		if delivery.Message.TaskID != want {
			t.Errorf("Expected %s, got %s", want, delivery.Message.TaskID)
		}
		if err := delivery.Ack(); err != nil {
			t.Fatalf("Ack failed: %v", err)
		}
	}
}

func TestVisibilityTimeoutRedelivery(t *testing.T) {
	config := NewDefaultConfig()
	config.VisibilityTimeout = 100 * time.Millisecond
	bus := newTestBus(t, config)
	ctx := context.Background()

	if err := bus.Publish(ctx, models.QueueTasksHTTP, taskMessage(t, "task-1"), interfaces.PublishOptions{}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// First receive claims the message without acking
	first, err := bus.Receive(ctx, models.QueueTasksHTTP)
	if err != nil {
		t.Fatalf("First receive failed: %v", err)
	}
	if first.ReceiveCount != 1 {
		t.Errorf("Expected receive count 1, got %d", first.ReceiveCount)
	}

	// Message is invisible while claimed
	if _, err := bus.Receive(ctx, models.QueueTasksHTTP); !errors.Is(err, models.ErrNoMessage) {
		t.Errorf("Expected ErrNoMessage while claimed, got %v", err)
	}

	// After the visibility timeout it comes back
	time.Sleep(150 * time.Millisecond)
	second, err := bus.Receive(ctx, models.QueueTasksHTTP)
	if err != nil {
		t.Fatalf("Redelivery receive failed: %v", err)
	}
	if second.Message.TaskID != "task-1" {
		t.Errorf("Expected task-1 redelivered, got %s", second.Message.TaskID)
	}
	if second.ReceiveCount != 2 {
		t.Errorf("Expected receive count 2, got %d", second.ReceiveCount)
	}
}

func TestExtendKeepsMessageInvisible(t *testing.T) {
	config := NewDefaultConfig()
	config.VisibilityTimeout = 100 * time.Millisecond
	bus := newTestBus(t, config)
	ctx := context.Background()

	if err := bus.Publish(ctx, models.QueueTasksHTTP, taskMessage(t, "task-1"), interfaces.PublishOptions{}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	delivery, err := bus.Receive(ctx, models.QueueTasksHTTP)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if err := delivery.Extend(time.Minute); err != nil {
		t.Fatalf("Extend failed: %v", err)
	}

	// Past the original visibility timeout the message stays hidden
	time.Sleep(150 * time.Millisecond)
	if _, err := bus.Receive(ctx, models.QueueTasksHTTP); !errors.Is(err, models.ErrNoMessage) {
		t.Errorf("Expected ErrNoMessage after extend, got %v", err)
	}
}

func TestDelayedPublish(t *testing.T) {
	bus := newTestBus(t, NewDefaultConfig())
	ctx := context.Background()

	opts := interfaces.PublishOptions{Delay: 150 * time.Millisecond}
	if err := bus.Publish(ctx, models.QueueTasksHTTP, taskMessage(t, "task-1"), opts); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if _, err := bus.Receive(ctx, models.QueueTasksHTTP); !errors.Is(err, models.ErrNoMessage) {
		t.Errorf("Expected ErrNoMessage before delay elapses, got %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	delivery, err := bus.Receive(ctx, models.QueueTasksHTTP)
	if err != nil {
		t.Fatalf("Receive after delay failed: %v", err)
	}
	if delivery.Message.TaskID != "task-1" {
		t.Errorf("Expected task-1, got %s", delivery.Message.TaskID)
	}
}

func TestMaxReceiveDeadLetters(t *testing.T) {
	config := NewDefaultConfig()
	config.VisibilityTimeout = 50 * time.Millisecond
	config.MaxReceive = 2
	bus := newTestBus(t, config)
	ctx := context.Background()

	if err := bus.Publish(ctx, models.QueueTasksHTTP, taskMessage(t, "poison"), interfaces.PublishOptions{}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// Exhaust the allowed receives without acking
	for i := 0; i < 2; i++ {
		if _, err := bus.Receive(ctx, models.QueueTasksHTTP); err != nil {
			t.Fatalf("Receive %d failed: %v", i+1, err)
		}
		time.Sleep(80 * time.Millisecond)
	}

	// The next attempt moves it to the DLQ instead of delivering
	if _, err := bus.Receive(ctx, models.QueueTasksHTTP); !errors.Is(err, models.ErrNoMessage) {
		t.Errorf("Expected ErrNoMessage, got %v", err)
	}

	entries, err := bus.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("ListDeadLetters failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 dead-letter entry, got %d", len(entries))
	}
	if entries[0].Message.TaskID != "poison" {
		t.Errorf("Expected poison task in DLQ, got %s", entries[0].Message.TaskID)
	}
	if entries[0].SourceQueue != models.QueueTasksHTTP {
		t.Errorf("Expected source queue %s, got %s", models.QueueTasksHTTP, entries[0].SourceQueue)
	}

	// The move out of the source queue must have committed
	stats, err := bus.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats[models.QueueTasksHTTP].Total != 0 {
		t.Errorf("Expected empty source queue, got %d messages", stats[models.QueueTasksHTTP].Total)
	}
}

func TestMessageTTLExpiresToDeadLetter(t *testing.T) {
	bus := newTestBus(t, NewDefaultConfig())
	ctx := context.Background()

	opts := interfaces.PublishOptions{TTL: 50 * time.Millisecond}
	if err := bus.Publish(ctx, models.QueueTasksHTTP, taskMessage(t, "stale"), opts); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if _, err := bus.Receive(ctx, models.QueueTasksHTTP); !errors.Is(err, models.ErrNoMessage) {
		t.Errorf("Expected ErrNoMessage for expired message, got %v", err)
	}

	entries, err := bus.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("ListDeadLetters failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 dead-letter entry, got %d", len(entries))
	}
	if entries[0].Reason != "message ttl expired" {
		t.Errorf("Unexpected dead-letter reason: %s", entries[0].Reason)
	}
}

func TestReceiveBatch(t *testing.T) {
	bus := newTestBus(t, NewDefaultConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		msg := taskMessage(t, fmt.Sprintf("task-%d", i))
		if err := bus.Publish(ctx, models.QueueTasksHTTP, msg, interfaces.PublishOptions{}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	batch, err := bus.ReceiveBatch(ctx, models.QueueTasksHTTP, 3)
	if err != nil {
		t.Fatalf("ReceiveBatch failed: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("Expected 3 deliveries, got %d", len(batch))
	}

	rest, err := bus.ReceiveBatch(ctx, models.QueueTasksHTTP, 10)
	if err != nil {
		t.Fatalf("Second ReceiveBatch failed: %v", err)
	}
	if len(rest) != 2 {
		t.Fatalf("Expected 2 remaining deliveries, got %d", len(rest))
	}
}

func TestDeadLetterListAndRemove(t *testing.T) {
	bus := newTestBus(t, NewDefaultConfig())
	ctx := context.Background()

	if err := bus.DeadLetter(ctx, models.QueueTasksHTTP, taskMessage(t, "bad-1"), "unparseable payload"); err != nil {
		t.Fatalf("DeadLetter failed: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := bus.DeadLetter(ctx, models.QueueTasksBrowser, taskMessage(t, "bad-2"), "no handler"); err != nil {
		t.Fatalf("DeadLetter failed: %v", err)
	}

	entries, err := bus.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("ListDeadLetters failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	// Oldest first
	if entries[0].Message.TaskID != "bad-1" {
		t.Errorf("Expected bad-1 first, got %s", entries[0].Message.TaskID)
	}

	if err := bus.RemoveDeadLetter(ctx, entries[0].ID); err != nil {
		t.Fatalf("RemoveDeadLetter failed: %v", err)
	}

	entries, err = bus.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("ListDeadLetters failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry after removal, got %d", len(entries))
	}
	if entries[0].Message.TaskID != "bad-2" {
		t.Errorf("Expected bad-2 to remain, got %s", entries[0].Message.TaskID)
	}

	if err := bus.RemoveDeadLetter(ctx, "missing-id"); err == nil {
		t.Error("Expected error removing a missing entry")
	}
}

func TestPurgeExpiredDeadLetters(t *testing.T) {
	bus := newTestBus(t, NewDefaultConfig())
	ctx := context.Background()

	if err := bus.DeadLetter(ctx, models.QueueTasksHTTP, taskMessage(t, "old"), "expired"); err != nil {
		t.Fatalf("DeadLetter failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	purged, err := bus.PurgeExpiredDeadLetters(ctx, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if purged != 1 {
		t.Errorf("Expected 1 purged entry, got %d", purged)
	}

	entries, err := bus.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("ListDeadLetters failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected empty DLQ after purge, got %d entries", len(entries))
	}

	// Fresh entries survive a purge with a generous retention
	if err := bus.DeadLetter(ctx, models.QueueTasksHTTP, taskMessage(t, "fresh"), "expired"); err != nil {
		t.Fatalf("DeadLetter failed: %v", err)
	}
	purged, err = bus.PurgeExpiredDeadLetters(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if purged != 0 {
		t.Errorf("Expected 0 purged entries, got %d", purged)
	}
}

func TestStats(t *testing.T) {
	bus := newTestBus(t, NewDefaultConfig())
	ctx := context.Background()

	if err := bus.Publish(ctx, models.QueueTasksHTTP, taskMessage(t, "task-1"), interfaces.PublishOptions{}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := bus.Publish(ctx, models.QueueTasksHTTP, taskMessage(t, "task-2"), interfaces.PublishOptions{}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if _, err := bus.Receive(ctx, models.QueueTasksHTTP); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}

	stats, err := bus.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}

	httpStats := stats[models.QueueTasksHTTP]
	if httpStats == nil {
		t.Fatal("Expected stats for the http queue")
	}
	if httpStats.Total != 2 {
		t.Errorf("Expected total 2, got %d", httpStats.Total)
	}
	if httpStats.Ready != 1 {
		t.Errorf("Expected 1 ready, got %d", httpStats.Ready)
	}
	if httpStats.InFlight != 1 {
		t.Errorf("Expected 1 in flight, got %d", httpStats.InFlight)
	}

	// Known queues report zeroes even when untouched
	if stats[models.QueueTasksBrowser] == nil {
		t.Error("Expected stats entry for the browser queue")
	}
}
