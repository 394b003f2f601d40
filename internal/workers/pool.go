package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
)

// Pool consumes one queue with a bounded set of processing goroutines.
// A single receive loop claims up to Prefetch messages per poll and feeds
// them to workers over an unbuffered channel, so at most Prefetch claimed
// messages ever wait for a free worker. Handlers that return nil are acked;
// handlers that return an error leave the message for redelivery after the
// visibility timeout.
type Pool struct {
	bus      interfaces.Bus
	queue    string
	handlers map[string]interfaces.MessageHandler
	config   PoolConfig
	logger   arbor.ILogger

	deliveries chan *interfaces.Delivery

	// receiveCtx stops the claim loop first so a drain processes what is
	// already claimed; processCtx aborts in-flight handlers when the drain
	// window runs out
	receiveCtx    context.Context
	cancelReceive context.CancelFunc
	processCtx    context.Context
	cancelProcess context.CancelFunc

	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewPool creates a consumer pool for the named queue. Handlers are
// registered per message type before Start.
func NewPool(bus interfaces.Bus, queue string, config PoolConfig, logger arbor.ILogger) *Pool {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.Prefetch <= 0 {
		config.Prefetch = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 1 * time.Second
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = 60 * time.Second
	}

	return &Pool{
		bus:      bus,
		queue:    queue,
		handlers: make(map[string]interfaces.MessageHandler),
		config:   config,
		logger:   logger,
	}
}

// RegisterHandler registers the handler for a message type
func (p *Pool) RegisterHandler(messageType string, handler interfaces.MessageHandler) {
	p.handlers[messageType] = handler
	p.logger.Debug().
		Str("queue", p.queue).
		Str("message_type", messageType).
		Msg("Message handler registered")
}

// Start launches the receive loop and the processing goroutines
func (p *Pool) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("worker pool for queue %s already running", p.queue)
	}
	p.running = true
	p.deliveries = make(chan *interfaces.Delivery)
	p.receiveCtx, p.cancelReceive = context.WithCancel(context.Background())
	p.processCtx, p.cancelProcess = context.WithCancel(context.Background())
	p.mu.Unlock()

	p.logger.Info().
		Str("queue", p.queue).
		Int("concurrency", p.config.Concurrency).
		Int("prefetch", p.config.Prefetch).
		Msg("Starting worker pool")

	p.wg.Add(1)
	go p.receiveLoop()

	for i := 0; i < p.config.Concurrency; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	return nil
}

// Stop drains the pool: the receive loop halts immediately, in-flight and
// already-claimed work gets DrainTimeout to finish, then processing contexts
// are cancelled and the remaining goroutines exit.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info().Str("queue", p.queue).Msg("Stopping worker pool")
	p.cancelReceive()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.config.DrainTimeout):
		p.logger.Warn().
			Str("queue", p.queue).
			Dur("drain_timeout", p.config.DrainTimeout).
			Msg("Drain timed out, aborting in-flight work")
		p.cancelProcess()
		<-done
	}
	p.cancelProcess()

	p.logger.Info().Str("queue", p.queue).Msg("Worker pool stopped")
	return nil
}

// receiveLoop claims visible messages on each tick and hands them to the
// workers. Closing the deliveries channel is what releases the workers.
func (p *Pool) receiveLoop() {
	defer p.wg.Done()
	defer close(p.deliveries)

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.receiveCtx.Done():
			return
		case <-ticker.C:
			if !p.claimBatch() {
				return
			}
		}
	}
}

// claimBatch pulls up to Prefetch messages and dispatches them. Returns
// false when the receive context was cancelled mid-dispatch; messages
// claimed but not handed off reappear after the visibility timeout.
func (p *Pool) claimBatch() bool {
	deliveries, err := p.bus.ReceiveBatch(p.receiveCtx, p.queue, p.config.Prefetch)
	if err != nil && !errors.Is(err, models.ErrNoMessage) && !errors.Is(err, context.Canceled) {
		p.logger.Warn().Err(err).Str("queue", p.queue).Msg("Failed to receive messages")
	}

	for _, delivery := range deliveries {
		select {
		case p.deliveries <- delivery:
		case <-p.receiveCtx.Done():
			return false
		}
	}
	return true
}

func (p *Pool) worker(workerID int) {
	defer p.wg.Done()

	p.logger.Debug().
		Int("worker_id", workerID).
		Str("queue", p.queue).
		Msg("Worker started")

	for delivery := range p.deliveries {
		p.process(workerID, delivery)
	}

	p.logger.Debug().
		Int("worker_id", workerID).
		Str("queue", p.queue).
		Msg("Worker stopped")
}

// process dispatches one delivery to its registered handler and acks on
// success. Messages with no registered handler can never be processed, so
// they are dead-lettered instead of redelivered forever.
func (p *Pool) process(workerID int, delivery *interfaces.Delivery) {
	handler, ok := p.handlers[delivery.Message.Type]
	if !ok {
		p.logger.Error().
			Str("queue", p.queue).
			Str("message_type", delivery.Message.Type).
			Str("task_id", delivery.Message.TaskID).
			Msg("No handler registered for message type")

		reason := fmt.Sprintf("no handler registered for message type %s", delivery.Message.Type)
		if err := p.bus.DeadLetter(p.processCtx, delivery.Queue, delivery.Message, reason); err != nil {
			p.logger.Warn().Err(err).Str("task_id", delivery.Message.TaskID).Msg("Failed to dead-letter message")
			return
		}
		if err := delivery.Ack(); err != nil {
			p.logger.Warn().Err(err).Str("task_id", delivery.Message.TaskID).Msg("Failed to ack dead-lettered message")
		}
		return
	}

	start := time.Now()
	err := handler(p.processCtx, delivery)
	duration := time.Since(start)

	if err != nil {
		p.logger.Error().
			Err(err).
			Int("worker_id", workerID).
			Str("queue", p.queue).
			Str("task_id", delivery.Message.TaskID).
			Int("receive_count", delivery.ReceiveCount).
			Dur("duration", duration).
			Msg("Handler failed, message left for redelivery")
		return
	}

	if err := delivery.Ack(); err != nil {
		p.logger.Warn().
			Err(err).
			Str("queue", p.queue).
			Str("task_id", delivery.Message.TaskID).
			Msg("Failed to ack message")
		return
	}

	p.logger.Debug().
		Int("worker_id", workerID).
		Str("queue", p.queue).
		Str("task_id", delivery.Message.TaskID).
		Dur("duration", duration).
		Msg("Message processed")
}
