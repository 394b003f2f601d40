package workers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
)

// ResultIngestor drains the results queue into the coordinator. Ingestion
// errors leave the message for redelivery; idempotency on run_id makes the
// replay safe.
type ResultIngestor struct {
	coordinator interfaces.CoordinatorService
	bus         interfaces.Bus
	validate    *validator.Validate
	logger      arbor.ILogger
}

func NewResultIngestor(coordinator interfaces.CoordinatorService, bus interfaces.Bus, logger arbor.ILogger) *ResultIngestor {
	return &ResultIngestor{
		coordinator: coordinator,
		bus:         bus,
		validate:    validator.New(),
		logger:      logger,
	}
}

// Handle applies one result envelope. Malformed envelopes are dead-lettered
// and acked; they would fail identically on every redelivery.
func (i *ResultIngestor) Handle(ctx context.Context, delivery *interfaces.Delivery) error {
	var env models.ResultEnvelope
	if err := json.Unmarshal(delivery.Message.Payload, &env); err != nil {
		return i.discardMalformed(ctx, delivery, fmt.Sprintf("%s: result envelope decode failed: %v", models.ErrValidation, err))
	}
	if err := i.validate.Struct(&env); err != nil {
		return i.discardMalformed(ctx, delivery, fmt.Sprintf("%s: result envelope invalid: %v", models.ErrValidation, err))
	}

	if err := i.coordinator.IngestResult(ctx, &env); err != nil {
		return fmt.Errorf("failed to ingest result for task %s run %s: %w", env.TaskID, env.RunID, err)
	}
	return nil
}

func (i *ResultIngestor) discardMalformed(ctx context.Context, delivery *interfaces.Delivery, reason string) error {
	i.logger.Warn().
		Str("queue", delivery.Queue).
		Str("task_id", delivery.Message.TaskID).
		Str("reason", reason).
		Msg("Dead-lettering malformed result envelope")

	if err := i.bus.DeadLetter(ctx, delivery.Queue, delivery.Message, reason); err != nil {
		return fmt.Errorf("failed to dead-letter malformed result: %w", err)
	}
	return nil
}
