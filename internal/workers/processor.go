package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/excerpo/internal/extract"
	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
)

// Processor executes one extraction task end to end: resolve the schema,
// fetch the page, extract and validate records, land them in the lake, and
// publish the result envelope. It never touches task state; the coordinator
// ingests the envelope and owns every transition.
type Processor struct {
	schemas  interfaces.SchemaProvider
	fetcher  interfaces.Fetcher
	engine   *extract.Engine
	bronze   interfaces.BronzeWriter
	trash    interfaces.TrashWriter
	bus      interfaces.Bus
	events   interfaces.EventService
	validate *validator.Validate
	config   ProcessorConfig
	logger   arbor.ILogger
}

// NewProcessor creates a task processor. The fetcher decides the mode: wire
// the HTTP fetcher for the tasks.http pool and the browser fetcher for
// tasks.browser.
func NewProcessor(
	schemas interfaces.SchemaProvider,
	fetcher interfaces.Fetcher,
	engine *extract.Engine,
	bronze interfaces.BronzeWriter,
	trash interfaces.TrashWriter,
	bus interfaces.Bus,
	events interfaces.EventService,
	config ProcessorConfig,
	logger arbor.ILogger,
) *Processor {
	if config.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "local"
		}
		config.WorkerID = fmt.Sprintf("worker-%s-%d", host, os.Getpid())
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = 60 * time.Second
	}

	return &Processor{
		schemas:  schemas,
		fetcher:  fetcher,
		engine:   engine,
		bronze:   bronze,
		trash:    trash,
		bus:      bus,
		events:   events,
		validate: validator.New(),
		config:   config,
		logger:   logger,
	}
}

// Handle processes one task message. Returning nil acks the message;
// returning an error leaves it for redelivery. Every outcome short of a
// failed result publish ends with an envelope on the results queue.
func (p *Processor) Handle(ctx context.Context, delivery *interfaces.Delivery) error {
	started := time.Now().UTC()

	var msg models.TaskMessage
	if err := json.Unmarshal(delivery.Message.Payload, &msg); err != nil {
		return p.discardMalformed(ctx, delivery, fmt.Sprintf("%s: task message decode failed: %v", models.ErrValidation, err))
	}
	if err := p.validate.Struct(&msg); err != nil {
		return p.discardMalformed(ctx, delivery, fmt.Sprintf("%s: task message invalid: %v", models.ErrValidation, err))
	}

	p.logger.Info().
		Str("task_id", msg.TaskID).
		Str("run_id", msg.RunID).
		Str("url", msg.TargetURL).
		Int("attempt", msg.Attempt).
		Int("page", msg.PageNumber).
		Msg("Processing task")

	p.publishProgress(ctx, &msg, "started")

	// A missing schema version cannot appear by retrying, so resolution
	// failures are terminal.
	schema, err := p.schemas.GetSchema(ctx, msg.SchemaID, msg.SchemaVersion)
	if err != nil {
		taskErr := models.NewTaskError(models.ErrValidation, err).
			WithContext("schema_id", msg.SchemaID).
			WithContext("schema_version", msg.SchemaVersion)
		return p.publishFailure(ctx, &msg, started, nil, taskErr)
	}

	compiled, err := extract.CompileSchema(schema)
	if err != nil {
		taskErr := models.NewTaskError(models.ErrValidation, err).
			WithContext("schema_id", msg.SchemaID).
			WithContext("schema_version", schema.Version)
		return p.publishFailure(ctx, &msg, started, nil, taskErr)
	}

	budget := msg.Timeout(p.config.TaskTimeout)
	fetchCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	result, err := p.fetcher.Fetch(fetchCtx, p.fetchRequest(&msg, schema))
	if err != nil {
		taskErr := models.ClassifyError(err)
		pointers := p.writeDebugArtifacts(ctx, &msg, result, taskErr)
		return p.publishFailure(ctx, &msg, started, result, taskErr, pointers...)
	}

	doc, err := extract.ParseDocument(result.FinalURL, result.HTML)
	if err != nil {
		taskErr := models.NewTaskError(models.ErrParse, err).WithContext("url", result.FinalURL)
		pointers := p.writeDebugArtifacts(ctx, &msg, result, taskErr)
		return p.publishFailure(ctx, &msg, started, result, taskErr, pointers...)
	}

	extraction := p.engine.Extract(doc, compiled)

	env := &models.ResultEnvelope{
		TaskID:      msg.TaskID,
		RunID:       msg.RunID,
		HTTPStatus:  result.StatusCode,
		Metrics:     result.Metrics(),
		Extraction:  extraction.Stats,
		CurrentPage: msg.PageNumber,
		StartedAt:   started,
		WorkerID:    p.config.WorkerID,
	}

	// Bronze is the one write that fails the task: records that were
	// extracted but never landed must not report success.
	if len(extraction.Records) > 0 {
		lineage := &models.RecordLineage{
			TaskID:        msg.TaskID,
			RunID:         msg.RunID,
			SourceID:      msg.SourceID,
			SchemaID:      schema.ID,
			SchemaVersion: schema.Version,
			TargetURL:     msg.TargetURL,
			PageNumber:    msg.PageNumber,
		}
		path, err := p.bronze.WriteRecords(ctx, lineage, extraction.Records)
		if err != nil {
			taskErr := models.ClassifyError(err).WithContext("stage", "bronze_write")
			return p.publishFailure(ctx, &msg, started, result, taskErr)
		}
		env.Pointers.BronzePath = path
	}

	if len(extraction.Rejected) > 0 {
		key, err := p.trash.WriteRejected(ctx, msg.TaskID, started, extraction.Rejected)
		if err != nil {
			p.logger.Warn().
				Err(err).
				Str("task_id", msg.TaskID).
				Int("records", len(extraction.Rejected)).
				Msg("Failed to write rejected records to trash")
		} else {
			setArtifact(&env.Pointers, "rejected", key)
		}
	}

	p.applyPagination(env, &msg, doc, compiled, result, extraction.Stats.RecordsExtracted)

	if extraction.Stats.RecordsValid > 0 {
		env.Status = models.RunStatusSuccess
	} else {
		env.Status = models.RunStatusPartial
	}
	env.CompletedAt = time.Now().UTC()

	return p.publishResult(ctx, env)
}

// discardMalformed dead-letters a message that can never be processed and
// acks it by returning nil
func (p *Processor) discardMalformed(ctx context.Context, delivery *interfaces.Delivery, reason string) error {
	p.logger.Warn().
		Str("queue", delivery.Queue).
		Str("task_id", delivery.Message.TaskID).
		Str("reason", reason).
		Msg("Dead-lettering malformed task message")

	if err := p.bus.DeadLetter(ctx, delivery.Queue, delivery.Message, reason); err != nil {
		return fmt.Errorf("failed to dead-letter malformed message: %w", err)
	}
	return nil
}

// fetchRequest builds the fetch request with task headers layered over the
// schema's request headers
func (p *Processor) fetchRequest(msg *models.TaskMessage, schema *models.ParsingSchema) *models.FetchRequest {
	headers := make(map[string]string, len(schema.RequestHeaders)+len(msg.Headers))
	for k, v := range schema.RequestHeaders {
		headers[k] = v
	}
	for k, v := range msg.Headers {
		headers[k] = v
	}

	return &models.FetchRequest{
		TaskID:           msg.TaskID,
		URL:              msg.TargetURL,
		Mode:             msg.Mode,
		Headers:          headers,
		Cookies:          msg.Cookies,
		Timeout:          msg.Timeout(p.config.TaskTimeout),
		ProxyProfileID:   msg.ProxyProfileID,
		SessionProfileID: msg.SessionProfileID,
		Schema:           schema,
	}
}

// applyPagination reports the next page on the envelope when the chain has
// not reached its cap. The child task itself is created by the coordinator
// during ingestion, keyed on these two fields.
func (p *Processor) applyPagination(env *models.ResultEnvelope, msg *models.TaskMessage, doc *extract.Document, compiled *extract.CompiledSchema, result *models.FetchResult, extracted int) {
	rule := compiled.Schema.Pagination
	if rule == nil {
		return
	}

	maxPages := msg.MaxPages
	if maxPages <= 0 {
		maxPages = rule.MaxPages
	}
	if maxPages > 0 && msg.PageNumber >= maxPages {
		return
	}

	hint := p.engine.NextPage(doc, compiled, msg.PageNumber, extracted)
	if !hint.HasNext {
		return
	}

	if hint.RequiresClick {
		// The browser fetcher clicks javascript next buttons and records
		// where the click landed; HTTP mode has no way to follow them.
		if result.ClickedNextURL == "" {
			p.logger.Debug().
				Str("task_id", msg.TaskID).
				Int("page", msg.PageNumber).
				Msg("Next button requires a click, pagination chain ends")
			return
		}
		env.HasNextPage = true
		env.NextPageURL = result.ClickedNextURL
		return
	}

	env.HasNextPage = true
	env.NextPageURL = hint.NextURL
}

// publishFailure builds and publishes the failure envelope. Retryable
// errors with attempts left report RETRY; everything else reports FAILED.
func (p *Processor) publishFailure(ctx context.Context, msg *models.TaskMessage, started time.Time, result *models.FetchResult, taskErr *models.TaskError, pointers ...models.StoragePointers) error {
	status := models.RunStatusFailed
	if taskErr.Retryable && msg.Attempt < msg.MaxAttempts {
		status = models.RunStatusRetry
	}

	env := &models.ResultEnvelope{
		TaskID:      msg.TaskID,
		RunID:       msg.RunID,
		Status:      status,
		HTTPStatus:  taskErr.HTTPStatus,
		CurrentPage: msg.PageNumber,
		Errors:      []*models.TaskError{taskErr},
		StartedAt:   started,
		CompletedAt: time.Now().UTC(),
		WorkerID:    p.config.WorkerID,
	}
	if result != nil {
		env.Metrics = result.Metrics()
		if result.StatusCode > 0 {
			env.HTTPStatus = result.StatusCode
		}
	}
	if len(pointers) > 0 {
		env.Pointers = pointers[0]
	}

	p.logger.Warn().
		Str("task_id", msg.TaskID).
		Str("run_id", msg.RunID).
		Str("status", string(status)).
		Str("error_code", string(taskErr.Code)).
		Bool("retryable", taskErr.Retryable).
		Int("attempt", msg.Attempt).
		Int("max_attempts", msg.MaxAttempts).
		Msg("Task attempt failed")

	return p.publishResult(ctx, env)
}

// publishResult puts the envelope on the results queue. A publish failure
// propagates so the task message is redelivered; ingestion idempotency on
// run_id absorbs the duplicate attempt.
func (p *Processor) publishResult(ctx context.Context, env *models.ResultEnvelope) error {
	queueMsg, err := models.NewResultQueueMessage(env)
	if err != nil {
		return fmt.Errorf("failed to encode result envelope for task %s: %w", env.TaskID, err)
	}
	if err := p.bus.Publish(ctx, models.QueueResults, queueMsg, interfaces.PublishOptions{}); err != nil {
		return fmt.Errorf("failed to publish result for task %s: %w", env.TaskID, err)
	}

	p.logger.Info().
		Str("task_id", env.TaskID).
		Str("run_id", env.RunID).
		Str("status", string(env.Status)).
		Int("records_valid", env.Extraction.RecordsValid).
		Int("records_rejected", env.Extraction.RecordsRejected).
		Bool("has_next_page", env.HasNextPage).
		Msg("Result published")
	return nil
}

// writeDebugArtifacts persists the failed page capture to trash when debug
// capture is on. Best-effort: a write failure is logged and the task
// proceeds to its failure envelope.
func (p *Processor) writeDebugArtifacts(ctx context.Context, msg *models.TaskMessage, result *models.FetchResult, taskErr *models.TaskError) []models.StoragePointers {
	if !p.config.Debug || result == nil {
		return nil
	}
	if result.HTML == "" && len(result.Screenshot) == 0 {
		return nil
	}

	artifacts := &models.DebugArtifacts{
		HTML:       []byte(result.HTML),
		Screenshot: result.Screenshot,
		Metadata: map[string]interface{}{
			"task_id":     msg.TaskID,
			"run_id":      msg.RunID,
			"url":         msg.TargetURL,
			"final_url":   result.FinalURL,
			"status_code": result.StatusCode,
			"error_code":  string(taskErr.Code),
			"error":       taskErr.Message,
			"attempt":     msg.Attempt,
		},
	}

	keys, err := p.trash.WriteDebug(ctx, msg.TaskID, time.Now().UTC(), artifacts)
	if err != nil {
		p.logger.Warn().
			Err(err).
			Str("task_id", msg.TaskID).
			Msg("Failed to write debug artifacts to trash")
		if len(keys) == 0 {
			return nil
		}
	}

	var pointers models.StoragePointers
	for name, key := range keys {
		switch name {
		case "page.html":
			pointers.RawHTMLPath = key
		case "screenshot.png":
			pointers.ScreenshotPath = key
		default:
			setArtifact(&pointers, name, key)
		}
	}
	return []models.StoragePointers{pointers}
}

// publishProgress emits the worker's phase signal; the coordinator applies
// "started" as QUEUED -> RUNNING
func (p *Processor) publishProgress(ctx context.Context, msg *models.TaskMessage, phase string) {
	if p.events == nil {
		return
	}
	err := p.events.Publish(ctx, interfaces.Event{
		Type: interfaces.EventTaskProgress,
		Payload: map[string]interface{}{
			"task_id":   msg.TaskID,
			"run_id":    msg.RunID,
			"phase":     phase,
			"worker_id": p.config.WorkerID,
		},
	})
	if err != nil {
		p.logger.Warn().Err(err).Str("task_id", msg.TaskID).Msg("Failed to publish progress event")
	}
}

func setArtifact(pointers *models.StoragePointers, name, key string) {
	if pointers.Artifacts == nil {
		pointers.Artifacts = make(map[string]string)
	}
	pointers.Artifacts[name] = key
}
