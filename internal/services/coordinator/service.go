package coordinator

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/excerpo/internal/common"
	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
)

const (
	publishRetries   = 3
	publishRetryBase = 100 * time.Millisecond
)

// Service owns the authoritative task state machine. Every status change
// flows through result ingestion or an operator command here; workers report
// outcomes on the results queue and progress on the event bus, never by
// touching task rows.
type Service struct {
	tasks   interfaces.TaskStorage
	runs    interfaces.RunStorage
	schemas interfaces.SchemaService
	bus     interfaces.Bus
	events  interfaces.EventService
	config  Config
	logger  arbor.ILogger

	// mu serializes task writes: results arrive on the ingest pool while
	// progress events fire on the bus dispatch goroutine
	mu sync.Mutex
}

// NewService creates the coordinator and subscribes it to worker progress
// events so QUEUED tasks move to RUNNING when a worker picks them up
func NewService(storage interfaces.StorageManager, schemas interfaces.SchemaService, bus interfaces.Bus, events interfaces.EventService, config Config, logger arbor.ILogger) *Service {
	if config.DefaultMaxAttempts <= 0 {
		config.DefaultMaxAttempts = 3
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = 60 * time.Second
	}
	if config.DispatchBatch <= 0 {
		config.DispatchBatch = 100
	}

	s := &Service{
		tasks:   storage.TaskStorage(),
		runs:    storage.RunStorage(),
		schemas: schemas,
		bus:     bus,
		events:  events,
		config:  config,
		logger:  logger,
	}

	if events != nil {
		if err := events.Subscribe(interfaces.EventTaskProgress, s.onTaskProgress); err != nil {
			logger.Warn().Err(err).Msg("Failed to subscribe to task progress events")
		}
	}

	return s
}

// CreateTask validates the request, pins the schema version and publishes the
// first attempt. Tasks scheduled for the future stay PENDING until the
// dispatcher picks them up.
func (s *Service) CreateTask(ctx context.Context, req *models.CreateTaskRequest) (*models.Task, error) {
	if req == nil {
		return nil, fmt.Errorf("create task request is required")
	}
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	schema, err := s.schemas.ResolveVersion(ctx, req.SchemaID, req.SchemaVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve schema for task: %w", err)
	}
	if !schema.IsActive {
		return nil, models.NewTaskErrorf(models.ErrValidation, "schema %s v%d is not active", schema.ID, schema.Version)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mode := req.Mode
	if mode == "" {
		mode = schema.Mode
	}

	now := time.Now().UTC()
	task := &models.Task{
		ID:               common.NewTaskID(),
		SourceID:         req.SourceID,
		TargetURL:        req.TargetURL,
		SchemaID:         schema.ID,
		SchemaVersion:    schema.Version,
		Mode:             mode,
		Status:           models.TaskStatusPending,
		Priority:         s.effectivePriority(req.Priority),
		MaxAttempts:      s.effectiveMaxAttempts(req.MaxAttempts),
		Context:          req.Context,
		PageNumber:       1,
		MaxPages:         effectiveMaxPages(req.MaxPages, schema),
		ScheduledAt:      req.ScheduledAt,
		ProxyProfileID:   req.ProxyProfileID,
		SessionProfileID: req.SessionProfileID,
		Cookies:          req.Cookies,
		Headers:          req.Headers,
		CreatedAt:        now,
	}

	if err := s.tasks.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to save task: %w", err)
	}

	s.logger.Info().
		Str("task_id", task.ID).
		Str("source_id", task.SourceID).
		Str("schema_id", task.SchemaID).
		Int("schema_version", task.SchemaVersion).
		Str("mode", string(task.Mode)).
		Msg("Task created")
	s.publishEvent(ctx, interfaces.EventTaskCreated, task)

	if task.ScheduledAt != nil && task.ScheduledAt.After(now) {
		s.logger.Info().
			Str("task_id", task.ID).
			Str("scheduled_at", task.ScheduledAt.Format(time.RFC3339)).
			Msg("Task deferred until due")
		return task, nil
	}

	if err := s.dispatch(ctx, task, 0); err != nil {
		// The task is durable as PENDING; the dispatcher sweep republishes it
		s.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Task publish failed, left pending for dispatch")
	}

	return task, nil
}

// IngestResult applies one result envelope from the results queue. Ingestion
// is idempotent on run_id: the run row is the applied marker, and the side
// effects that can be lost mid-ingest (retry republish, pagination child) are
// re-checked when a duplicate arrives.
func (s *Service) IngestResult(ctx context.Context, env *models.ResultEnvelope) error {
	if env == nil {
		return fmt.Errorf("result envelope is required")
	}
	if env.TaskID == "" || env.RunID == "" {
		return fmt.Errorf("result envelope requires task_id and run_id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, err := s.runs.GetRun(ctx, env.RunID); err == nil && existing != nil {
		s.logger.Debug().Str("task_id", env.TaskID).Str("run_id", env.RunID).Msg("Duplicate result")
		return s.healAfterDuplicate(ctx, env)
	}

	task, err := s.tasks.GetTask(ctx, env.TaskID)
	if err != nil {
		// Never an error: a poison envelope would redeliver forever
		s.logger.Warn().Str("task_id", env.TaskID).Str("run_id", env.RunID).Msg("Result for unknown task discarded")
		return nil
	}

	attempt := task.CurrentAttempt + 1
	if err := s.runs.SaveRun(ctx, models.RunFromEnvelope(env, attempt)); err != nil {
		return fmt.Errorf("failed to save task run: %w", err)
	}

	if task.Status.IsTerminal() {
		// Late result for a cancelled or completed task: the run is recorded
		// but the task does not move
		s.logger.Info().
			Str("task_id", task.ID).
			Str("run_id", env.RunID).
			Str("status", string(task.Status)).
			Msg("Late result recorded, task state preserved")
		return nil
	}

	// Results can overtake the queued/running bookkeeping; walk the task
	// forward instead of rejecting the envelope
	if task.Status == models.TaskStatusPending || task.Status == models.TaskStatusRetry {
		if err := task.TransitionTo(models.TaskStatusQueued); err != nil {
			return err
		}
	}
	if task.Status == models.TaskStatusQueued {
		if err := task.TransitionTo(models.TaskStatusRunning); err != nil {
			return err
		}
	}

	task.CurrentAttempt = attempt
	task.LastRunID = env.RunID
	task.LastError = env.FirstError()
	task.RecordsValid = env.Extraction.RecordsValid
	task.RecordsRejected = env.Extraction.RecordsRejected
	if env.Pointers.BronzePath != "" {
		task.BronzePath = env.Pointers.BronzePath
	}

	switch env.Status {
	case models.RunStatusSuccess:
		return s.completeTask(ctx, task, env, models.TaskStatusSuccess)
	case models.RunStatusPartial:
		return s.completeTask(ctx, task, env, models.TaskStatusPartial)
	case models.RunStatusRetry:
		if task.CurrentAttempt >= task.MaxAttempts {
			return s.deadLetter(ctx, task, "attempts exhausted")
		}
		return s.scheduleRetry(ctx, task)
	case models.RunStatusFailed:
		// A retryable failure on the final attempt dead-letters instead of
		// parking as FAILED
		if fe := env.FirstError(); fe != nil && fe.Retryable && task.CurrentAttempt >= task.MaxAttempts {
			return s.deadLetter(ctx, task, "attempts exhausted")
		}
		return s.completeTask(ctx, task, env, models.TaskStatusFailed)
	default:
		s.logger.Warn().
			Str("task_id", task.ID).
			Str("run_status", string(env.Status)).
			Msg("Result with unknown run status discarded")
		return nil
	}
}

// RetryTask requeues a FAILED or dead-lettered task with a fresh attempt
// budget. Operator command.
func (s *Service) RetryTask(ctx context.Context, taskID string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusFailed && task.Status != models.TaskStatusDLQ {
		return nil, fmt.Errorf("only failed or dead-lettered tasks can be retried, task %s is %s", task.ID, task.Status)
	}

	task.CurrentAttempt = 0
	task.LastError = nil

	if err := s.dispatch(ctx, task, 0); err != nil {
		return nil, err
	}

	s.logger.Info().Str("task_id", task.ID).Msg("Task retried by operator")
	return task, nil
}

// CancelTask freezes a PENDING or QUEUED task. The queued message stays on
// the bus; a worker that still runs it produces a late result which is
// recorded without resurrecting the task.
func (s *Service) CancelTask(ctx context.Context, taskID string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusPending && task.Status != models.TaskStatusQueued {
		return nil, fmt.Errorf("only pending or queued tasks can be cancelled, task %s is %s", task.ID, task.Status)
	}

	if err := task.TransitionTo(models.TaskStatusCancelled); err != nil {
		return nil, err
	}
	if err := s.tasks.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to save cancelled task: %w", err)
	}

	s.logger.Info().Str("task_id", task.ID).Msg("Task cancelled")
	s.publishEvent(ctx, interfaces.EventTaskStatusChanged, task)
	return task, nil
}

// GetTask returns one task by id
func (s *Service) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	return s.tasks.GetTask(ctx, taskID)
}

// GetTaskRuns returns the per-attempt rows for a task, oldest first
func (s *Service) GetTaskRuns(ctx context.Context, taskID string) ([]*models.TaskRun, error) {
	return s.runs.GetRunsByTask(ctx, taskID)
}

// ListTasks returns tasks matching the filter, newest first
func (s *Service) ListTasks(ctx context.Context, filter *models.TaskFilter) ([]*models.Task, error) {
	return s.tasks.ListTasks(ctx, filter)
}

// GetStats aggregates task outcomes for a source ("" for all sources).
// Cancelled tasks count toward volumes but not the success rate.
func (s *Service) GetStats(ctx context.Context, sourceID string) (*models.TaskStats, error) {
	tasks, err := s.tasks.ListTasks(ctx, &models.TaskFilter{SourceID: sourceID})
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks for stats: %w", err)
	}

	stats := &models.TaskStats{
		SourceID: sourceID,
		ByStatus: make(map[models.TaskStatus]int),
		ByDay:    make(map[string]int),
	}

	var completed, succeeded, timed int
	var totalDuration time.Duration
	for _, task := range tasks {
		stats.Total++
		stats.ByStatus[task.Status]++
		stats.RecordsValid += task.RecordsValid

		if !task.Status.IsTerminal() {
			continue
		}
		if !task.CompletedAt.IsZero() {
			stats.ByDay[task.CompletedAt.UTC().Format("2006-01-02")]++
			if !task.StartedAt.IsZero() {
				totalDuration += task.CompletedAt.Sub(task.StartedAt)
				timed++
			}
		}
		switch task.Status {
		case models.TaskStatusSuccess, models.TaskStatusPartial:
			succeeded++
			completed++
		case models.TaskStatusFailed, models.TaskStatusDLQ:
			completed++
		}
	}

	if completed > 0 {
		stats.SuccessRate = float64(succeeded) / float64(completed)
	}
	if timed > 0 {
		stats.AvgDurationMS = totalDuration.Milliseconds() / int64(timed)
	}
	return stats, nil
}

// DispatchDue publishes PENDING tasks whose scheduled_at has passed. Tasks
// whose create-time publish failed have no scheduled_at and are swept up too.
func (s *Service) DispatchDue(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due, err := s.tasks.GetDueScheduled(ctx, now, s.config.DispatchBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list due tasks: %w", err)
	}

	count := 0
	for _, task := range due {
		if err := s.dispatch(ctx, task, 0); err != nil {
			s.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Due task dispatch failed")
			continue
		}
		count++
	}

	if count > 0 {
		s.logger.Info().Int("count", count).Msg("Scheduled tasks dispatched")
	}
	return count, nil
}

// RequeueStale recovers RUNNING tasks whose worker stopped reporting before
// the cutoff, plus RETRY tasks whose republish was lost mid-ingest. Each
// vanished run consumes an attempt so crash loops stay bounded.
func (s *Service) RequeueStale(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stale, err := s.tasks.GetStaleRunning(ctx, cutoff, s.config.DispatchBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale running tasks: %w", err)
	}

	count := 0
	for _, task := range stale {
		task.CurrentAttempt++
		if task.CurrentAttempt >= task.MaxAttempts {
			if err := s.deadLetter(ctx, task, "stale running task exhausted attempts"); err != nil {
				s.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to dead-letter stale task")
			}
			continue
		}

		if err := s.scheduleRetry(ctx, task); err != nil {
			s.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to requeue stale task")
			continue
		}
		count++
	}

	stuck, err := s.tasks.GetTasksByStatus(ctx, models.TaskStatusRetry, s.config.DispatchBatch)
	if err != nil {
		return count, fmt.Errorf("failed to list retrying tasks: %w", err)
	}
	for _, task := range stuck {
		// The attempt was already counted when the retry result was ingested
		if task.StartedAt.IsZero() || !task.StartedAt.Before(cutoff) {
			continue
		}
		if err := s.scheduleRetry(ctx, task); err != nil {
			s.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to requeue stuck retry task")
			continue
		}
		count++
	}

	if count > 0 {
		s.logger.Info().Int("count", count).Msg("Stale tasks requeued")
	}
	return count, nil
}

// healAfterDuplicate finishes work a crashed ingest may have left behind:
// a RETRY task whose republish never happened, or a missing pagination child
func (s *Service) healAfterDuplicate(ctx context.Context, env *models.ResultEnvelope) error {
	task, err := s.tasks.GetTask(ctx, env.TaskID)
	if err != nil {
		return nil
	}

	if task.Status == models.TaskStatusRetry {
		if task.CurrentAttempt >= task.MaxAttempts {
			return s.deadLetter(ctx, task, "attempts exhausted")
		}
		return s.scheduleRetry(ctx, task)
	}

	return s.maybeSpawnChild(ctx, task, env)
}

// completeTask applies the terminal status, then fans out the next
// pagination page when the envelope reports one
func (s *Service) completeTask(ctx context.Context, task *models.Task, env *models.ResultEnvelope, status models.TaskStatus) error {
	if err := task.TransitionTo(status); err != nil {
		return err
	}
	if err := s.tasks.SaveTask(ctx, task); err != nil {
		return fmt.Errorf("failed to save completed task: %w", err)
	}

	s.logger.Info().
		Str("task_id", task.ID).
		Str("status", string(status)).
		Int("records_valid", task.RecordsValid).
		Int("records_rejected", task.RecordsRejected).
		Msg("Task completed")
	s.publishEvent(ctx, interfaces.EventTaskStatusChanged, task)

	return s.maybeSpawnChild(ctx, task, env)
}

// scheduleRetry makes the consumed attempt durable as RETRY, then republishes
// a fresh run with exponential backoff
func (s *Service) scheduleRetry(ctx context.Context, task *models.Task) error {
	if task.Status != models.TaskStatusRetry {
		if err := task.TransitionTo(models.TaskStatusRetry); err != nil {
			return err
		}
		if err := s.tasks.SaveTask(ctx, task); err != nil {
			return fmt.Errorf("failed to save retrying task: %w", err)
		}
	}

	delay := s.retryDelay(task.CurrentAttempt)
	if err := s.dispatch(ctx, task, delay); err != nil {
		return err
	}

	s.logger.Info().
		Str("task_id", task.ID).
		Int("attempt", task.CurrentAttempt).
		Int("max_attempts", task.MaxAttempts).
		Str("delay", delay.String()).
		Msg("Task requeued for retry")
	return nil
}

// deadLetter parks the task and mirrors it into the bus DLQ for operator
// inspection. The task row is authoritative; a DLQ write failure only warns.
func (s *Service) deadLetter(ctx context.Context, task *models.Task, reason string) error {
	if err := task.TransitionTo(models.TaskStatusDLQ); err != nil {
		return err
	}
	if err := s.tasks.SaveTask(ctx, task); err != nil {
		return fmt.Errorf("failed to save dead-lettered task: %w", err)
	}

	dead := s.taskMessage(task)
	if task.CurrentAttempt > 0 {
		// The DLQ entry records the last consumed attempt
		dead.Attempt = task.CurrentAttempt
	}
	if msg, err := models.NewTaskQueueMessage(dead); err == nil {
		if err := s.bus.DeadLetter(ctx, models.QueueForMode(task.Mode), msg, reason); err != nil {
			s.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to record bus dead letter")
		}
	}

	s.logger.Warn().
		Str("task_id", task.ID).
		Int("attempts", task.CurrentAttempt).
		Str("reason", reason).
		Msg("Task dead-lettered")
	s.publishEvent(ctx, interfaces.EventTaskStatusChanged, task)
	return nil
}

// maybeSpawnChild creates the next pagination page as a child task. The
// existing-child check keeps fan-out at exactly one page per parent
// regardless of envelope redelivery.
func (s *Service) maybeSpawnChild(ctx context.Context, task *models.Task, env *models.ResultEnvelope) error {
	if task.Status != models.TaskStatusSuccess && task.Status != models.TaskStatusPartial {
		return nil
	}
	if !env.HasNextPage || env.NextPageURL == "" {
		return nil
	}
	if task.PageNumber >= task.MaxPages {
		s.logger.Debug().
			Str("task_id", task.ID).
			Int("page_number", task.PageNumber).
			Int("max_pages", task.MaxPages).
			Msg("Pagination cap reached")
		return nil
	}

	nextPage := task.PageNumber + 1
	children, err := s.tasks.GetChildren(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("failed to check for existing children: %w", err)
	}
	for _, c := range children {
		if c.PageNumber == nextPage {
			s.logger.Debug().Str("task_id", task.ID).Str("child_id", c.ID).Msg("Pagination child already exists")
			return nil
		}
	}

	branch := task.BranchID
	if branch == "" {
		branch = task.ID
	}
	child := &models.Task{
		ID:               common.NewTaskID(),
		ParentTaskID:     task.ID,
		BranchID:         branch,
		SourceID:         task.SourceID,
		TargetURL:        env.NextPageURL,
		SchemaID:         task.SchemaID,
		SchemaVersion:    task.SchemaVersion,
		Mode:             task.Mode,
		Status:           models.TaskStatusPending,
		Priority:         task.Priority,
		MaxAttempts:      task.MaxAttempts,
		Context:          task.Context,
		PageNumber:       nextPage,
		MaxPages:         task.MaxPages,
		ProxyProfileID:   task.ProxyProfileID,
		SessionProfileID: task.SessionProfileID,
		Cookies:          task.Cookies,
		Headers:          task.Headers,
		CreatedAt:        time.Now().UTC(),
	}

	if err := s.tasks.SaveTask(ctx, child); err != nil {
		return fmt.Errorf("failed to save pagination child: %w", err)
	}

	s.logger.Info().
		Str("task_id", child.ID).
		Str("parent_task_id", task.ID).
		Str("branch_id", branch).
		Int("page_number", nextPage).
		Msg("Pagination child created")
	s.publishEvent(ctx, interfaces.EventTaskCreated, child)

	if err := s.dispatch(ctx, child, 0); err != nil {
		s.logger.Warn().Err(err).Str("task_id", child.ID).Msg("Child publish failed, left pending for dispatch")
	}
	return nil
}

// dispatch publishes the task's next attempt and moves it to QUEUED
func (s *Service) dispatch(ctx context.Context, task *models.Task, delay time.Duration) error {
	if err := s.publishTask(ctx, task, delay); err != nil {
		return err
	}
	if err := task.TransitionTo(models.TaskStatusQueued); err != nil {
		return err
	}
	if err := s.tasks.SaveTask(ctx, task); err != nil {
		return fmt.Errorf("failed to save queued task: %w", err)
	}
	s.publishEvent(ctx, interfaces.EventTaskStatusChanged, task)
	return nil
}

// publishTask puts a fresh run on the task queue. Transient bus errors are
// retried with exponential backoff before giving up.
func (s *Service) publishTask(ctx context.Context, task *models.Task, delay time.Duration) error {
	msg, err := models.NewTaskQueueMessage(s.taskMessage(task))
	if err != nil {
		return fmt.Errorf("failed to encode task message: %w", err)
	}

	opts := interfaces.PublishOptions{
		Priority: task.Priority,
		TTL:      s.config.MessageTTL,
		Delay:    delay,
	}
	queue := models.QueueForMode(task.Mode)

	backoff := publishRetryBase
	for attempt := 0; ; attempt++ {
		err = s.bus.Publish(ctx, queue, msg, opts)
		if err == nil {
			return nil
		}
		if attempt >= publishRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("failed to publish task %s to %s: %w", task.ID, queue, err)
}

// taskMessage builds the wire envelope for the task's next attempt
func (s *Service) taskMessage(task *models.Task) *models.TaskMessage {
	return &models.TaskMessage{
		TaskID:           task.ID,
		RunID:            common.NewRunID(),
		SourceID:         task.SourceID,
		TargetURL:        task.TargetURL,
		Mode:             task.Mode,
		SchemaID:         task.SchemaID,
		SchemaVersion:    task.SchemaVersion,
		Priority:         task.Priority,
		MaxAttempts:      task.MaxAttempts,
		TTLSeconds:       int(s.config.MessageTTL.Seconds()),
		TimeoutSeconds:   int(s.config.TaskTimeout.Seconds()),
		ProxyProfileID:   task.ProxyProfileID,
		SessionProfileID: task.SessionProfileID,
		Context:          task.Context,
		Cookies:          task.Cookies,
		Headers:          task.Headers,
		PageNumber:       task.PageNumber,
		MaxPages:         task.MaxPages,
		CreatedAt:        task.CreatedAt,
		ScheduledAt:      task.ScheduledAt,
		Attempt:          task.CurrentAttempt + 1,
		ParentTaskID:     task.ParentTaskID,
		BranchID:         task.BranchID,
	}
}

// onTaskProgress applies the worker's started signal as QUEUED -> RUNNING
func (s *Service) onTaskProgress(ctx context.Context, event interfaces.Event) error {
	payload, ok := event.Payload.(map[string]interface{})
	if !ok {
		return nil
	}
	if phase, _ := payload["phase"].(string); phase != "started" {
		return nil
	}
	taskID, _ := payload["task_id"].(string)
	if taskID == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil
	}
	if task.Status != models.TaskStatusQueued {
		return nil
	}
	if err := task.TransitionTo(models.TaskStatusRunning); err != nil {
		return err
	}
	if err := s.tasks.SaveTask(ctx, task); err != nil {
		return fmt.Errorf("failed to mark task running: %w", err)
	}

	s.logger.Debug().Str("task_id", task.ID).Msg("Task running")
	s.publishEvent(ctx, interfaces.EventTaskStatusChanged, task)
	return nil
}

// retryDelay computes the backoff before the next attempt after `consumed`
// attempts have burned: base, 2x base, 4x base, capped
func (s *Service) retryDelay(consumed int) time.Duration {
	if s.config.RetryBackoffBase <= 0 {
		return 0
	}
	delay := s.config.RetryBackoffBase
	for i := 1; i < consumed; i++ {
		delay *= 2
		if s.config.RetryBackoffMax > 0 && delay >= s.config.RetryBackoffMax {
			return s.config.RetryBackoffMax
		}
	}
	return delay
}

func (s *Service) publishEvent(ctx context.Context, eventType interfaces.EventType, task *models.Task) {
	if s.events == nil {
		return
	}
	err := s.events.Publish(ctx, interfaces.Event{
		Type: eventType,
		Payload: map[string]interface{}{
			"task_id":   task.ID,
			"source_id": task.SourceID,
			"schema_id": task.SchemaID,
			"status":    string(task.Status),
			"attempt":   task.CurrentAttempt,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		s.logger.Warn().Err(err).
			Str("task_id", task.ID).
			Msg("Task event publish failed")
	}
}

func (s *Service) validateRequest(req *models.CreateTaskRequest) error {
	if req.SourceID == "" {
		return models.NewTaskErrorf(models.ErrValidation, "source_id is required")
	}
	if req.SchemaID == "" {
		return models.NewTaskErrorf(models.ErrValidation, "schema_id is required")
	}
	if req.TargetURL == "" {
		return models.NewTaskErrorf(models.ErrValidation, "target_url is required")
	}
	u, err := url.Parse(req.TargetURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return models.NewTaskErrorf(models.ErrValidation, "target_url %q is not an absolute http(s) URL", req.TargetURL)
	}
	if !s.config.AllowTestURLs && common.IsTestURL(req.TargetURL) {
		return models.NewTaskErrorf(models.ErrValidation, "target_url %q points at a test host", req.TargetURL)
	}
	if req.Priority < 0 || req.Priority > 10 {
		return models.NewTaskErrorf(models.ErrValidation, "priority must be between 0 and 10, got %d", req.Priority)
	}
	if req.MaxAttempts < 0 {
		return models.NewTaskErrorf(models.ErrValidation, "max_attempts must not be negative")
	}
	if req.MaxPages < 0 {
		return models.NewTaskErrorf(models.ErrValidation, "max_pages must not be negative")
	}
	if req.Mode != "" && req.Mode != models.ModeHTTP && req.Mode != models.ModeBrowser {
		return models.NewTaskErrorf(models.ErrValidation, "mode must be %q or %q, got %q", models.ModeHTTP, models.ModeBrowser, req.Mode)
	}
	return nil
}

func (s *Service) effectivePriority(priority int) int {
	if priority == 0 {
		return s.config.DefaultPriority
	}
	return priority
}

func (s *Service) effectiveMaxAttempts(maxAttempts int) int {
	if maxAttempts <= 0 {
		return s.config.DefaultMaxAttempts
	}
	return maxAttempts
}

// effectiveMaxPages resolves the fan-out cap: request override, then the
// schema's pagination rule, then a single page
func effectiveMaxPages(requested int, schema *models.ParsingSchema) int {
	if requested > 0 {
		return requested
	}
	if schema.Pagination != nil && schema.Pagination.MaxPages > 0 {
		return schema.Pagination.MaxPages
	}
	return 1
}
