package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/excerpo/internal/common"
	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
)

// Built-in maintenance job names
const (
	JobTaskDispatch  = "task-dispatch"
	JobStaleRecovery = "stale-recovery"
	JobDLQPurge      = "dlq-purge"
)

// jobEntry represents a registered job with metadata
type jobEntry struct {
	name        string
	schedule    string
	description string
	handler     func() error
	enabled     bool
	autoStart   bool
	// templateID is set when the job materializes a scheduled task template;
	// enable/disable then persists to template storage
	templateID string
	cronID     cron.EntryID
	lastRun    *time.Time
	isRunning  bool
	lastError  string
}

// Service implements SchedulerService interface
type Service struct {
	coordinator interfaces.CoordinatorService
	scheduled   interfaces.ScheduledTaskStorage
	bus         interfaces.Bus
	config      Config
	cron        *cron.Cron
	logger      arbor.ILogger

	jobMu    sync.Mutex // Protects jobs map
	globalMu sync.Mutex // Prevents concurrent job execution
	jobs     map[string]*jobEntry
	running  bool
}

// NewService creates a new scheduler service
func NewService(coordinator interfaces.CoordinatorService, scheduled interfaces.ScheduledTaskStorage, bus interfaces.Bus, config Config, logger arbor.ILogger) interfaces.SchedulerService {
	if config.DispatchInterval <= 0 {
		config.DispatchInterval = time.Minute
	}
	if config.StaleCheckInterval <= 0 {
		config.StaleCheckInterval = time.Minute
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = 10 * time.Minute
	}
	if config.DLQPurgeSchedule == "" {
		config.DLQPurgeSchedule = "0 3 * * *"
	}
	if config.DLQRetention <= 0 {
		config.DLQRetention = 7 * 24 * time.Hour
	}

	return &Service{
		coordinator: coordinator,
		scheduled:   scheduled,
		bus:         bus,
		config:      config,
		cron:        cron.New(),
		logger:      logger,
		jobs:        make(map[string]*jobEntry),
	}
}

// Start registers the maintenance jobs and all stored task templates, then
// begins the cron loop
func (s *Service) Start() error {
	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	builtins := []struct {
		name        string
		schedule    string
		description string
		autoStart   bool
		handler     func() error
	}{
		{JobTaskDispatch, "@every " + s.config.DispatchInterval.String(),
			"Publish pending tasks whose scheduled time has passed", true, s.dispatchDueTasks},
		{JobStaleRecovery, "@every " + s.config.StaleCheckInterval.String(),
			"Requeue running tasks that stopped reporting", true, s.recoverStaleTasks},
		{JobDLQPurge, s.config.DLQPurgeSchedule,
			"Delete dead letters past the retention window", false, s.purgeDeadLetters},
	}
	for _, b := range builtins {
		if err := s.registerJob(b.name, b.schedule, b.description, b.autoStart, "", b.handler); err != nil {
			return fmt.Errorf("failed to register %s job: %w", b.name, err)
		}
	}

	if err := s.loadScheduledTasks(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to load scheduled task templates")
		// Non-critical error - continue starting scheduler
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("dispatch_interval", s.config.DispatchInterval.String()).
		Str("stale_after", s.config.StaleAfter.String()).
		Str("dlq_purge", s.config.DLQPurgeSchedule).
		Msg("Scheduler started")

	go s.executeAutoStartJobs()

	return nil
}

// Stop halts the cron loop and waits briefly for running jobs to finish
func (s *Service) Stop() error {
	if !s.running {
		return nil
	}

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Some jobs did not finish within shutdown timeout")
	}

	s.running = false
	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

// IsRunning returns true if scheduler is active
func (s *Service) IsRunning() bool {
	return s.running
}

// executeAutoStartJobs runs the sweeps once at startup so tasks stranded by
// a crash or a lost publish are recovered without waiting for the first tick
func (s *Service) executeAutoStartJobs() {
	s.jobMu.Lock()
	autoStart := make([]string, 0)
	for name, entry := range s.jobs {
		if entry.enabled && entry.autoStart {
			autoStart = append(autoStart, name)
		}
	}
	s.jobMu.Unlock()

	for _, name := range autoStart {
		s.executeJob(name)
	}
}

// RegisterJob registers a new job with the scheduler
func (s *Service) RegisterJob(name string, schedule string, handler func() error) error {
	return s.registerJob(name, schedule, "", false, "", handler)
}

func (s *Service) registerJob(name, schedule, description string, autoStart bool, templateID string, handler func() error) error {
	if name == "" {
		return fmt.Errorf("job name is required")
	}
	if handler == nil {
		return fmt.Errorf("job handler is required")
	}

	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}

	entry := &jobEntry{
		name:        name,
		schedule:    schedule,
		description: description,
		handler:     handler,
		enabled:     true,
		autoStart:   autoStart,
		templateID:  templateID,
	}

	cronID, err := s.cron.AddFunc(schedule, func() {
		s.executeJob(name)
	})
	if err != nil {
		return fmt.Errorf("failed to add job to cron: %w", err)
	}

	entry.cronID = cronID
	s.jobs[name] = entry

	s.logger.Info().
		Str("job_name", name).
		Str("schedule", schedule).
		Msg("Job registered")

	return nil
}

// registerDisabledJob records a job without a cron entry; EnableJob adds it
func (s *Service) registerDisabledJob(name, schedule, description, templateID string, handler func() error) error {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}

	s.jobs[name] = &jobEntry{
		name:        name,
		schedule:    schedule,
		description: description,
		handler:     handler,
		templateID:  templateID,
	}
	return nil
}

// TriggerJobNow manually triggers a specific job to run immediately
func (s *Service) TriggerJobNow(name string) error {
	s.jobMu.Lock()
	entry, exists := s.jobs[name]
	if !exists {
		s.jobMu.Unlock()
		return fmt.Errorf("job %s not found", name)
	}
	if entry.isRunning {
		s.jobMu.Unlock()
		return fmt.Errorf("job %s is already running", name)
	}
	s.jobMu.Unlock()

	s.logger.Info().
		Str("job_name", name).
		Msg("Manually triggering job execution")

	go s.executeJob(name)
	return nil
}

// EnableJob enables a disabled job
func (s *Service) EnableJob(name string) error {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	entry, exists := s.jobs[name]
	if !exists {
		return fmt.Errorf("job %s not found", name)
	}
	if entry.enabled {
		return nil
	}

	cronID, err := s.cron.AddFunc(entry.schedule, func() {
		s.executeJob(name)
	})
	if err != nil {
		return fmt.Errorf("failed to add job to cron: %w", err)
	}
	entry.cronID = cronID
	entry.enabled = true

	s.logger.Info().
		Str("job_name", name).
		Msg("Job enabled")

	s.persistTemplateEnabled(entry, true)
	return nil
}

// DisableJob disables an enabled job
func (s *Service) DisableJob(name string) error {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	entry, exists := s.jobs[name]
	if !exists {
		return fmt.Errorf("job %s not found", name)
	}
	if !entry.enabled {
		return nil
	}

	s.cron.Remove(entry.cronID)
	entry.enabled = false

	s.logger.Info().
		Str("job_name", name).
		Msg("Job disabled")

	s.persistTemplateEnabled(entry, false)
	return nil
}

// persistTemplateEnabled saves the enabled flag for template-backed jobs.
// Caller holds jobMu.
func (s *Service) persistTemplateEnabled(entry *jobEntry, enabled bool) {
	if entry.templateID == "" {
		return
	}
	ctx := context.Background()
	st, err := s.scheduled.GetScheduledTask(ctx, entry.templateID)
	if err != nil {
		s.logger.Warn().Err(err).Str("schedule_id", entry.templateID).Msg("Failed to load template for enabled update")
		return
	}
	st.Enabled = enabled
	if err := s.scheduled.SaveScheduledTask(ctx, st); err != nil {
		s.logger.Warn().Err(err).Str("schedule_id", entry.templateID).Msg("Failed to persist template enabled flag")
	}
}

// GetJobStatus returns the status of a specific job
func (s *Service) GetJobStatus(name string) (*interfaces.JobStatus, error) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	entry, exists := s.jobs[name]
	if !exists {
		return nil, fmt.Errorf("job %s not found", name)
	}

	var nextRun *time.Time
	if entry.enabled {
		for _, cronEntry := range s.cron.Entries() {
			if cronEntry.ID == entry.cronID {
				next := cronEntry.Next
				nextRun = &next
				break
			}
		}
	}

	return &interfaces.JobStatus{
		Name:        entry.name,
		Enabled:     entry.enabled,
		Schedule:    entry.schedule,
		Description: entry.description,
		LastRun:     entry.lastRun,
		NextRun:     nextRun,
		IsRunning:   entry.isRunning,
		LastError:   entry.lastError,
	}, nil
}

// GetAllJobStatuses returns all job statuses
func (s *Service) GetAllJobStatuses() map[string]*interfaces.JobStatus {
	s.jobMu.Lock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	s.jobMu.Unlock()

	statuses := make(map[string]*interfaces.JobStatus)
	for _, name := range names {
		status, err := s.GetJobStatus(name)
		if err == nil {
			statuses[name] = status
		}
	}
	return statuses
}

// executeJob wraps job execution with mutex, panic recovery, and status
// tracking
func (s *Service) executeJob(name string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("job_name", name).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("PANIC RECOVERED in job execution")

			s.jobMu.Lock()
			if entry, exists := s.jobs[name]; exists {
				entry.isRunning = false
				entry.lastError = fmt.Sprintf("panic: %v", r)
			}
			s.jobMu.Unlock()
		}
	}()

	s.globalMu.Lock()
	defer s.globalMu.Unlock()

	s.jobMu.Lock()
	entry, exists := s.jobs[name]
	if !exists {
		s.jobMu.Unlock()
		s.logger.Warn().
			Str("job_name", name).
			Msg("Job not found")
		return
	}
	entry.isRunning = true
	handler := entry.handler
	s.jobMu.Unlock()

	started := time.Now()
	s.logger.Debug().
		Str("job_name", name).
		Msg("Job execution started")

	err := handler()

	completionTime := time.Now()
	s.jobMu.Lock()
	entry.isRunning = false
	entry.lastRun = &completionTime
	if err != nil {
		entry.lastError = err.Error()
		s.logger.Error().
			Str("job_name", name).
			Err(err).
			Str("duration", time.Since(started).String()).
			Msg("❌ Job execution failed")
	} else {
		entry.lastError = ""
		s.logger.Debug().
			Str("job_name", name).
			Str("duration", time.Since(started).String()).
			Msg("Job execution completed")
	}
	s.jobMu.Unlock()
}

// dispatchDueTasks publishes pending tasks whose scheduled time has passed
func (s *Service) dispatchDueTasks() error {
	ctx := context.Background()
	count, err := s.coordinator.DispatchDue(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("dispatch sweep failed: %w", err)
	}
	if count > 0 {
		s.logger.Info().Int("count", count).Msg("Due tasks dispatched")
	}
	return nil
}

// recoverStaleTasks requeues running tasks that stopped reporting
func (s *Service) recoverStaleTasks() error {
	ctx := context.Background()
	cutoff := time.Now().UTC().Add(-s.config.StaleAfter)
	count, err := s.coordinator.RequeueStale(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("stale recovery sweep failed: %w", err)
	}
	if count > 0 {
		s.logger.Warn().Int("count", count).Msg("Stale tasks recovered")
	}
	return nil
}

// purgeDeadLetters deletes dead letters past the retention window
func (s *Service) purgeDeadLetters() error {
	ctx := context.Background()
	count, err := s.bus.PurgeExpiredDeadLetters(ctx, s.config.DLQRetention)
	if err != nil {
		return fmt.Errorf("dead letter purge failed: %w", err)
	}
	if count > 0 {
		s.logger.Info().
			Int("count", count).
			Str("retention", s.config.DLQRetention.String()).
			Msg("Expired dead letters purged")
	}
	return nil
}

// loadScheduledTasks registers all stored task templates as jobs
func (s *Service) loadScheduledTasks() error {
	ctx := context.Background()

	templates, err := s.scheduled.ListScheduledTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to load scheduled tasks: %w", err)
	}
	if len(templates) == 0 {
		return nil
	}

	registered := 0
	for _, st := range templates {
		if err := s.registerTemplate(st); err != nil {
			s.logger.Error().
				Str("schedule_id", st.ID).
				Err(err).
				Msg("Failed to register scheduled task template")
			continue
		}
		registered++
	}

	s.logger.Info().
		Int("count", registered).
		Msg("Scheduled task templates registered")

	return nil
}

// registerTemplate adds a template-backed job. Disabled templates get a
// registry entry without a cron schedule.
func (s *Service) registerTemplate(st *models.ScheduledTask) error {
	id := st.ID
	handler := func() error {
		return s.materializeScheduledTask(id)
	}
	if !st.Enabled {
		return s.registerDisabledJob(id, st.Schedule, st.Name, id, handler)
	}
	return s.registerJob(id, st.Schedule, st.Name, false, id, handler)
}

// materializeScheduledTask creates a fresh task from the template
func (s *Service) materializeScheduledTask(id string) error {
	ctx := context.Background()

	st, err := s.scheduled.GetScheduledTask(ctx, id)
	if err != nil {
		return fmt.Errorf("template lookup failed: %w", err)
	}
	if !st.Enabled {
		return nil
	}

	req := &models.CreateTaskRequest{
		SourceID:    st.SourceID,
		TargetURL:   st.TargetURL,
		SchemaID:    st.SchemaID,
		Priority:    st.Priority,
		MaxAttempts: st.MaxAttempts,
		MaxPages:    st.MaxPages,
		Headers:     st.Headers,
	}
	// Version 0 resolves the current schema version at materialization time
	if st.SchemaVersion > 0 {
		req.SchemaVersion = strconv.Itoa(st.SchemaVersion)
	}

	task, err := s.coordinator.CreateTask(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to materialize task from template %s: %w", id, err)
	}

	st.LastRunAt = time.Now().UTC()
	if err := s.scheduled.SaveScheduledTask(ctx, st); err != nil {
		s.logger.Warn().Err(err).Str("schedule_id", id).Msg("Failed to record template last run")
	}

	s.logger.Info().
		Str("schedule_id", id).
		Str("task_id", task.ID).
		Str("source_id", task.SourceID).
		Msg("✅ Scheduled task materialized")

	return nil
}

// CreateScheduledTask validates and stores a template, then registers its
// job. Creation always enables the template; DisableJob turns it off.
func (s *Service) CreateScheduledTask(ctx context.Context, st *models.ScheduledTask) (*models.ScheduledTask, error) {
	if st == nil {
		return nil, fmt.Errorf("scheduled task is required")
	}
	if err := validateTemplate(st); err != nil {
		return nil, err
	}

	if st.ID == "" {
		st.ID = common.NewScheduleID()
	}
	st.Enabled = true
	st.CreatedAt = time.Now().UTC()

	if err := s.scheduled.SaveScheduledTask(ctx, st); err != nil {
		return nil, err
	}
	if err := s.registerTemplate(st); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("schedule_id", st.ID).
		Str("name", st.Name).
		Str("schedule", st.Schedule).
		Msg("Scheduled task created")

	return st, nil
}

// UpdateScheduledTask replaces a template's fields. The enabled flag is
// operator state and survives the update.
func (s *Service) UpdateScheduledTask(ctx context.Context, id string, st *models.ScheduledTask) (*models.ScheduledTask, error) {
	if st == nil {
		return nil, fmt.Errorf("scheduled task is required")
	}

	existing, err := s.scheduled.GetScheduledTask(ctx, id)
	if err != nil {
		return nil, err
	}

	st.ID = id
	st.Enabled = existing.Enabled
	st.CreatedAt = existing.CreatedAt
	st.LastRunAt = existing.LastRunAt
	if err := validateTemplate(st); err != nil {
		return nil, err
	}

	if err := s.scheduled.SaveScheduledTask(ctx, st); err != nil {
		return nil, err
	}

	s.jobMu.Lock()
	entry, exists := s.jobs[id]
	if exists {
		entry.description = st.Name
		if entry.schedule != st.Schedule {
			if entry.enabled {
				s.cron.Remove(entry.cronID)
				cronID, err := s.cron.AddFunc(st.Schedule, func() {
					s.executeJob(id)
				})
				if err != nil {
					s.jobMu.Unlock()
					return nil, fmt.Errorf("failed to reschedule job: %w", err)
				}
				entry.cronID = cronID
			}
			entry.schedule = st.Schedule
		}
	}
	s.jobMu.Unlock()

	if !exists {
		if err := s.registerTemplate(st); err != nil {
			return nil, err
		}
	}

	s.logger.Info().
		Str("schedule_id", id).
		Str("schedule", st.Schedule).
		Msg("Scheduled task updated")

	return st, nil
}

// DeleteScheduledTask removes a template and its job
func (s *Service) DeleteScheduledTask(ctx context.Context, id string) error {
	if err := s.scheduled.DeleteScheduledTask(ctx, id); err != nil {
		return err
	}

	s.jobMu.Lock()
	if entry, exists := s.jobs[id]; exists {
		if entry.enabled {
			s.cron.Remove(entry.cronID)
		}
		delete(s.jobs, id)
	}
	s.jobMu.Unlock()

	s.logger.Info().
		Str("schedule_id", id).
		Msg("Scheduled task deleted")

	return nil
}

// GetScheduledTask returns one template by id
func (s *Service) GetScheduledTask(ctx context.Context, id string) (*models.ScheduledTask, error) {
	return s.scheduled.GetScheduledTask(ctx, id)
}

// ListScheduledTasks returns all templates
func (s *Service) ListScheduledTasks(ctx context.Context) ([]*models.ScheduledTask, error) {
	return s.scheduled.ListScheduledTasks(ctx)
}

func validateTemplate(st *models.ScheduledTask) error {
	if st.Name == "" {
		return fmt.Errorf("scheduled task name is required")
	}
	if st.SourceID == "" {
		return fmt.Errorf("scheduled task source_id is required")
	}
	if st.TargetURL == "" {
		return fmt.Errorf("scheduled task target_url is required")
	}
	if st.SchemaID == "" {
		return fmt.Errorf("scheduled task schema_id is required")
	}
	if err := common.ValidateSchedule(st.Schedule); err != nil {
		return err
	}
	return nil
}
