package scheduler

import "time"

// Config holds the scheduler's maintenance intervals and schedules.
type Config struct {
	// DispatchInterval paces the sweep that publishes due pending tasks
	DispatchInterval time.Duration

	// StaleAfter is how long a running task may go without a result before
	// the recovery sweep requeues it. Should comfortably exceed the queue
	// visibility timeout plus the task budget.
	StaleAfter time.Duration

	// StaleCheckInterval paces the recovery sweep
	StaleCheckInterval time.Duration

	// DLQPurgeSchedule is a standard cron expression for the retention purge
	DLQPurgeSchedule string

	// DLQRetention is how long dead letters are kept before the purge
	// removes them
	DLQRetention time.Duration
}

// NewDefaultConfig returns the production scheduler settings.
func NewDefaultConfig() Config {
	return Config{
		DispatchInterval:   time.Minute,
		StaleAfter:         10 * time.Minute,
		StaleCheckInterval: time.Minute,
		DLQPurgeSchedule:   "0 3 * * *",
		DLQRetention:       7 * 24 * time.Hour,
	}
}
