package coordinator

import (
	"time"

	"go.uber.org/zap"

	"github.com/Lobbi-Docs/taskcoord/pkg/models"
)

// Option configures a Coordinator. Use With* functions to create Options.
type Option func(*coordinatorOptions)

// coordinatorOptions holds all optional configuration applied at
// construction.
type coordinatorOptions struct {
	matchInterval     time.Duration
	eventBuffer       int
	retentionSchedule string
	retainFor         time.Duration
	retryPolicy       *models.RetryPolicy
	logger            *zap.Logger
}

func defaultOptions() coordinatorOptions {
	return coordinatorOptions{
		matchInterval: time.Second,
		eventBuffer:   128,
		retainFor:     7 * 24 * time.Hour,
	}
}

// WithMatchInterval sets the ticker interval that backstops the matching
// loop. Submissions and completions trigger matching immediately; the ticker
// only catches work from other processes sharing the store.
func WithMatchInterval(d time.Duration) Option {
	return func(o *coordinatorOptions) {
		if d > 0 {
			o.matchInterval = d
		}
	}
}

// WithEventBuffer sets the capacity of the event channel.
func WithEventBuffer(n int) Option {
	return func(o *coordinatorOptions) {
		if n > 0 {
			o.eventBuffer = n
		}
	}
}

// WithRetention enables the scheduled retention sweep: on each cron tick,
// completed and cancelled tasks older than retainFor are purged, along with
// their results. An empty schedule leaves the sweep disabled.
func WithRetention(schedule string, retainFor time.Duration) Option {
	return func(o *coordinatorOptions) {
		o.retentionSchedule = schedule
		if retainFor > 0 {
			o.retainFor = retainFor
		}
	}
}

// WithRetryPolicy sets the retry policy applied to submissions that carry
// none, replacing the queue's built-in default.
func WithRetryPolicy(p models.RetryPolicy) Option {
	return func(o *coordinatorOptions) {
		o.retryPolicy = &p
	}
}

// WithLogger sets the coordinator's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *coordinatorOptions) {
		o.logger = logger
	}
}
