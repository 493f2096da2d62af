package table

import (
	"time"

	"github.com/maruel/labdb/internal/metrics"
)

// Defaults of the lock wait.
const (
	DefaultLockWait     = time.Second
	DefaultLockAttempts = 5
	DefaultLoadWorkers  = 8
)

type options struct {
	sequence     bool
	lockWait     time.Duration
	lockAttempts int
	loadWorkers  int
	metrics      *metrics.Metrics
}

// Option configures a [Table].
type Option func(*options)

// WithSequence enables auto-numbering: records inserted with an empty key
// get the next decimal key, and numeric keys advance the sequence.
func WithSequence() Option {
	return func(o *options) { o.sequence = true }
}

// WithLockWait sets how long [Table.Lock] waits per attempt and how many
// attempts it makes before failing.
func WithLockWait(d time.Duration, attempts int) Option {
	return func(o *options) {
		if d > 0 {
			o.lockWait = d
		}
		if attempts > 0 {
			o.lockAttempts = attempts
		}
	}
}

// WithLoadWorkers bounds the number of records loaded concurrently when the
// table is opened.
func WithLoadWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.loadWorkers = n
		}
	}
}

// WithMetrics records table operations in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}
