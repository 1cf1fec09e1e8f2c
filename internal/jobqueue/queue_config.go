/*
Package jobqueue configuration - tunable parameters for the River job queue.

## Quick Configuration Reference:

### Performance Tuning:
- Increase MaxWorkers for higher apply throughput
- Adjust MaxRetries for different reliability vs. speed tradeoffs
- Shorten SweepInterval to pick up stuck events sooner

### Reliability Tuning:
- The sweep is the safety net for lost jobs and crashed workers, so
  generous apply retries are not required
- Keep SweepMinAge comfortably above typical apply latency so the sweep
  never races a job the queue is still working

## Database Requirements:
- PostgreSQL with River schema migrations applied
- Connection pool sized for concurrent workers
*/
package jobqueue

import (
	"time"

	"github.com/riverqueue/river"
)

// QueueConfig holds all configurable parameters for the job queue
type QueueConfig struct {
	// Worker Configuration
	MaxWorkers int // Number of concurrent workers processing jobs (default: 10)

	// Retry Configuration
	MaxRetries int           // Maximum retry attempts per apply job (default: 10)
	JobTimeout time.Duration // Maximum time a single job can run (default: 1 minute)

	// Sweep Configuration
	SweepInterval time.Duration // How often the reconciliation sweep runs (default: 10 minutes)
	SweepMinAge   time.Duration // Minimum event age before the sweep touches it (default: 5 minutes)
}

// DefaultQueueConfig returns the default configuration
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		// Worker settings - tune based on gateway volume
		MaxWorkers: 10,

		// Retry settings - transient database failures resolve quickly;
		// everything else lands in the sweep or the dead letter state
		MaxRetries: 10,
		JobTimeout: 1 * time.Minute,

		// Sweep settings
		SweepInterval: 10 * time.Minute,
		SweepMinAge:   5 * time.Minute,
	}
}

// QueueConfigFrom builds a queue configuration from the service settings,
// falling back to defaults for anything unset.
func QueueConfigFrom(maxWorkers int, sweepInterval, sweepMinAge time.Duration) *QueueConfig {
	config := DefaultQueueConfig()
	if maxWorkers > 0 {
		config.MaxWorkers = maxWorkers
	}
	if sweepInterval > 0 {
		config.SweepInterval = sweepInterval
	}
	if sweepMinAge > 0 {
		config.SweepMinAge = sweepMinAge
	}
	return config
}

// RiverQueueConfig converts our config to River's queue configuration format
func (c *QueueConfig) RiverQueueConfig() map[string]river.QueueConfig {
	return map[string]river.QueueConfig{
		river.QueueDefault: {
			MaxWorkers: c.MaxWorkers,
		},
	}
}
