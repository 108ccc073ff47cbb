package muster

import "time"

// Config holds cluster-wide tunables for a muster node. Zero values are
// replaced by the defaults from DefaultConfig.
type Config struct {
	// ClaimLease is how long a claimed task stays owned without a renew.
	ClaimLease time.Duration

	// SessionLease is how long a session may go without a heartbeat
	// before the failure sweep declares it failed.
	SessionLease time.Duration

	// SweepInterval is how often the maintenance tickers (failure
	// detection, lease sweep) run on the leader.
	SweepInterval time.Duration

	// ElectionTimeoutMin/Max bound the randomized follower election
	// timeout. Max must exceed Min.
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration

	// HeartbeatInterval is how often the leader sends AppendEntries
	// heartbeats. Must be well below ElectionTimeoutMin.
	HeartbeatInterval time.Duration

	// ApplyTimeout is the default deadline for a blocking Apply call.
	ApplyTimeout time.Duration

	// SnapshotThreshold triggers a snapshot once this many log entries
	// have accumulated past the last snapshot.
	SnapshotThreshold int

	// SnapshotInterval triggers a snapshot on a timer regardless of
	// entry count. Zero disables the timer.
	SnapshotInterval time.Duration

	// MaxAttempts is the default retry budget for a task.
	MaxAttempts int

	// RetryBackoffBase and RetryBackoffMax shape the exponential retry
	// delay applied when a task fails with attempts remaining.
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		ClaimLease:         30 * time.Second,
		SessionLease:       45 * time.Second,
		SweepInterval:      10 * time.Second,
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
		ApplyTimeout:       5 * time.Second,
		SnapshotThreshold:  4096,
		SnapshotInterval:   2 * time.Minute,
		MaxAttempts:        3,
		RetryBackoffBase:   1 * time.Second,
		RetryBackoffMax:    1 * time.Minute,
	}
}
