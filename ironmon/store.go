package ironmon

import (
	"context"
	"time"
)

// Challenge is a named run series. The connector keeps one current challenge
// and attaches attempts to it.
type Challenge struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Attempt is one run of a challenge, started by a seed message.
type Attempt struct {
	ID          int64     `json:"id"`
	ChallengeID int64     `json:"challenge_id"`
	SeedCount   int       `json:"seed_count"`
	StartedAt   time.Time `json:"started_at"`
}

// CheckpointClear records a checkpoint reached during an attempt. Cleared is
// persisted as a column even though the connector only ever writes true.
type CheckpointClear struct {
	ID           int64     `json:"id"`
	AttemptID    int64     `json:"attempt_id"`
	CheckpointID int       `json:"checkpoint_id"`
	Name         string    `json:"name"`
	Cleared      bool      `json:"cleared"`
	ClearedAt    time.Time `json:"cleared_at"`
}

// Store is the challenge bookkeeping abstraction. The default implementation
// is SQLite. All methods are context-aware; lookups return (nil, nil) when
// the record does not exist.
type Store interface {
	// EnsureChallenge returns the challenge with the given name, creating it
	// on first use.
	EnsureChallenge(ctx context.Context, name string) (*Challenge, error)

	// StartAttempt opens a new attempt for the challenge. Any previous
	// attempt simply stops receiving checkpoints.
	StartAttempt(ctx context.Context, challengeID int64, seedCount int) (*Attempt, error)

	// CurrentAttempt returns the most recently started attempt for the
	// challenge.
	CurrentAttempt(ctx context.Context, challengeID int64) (*Attempt, error)

	// RecordCheckpoint marks a checkpoint cleared for the attempt.
	RecordCheckpoint(ctx context.Context, attemptID int64, checkpointID int, name string) error

	// RecentAttempts returns up to limit attempts for the challenge, newest
	// first.
	RecentAttempts(ctx context.Context, challengeID int64, limit int) ([]Attempt, error)

	// AttemptCheckpoints returns the checkpoints of an attempt in clear order.
	AttemptCheckpoints(ctx context.Context, attemptID int64) ([]CheckpointClear, error)

	Close() error
}
