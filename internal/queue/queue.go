// Package queue defines the durable outbound message record and its
// lifecycle: pending -> sending -> sent | pending (retry) | failed.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shineum/mail-dispatch/internal/email"
)

// Status is a message lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further delivery happens in this state.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSending, StatusSent, StatusFailed:
		return true
	}
	return false
}

// DefaultMaxAttempts is used when a message is enqueued without a limit.
const DefaultMaxAttempts = 3

var (
	ErrNotFound          = errors.New("message not found")
	ErrInvalidTransition = errors.New("invalid message state transition")
)

// Message is a queued outbound email.
type Message struct {
	ID                int64       `json:"id"`
	Email             email.Email `json:"email"`
	Source            string      `json:"source"`
	Status            Status      `json:"status"`
	Attempts          int         `json:"attempts"`
	MaxAttempts       int         `json:"max_attempts"`
	LastError         string      `json:"last_error,omitempty"`
	ProviderMessageID string      `json:"provider_message_id,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
	SentAt            *time.Time  `json:"sent_at,omitempty"`
	NextAttemptAt     time.Time   `json:"next_attempt_at"`
	ClaimedAt         *time.Time  `json:"claimed_at,omitempty"`
}

// LogValue keeps message bodies and recipient lists out of logs.
func (m *Message) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("id", m.ID),
		slog.String("source", m.Source),
		slog.String("status", string(m.Status)),
		slog.Int("attempts", m.Attempts),
		slog.Int("max_attempts", m.MaxAttempts),
	)
}

// Exhausted reports whether the message has used every attempt.
func (m *Message) Exhausted() bool {
	return m.Attempts >= m.MaxAttempts
}

// Filter selects messages for listing.
type Filter struct {
	Status Status
	Limit  int
	Offset int
}

// ReclaimResult describes a reconciliation pass over abandoned sends.
type ReclaimResult struct {
	// Reclaimed messages went back to pending.
	Reclaimed int64
	// Failed messages had no attempts left and were failed terminally.
	Failed []*Message
}

// Store is the durable queue. Every transition out of sending is guarded:
// it only applies to a message currently in sending, otherwise
// ErrInvalidTransition is returned.
type Store interface {
	Enqueue(ctx context.Context, msg *email.Email, source string, maxAttempts int) (int64, error)
	// ClaimNextBatch atomically moves up to limit eligible pending
	// messages to sending and increments their attempts.
	ClaimNextBatch(ctx context.Context, limit int) ([]*Message, error)
	MarkSent(ctx context.Context, id int64, providerMessageID string) error
	// MarkRetry returns the message to pending, eligible again after delay.
	MarkRetry(ctx context.Context, id int64, lastError string, delay time.Duration) error
	MarkFailed(ctx context.Context, id int64, lastError string) error
	// ReclaimStale returns messages stuck in sending since before
	// olderThan to pending without touching attempts.
	ReclaimStale(ctx context.Context, olderThan time.Time) (ReclaimResult, error)
	// Purge deletes messages in statuses last updated before olderThan.
	Purge(ctx context.Context, statuses []Status, olderThan time.Time) (int64, error)

	Get(ctx context.Context, id int64) (*Message, error)
	List(ctx context.Context, filter Filter) ([]*Message, int, error)
	Counts(ctx context.Context) (map[Status]int, error)
	// Retry makes a failed or pending message eligible immediately. A
	// failed message gets a fresh set of attempts.
	Retry(ctx context.Context, id int64) error
	// Delete removes messages that are not currently being sent.
	Delete(ctx context.Context, ids []int64) (int64, error)
}

// Backoff computes the delay before a retried message becomes eligible.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff is 30s doubling per attempt, capped at one hour.
var DefaultBackoff = Backoff{Base: 30 * time.Second, Max: time.Hour}

// Delay returns Base * 2^attempts, capped at Max.
func (b Backoff) Delay(attempts int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempts < 0 {
		attempts = 0
	}
	delay := b.Base
	for i := 0; i < attempts; i++ {
		delay *= 2
		if b.Max > 0 && delay >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && delay > b.Max {
		return b.Max
	}
	return delay
}
