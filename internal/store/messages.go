package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/queue"
)

const messageColumns = `id, envelope, source, status, attempts, max_attempts, last_error,
	provider_message_id, created_at, updated_at, sent_at, next_attempt_at, claimed_at`

// abandonedError is recorded on messages whose final attempt was
// interrupted before an outcome was stored.
const abandonedError = "delivery interrupted with no attempts remaining"

type messageRow struct {
	ID                int64         `db:"id"`
	Envelope          string        `db:"envelope"`
	Source            string        `db:"source"`
	Status            string        `db:"status"`
	Attempts          int           `db:"attempts"`
	MaxAttempts       int           `db:"max_attempts"`
	LastError         string        `db:"last_error"`
	ProviderMessageID string        `db:"provider_message_id"`
	CreatedAt         int64         `db:"created_at"`
	UpdatedAt         int64         `db:"updated_at"`
	SentAt            sql.NullInt64 `db:"sent_at"`
	NextAttemptAt     int64         `db:"next_attempt_at"`
	ClaimedAt         sql.NullInt64 `db:"claimed_at"`
}

func (r *messageRow) toMessage() (*queue.Message, error) {
	m := &queue.Message{
		ID:                r.ID,
		Source:            r.Source,
		Status:            queue.Status(r.Status),
		Attempts:          r.Attempts,
		MaxAttempts:       r.MaxAttempts,
		LastError:         r.LastError,
		ProviderMessageID: r.ProviderMessageID,
		CreatedAt:         fromMillis(r.CreatedAt),
		UpdatedAt:         fromMillis(r.UpdatedAt),
		NextAttemptAt:     fromMillis(r.NextAttemptAt),
	}
	if err := json.Unmarshal([]byte(r.Envelope), &m.Email); err != nil {
		return nil, fmt.Errorf("decoding envelope of message %d: %w", r.ID, err)
	}
	if r.SentAt.Valid {
		t := fromMillis(r.SentAt.Int64)
		m.SentAt = &t
	}
	if r.ClaimedAt.Valid {
		t := fromMillis(r.ClaimedAt.Int64)
		m.ClaimedAt = &t
	}
	return m, nil
}

func toMessages(rows []messageRow) ([]*queue.Message, error) {
	out := make([]*queue.Message, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toMessage()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Enqueue stores msg as pending and eligible immediately.
func (s *Store) Enqueue(ctx context.Context, msg *email.Email, source string, maxAttempts int) (int64, error) {
	if maxAttempts <= 0 {
		maxAttempts = queue.DefaultMaxAttempts
	}
	envelope, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("encoding envelope: %w", err)
	}

	now := millis(s.clock())
	query := s.db.Rebind(`
		INSERT INTO messages (
			envelope, recipients, subject, source, status,
			attempts, max_attempts, created_at, updated_at, next_attempt_at
		) VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
		RETURNING id`)

	var id int64
	err = s.db.GetContext(ctx, &id, query,
		string(envelope), strings.Join(msg.Recipients(), ", "), msg.Subject, source,
		string(queue.StatusPending), maxAttempts, now, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("enqueuing message: %w", err)
	}
	return id, nil
}

// ClaimNextBatch moves up to limit eligible pending messages to sending in
// a single statement, so concurrent callers never claim the same row.
func (s *Store) ClaimNextBatch(ctx context.Context, limit int) ([]*queue.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := millis(s.clock())

	lock := ""
	if s.dialect == DialectPostgres {
		lock = "FOR UPDATE SKIP LOCKED"
	}
	query := s.db.Rebind(fmt.Sprintf(`
		UPDATE messages
		SET status = 'sending', attempts = attempts + 1, claimed_at = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM messages
			WHERE status = 'pending' AND next_attempt_at <= ? AND attempts < max_attempts
			ORDER BY id
			LIMIT ?
			%s
		) AND status = 'pending'
		RETURNING %s`, lock, messageColumns))

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, now, now, now, limit); err != nil {
		return nil, fmt.Errorf("claiming messages: %w", err)
	}
	return toMessages(rows)
}

// MarkSent records a successful delivery.
func (s *Store) MarkSent(ctx context.Context, id int64, providerMessageID string) error {
	now := millis(s.clock())
	return s.transition(ctx, id, `
		UPDATE messages
		SET status = 'sent', provider_message_id = ?, sent_at = ?, updated_at = ?, claimed_at = NULL
		WHERE id = ? AND status = 'sending'`,
		providerMessageID, now, now, id)
}

// MarkRetry returns a message to pending. It refuses a message that has
// no attempts left.
func (s *Store) MarkRetry(ctx context.Context, id int64, lastError string, delay time.Duration) error {
	now := s.clock()
	return s.transition(ctx, id, `
		UPDATE messages
		SET status = 'pending', last_error = ?, next_attempt_at = ?, updated_at = ?, claimed_at = NULL
		WHERE id = ? AND status = 'sending' AND attempts < max_attempts`,
		lastError, millis(now.Add(delay)), millis(now), id)
}

// MarkFailed records a terminal delivery failure.
func (s *Store) MarkFailed(ctx context.Context, id int64, lastError string) error {
	return s.transition(ctx, id, `
		UPDATE messages
		SET status = 'failed', last_error = ?, updated_at = ?, claimed_at = NULL
		WHERE id = ? AND status = 'sending'`,
		lastError, millis(s.clock()), id)
}

func (s *Store) transition(ctx context.Context, id int64, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("updating message %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating message %d: %w", id, err)
	}
	if n == 0 {
		return s.missingOrInvalid(ctx, id)
	}
	return nil
}

func (s *Store) missingOrInvalid(ctx context.Context, id int64) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("message %d: %w", id, ErrInvalidTransition)
}

// ReclaimStale resets messages claimed before olderThan. Attempts are left
// as they are; a message whose last attempt was interrupted is failed.
func (s *Store) ReclaimStale(ctx context.Context, olderThan time.Time) (queue.ReclaimResult, error) {
	var result queue.ReclaimResult
	now := millis(s.clock())
	cutoff := millis(olderThan)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var failed []messageRow
	err = tx.SelectContext(ctx, &failed, tx.Rebind(`
		UPDATE messages
		SET status = 'failed', last_error = ?, updated_at = ?, claimed_at = NULL
		WHERE status = 'sending' AND claimed_at < ? AND attempts >= max_attempts
		RETURNING `+messageColumns),
		abandonedError, now, cutoff)
	if err != nil {
		return result, fmt.Errorf("failing exhausted messages: %w", err)
	}

	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE messages
		SET status = 'pending', next_attempt_at = ?, updated_at = ?, claimed_at = NULL
		WHERE status = 'sending' AND claimed_at < ?`),
		now, now, cutoff)
	if err != nil {
		return result, fmt.Errorf("reclaiming messages: %w", err)
	}
	if result.Reclaimed, err = res.RowsAffected(); err != nil {
		return result, err
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("committing reclaim: %w", err)
	}
	if result.Failed, err = toMessages(failed); err != nil {
		return result, err
	}
	return result, nil
}

// Purge deletes messages in the given statuses not updated since olderThan.
func (s *Store) Purge(ctx context.Context, statuses []queue.Status, olderThan time.Time) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	query, args, err := sqlx.In(`DELETE FROM messages WHERE status IN (?) AND updated_at < ?`, names, millis(olderThan))
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("purging messages: %w", err)
	}
	return res.RowsAffected()
}

// Get returns a single message.
func (s *Store) Get(ctx context.Context, id int64) (*queue.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+messageColumns+` FROM messages WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %d: %w", id, err)
	}
	return row.toMessage()
}

// List returns messages newest first, with the total matching count.
func (s *Store) List(ctx context.Context, filter queue.Filter) ([]*queue.Message, int, error) {
	where := ""
	var args []any
	if filter.Status != "" {
		where = " WHERE status = ?"
		args = append(args, string(filter.Status))
	}

	var total int
	if err := s.db.GetContext(ctx, &total, s.db.Rebind(`SELECT COUNT(*) FROM messages`+where), args...); err != nil {
		return nil, 0, fmt.Errorf("counting messages: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := s.db.Rebind(`SELECT ` + messageColumns + ` FROM messages` + where + ` ORDER BY id DESC LIMIT ? OFFSET ?`)

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, append(args, limit, max(filter.Offset, 0))...); err != nil {
		return nil, 0, fmt.Errorf("listing messages: %w", err)
	}
	msgs, err := toMessages(rows)
	if err != nil {
		return nil, 0, err
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID > msgs[j].ID })
	return msgs, total, nil
}

// Counts returns the number of messages per status.
func (s *Store) Counts(ctx context.Context) (map[queue.Status]int, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM messages GROUP BY status`); err != nil {
		return nil, fmt.Errorf("counting messages: %w", err)
	}
	counts := map[queue.Status]int{
		queue.StatusPending: 0,
		queue.StatusSending: 0,
		queue.StatusSent:    0,
		queue.StatusFailed:  0,
	}
	for _, r := range rows {
		counts[queue.Status(r.Status)] = r.N
	}
	return counts, nil
}

// Retry makes a failed or pending message eligible now. Failed messages
// start over with zero attempts; sent messages are immutable.
func (s *Store) Retry(ctx context.Context, id int64) error {
	now := millis(s.clock())
	return s.transition(ctx, id, `
		UPDATE messages
		SET attempts = CASE WHEN status = 'failed' THEN 0 ELSE attempts END,
			status = 'pending', next_attempt_at = ?, updated_at = ?, claimed_at = NULL
		WHERE id = ? AND status IN ('failed', 'pending')`,
		now, now, id)
}

// Delete removes messages that are not currently sending.
func (s *Store) Delete(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`DELETE FROM messages WHERE id IN (?) AND status <> 'sending'`, ids)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("deleting messages: %w", err)
	}
	return res.RowsAffected()
}

var _ queue.Store = (*Store)(nil)
