// Package audit records the terminal outcome of every dispatched email.
package audit

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Status is the delivery outcome of an audit record.
type Status string

const (
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Record is an immutable delivery outcome.
type Record struct {
	ID                int64     `json:"id"`
	Timestamp         time.Time `json:"timestamp"`
	To                []string  `json:"to"`
	From              string    `json:"from"`
	Subject           string    `json:"subject"`
	Method            string    `json:"method"`
	Status            Status    `json:"status"`
	Error             string    `json:"error,omitempty"`
	Source            string    `json:"source,omitempty"`
	Attempts          int       `json:"attempts"`
	MessageID         *int64    `json:"message_id,omitempty"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
}

// Filter narrows audit queries. Zero fields match everything.
type Filter struct {
	Status Status
	Method string
	Since  time.Time
	Until  time.Time
	// Search is a case-insensitive substring match on recipients, sender,
	// subject and error.
	Search string
	// Before keeps only records listed after the cursor, newest first.
	Before Cursor
}

// Cursor marks a position in the newest-first listing. The zero Cursor is
// unbounded.
type Cursor struct {
	Timestamp time.Time
	ID        int64
}

// IsZero reports whether the cursor is unbounded.
func (c Cursor) IsZero() bool {
	return c.ID == 0
}

// After reports whether rec is listed after c.
func (c Cursor) After(rec *Record) bool {
	if c.IsZero() {
		return true
	}
	if !rec.Timestamp.Equal(c.Timestamp) {
		return rec.Timestamp.Before(c.Timestamp)
	}
	return rec.ID < c.ID
}

// Page selects a window of results, newest first.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Repository persists audit records.
type Repository interface {
	InsertAudit(ctx context.Context, rec *Record) (int64, error)
	QueryAudit(ctx context.Context, filter Filter, page Page) ([]*Record, int, error)
	DeleteAudit(ctx context.Context, ids []int64) (int64, error)
	ClearAudit(ctx context.Context) (int64, error)
	PruneAudit(ctx context.Context, before time.Time) (int64, error)
}

// Log is the audit service used by the dispatcher and the admin API.
type Log struct {
	repo Repository
	now  func() time.Time
}

// NewLog creates a Log over repo.
func NewLog(repo Repository) *Log {
	return &Log{repo: repo, now: time.Now}
}

// Record appends rec and sets its ID.
func (l *Log) Record(ctx context.Context, rec *Record) error {
	if rec.Status != StatusSent && rec.Status != StatusFailed {
		return fmt.Errorf("invalid audit status %q", rec.Status)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now().UTC()
	}
	id, err := l.repo.InsertAudit(ctx, rec)
	if err != nil {
		return fmt.Errorf("recording audit entry: %w", err)
	}
	rec.ID = id
	return nil
}

// Query returns one page of matching records and the total match count.
func (l *Log) Query(ctx context.Context, filter Filter, page Page) ([]*Record, int, error) {
	return l.repo.QueryAudit(ctx, filter, page.normalize())
}

// BulkDelete removes the given records.
func (l *Log) BulkDelete(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return l.repo.DeleteAudit(ctx, ids)
}

// Clear removes every record.
func (l *Log) Clear(ctx context.Context) (int64, error) {
	return l.repo.ClearAudit(ctx)
}

// Prune removes records older than retention. A non-positive retention
// keeps everything.
func (l *Log) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	return l.repo.PruneAudit(ctx, l.now().Add(-retention))
}

var csvHeader = []string{
	"id", "timestamp", "status", "method", "from", "to", "subject",
	"attempts", "source", "error", "message_id", "provider_message_id",
}

// ExportCSV writes every record matching filter to w.
func (l *Log) ExportCSV(ctx context.Context, w io.Writer, filter Filter) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}

	// Pages are keyed on the last row written so records inserted while the
	// export runs never shift the window.
	page := Page{Limit: MaxPageSize}
	for {
		records, _, err := l.repo.QueryAudit(ctx, filter, page)
		if err != nil {
			return fmt.Errorf("exporting audit log: %w", err)
		}
		for _, rec := range records {
			if err := cw.Write(csvRow(rec)); err != nil {
				return err
			}
		}
		if len(records) < page.Limit {
			break
		}
		last := records[len(records)-1]
		filter.Before = Cursor{Timestamp: last.Timestamp, ID: last.ID}
	}

	cw.Flush()
	return cw.Error()
}

func csvRow(rec *Record) []string {
	messageID := ""
	if rec.MessageID != nil {
		messageID = strconv.FormatInt(*rec.MessageID, 10)
	}
	return []string{
		strconv.FormatInt(rec.ID, 10),
		rec.Timestamp.UTC().Format(time.RFC3339),
		string(rec.Status),
		rec.Method,
		rec.From,
		strings.Join(rec.To, "; "),
		rec.Subject,
		strconv.Itoa(rec.Attempts),
		rec.Source,
		rec.Error,
		messageID,
		rec.ProviderMessageID,
	}
}
