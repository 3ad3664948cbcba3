package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/shineum/mail-dispatch/internal/audit"
)

type auditRow struct {
	ID                int64         `db:"id"`
	CreatedAt         int64         `db:"created_at"`
	Recipients        string        `db:"recipients"`
	From              string        `db:"from_addr"`
	Subject           string        `db:"subject"`
	Method            string        `db:"method"`
	Status            string        `db:"status"`
	Error             string        `db:"error"`
	Source            string        `db:"source"`
	Attempts          int           `db:"attempts"`
	MessageID         sql.NullInt64 `db:"message_id"`
	ProviderMessageID string        `db:"provider_message_id"`
}

func (r *auditRow) toRecord() *audit.Record {
	rec := &audit.Record{
		ID:                r.ID,
		Timestamp:         fromMillis(r.CreatedAt),
		From:              r.From,
		Subject:           r.Subject,
		Method:            r.Method,
		Status:            audit.Status(r.Status),
		Error:             r.Error,
		Source:            r.Source,
		Attempts:          r.Attempts,
		ProviderMessageID: r.ProviderMessageID,
	}
	if r.Recipients != "" {
		// Rows are written by InsertAudit; a decode failure leaves To empty.
		_ = json.Unmarshal([]byte(r.Recipients), &rec.To)
	}
	if r.MessageID.Valid {
		id := r.MessageID.Int64
		rec.MessageID = &id
	}
	return rec
}

// InsertAudit appends rec and returns its id.
func (s *Store) InsertAudit(ctx context.Context, rec *audit.Record) (int64, error) {
	recipients, err := json.Marshal(rec.To)
	if err != nil {
		return 0, fmt.Errorf("encoding recipients: %w", err)
	}
	var messageID sql.NullInt64
	if rec.MessageID != nil {
		messageID = sql.NullInt64{Int64: *rec.MessageID, Valid: true}
	}

	query := s.db.Rebind(`
		INSERT INTO audit_log (
			created_at, recipients, from_addr, subject, method, status,
			error, source, attempts, message_id, provider_message_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)

	var id int64
	err = s.db.GetContext(ctx, &id, query,
		millis(rec.Timestamp), string(recipients), rec.From, rec.Subject, rec.Method, string(rec.Status),
		rec.Error, rec.Source, rec.Attempts, messageID, rec.ProviderMessageID,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting audit record: %w", err)
	}
	return id, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func auditWhere(f audit.Filter) (string, []any) {
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Method != "" {
		conds = append(conds, "method = ?")
		args = append(args, f.Method)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, millis(f.Since))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, millis(f.Until))
	}
	if f.Search != "" {
		pattern := "%" + likeEscaper.Replace(strings.ToLower(f.Search)) + "%"
		var like []string
		for _, col := range []string{"recipients", "from_addr", "subject", "error"} {
			like = append(like, fmt.Sprintf(`LOWER(%s) LIKE ? ESCAPE '\'`, col))
			args = append(args, pattern)
		}
		conds = append(conds, "("+strings.Join(like, " OR ")+")")
	}
	if !f.Before.IsZero() {
		ts := millis(f.Before.Timestamp)
		conds = append(conds, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, ts, ts, f.Before.ID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// QueryAudit returns matching records newest first, with the total count.
func (s *Store) QueryAudit(ctx context.Context, filter audit.Filter, page audit.Page) ([]*audit.Record, int, error) {
	where, args := auditWhere(filter)

	var total int
	if err := s.db.GetContext(ctx, &total, s.db.Rebind(`SELECT COUNT(*) FROM audit_log`+where), args...); err != nil {
		return nil, 0, fmt.Errorf("counting audit records: %w", err)
	}

	limit := page.Limit
	if limit <= 0 {
		limit = audit.DefaultPageSize
	}
	query := s.db.Rebind(`SELECT * FROM audit_log` + where + ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`)

	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows, query, append(args, limit, max(page.Offset, 0))...); err != nil {
		return nil, 0, fmt.Errorf("querying audit records: %w", err)
	}
	out := make([]*audit.Record, len(rows))
	for i := range rows {
		out[i] = rows[i].toRecord()
	}
	return out, total, nil
}

// DeleteAudit removes the given records.
func (s *Store) DeleteAudit(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`DELETE FROM audit_log WHERE id IN (?)`, ids)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("deleting audit records: %w", err)
	}
	return res.RowsAffected()
}

// ClearAudit removes every record.
func (s *Store) ClearAudit(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log`)
	if err != nil {
		return 0, fmt.Errorf("clearing audit log: %w", err)
	}
	return res.RowsAffected()
}

// PruneAudit removes records created before the cutoff.
func (s *Store) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM audit_log WHERE created_at < ?`), millis(before))
	if err != nil {
		return 0, fmt.Errorf("pruning audit log: %w", err)
	}
	return res.RowsAffected()
}

var _ audit.Repository = (*Store)(nil)
