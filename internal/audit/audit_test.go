package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

// memoryRepo is an in-memory Repository. Results are newest first.
type memoryRepo struct {
	mu      sync.Mutex
	nextID  int64
	records []*Record
	failOn  error
}

func (m *memoryRepo) InsertAudit(_ context.Context, rec *Record) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn != nil {
		return 0, m.failOn
	}
	m.nextID++
	cp := *rec
	cp.ID = m.nextID
	m.records = append(m.records, &cp)
	return m.nextID, nil
}

func (m *memoryRepo) QueryAudit(_ context.Context, f Filter, p Page) ([]*Record, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*Record
	for _, r := range m.records {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.Method != "" && r.Method != f.Method {
			continue
		}
		if f.Search != "" && !strings.Contains(strings.ToLower(r.Subject), strings.ToLower(f.Search)) {
			continue
		}
		if !f.Before.After(r) {
			continue
		}
		matched = append(matched, r)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].ID > matched[j].ID
	})
	total := len(matched)
	if p.Offset >= total {
		return nil, total, nil
	}
	end := p.Offset + p.Limit
	if end > total {
		end = total
	}
	return matched[p.Offset:end], total, nil
}

func (m *memoryRepo) DeleteAudit(_ context.Context, ids []int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	drop := map[int64]bool{}
	for _, id := range ids {
		drop[id] = true
	}
	var kept []*Record
	for _, r := range m.records {
		if !drop[r.ID] {
			kept = append(kept, r)
		}
	}
	n := int64(len(m.records) - len(kept))
	m.records = kept
	return n, nil
}

func (m *memoryRepo) ClearAudit(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.records))
	m.records = nil
	return n, nil
}

func (m *memoryRepo) PruneAudit(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*Record
	for _, r := range m.records {
		if !r.Timestamp.Before(before) {
			kept = append(kept, r)
		}
	}
	n := int64(len(m.records) - len(kept))
	m.records = kept
	return n, nil
}

func TestRecord_SetsTimestampAndID(t *testing.T) {
	t.Parallel()

	repo := &memoryRepo{}
	log := NewLog(repo)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	log.now = func() time.Time { return fixed }

	rec := &Record{To: []string{"a@example.com"}, Method: "ses", Status: StatusSent, Attempts: 1}
	if err := log.Record(context.Background(), rec); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if rec.ID != 1 {
		t.Errorf("ID: got %d, want 1", rec.ID)
	}
	if !rec.Timestamp.Equal(fixed) {
		t.Errorf("Timestamp: got %v, want %v", rec.Timestamp, fixed)
	}
}

func TestRecord_RejectsNonTerminalStatus(t *testing.T) {
	t.Parallel()

	log := NewLog(&memoryRepo{})
	if err := log.Record(context.Background(), &Record{Status: "pending"}); err == nil {
		t.Fatal("expected error for non-terminal status")
	}
}

func TestRecord_WrapsRepositoryError(t *testing.T) {
	t.Parallel()

	boom := errors.New("disk full")
	log := NewLog(&memoryRepo{failOn: boom})
	err := log.Record(context.Background(), &Record{Status: StatusFailed})
	if !errors.Is(err, boom) {
		t.Errorf("got %v, want wrapped %v", err, boom)
	}
}

func TestQuery_NormalizesPage(t *testing.T) {
	t.Parallel()

	repo := &memoryRepo{}
	log := NewLog(repo)
	for i := 0; i < DefaultPageSize+10; i++ {
		log.Record(context.Background(), &Record{Status: StatusSent, Subject: "s"})
	}

	got, total, err := log.Query(context.Background(), Filter{}, Page{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != DefaultPageSize {
		t.Errorf("page size: got %d, want %d", len(got), DefaultPageSize)
	}
	if total != DefaultPageSize+10 {
		t.Errorf("total: got %d, want %d", total, DefaultPageSize+10)
	}
}

func TestBulkDeleteAndClear(t *testing.T) {
	t.Parallel()

	repo := &memoryRepo{}
	log := NewLog(repo)
	for i := 0; i < 3; i++ {
		log.Record(context.Background(), &Record{Status: StatusSent})
	}

	if n, _ := log.BulkDelete(context.Background(), nil); n != 0 {
		t.Errorf("empty delete: got %d, want 0", n)
	}
	if n, _ := log.BulkDelete(context.Background(), []int64{1, 3}); n != 2 {
		t.Errorf("BulkDelete: got %d, want 2", n)
	}
	if n, _ := log.Clear(context.Background()); n != 1 {
		t.Errorf("Clear: got %d, want 1", n)
	}
}

func TestPrune(t *testing.T) {
	t.Parallel()

	repo := &memoryRepo{}
	log := NewLog(repo)
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	log.now = func() time.Time { return now }

	log.Record(context.Background(), &Record{Status: StatusSent, Timestamp: now.Add(-48 * time.Hour)})
	log.Record(context.Background(), &Record{Status: StatusSent, Timestamp: now.Add(-time.Hour)})

	if n, _ := log.Prune(context.Background(), 0); n != 0 {
		t.Errorf("zero retention: got %d, want 0", n)
	}
	n, err := log.Prune(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("Prune: got %d, want 1", n)
	}
}

func TestExportCSV(t *testing.T) {
	t.Parallel()

	repo := &memoryRepo{}
	log := NewLog(repo)
	id := int64(42)
	log.Record(context.Background(), &Record{
		To:        []string{"a@example.com", "b@example.com"},
		From:      "noreply@example.com",
		Subject:   "Invoice, March",
		Method:    "smtp_relay",
		Status:    StatusFailed,
		Error:     "SMTP 550: mailbox unavailable",
		Attempts:  1,
		MessageID: &id,
	})
	log.Record(context.Background(), &Record{Subject: "other", Method: "ses", Status: StatusSent})

	var buf bytes.Buffer
	if err := log.ExportCSV(context.Background(), &buf, Filter{Status: StatusFailed}); err != nil {
		t.Fatalf("ExportCSV: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("invalid CSV: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows: got %d, want header + 1", len(rows))
	}
	row := rows[1]
	if row[5] != "a@example.com; b@example.com" {
		t.Errorf("to: got %q", row[5])
	}
	if row[6] != "Invoice, March" {
		t.Errorf("subject: got %q", row[6])
	}
	if row[10] != "42" {
		t.Errorf("message_id: got %q", row[10])
	}
}

// growingRepo inserts a fresh record after every query, like a dispatch
// cycle writing outcomes while an export runs.
type growingRepo struct {
	*memoryRepo
	at time.Time
}

func (g *growingRepo) QueryAudit(ctx context.Context, f Filter, p Page) ([]*Record, int, error) {
	recs, total, err := g.memoryRepo.QueryAudit(ctx, f, p)
	g.InsertAudit(ctx, &Record{Timestamp: g.at, Subject: "late", Status: StatusSent})
	return recs, total, err
}

func TestExportCSV_StableUnderConcurrentInserts(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	repo := &growingRepo{memoryRepo: &memoryRepo{}, at: at}
	const existing = MaxPageSize + 20
	for i := 0; i < existing; i++ {
		repo.InsertAudit(context.Background(), &Record{Timestamp: at, Subject: "batch", Status: StatusSent})
	}

	var buf bytes.Buffer
	if err := NewLog(repo).ExportCSV(context.Background(), &buf, Filter{}); err != nil {
		t.Fatalf("ExportCSV: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("invalid CSV: %v", err)
	}

	seen := map[string]bool{}
	for _, row := range rows[1:] {
		if seen[row[0]] {
			t.Fatalf("record %s exported twice", row[0])
		}
		seen[row[0]] = true
		if row[6] != "batch" {
			t.Errorf("record %s inserted during the export was included", row[0])
		}
	}
	if len(seen) != existing {
		t.Errorf("exported records: got %d, want %d", len(seen), existing)
	}
}

func TestCursorAfter(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	c := Cursor{Timestamp: at, ID: 10}
	tests := []struct {
		name string
		rec  Record
		want bool
	}{
		{"older timestamp", Record{Timestamp: at.Add(-time.Second), ID: 50}, true},
		{"same timestamp lower id", Record{Timestamp: at, ID: 9}, true},
		{"same record", Record{Timestamp: at, ID: 10}, false},
		{"newer timestamp", Record{Timestamp: at.Add(time.Second), ID: 1}, false},
	}
	for _, tt := range tests {
		if got := c.After(&tt.rec); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
	if !(Cursor{}).After(&Record{ID: 1}) {
		t.Error("zero cursor must match everything")
	}
}
