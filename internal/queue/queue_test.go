package queue

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shineum/mail-dispatch/internal/email"
)

func TestBackoff_Delay(t *testing.T) {
	t.Parallel()

	b := Backoff{Base: 30 * time.Second, Max: 5 * time.Minute}
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 30 * time.Second},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 5 * time.Minute},
		{40, 5 * time.Minute},
		{-1, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := b.Delay(tt.attempts); got != tt.want {
			t.Errorf("Delay(%d): got %v, want %v", tt.attempts, got, tt.want)
		}
	}

	if got := (Backoff{}).Delay(3); got != 0 {
		t.Errorf("zero backoff: got %v, want 0", got)
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()

	if StatusPending.Terminal() || StatusSending.Terminal() {
		t.Error("pending and sending are not terminal")
	}
	if !StatusSent.Terminal() || !StatusFailed.Terminal() {
		t.Error("sent and failed are terminal")
	}
	if Status("queued").Valid() {
		t.Error("unknown status reported valid")
	}
}

func TestMessage_LogValueOmitsContent(t *testing.T) {
	t.Parallel()

	msg := &Message{
		ID:          7,
		Email:       email.Email{To: []string{"secret@example.com"}, TextBody: "private"},
		Source:      "billing",
		Status:      StatusPending,
		MaxAttempts: 3,
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("queued", "message", msg)

	out := buf.String()
	if strings.Contains(out, "secret@example.com") || strings.Contains(out, "private") {
		t.Errorf("log leaked message content: %s", out)
	}
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON log: %v", err)
	}
	group, _ := entry["message"].(map[string]any)
	if group["source"] != "billing" {
		t.Errorf("source: got %v", group["source"])
	}
}

func TestMessage_Exhausted(t *testing.T) {
	t.Parallel()

	if (&Message{Attempts: 2, MaxAttempts: 3}).Exhausted() {
		t.Error("2 of 3 attempts is not exhausted")
	}
	if !(&Message{Attempts: 3, MaxAttempts: 3}).Exhausted() {
		t.Error("3 of 3 attempts is exhausted")
	}
}
