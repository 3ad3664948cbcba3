// Package intercept is the single entry point host code uses in place of
// its native mail call. Exactly one mode is active per process.
package intercept

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/mailerr"
	"github.com/shineum/mail-dispatch/internal/metrics"
)

// Mode selects what happens to an intercepted message.
type Mode string

const (
	// ModeQueue stores the message for the dispatcher.
	ModeQueue Mode = "queue"
	// ModeDirect sends immediately through the active transport.
	ModeDirect Mode = "direct"
)

// ParseMode validates a configured mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeQueue, ModeDirect:
		return Mode(s), nil
	case "":
		return ModeQueue, nil
	}
	return "", mailerr.Configuration(fmt.Sprintf("unknown intercept mode %q", s), nil)
}

// Receipt describes what was done with an intercepted message.
type Receipt struct {
	Mode Mode `json:"mode"`
	// QueueID is set in queue mode.
	QueueID int64 `json:"queue_id,omitempty"`
	// ProviderMessageID is set in direct mode.
	ProviderMessageID string `json:"provider_message_id,omitempty"`
}

// Mailer is what the host registers instead of its native mail function.
type Mailer interface {
	Send(ctx context.Context, msg *email.Email, source string) (Receipt, error)
}

// Dispatcher is the subset of dispatch.Dispatcher the shim needs.
type Dispatcher interface {
	Enqueue(ctx context.Context, msg *email.Email, source string) (int64, error)
	SendNow(ctx context.Context, msg *email.Email, source string) (string, error)
}

// Shim routes every call according to its mode.
type Shim struct {
	mode Mode
	d    Dispatcher
}

// New creates a Shim.
func New(mode Mode, d Dispatcher) (*Shim, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	if mode == "" {
		mode = ModeQueue
	}
	return &Shim{mode: mode, d: d}, nil
}

// Mode returns the active mode.
func (s *Shim) Mode() Mode {
	return s.mode
}

// Send enqueues or directly sends msg. Direct sends are audited by the
// dispatcher before Send returns.
func (s *Shim) Send(ctx context.Context, msg *email.Email, source string) (Receipt, error) {
	metrics.IncIntercepted(string(s.mode))

	if s.mode == ModeDirect {
		id, err := s.d.SendNow(ctx, msg, source)
		if err != nil {
			return Receipt{}, err
		}
		slog.Debug("intercepted message sent", "source", source, "provider_message_id", id)
		return Receipt{Mode: ModeDirect, ProviderMessageID: id}, nil
	}

	id, err := s.d.Enqueue(ctx, msg, source)
	if err != nil {
		return Receipt{}, err
	}
	slog.Debug("intercepted message queued", "source", source, "message_id", id)
	return Receipt{Mode: ModeQueue, QueueID: id}, nil
}

var _ Mailer = (*Shim)(nil)
