// Package dispatch drives queued messages through the configured transport
// and applies the retry state machine.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shineum/mail-dispatch/internal/audit"
	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/mailerr"
	"github.com/shineum/mail-dispatch/internal/metrics"
	"github.com/shineum/mail-dispatch/internal/queue"
	"github.com/shineum/mail-dispatch/internal/transport"
)

// Config controls dispatching. It is passed in once at construction.
type Config struct {
	// Method selects the transport used for every send.
	Method      transport.Method
	MaxAttempts int
	// BatchSize bounds how many messages one cycle claims.
	BatchSize int
	// Workers bounds concurrent sends within a cycle.
	Workers int
	// CycleTimeout bounds the wall-clock time of one cycle's sends.
	CycleTimeout time.Duration
	SendTimeout  time.Duration
	// ReclaimAfter is how long a message may sit in sending before it is
	// considered abandoned.
	ReclaimAfter time.Duration
	Backoff      queue.Backoff
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = queue.DefaultMaxAttempts
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = 2 * time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.ReclaimAfter <= 0 {
		c.ReclaimAfter = 10 * time.Minute
	}
	if c.Backoff == (queue.Backoff{}) {
		c.Backoff = queue.DefaultBackoff
	}
	return c
}

// Result summarizes one processing cycle.
type Result struct {
	Processed int   `json:"processed"`
	Succeeded int   `json:"succeeded"`
	Failed    int   `json:"failed"`
	Retried   int   `json:"retried"`
	Reclaimed int64 `json:"reclaimed"`
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeRetry
	outcomeFailed
	// outcomeSkipped means the state change was refused; nothing is audited.
	outcomeSkipped
)

func (o outcome) String() string {
	switch o {
	case outcomeSent:
		return "sent"
	case outcomeRetry:
		return "retry"
	case outcomeFailed:
		return "failed"
	default:
		return "skipped"
	}
}

// Dispatcher sends queued and direct messages. ProcessQueue is safe to call
// concurrently: each cycle only touches the rows it claimed.
type Dispatcher struct {
	cfg        Config
	store      queue.Store
	transports *transport.Registry
	audit      *audit.Log
	now        func() time.Time
}

// New creates a Dispatcher. The configured method must have a registered
// transport.
func New(cfg Config, store queue.Store, transports *transport.Registry, auditLog *audit.Log) (*Dispatcher, error) {
	cfg = cfg.withDefaults()
	if _, err := transports.Resolve(cfg.Method); err != nil {
		return nil, err
	}
	return &Dispatcher{
		cfg:        cfg,
		store:      store,
		transports: transports,
		audit:      auditLog,
		now:        time.Now,
	}, nil
}

// Method returns the active transport method.
func (d *Dispatcher) Method() transport.Method {
	return d.cfg.Method
}

// Enqueue validates msg and stores it for delivery. Invalid messages and
// misconfiguration are reported synchronously and never queued.
func (d *Dispatcher) Enqueue(ctx context.Context, msg *email.Email, source string) (int64, error) {
	tr, err := d.prepare(msg)
	if err != nil {
		return 0, err
	}
	id, err := d.store.Enqueue(ctx, msg, source, d.cfg.MaxAttempts)
	if err != nil {
		return 0, fmt.Errorf("enqueuing message: %w", err)
	}
	slog.Debug("message enqueued", "message_id", id, "source", source, "method", tr.Method())
	return id, nil
}

// SendNow delivers msg immediately, bypassing the queue, and records one
// audit entry for the outcome.
func (d *Dispatcher) SendNow(ctx context.Context, msg *email.Email, source string) (string, error) {
	tr, err := d.prepare(msg)
	if err != nil {
		return "", err
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	// The audit write outlives a caller that gave up during the send.
	auditCtx := context.WithoutCancel(ctx)

	start := d.now()
	providerID, err := d.send(sendCtx, tr, msg)
	rec := d.record(tr, msg, source, 1, nil)
	if err != nil {
		metrics.ObserveSend(string(tr.Method()), outcomeFailed.String(), d.now().Sub(start))
		rec.Status = audit.StatusFailed
		rec.Error = mailerr.Message(err)
		d.writeAudit(auditCtx, rec)
		return "", err
	}

	metrics.ObserveSend(string(tr.Method()), outcomeSent.String(), d.now().Sub(start))
	rec.Status = audit.StatusSent
	rec.ProviderMessageID = providerID
	d.writeAudit(auditCtx, rec)
	return providerID, nil
}

func (d *Dispatcher) prepare(msg *email.Email) (transport.Transport, error) {
	if err := msg.Validate(); err != nil {
		return nil, mailerr.Permanent("", "invalid message", err)
	}
	tr, err := d.transports.Resolve(d.cfg.Method)
	if err != nil {
		return nil, err
	}
	if err := transport.CheckCapabilities(tr, msg); err != nil {
		return nil, err
	}
	return tr, nil
}

// ProcessQueue runs one cycle: reclaim abandoned sends, claim a batch and
// deliver it. Once a message is claimed its outcome is always recorded,
// even if ctx is cancelled; cancellation only prevents claiming.
func (d *Dispatcher) ProcessQueue(ctx context.Context) (Result, error) {
	var result Result
	metrics.IncCycle()

	tr, err := d.transports.Resolve(d.cfg.Method)
	if err != nil {
		return result, err
	}

	reclaimed, err := d.store.ReclaimStale(ctx, d.now().Add(-d.cfg.ReclaimAfter))
	if err != nil {
		return result, fmt.Errorf("reclaiming stale messages: %w", err)
	}
	result.Reclaimed = reclaimed.Reclaimed
	metrics.AddReclaimed(reclaimed.Reclaimed)
	if reclaimed.Reclaimed > 0 {
		slog.Warn("reclaimed abandoned messages", "count", reclaimed.Reclaimed)
	}
	for _, msg := range reclaimed.Failed {
		rec := d.record(tr, &msg.Email, msg.Source, msg.Attempts, &msg.ID)
		rec.Status = audit.StatusFailed
		rec.Error = msg.LastError
		d.writeAudit(ctx, rec)
		result.Failed++
	}

	if err := ctx.Err(); err != nil {
		return result, err
	}
	batch, err := d.store.ClaimNextBatch(ctx, d.cfg.BatchSize)
	if err != nil {
		return result, fmt.Errorf("claiming messages: %w", err)
	}
	if len(batch) == 0 {
		d.publishDepth(ctx)
		return result, nil
	}

	// Claimed messages must reach a recorded state, so the caller's
	// cancellation is detached here and only the cycle deadline applies.
	detached := context.WithoutCancel(ctx)
	cycleCtx, cancel := context.WithTimeout(detached, d.cfg.CycleTimeout)
	defer cancel()

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(d.cfg.Workers)
	for _, msg := range batch {
		g.Go(func() error {
			o := d.deliver(cycleCtx, detached, tr, msg)
			mu.Lock()
			defer mu.Unlock()
			result.Processed++
			switch o {
			case outcomeSent:
				result.Succeeded++
			case outcomeRetry:
				result.Retried++
			case outcomeFailed:
				result.Failed++
			}
			return nil
		})
	}
	g.Wait()

	slog.Info("queue cycle complete",
		"method", tr.Method(),
		"processed", result.Processed,
		"succeeded", result.Succeeded,
		"retried", result.Retried,
		"failed", result.Failed,
	)
	d.publishDepth(detached)
	return result, nil
}

// deliver sends one claimed message and applies the resulting transition.
// sendCtx bounds the network call; stateCtx is used for bookkeeping.
func (d *Dispatcher) deliver(sendCtx, stateCtx context.Context, tr transport.Transport, msg *queue.Message) outcome {
	start := d.now()
	providerID, err := d.sendClaimed(sendCtx, tr, msg)
	o := d.apply(stateCtx, tr, msg, providerID, err)
	metrics.ObserveSend(string(tr.Method()), o.String(), d.now().Sub(start))
	return o
}

func (d *Dispatcher) sendClaimed(ctx context.Context, tr transport.Transport, msg *queue.Message) (string, error) {
	if err := transport.CheckCapabilities(tr, &msg.Email); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()
	return d.send(ctx, tr, &msg.Email)
}

func (d *Dispatcher) apply(ctx context.Context, tr transport.Transport, msg *queue.Message, providerID string, sendErr error) outcome {
	if sendErr == nil {
		if err := d.store.MarkSent(ctx, msg.ID, providerID); err != nil {
			slog.Error("failed to mark message sent", "message", msg, "error", err)
			return outcomeSkipped
		}
		slog.Info("message sent", "message", msg, "method", tr.Method(), "provider_message_id", providerID)
		rec := d.record(tr, &msg.Email, msg.Source, msg.Attempts, &msg.ID)
		rec.Status = audit.StatusSent
		rec.ProviderMessageID = providerID
		d.writeAudit(ctx, rec)
		return outcomeSent
	}

	reason := mailerr.Message(sendErr)
	if mailerr.Retryable(sendErr) && !msg.Exhausted() {
		delay := d.cfg.Backoff.Delay(msg.Attempts)
		if err := d.store.MarkRetry(ctx, msg.ID, reason, delay); err != nil {
			slog.Error("failed to schedule retry", "message", msg, "error", err)
			return outcomeSkipped
		}
		slog.Warn("send failed, retry scheduled",
			"message", msg,
			"method", tr.Method(),
			"kind", mailerr.KindOf(sendErr).String(),
			"retry_in", delay,
			"error", sendErr,
		)
		return outcomeRetry
	}

	if err := d.store.MarkFailed(ctx, msg.ID, reason); err != nil {
		slog.Error("failed to mark message failed", "message", msg, "error", err)
		return outcomeSkipped
	}
	slog.Error("message failed",
		"message", msg,
		"method", tr.Method(),
		"kind", mailerr.KindOf(sendErr).String(),
		"error", sendErr,
	)
	rec := d.record(tr, &msg.Email, msg.Source, msg.Attempts, &msg.ID)
	rec.Status = audit.StatusFailed
	rec.Error = reason
	d.writeAudit(ctx, rec)
	return outcomeFailed
}

// send calls the transport. An auth failure gets exactly one credential
// refresh and one resend. A refresh the provider rejects is permanent: the
// user has to authorize again.
func (d *Dispatcher) send(ctx context.Context, tr transport.Transport, msg *email.Email) (string, error) {
	id, err := tr.Send(ctx, msg)
	if err == nil || !mailerr.Is(err, mailerr.KindAuth) {
		return id, err
	}

	refresher, ok := tr.(transport.CredentialRefresher)
	if !ok {
		return "", err
	}
	slog.Info("auth failure, refreshing credentials", "method", tr.Method(), "error", err)
	if rerr := refresher.RefreshCredentials(ctx); rerr != nil {
		if mailerr.Is(rerr, mailerr.KindAuth) {
			return "", mailerr.Permanent(string(tr.Method()), "credentials rejected; authorization required", rerr)
		}
		return "", rerr
	}
	return tr.Send(ctx, msg)
}

func (d *Dispatcher) record(tr transport.Transport, msg *email.Email, source string, attempts int, messageID *int64) *audit.Record {
	return &audit.Record{
		To:        msg.Recipients(),
		From:      msg.SenderOr(tr.DefaultSender()),
		Subject:   msg.Subject,
		Method:    string(tr.Method()),
		Source:    source,
		Attempts:  attempts,
		MessageID: messageID,
	}
}

func (d *Dispatcher) writeAudit(ctx context.Context, rec *audit.Record) {
	if err := d.audit.Record(ctx, rec); err != nil {
		slog.Error("failed to write audit record", "status", rec.Status, "method", rec.Method, "error", err)
	}
}

func (d *Dispatcher) publishDepth(ctx context.Context) {
	counts, err := d.store.Counts(ctx)
	if err != nil {
		slog.Warn("failed to read queue counts", "error", err)
		return
	}
	byName := make(map[string]int, len(counts))
	for status, n := range counts {
		byName[string(status)] = n
	}
	metrics.SetQueueDepth(byName)
}

// Prune applies retention: terminal queue rows older than queueRetention
// and audit records older than auditRetention are deleted. A non-positive
// retention disables that half.
func (d *Dispatcher) Prune(ctx context.Context, queueRetention, auditRetention time.Duration) error {
	var errs []error
	if queueRetention > 0 {
		n, err := d.store.Purge(ctx, []queue.Status{queue.StatusSent, queue.StatusFailed}, d.now().Add(-queueRetention))
		if err != nil {
			errs = append(errs, fmt.Errorf("purging queue: %w", err))
		} else if n > 0 {
			slog.Info("purged terminal messages", "count", n)
		}
	}
	n, err := d.audit.Prune(ctx, auditRetention)
	if err != nil {
		errs = append(errs, fmt.Errorf("pruning audit log: %w", err))
	} else if n > 0 {
		slog.Info("pruned audit records", "count", n)
	}
	return errors.Join(errs...)
}
