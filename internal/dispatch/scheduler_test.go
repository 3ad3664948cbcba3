package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/shineum/mail-dispatch/internal/queue"
	"github.com/shineum/mail-dispatch/internal/transport"
)

func TestScheduler_RunsCyclesUntilCancelled(t *testing.T) {
	t.Parallel()

	tr := &scriptedTransport{method: transport.MethodSES}
	h := newHarness(t, Config{}, tr)
	id := h.enqueue(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewScheduler(h.d, SchedulerConfig{Interval: 10 * time.Millisecond}).Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		msg, err := h.store.Get(context.Background(), id)
		if err == nil && msg.Status == queue.StatusSent {
			break
		}
		select {
		case <-deadline:
			t.Fatal("scheduler never delivered the message")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}
