package transport

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/mailerr"
)

// BreakerSettings tunes the circuit breaker placed in front of a transport.
type BreakerSettings struct {
	// ConsecutiveFailures opens the breaker once this many transient
	// failures happen in a row.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before letting a
	// probe request through.
	OpenTimeout time.Duration
	// HalfOpenRequests is the number of probes allowed while half-open.
	HalfOpenRequests uint32
}

// DefaultBreakerSettings returns the settings used when none are configured.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		HalfOpenRequests:    3,
	}
}

type breaker struct {
	next Transport
	cb   *gobreaker.CircuitBreaker
}

// refreshingBreaker keeps the CredentialRefresher of the wrapped transport
// visible through the breaker.
type refreshingBreaker struct {
	*breaker
	refresher CredentialRefresher
}

func (b *refreshingBreaker) RefreshCredentials(ctx context.Context) error {
	return b.refresher.RefreshCredentials(ctx)
}

// WithBreaker wraps next in a circuit breaker. Only transient and
// unclassified failures count against the breaker; permanent and auth
// failures describe the message or the credential, not provider health.
// While the breaker is open Send fails fast with a transient error.
func WithBreaker(next Transport, settings BreakerSettings) Transport {
	name := string(next.Method())
	b := &breaker{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: settings.HalfOpenRequests,
			Timeout:     settings.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= settings.ConsecutiveFailures
			},
			IsSuccessful: func(err error) bool {
				if err == nil {
					return true
				}
				switch mailerr.KindOf(err) {
				case mailerr.KindPermanent, mailerr.KindAuth, mailerr.KindConfiguration:
					return true
				default:
					return false
				}
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("transport circuit breaker state changed",
					"method", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
		}),
	}
	if r, ok := next.(CredentialRefresher); ok {
		return &refreshingBreaker{breaker: b, refresher: r}
	}
	return b
}

func (b *breaker) Send(ctx context.Context, msg *email.Email) (string, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Send(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", mailerr.Transient(string(b.next.Method()), "circuit breaker open", err)
	}
	if err != nil {
		return "", err
	}
	id, _ := result.(string)
	return id, nil
}

func (b *breaker) Capabilities() Capabilities {
	return b.next.Capabilities()
}

func (b *breaker) Method() Method {
	return b.next.Method()
}

func (b *breaker) DefaultSender() string {
	return b.next.DefaultSender()
}

// State reports the breaker state, e.g. "closed" or "open".
func (b *breaker) State() string {
	return b.cb.State().String()
}
