// Package breaker gates the outbound transport behind a consecutive-failure
// circuit breaker. The executor asks IsHealthy before every send and reports
// the outcome afterwards; the breaker never sends anything itself.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"dailyprompt/internal/types"
)

// Defaults used when Settings leaves a field at zero.
const (
	DefaultThreshold = 5
	DefaultCooldown  = 5 * time.Minute
)

// errSendFailed is reported to gobreaker for a failed send. Only its
// non-nil-ness matters.
var errSendFailed = errors.New("send failed")

// Settings configures a Breaker.
type Settings struct {
	Name      string
	Threshold uint32        // consecutive failures that open the breaker
	Cooldown  time.Duration // time spent open before a trial send is allowed
}

// StateChangeFunc observes breaker transitions, e.g. for metrics.
type StateChangeFunc func(from, to string)

// Breaker is a process-local circuit breaker over a gobreaker two-step
// breaker. Closed and half-open both report healthy; open reports unhealthy
// until the cooldown elapses.
type Breaker struct {
	settings Settings
	logger   *slog.Logger
	onChange StateChangeFunc
	now      func() time.Time

	mu          sync.RWMutex
	cb          *gobreaker.TwoStepCircuitBreaker[struct{}]
	failures    uint32
	lastFailure *time.Time
}

// Option configures optional Breaker behavior.
type Option func(*Breaker)

// WithStateChangeHook registers fn to be called on every state transition.
func WithStateChangeHook(fn StateChangeFunc) Option {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// WithClock sets the clock used to stamp failures.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// New creates a closed Breaker.
func New(settings Settings, logger *slog.Logger, opts ...Option) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	if settings.Name == "" {
		settings.Name = "transport"
	}
	if settings.Threshold == 0 {
		settings.Threshold = DefaultThreshold
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = DefaultCooldown
	}
	b := &Breaker{settings: settings, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	b.cb = b.newCircuit()
	return b
}

func (b *Breaker) newCircuit() *gobreaker.TwoStepCircuitBreaker[struct{}] {
	threshold := b.settings.Threshold
	return gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        b.settings.Name,
		MaxRequests: 1,
		Timeout:     b.settings.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			level := slog.LevelInfo
			if to == gobreaker.StateOpen {
				level = slog.LevelWarn
			}
			b.logger.Log(context.Background(), level, "circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
			if b.onChange != nil {
				b.onChange(from.String(), to.String())
			}
		},
	})
}

func (b *Breaker) circuit() *gobreaker.TwoStepCircuitBreaker[struct{}] {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cb
}

// IsHealthy reports whether a send may be attempted. An open breaker whose
// cooldown has elapsed moves to half-open here and reports healthy.
func (b *Breaker) IsHealthy() bool {
	return b.circuit().State() != gobreaker.StateOpen
}

// RecordFailure counts one failed send. Reaching the threshold opens the
// breaker. Failures reported while already open are ignored.
func (b *Breaker) RecordFailure() {
	now := b.now().UTC()
	b.mu.Lock()
	b.failures++
	b.lastFailure = &now
	b.mu.Unlock()

	done, err := b.circuit().Allow()
	if err != nil {
		return
	}
	done(errSendFailed)
}

// RecordSuccess resets the consecutive-failure count. A success observed
// while open (a send that started before the breaker tripped) closes it.
func (b *Breaker) RecordSuccess() {
	cb := b.circuit()
	if cb.State() == gobreaker.StateOpen {
		b.reset("success while open")
		return
	}
	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()

	done, err := cb.Allow()
	if err != nil {
		return
	}
	done(nil)
}

// ForceReset closes the breaker and clears its counters immediately.
func (b *Breaker) ForceReset() {
	b.reset("forced reset")
}

func (b *Breaker) reset(reason string) {
	b.mu.Lock()
	from := b.cb.State()
	b.cb = b.newCircuit()
	b.failures = 0
	b.lastFailure = nil
	b.mu.Unlock()

	b.logger.Info("circuit breaker reset",
		"breaker", b.settings.Name,
		"from", from.String(),
		"reason", reason,
	)
	if b.onChange != nil && from != gobreaker.StateClosed {
		b.onChange(from.String(), gobreaker.StateClosed.String())
	}
}

// Status returns a snapshot for reporting.
func (b *Breaker) Status() types.BreakerStatus {
	b.mu.RLock()
	cb := b.cb
	failures := b.failures
	var last *time.Time
	if b.lastFailure != nil {
		t := *b.lastFailure
		last = &t
	}
	b.mu.RUnlock()

	state := cb.State()
	return types.BreakerStatus{
		State:               state.String(),
		ConsecutiveFailures: failures,
		Healthy:             state != gobreaker.StateOpen,
		LastFailureAt:       last,
	}
}
