package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"chatcall-backend/pkg/logger"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerClosed   CircuitBreakerState = "closed"
	CircuitBreakerHalfOpen CircuitBreakerState = "half_open"
	CircuitBreakerOpen     CircuitBreakerState = "open"
)

func (s CircuitBreakerState) gauge() float64 {
	switch s {
	case CircuitBreakerHalfOpen:
		return 1
	case CircuitBreakerOpen:
		return 2
	default:
		return 0
	}
}

// ErrCircuitOpen is returned without calling the operation while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Options tunes a Breaker. Zero values take the defaults.
type Options struct {
	Clock clock.Clock
	// Failures is the number of consecutive failures that opens the circuit.
	Failures int
	// Cooldown is how long the circuit stays open before a probe is let through.
	Cooldown time.Duration
	// Retries is the number of extra attempts per Execute call.
	Retries        int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Registerer receives the breaker metrics. Nil disables them.
	Registerer prometheus.Registerer
}

// Breaker wraps calls to an external dependency with retry, backoff and a
// circuit breaker.
type Breaker struct {
	name    string
	opts    Options
	log     *zap.Logger
	metrics *breakerMetrics

	mu                  sync.Mutex
	state               CircuitBreakerState
	consecutiveFailures int
	openedAt            time.Time
	probing             bool
}

type breakerMetrics struct {
	requestsTotal       *prometheus.CounterVec
	errorsTotal         *prometheus.CounterVec
	circuitBreakerState prometheus.Gauge
}

func newBreakerMetrics(name string, reg prometheus.Registerer) *breakerMetrics {
	if reg == nil {
		return nil
	}
	labels := prometheus.Labels{"dependency": name}
	m := &breakerMetrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "dependency_requests_total",
			Help:        "Total number of calls to an external dependency",
			ConstLabels: labels,
		}, []string{"operation", "status"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "dependency_errors_total",
			Help:        "Total number of failed calls to an external dependency",
			ConstLabels: labels,
		}, []string{"operation", "error_type"}),
		circuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "dependency_circuit_breaker_state",
			Help:        "State of the circuit breaker (0=closed, 1=half_open, 2=open)",
			ConstLabels: labels,
		}),
	}
	reg.MustRegister(m.requestsTotal, m.errorsTotal, m.circuitBreakerState)
	return m
}

// NewBreaker creates a closed breaker for the named dependency
func NewBreaker(name string, opts Options) *Breaker {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Failures <= 0 {
		opts.Failures = 5
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 100 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 2 * time.Second
	}
	return &Breaker{
		name:    name,
		opts:    opts,
		log:     logger.Named("resilience").With(zap.String("dependency", name)),
		metrics: newBreakerMetrics(name, opts.Registerer),
		state:   CircuitBreakerClosed,
	}
}

// State returns the current circuit breaker state
func (b *Breaker) State() CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn, retrying failures with linear backoff. While the circuit
// is open it fails fast with ErrCircuitOpen. After the cooldown a single
// probe is let through; its outcome closes or reopens the circuit.
func (b *Breaker) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= b.opts.Retries; attempt++ {
		if attempt > 0 {
			backoff := min(time.Duration(attempt)*b.opts.InitialBackoff, b.opts.MaxBackoff)
			b.log.Debug("Retrying after backoff",
				zap.String("operation", operation),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s %s: %w", b.name, operation, ctx.Err())
			case <-b.opts.Clock.After(backoff):
			}
		}

		if !b.allow() {
			b.record(operation, "circuit_breaker_open")
			return ErrCircuitOpen
		}

		err := fn(ctx)
		b.done(err)
		if err == nil {
			b.record(operation, "success")
			return nil
		}
		lastErr = err
		b.record(operation, "failure")
		if b.metrics != nil {
			b.metrics.errorsTotal.WithLabelValues(operation, classifyError(err)).Inc()
		}
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("%s %s failed: %w", b.name, operation, lastErr)
}

// allow reports whether a call may go through and claims the probe slot
// when the cooldown has passed.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case CircuitBreakerOpen:
		if b.opts.Clock.Since(b.openedAt) < b.opts.Cooldown {
			return false
		}
		b.setState(CircuitBreakerHalfOpen)
		b.probing = true
		return true
	case CircuitBreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

func (b *Breaker) done(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	if err == nil {
		b.consecutiveFailures = 0
		if b.state != CircuitBreakerClosed {
			b.setState(CircuitBreakerClosed)
			b.log.Info("Circuit breaker closed")
		}
		return
	}
	b.consecutiveFailures++
	if b.state == CircuitBreakerHalfOpen || b.consecutiveFailures >= b.opts.Failures {
		if b.state != CircuitBreakerOpen {
			b.log.Error("Circuit breaker opened",
				zap.Int("consecutive_failures", b.consecutiveFailures),
				zap.Error(err))
		}
		b.openedAt = b.opts.Clock.Now()
		b.setState(CircuitBreakerOpen)
	}
}

func (b *Breaker) setState(s CircuitBreakerState) {
	b.state = s
	if b.metrics != nil {
		b.metrics.circuitBreakerState.Set(s.gauge())
	}
}

func (b *Breaker) record(operation, status string) {
	if b.metrics != nil {
		b.metrics.requestsTotal.WithLabelValues(operation, status).Inc()
	}
}

// classifyError classifies errors for better metrics
func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "dns"):
		return "dns"
	case strings.Contains(errMsg, "unauthorized") || strings.Contains(errMsg, "forbidden"):
		return "auth"
	default:
		return "unknown"
	}
}
