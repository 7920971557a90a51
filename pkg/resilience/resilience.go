package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"flashchat-backend/pkg/logger"
)

// BreakerState represents the state of the circuit breaker
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerHalfOpen BreakerState = "half_open"
	BreakerOpen     BreakerState = "open"
)

const (
	failureThreshold = 3
	cooldownPeriod   = 10 * time.Second
	halfOpenLimit    = 3
)

var (
	breakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total requests routed through circuit breakers",
		},
		[]string{"component", "operation", "status"},
	)
	breakerStateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		},
		[]string{"component"},
	)
)

// Breaker protects a downstream dependency with a circuit breaker. After
// failureThreshold consecutive failures the circuit opens and calls fail
// fast; after the cooldown it half-opens and probes with a limited number
// of requests.
type Breaker struct {
	component string

	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
}

// NewBreaker creates a circuit breaker for the named component.
func NewBreaker(component string) *Breaker {
	breakerStateGauge.WithLabelValues(component).Set(0)
	return &Breaker{
		component: component,
		state:     BreakerClosed,
	}
}

// Execute runs fn unless the circuit is open. Success closes the circuit,
// failure counts toward opening it.
func (b *Breaker) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if err := b.allow(operation); err != nil {
		return err
	}

	err := fn(ctx)
	if err == nil {
		b.recordSuccess(operation)
		return nil
	}
	b.recordFailure(operation, err)
	return err
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow(operation string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		if time.Since(b.lastFailureTime) > cooldownPeriod {
			b.state = BreakerHalfOpen
			b.halfOpenAttempts = 0
			breakerStateGauge.WithLabelValues(b.component).Set(1)
			logger.Warn("circuit breaker half-open",
				zap.String("component", b.component),
				zap.String("operation", operation))
		} else {
			breakerRequests.WithLabelValues(b.component, operation, "rejected").Inc()
			return fmt.Errorf("%s temporarily unavailable (circuit breaker open)", b.component)
		}
	}

	if b.state == BreakerHalfOpen {
		if b.halfOpenAttempts >= halfOpenLimit {
			breakerRequests.WithLabelValues(b.component, operation, "rejected").Inc()
			return fmt.Errorf("%s temporarily unavailable (circuit breaker probing)", b.component)
		}
		b.halfOpenAttempts++
	}

	return nil
}

func (b *Breaker) recordSuccess(operation string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerClosed {
		logger.Info("circuit breaker closed",
			zap.String("component", b.component))
	}
	b.state = BreakerClosed
	b.consecutiveFailures = 0
	b.halfOpenAttempts = 0
	breakerStateGauge.WithLabelValues(b.component).Set(0)
	breakerRequests.WithLabelValues(b.component, operation, "success").Inc()
}

func (b *Breaker) recordFailure(operation string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.lastFailureTime = time.Now()
	breakerRequests.WithLabelValues(b.component, operation, "failure").Inc()

	if b.state == BreakerHalfOpen || b.consecutiveFailures >= failureThreshold {
		if b.state != BreakerOpen {
			logger.Error("circuit breaker open",
				zap.String("component", b.component),
				zap.Int("consecutive_failures", b.consecutiveFailures),
				zap.Error(err))
		}
		b.state = BreakerOpen
		breakerStateGauge.WithLabelValues(b.component).Set(2)
	}
}
