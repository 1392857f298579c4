// Package circuitbreaker guards calls to the order repository.
// Wraps sony/gobreaker with OpenTelemetry metrics; an open breaker is how
// callers recognise that the repository is unreachable as a whole.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config holds circuit breaker configuration
type Config struct {
	// Name identifies the circuit breaker
	Name string
	// MaxRequests is max requests allowed in half-open state
	MaxRequests uint32
	// Interval is the cyclic period for clearing counts in closed state
	Interval time.Duration
	// Timeout is how long to wait before transitioning from open to half-open
	Timeout time.Duration
	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold uint32
	// FailureRatio is the failure ratio threshold once MinRequests is reached
	FailureRatio float64
	// MinRequests is minimum requests before ratio is considered
	MinRequests uint32
	// Ignore reports errors that say nothing about the dependency's health,
	// such as validation failures. They do not count as failures.
	Ignore func(err error) bool
}

// DefaultConfig returns defaults suitable for the order repository
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      1,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 10,
		FailureRatio:     0.8,
		MinRequests:      20,
	}
}

// OnStateChange is notified of every state transition
type OnStateChange func(name string, from, to State)

// CircuitBreaker wraps gobreaker with observability
type CircuitBreaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger
	tracer trace.Tracer

	// Metrics
	meter          metric.Meter
	requestCounter metric.Int64Counter
	failureCounter metric.Int64Counter
	rejectCounter  metric.Int64Counter

	listeners    []OnStateChange
	currentState State
	stateMu      sync.RWMutex
}

// New creates a new circuit breaker
func New(cfg Config, logger *zap.Logger) (*CircuitBreaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cb := &CircuitBreaker{
		name:         cfg.Name,
		logger:       logger,
		tracer:       otel.Tracer("circuit-breaker"),
		meter:        otel.Meter("circuit-breaker"),
		currentState: StateClosed,
	}

	var err error
	cb.requestCounter, err = cb.meter.Int64Counter("circuit_breaker_requests_total",
		metric.WithDescription("Total requests through circuit breaker"))
	if err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}

	cb.failureCounter, err = cb.meter.Int64Counter("circuit_breaker_failures_total",
		metric.WithDescription("Total failed requests"))
	if err != nil {
		return nil, fmt.Errorf("failed to create failure counter: %w", err)
	}

	cb.rejectCounter, err = cb.meter.Int64Counter("circuit_breaker_rejections_total",
		metric.WithDescription("Total requests rejected due to open circuit"))
	if err != nil {
		return nil, fmt.Errorf("failed to create rejection counter: %w", err)
	}

	ignore := cfg.Ignore
	if ignore == nil {
		ignore = func(error) bool { return false }
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= cfg.FailureThreshold {
				return true
			}
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			cb.onStateChange(from, to)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || ignore(err) || errors.Is(err, context.Canceled)
		},
	}

	cb.cb = gobreaker.NewCircuitBreaker(settings)

	return cb, nil
}

// Execute runs fn through the circuit breaker
func (c *CircuitBreaker) Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	ctx, span := c.tracer.Start(ctx, "circuit_breaker_execute",
		trace.WithAttributes(
			attribute.String("breaker_name", c.name),
			attribute.String("state", string(c.GetState())),
		))
	defer span.End()

	attrs := metric.WithAttributes(attribute.String("name", c.name))
	c.requestCounter.Add(ctx, 1, attrs)

	result, err := c.cb.Execute(fn)
	if err != nil {
		if IsOpen(err) {
			c.rejectCounter.Add(ctx, 1, attrs)
			span.SetAttributes(attribute.Bool("circuit_open", true))
		} else {
			c.failureCounter.Add(ctx, 1, attrs)
		}
		span.RecordError(err)
		return result, err
	}

	return result, nil
}

// Do runs fn, which only returns an error, through the circuit breaker
func (c *CircuitBreaker) Do(ctx context.Context, fn func() error) error {
	_, err := c.Execute(ctx, func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// IsOpen reports whether err was returned because the circuit rejected the call
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// Subscribe registers a state change listener
func (c *CircuitBreaker) Subscribe(fn OnStateChange) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Name returns the breaker name
func (c *CircuitBreaker) Name() string { return c.name }

// GetState returns the current circuit breaker state
func (c *CircuitBreaker) GetState() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.currentState
}

func (c *CircuitBreaker) onStateChange(from, to gobreaker.State) {
	fromState := mapState(from)
	toState := mapState(to)

	c.stateMu.Lock()
	c.currentState = toState
	listeners := append([]OnStateChange(nil), c.listeners...)
	c.stateMu.Unlock()

	c.logger.Warn("circuit breaker state changed",
		zap.String("breaker", c.name),
		zap.String("from", string(fromState)),
		zap.String("to", string(toState)))

	for _, l := range listeners {
		l(c.name, fromState, toState)
	}
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Counts returns the current counts from the circuit breaker
func (c *CircuitBreaker) Counts() gobreaker.Counts {
	return c.cb.Counts()
}
