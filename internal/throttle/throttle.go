// Package throttle provides global rate limiting and circuit breaking for
// outbound infrastructure API calls. A token bucket bounds throughput over
// time, a semaphore bounds simultaneous work, and an optional circuit
// breaker fails fast during sustained non-throttling failures.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open and blocking
// requests. Callers should back off until the breaker timeout expires.
var ErrCircuitOpen = errors.New("circuit breaker open")

// ErrCircuitTripped is returned by the call whose failure pushed the
// consecutive-failure count to the threshold, tripping the breaker.
var ErrCircuitTripped = errors.New("circuit breaker tripped")

// rateLimitCooldown is the fixed recovery delay applied after a
// rate-limited call before the error is returned to the caller.
const rateLimitCooldown = 2 * time.Second

// Config holds throttler settings. Zero values are replaced by defaults.
type Config struct {
	// MaxConcurrentCalls bounds simultaneous in-flight calls (default 8).
	MaxConcurrentCalls int
	// TokensPerSecond is the token bucket refill rate (default 15).
	TokensPerSecond float64
	// MaxTokens is the bucket capacity (default 30).
	MaxTokens int
	// CircuitBreakerEnabled turns the breaker on (default false).
	CircuitBreakerEnabled bool
	// CircuitBreakerThreshold is the consecutive-failure count that trips
	// the breaker (default 100).
	CircuitBreakerThreshold int
	// CircuitBreakerTimeout is how long the breaker stays open (default 10s).
	CircuitBreakerTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentCalls <= 0 {
		c.MaxConcurrentCalls = 8
	}
	if c.TokensPerSecond <= 0 {
		c.TokensPerSecond = 15.0
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 30
	}
	if c.CircuitBreakerThreshold <= 0 {
		c.CircuitBreakerThreshold = 100
	}
	if c.CircuitBreakerTimeout <= 0 {
		c.CircuitBreakerTimeout = 10 * time.Second
	}
	return c
}

// Throttler coordinates all outbound API calls process-wide. Construct one
// at startup and inject it into every caller; there is no package-level
// singleton.
type Throttler struct {
	cfg Config

	slots chan struct{}

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time

	consecutiveFailures int
	circuitOpenUntil    time.Time

	totalRequests     int64
	throttledRequests int64
	circuitTrips      int64

	logf func(format string, args ...interface{})

	// now and sleep are swappable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Throttler from cfg, filling in defaults for zero fields.
func New(cfg Config) *Throttler {
	cfg = cfg.withDefaults()
	return &Throttler{
		cfg:        cfg,
		slots:      make(chan struct{}, cfg.MaxConcurrentCalls),
		tokens:     float64(cfg.MaxTokens),
		lastRefill: time.Now(),
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

// SetLogger installs a printf-style debug logger. Nil disables logging.
func (t *Throttler) SetLogger(logf func(format string, args ...interface{})) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logf = logf
}

func (t *Throttler) debugf(format string, args ...interface{}) {
	t.mu.Lock()
	logf := t.logf
	t.mu.Unlock()
	if logf != nil {
		logf(format, args...)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs work under the throttle. It checks the circuit breaker, acquires
// a concurrency slot, waits for a bucket token, then invokes work. A
// rate-limited failure gets a fixed cool-down and does not count against
// the breaker; any other failure increments the consecutive-failure count
// and may trip the breaker. Success resets the count.
func (t *Throttler) Do(ctx context.Context, operation string, work func(ctx context.Context) error) error {
	t.mu.Lock()
	t.totalRequests++
	t.mu.Unlock()

	if err := t.checkCircuit(); err != nil {
		return err
	}

	select {
	case t.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-t.slots }()

	if err := t.waitForToken(ctx); err != nil {
		return err
	}

	start := t.now()
	err := work(ctx)
	if err == nil {
		t.recordSuccess()
		t.debugf("throttle: %s completed in %s", operation, t.now().Sub(start))
		return nil
	}

	if IsRateLimited(err) {
		t.mu.Lock()
		t.throttledRequests++
		t.mu.Unlock()
		t.debugf("throttle: %s rate limited, cooling down %s", operation, rateLimitCooldown)
		// Recovery delay before surfacing the error; not a breaker failure.
		if serr := t.sleep(ctx, rateLimitCooldown); serr != nil {
			return serr
		}
		return err
	}

	if terr := t.recordFailure(); terr != nil {
		t.debugf("throttle: %s tripped circuit breaker: %v", operation, err)
		return fmt.Errorf("%w: %v", ErrCircuitTripped, err)
	}
	return err
}

// checkCircuit fails fast while the breaker is open. An expired open window
// closes the breaker and clears the failure count.
func (t *Throttler) checkCircuit() error {
	if !t.cfg.CircuitBreakerEnabled {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.circuitOpenUntil.After(now) {
		remaining := t.circuitOpenUntil.Sub(now)
		return fmt.Errorf("%w for %s more", ErrCircuitOpen, remaining.Round(100*time.Millisecond))
	}
	if !t.circuitOpenUntil.IsZero() {
		t.circuitOpenUntil = time.Time{}
		t.consecutiveFailures = 0
	}
	return nil
}

// waitForToken refills the bucket from elapsed time and consumes one token,
// sleeping one refill interval at a time while the bucket is empty.
func (t *Throttler) waitForToken(ctx context.Context) error {
	for {
		t.mu.Lock()
		t.refillLocked()
		if t.tokens >= 1 {
			t.tokens--
			t.mu.Unlock()
			return nil
		}
		t.mu.Unlock()

		wait := time.Duration(float64(time.Second) / t.cfg.TokensPerSecond)
		if err := t.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (t *Throttler) refillLocked() {
	now := t.now()
	elapsed := now.Sub(t.lastRefill).Seconds()
	t.tokens = min(float64(t.cfg.MaxTokens), t.tokens+elapsed*t.cfg.TokensPerSecond)
	t.lastRefill = now
}

func (t *Throttler) recordSuccess() {
	if !t.cfg.CircuitBreakerEnabled {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consecutiveFailures = 0
}

// recordFailure counts a non-rate-limited failure. Returns ErrCircuitTripped
// when this failure reaches the threshold.
func (t *Throttler) recordFailure() error {
	if !t.cfg.CircuitBreakerEnabled {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.consecutiveFailures++
	if t.consecutiveFailures >= t.cfg.CircuitBreakerThreshold {
		t.circuitOpenUntil = t.now().Add(t.cfg.CircuitBreakerTimeout)
		t.circuitTrips++
		return ErrCircuitTripped
	}
	return nil
}

// ResetCircuitBreaker clears the open state and failure counter. Admin use.
func (t *Throttler) ResetCircuitBreaker() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.circuitOpenUntil = time.Time{}
	t.consecutiveFailures = 0
}

// Stats is an atomic snapshot of throttler counters.
type Stats struct {
	TotalRequests       int64
	ThrottledRequests   int64
	CircuitBreakerTrips int64
	CurrentTokens       float64
	ConsecutiveFailures int
	CircuitOpen         bool
	MaxConcurrentCalls  int
	TokensPerSecond     float64
}

// Stats returns a snapshot of counters and the current token level.
func (t *Throttler) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refillLocked()
	return Stats{
		TotalRequests:       t.totalRequests,
		ThrottledRequests:   t.throttledRequests,
		CircuitBreakerTrips: t.circuitTrips,
		CurrentTokens:       t.tokens,
		ConsecutiveFailures: t.consecutiveFailures,
		CircuitOpen:         t.cfg.CircuitBreakerEnabled && t.circuitOpenUntil.After(t.now()),
		MaxConcurrentCalls:  t.cfg.MaxConcurrentCalls,
		TokensPerSecond:     t.cfg.TokensPerSecond,
	}
}

// rateLimitedError marks an error as a throttling response from the remote
// API. Wrapping at the call boundary is preferred over string matching.
type rateLimitedError struct {
	err error
}

func (e *rateLimitedError) Error() string { return e.err.Error() }
func (e *rateLimitedError) Unwrap() error { return e.err }

// RateLimited wraps err so the throttler treats it as a throttling response
// rather than a breaker-counted failure.
func RateLimited(err error) error {
	if err == nil {
		return nil
	}
	return &rateLimitedError{err: err}
}

// IsRateLimited reports whether err was marked via RateLimited, or looks
// like a raw SDK throttling error. The substring match covers call sites
// that pass SDK errors through without classifying them.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var rl *rateLimitedError
	if errors.As(err, &rl) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "throttlingexception")
}
