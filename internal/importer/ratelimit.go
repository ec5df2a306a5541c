package importer

// ratelimit.go throttles how often and how widely a single user may import.
//
// Two independent limits apply per user:
//
//   - a decay-window attempt counter (default 10 per hour)
//   - an in-flight slot counter (default 2 concurrent imports)
//
// Slots carry a hard timeout after which they are reclaimed even if never
// released, so a crashed import cannot lock its user out permanently.
//
// Counter state lives behind CounterStore and is updated through atomic
// operations of the store, never read-modify-write in the limiter. When the
// store is unavailable the limiter fails closed; only explicit development
// mode flips that to fail open.

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Default rate limiting policy.
const (
	DefaultMaxAttempts   = 10
	DefaultWindow        = time.Hour
	DefaultMaxConcurrent = 2
	DefaultSlotTimeout   = 300 * time.Second
)

// CounterStore is the ephemeral keyed state behind the rate limiter.
// Implementations must make each method atomic.
type CounterStore interface {
	// Increment bumps the attempt counter for key within the current decay
	// window and returns the new count plus the time remaining in the window.
	Increment(key string, window time.Duration) (count int, remaining time.Duration, err error)

	// Remaining returns the time left in the current window without
	// consuming an attempt. Zero when no window is active.
	Remaining(key string) (time.Duration, error)

	// AcquireSlot takes an in-flight slot for key, first reclaiming slots
	// older than timeout. Returns false when max slots are already held.
	AcquireSlot(key string, max int, timeout time.Duration) (bool, error)

	// ReleaseSlot returns the oldest held slot for key.
	ReleaseSlot(key string) error
}

// RateLimiter enforces the per-user import policy.
type RateLimiter struct {
	store         CounterStore
	maxAttempts   int
	window        time.Duration
	maxConcurrent int
	slotTimeout   time.Duration
	failOpen      bool

	mu     sync.Mutex
	active int // imports holding a slot across all users
}

// RateLimiterOptions configures a RateLimiter. Zero values fall back to the
// package defaults.
type RateLimiterOptions struct {
	MaxAttempts   int
	Window        time.Duration
	MaxConcurrent int
	SlotTimeout   time.Duration

	// FailOpen allows requests through when the counter store errors.
	// Development use only; production must fail closed.
	FailOpen bool
}

// NewRateLimiter creates a limiter backed by store.
func NewRateLimiter(store CounterStore, opts RateLimiterOptions) *RateLimiter {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.SlotTimeout <= 0 {
		opts.SlotTimeout = DefaultSlotTimeout
	}

	return &RateLimiter{
		store:         store,
		maxAttempts:   opts.MaxAttempts,
		window:        opts.Window,
		maxConcurrent: opts.MaxConcurrent,
		slotTimeout:   opts.SlotTimeout,
		failOpen:      opts.FailOpen,
	}
}

func attemptsKey(userID uuid.UUID) string { return "import:attempts:" + userID.String() }
func slotsKey(userID uuid.UUID) string    { return "import:slots:" + userID.String() }

// CheckLimit consumes one attempt for the user and reports whether the call
// is allowed. Once the window budget is exhausted it returns false until the
// window decays.
func (l *RateLimiter) CheckLimit(userID uuid.UUID) bool {
	count, _, err := l.store.Increment(attemptsKey(userID), l.window)
	if err != nil {
		return l.failOpen
	}
	return count <= l.maxAttempts
}

// RetryAfter returns how long the user has to wait before the attempt
// counter decays. Zero when the user is not currently limited.
func (l *RateLimiter) RetryAfter(userID uuid.UUID) time.Duration {
	remaining, err := l.store.Remaining(attemptsKey(userID))
	if err != nil {
		if l.failOpen {
			return 0
		}
		return l.window
	}
	return remaining
}

// CheckConcurrentLimit acquires an in-flight slot for the user. The caller
// must release it with ReleaseConcurrentSlot when the import finishes;
// unreleased slots are reclaimed after the slot timeout.
func (l *RateLimiter) CheckConcurrentLimit(userID uuid.UUID) bool {
	ok, err := l.store.AcquireSlot(slotsKey(userID), l.maxConcurrent, l.slotTimeout)
	if err != nil {
		ok = l.failOpen
	}
	if ok {
		l.mu.Lock()
		l.active++
		l.mu.Unlock()
	}
	return ok
}

// ReleaseConcurrentSlot returns an in-flight slot.
func (l *RateLimiter) ReleaseConcurrentSlot(userID uuid.UUID) {
	l.mu.Lock()
	if l.active > 0 {
		l.active--
	}
	l.mu.Unlock()

	// A release error means the slot will be reclaimed by timeout instead.
	_ = l.store.ReleaseSlot(slotsKey(userID))
}

// RateLimiterStatus is a snapshot of the limiter state for monitoring.
type RateLimiterStatus struct {
	Active        int           `json:"active"`
	MaxConcurrent int           `json:"max_concurrent"`
	MaxAttempts   int           `json:"max_attempts"`
	Window        time.Duration `json:"window"`
}

// Status returns the current limiter state.
func (l *RateLimiter) Status() RateLimiterStatus {
	l.mu.Lock()
	active := l.active
	l.mu.Unlock()

	return RateLimiterStatus{
		Active:        active,
		MaxConcurrent: l.maxConcurrent,
		MaxAttempts:   l.maxAttempts,
		Window:        l.window,
	}
}

// WaitForDrain blocks until no import holds a slot or ctx is cancelled.
// Used at shutdown so in-flight imports finish before the process exits.
func (l *RateLimiter) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if l.Status().Active == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// MemoryCounterStore is the in-process CounterStore used when no shared
// counter backend is deployed. All state expires with its window.
type MemoryCounterStore struct {
	mu      sync.Mutex
	windows map[string]*attemptWindow
	slots   map[string][]time.Time

	// now is replaceable for tests.
	now func() time.Time
}

type attemptWindow struct {
	start  time.Time
	length time.Duration
	count  int
}

// NewMemoryCounterStore creates an empty in-memory counter store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		windows: make(map[string]*attemptWindow),
		slots:   make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Increment implements CounterStore with a fixed decay window per key.
func (s *MemoryCounterStore) Increment(key string, window time.Duration) (int, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[key]
	if !ok || now.Sub(w.start) >= window {
		w = &attemptWindow{start: now, length: window}
		s.windows[key] = w
	}
	w.count++
	return w.count, window - now.Sub(w.start), nil
}

// Remaining implements CounterStore.
func (s *MemoryCounterStore) Remaining(key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok {
		return 0, nil
	}
	elapsed := s.now().Sub(w.start)
	if elapsed >= w.length {
		return 0, nil
	}
	return w.length - elapsed, nil
}

// AcquireSlot implements CounterStore.
func (s *MemoryCounterStore) AcquireSlot(key string, max int, timeout time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	held := s.slots[key][:0]
	for _, acquired := range s.slots[key] {
		if now.Sub(acquired) < timeout {
			held = append(held, acquired)
		}
	}

	if len(held) >= max {
		s.slots[key] = held
		return false, nil
	}

	s.slots[key] = append(held, now)
	return true, nil
}

// ReleaseSlot implements CounterStore.
func (s *MemoryCounterStore) ReleaseSlot(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	held := s.slots[key]
	if len(held) == 0 {
		return nil
	}
	s.slots[key] = held[1:]
	return nil
}
