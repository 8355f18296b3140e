package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limit bounds deliveries of one queue, optionally for a single
// deployment only.
type Limit struct {
	// Queue is the physical queue name.
	Queue string

	// Deployment narrows the limit to messages of one deployment. Empty
	// applies the limit to the queue as a whole.
	Deployment string

	// MaxConcurrency caps simultaneous deliveries. Zero means no cap.
	MaxConcurrency int

	// RateLimit is the sustained deliveries per second. Zero disables it.
	RateLimit float64

	// RateBurst is the token-bucket burst. Defaults to 1.
	RateBurst int
}

type scopeKey struct {
	queue      string
	deployment string
}

type limitState struct {
	limit   Limit
	limiter *rate.Limiter
	active  int
}

func newLimitState(l Limit) *limitState {
	st := &limitState{limit: l}
	if l.RateLimit > 0 {
		burst := l.RateBurst
		if burst <= 0 {
			burst = 1
		}
		st.limiter = rate.NewLimiter(rate.Limit(l.RateLimit), burst)
	}
	return st
}

func (st *limitState) full() bool {
	return st.limit.MaxConcurrency > 0 && st.active >= st.limit.MaxConcurrency
}

// Manager enforces Limits. It implements world.Limiter and is safe for
// concurrent use.
type Manager struct {
	mu     sync.Mutex
	scopes map[scopeKey]*limitState
}

// NewManager creates a Manager. Queues without a Limit are unrestricted.
func NewManager(limits ...Limit) *Manager {
	m := &Manager{scopes: make(map[scopeKey]*limitState, len(limits))}
	for _, l := range limits {
		m.scopes[scopeKey{l.Queue, l.Deployment}] = newLimitState(l)
	}
	return m
}

// Acquire reports whether a message of queueName for deploymentID may be
// delivered now. On success the caller must call Release afterwards.
func (m *Manager) Acquire(queueName, deploymentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	queueWide := m.scopes[scopeKey{queueName, ""}]
	var scoped *limitState
	if deploymentID != "" {
		scoped = m.scopes[scopeKey{queueName, deploymentID}]
	}

	// Check both gates before consuming a token from either.
	for _, st := range []*limitState{queueWide, scoped} {
		if st != nil && st.full() {
			return false
		}
	}
	for _, st := range []*limitState{queueWide, scoped} {
		if st != nil && st.limiter != nil && !st.limiter.Allow() {
			return false
		}
	}

	if queueWide != nil {
		queueWide.active++
	}
	if scoped != nil {
		scoped.active++
	}
	return true
}

// Release returns the slot taken by a successful Acquire.
func (m *Manager) Release(queueName, deploymentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st := m.scopes[scopeKey{queueName, ""}]; st != nil && st.active > 0 {
		st.active--
	}
	if deploymentID == "" {
		return
	}
	if st := m.scopes[scopeKey{queueName, deploymentID}]; st != nil && st.active > 0 {
		st.active--
	}
}

// SetLimit adds or replaces a Limit, keeping the current active count.
func (m *Manager) SetLimit(l Limit) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := scopeKey{l.Queue, l.Deployment}
	st := newLimitState(l)
	if existing := m.scopes[key]; existing != nil {
		st.active = existing.active
	}
	m.scopes[key] = st
}

// ActiveCount returns the in-flight deliveries counted against the
// queue-wide limit.
func (m *Manager) ActiveCount(queueName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.scopes[scopeKey{queueName, ""}]; st != nil {
		return st.active
	}
	return 0
}
