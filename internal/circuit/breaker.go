package circuit

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the lifecycle state of one breaker
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// ChangeType tags a state-change event delivered to the observer
type ChangeType string

const (
	ChangeOpened   ChangeType = "OPENED"
	ChangeHalfOpen ChangeType = "HALF_OPEN"
	ChangeClosed   ChangeType = "CLOSED"
	ChangeReset    ChangeType = "RESET"
)

// StateChange is delivered to the observer callback on every transition
type StateChange struct {
	Type      ChangeType
	Key       string
	State     State
	Timestamp time.Time
}

// Observer receives breaker state changes. Panics in the callback are
// recovered so observer bugs cannot corrupt breaker state.
type Observer func(change StateChange)

// Config controls failure thresholds and recovery backoff
type Config struct {
	FailureThreshold int
	Timeout          time.Duration
	BackoffBase      float64
	MaxBackoff       time.Duration
	HalfOpenAttempts int
}

// breakerState holds the per-key state machine. All fields are guarded by
// the registry mutex.
type breakerState struct {
	Status           State
	FailureCount     int
	SuccessCount     int
	TotalFailures    int64
	TotalSuccesses   int64
	LastFailureTime  time.Time
	LastSuccessTime  time.Time
	NextRetryTime    time.Time
	RecoveryAttempts int
}

// Snapshot is a read-only copy of one breaker's state
type Snapshot struct {
	Key              string    `json:"key"`
	Status           State     `json:"status"`
	FailureCount     int       `json:"failure_count"`
	SuccessCount     int       `json:"success_count"`
	TotalFailures    int64     `json:"total_failures"`
	TotalSuccesses   int64     `json:"total_successes"`
	LastFailureTime  time.Time `json:"last_failure_time,omitempty"`
	LastSuccessTime  time.Time `json:"last_success_time,omitempty"`
	NextRetryTime    time.Time `json:"next_retry_time,omitempty"`
	RecoveryAttempts int       `json:"recovery_attempts"`
}

// Registry isolates repeated failures per strategy key. Each key gets an
// independent state machine, created lazily as CLOSED.
type Registry struct {
	mu       sync.Mutex
	states   map[string]*breakerState
	cfg      Config
	observer Observer
	logger   zerolog.Logger
	now      func() time.Time
}

// NewRegistry creates a breaker registry
func NewRegistry(cfg Config, logger zerolog.Logger) *Registry {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.BackoffBase <= 1 {
		cfg.BackoffBase = 2
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Minute
	}
	if cfg.HalfOpenAttempts <= 0 {
		cfg.HalfOpenAttempts = 2
	}
	return &Registry{
		states: make(map[string]*breakerState),
		cfg:    cfg,
		logger: logger.With().Str("component", "circuit_breaker").Logger(),
		now:    time.Now,
	}
}

// SetObserver registers a state-change callback. Must be called before
// concurrent use.
func (r *Registry) SetObserver(obs Observer) {
	r.observer = obs
}

// CanExecute reports whether calls for the key may proceed. An OPEN
// breaker whose retry time has elapsed transitions to HALF_OPEN first.
func (r *Registry) CanExecute(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.stateLocked(key)
	if st.Status == StateOpen && !r.now().Before(st.NextRetryTime) {
		st.Status = StateHalfOpen
		st.SuccessCount = 0
		r.notifyLocked(ChangeHalfOpen, key, st)
	}
	return st.Status != StateOpen
}

// RecordSuccess resets the consecutive failure count and, in HALF_OPEN,
// closes the breaker after enough trial successes.
func (r *Registry) RecordSuccess(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.stateLocked(key)
	st.FailureCount = 0
	st.SuccessCount++
	st.TotalSuccesses++
	st.LastSuccessTime = r.now()

	if st.Status == StateHalfOpen && st.SuccessCount >= r.cfg.HalfOpenAttempts {
		st.Status = StateClosed
		st.RecoveryAttempts = 0
		st.SuccessCount = 0
		r.logger.Info().Str("key", key).Msg("Circuit breaker closed after recovery")
		r.notifyLocked(ChangeClosed, key, st)
	}
}

// RecordFailure increments the failure count and opens the breaker once
// the threshold is reached. A failure while HALF_OPEN reopens immediately.
func (r *Registry) RecordFailure(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.stateLocked(key)
	st.SuccessCount = 0
	st.FailureCount++
	st.TotalFailures++
	st.LastFailureTime = r.now()

	shouldOpen := false
	switch st.Status {
	case StateHalfOpen:
		shouldOpen = true
	case StateClosed:
		shouldOpen = st.FailureCount >= r.cfg.FailureThreshold
	}
	if !shouldOpen {
		return
	}

	st.Status = StateOpen
	delay := r.openDelay(st.RecoveryAttempts)
	st.NextRetryTime = r.now().Add(delay)
	st.RecoveryAttempts++

	r.logger.Warn().
		Str("key", key).
		Int("failure_count", st.FailureCount).
		Dur("retry_after", delay).
		Msg("Circuit breaker opened")
	r.notifyLocked(ChangeOpened, key, st)
}

// Reset forces a single key back to CLOSED with zeroed counters
func (r *Registry) Reset(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked(key)
}

// ResetAll forces every known key back to CLOSED
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.states {
		r.resetLocked(key)
	}
}

// Snapshot returns a copy of one key's state, lazily creating it CLOSED
func (r *Registry) Snapshot(key string) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(key, r.stateLocked(key))
}

// Snapshots returns copies of all known breaker states
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Snapshot, 0, len(r.states))
	for key, st := range r.states {
		out = append(out, r.snapshotLocked(key, st))
	}
	return out
}

func (r *Registry) resetLocked(key string) {
	st := r.stateLocked(key)
	prev := st.Status
	*st = breakerState{Status: StateClosed}
	if prev != StateClosed {
		r.logger.Info().Str("key", key).Msg("Circuit breaker reset")
		r.notifyLocked(ChangeReset, key, st)
	}
}

func (r *Registry) stateLocked(key string) *breakerState {
	st, ok := r.states[key]
	if !ok {
		st = &breakerState{Status: StateClosed}
		r.states[key] = st
	}
	return st
}

func (r *Registry) openDelay(recoveryAttempts int) time.Duration {
	delay := time.Duration(float64(r.cfg.Timeout) * math.Pow(r.cfg.BackoffBase, float64(recoveryAttempts)))
	if delay > r.cfg.MaxBackoff || delay <= 0 {
		delay = r.cfg.MaxBackoff
	}
	return delay
}

func (r *Registry) snapshotLocked(key string, st *breakerState) Snapshot {
	return Snapshot{
		Key:              key,
		Status:           st.Status,
		FailureCount:     st.FailureCount,
		SuccessCount:     st.SuccessCount,
		TotalFailures:    st.TotalFailures,
		TotalSuccesses:   st.TotalSuccesses,
		LastFailureTime:  st.LastFailureTime,
		LastSuccessTime:  st.LastSuccessTime,
		NextRetryTime:    st.NextRetryTime,
		RecoveryAttempts: st.RecoveryAttempts,
	}
}

func (r *Registry) notifyLocked(change ChangeType, key string, st *breakerState) {
	if r.observer == nil {
		return
	}
	event := StateChange{
		Type:      change,
		Key:       key,
		State:     st.Status,
		Timestamp: r.now(),
	}
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error().Interface("panic", rec).Msg("Circuit breaker observer panicked")
			}
		}()
		r.observer(event)
	}()
}
