package allowance

import "sync"

// Scope is the byte budget of one throttling level: a request, a client
// or the whole server. All counters are guarded by the scope's own lock.
type Scope struct {
	mu sync.Mutex

	remaining   int64
	consumed    int64
	instantRate int64
	// perTick is the allowance of a whole tick, skipped the part of it
	// elapsed before a partial refill
	perTick  int64
	skipped  int64
	rateKBps int64
	hasRate  bool

	processing      bool
	paused          bool
	cancelRequested bool
	idle            chan struct{}
}

// NewScope returns an idle scope without allowance.
func NewScope() *Scope {
	idle := make(chan struct{})
	close(idle)
	return &Scope{idle: idle}
}

// Remaining returns the bytes that can still be granted in the current tick.
func (s *Scope) Remaining() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining
}

// Consume takes n bytes from the allowance and accounts them for the
// throughput statistic. The allowance never drops below zero.
func (s *Scope) Consume(n int64) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remaining = max(s.remaining-n, 0)
	s.consumed += n
}

// Refill replaces the allowance with perTick bytes, turns the bytes
// consumed since the previous refill into the instant rate and resets the
// consumed counter. Unused allowance is discarded.
func (s *Scope) Refill(perTick int64, ticksPerSecond int64) {
	s.RefillPartial(perTick, ticksPerSecond, 1)
}

// RefillPartial is Refill for a scope joining in the middle of a tick:
// only the fraction of perTick left until the next tick is granted.
func (s *Scope) RefillPartial(perTick int64, ticksPerSecond int64, fraction float64) {
	fraction = min(max(fraction, 0), 1)
	perTick = max(perTick, 0)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instantRate = s.consumed * ticksPerSecond
	s.consumed = 0
	s.perTick = perTick
	s.remaining = int64(float64(perTick) * fraction)
	s.skipped = perTick - s.remaining
}

// TickUsage returns the share of the current tick spent at the scope's
// rate, counting the part of the tick skipped by a partial refill.
func (s *Scope) TickUsage() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.perTick <= 0 {
		return 0
	}
	return float64(s.skipped+s.consumed) / float64(s.perTick)
}

// InstantRate returns the throughput measured over the last tick in bytes
// per second.
func (s *Scope) InstantRate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instantRate
}

// SetRate assigns a rate override in KB/s. It takes effect on the next
// refill.
func (s *Scope) SetRate(kbps int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateKBps = kbps
	s.hasRate = true
}

// ClearRate drops the rate override.
func (s *Scope) ClearRate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateKBps = 0
	s.hasRate = false
}

// Rate returns the rate override in KB/s, ok is false when none is set.
func (s *Scope) Rate() (kbps int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rateKBps, s.hasRate
}

// StartProcessing marks the scope as owned by a running chunk task and
// clears a stale cancel request.
func (s *Scope) StartProcessing() {
	s.TryStartProcessing()
}

// TryStartProcessing is StartProcessing that reports false, and changes
// nothing, when a task already owns the scope.
func (s *Scope) TryStartProcessing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processing {
		return false
	}
	s.processing = true
	s.cancelRequested = false
	s.idle = make(chan struct{})
	return true
}

// StopProcessing releases the scope and wakes up cancel waiters.
func (s *Scope) StopProcessing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.processing {
		return
	}
	s.processing = false
	s.cancelRequested = false
	close(s.idle)
}

// Processing reports whether a chunk task currently owns the scope.
func (s *Scope) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

// RequestCancel flags the running task for cancellation. It returns false,
// and flags nothing, when no task is running.
func (s *Scope) RequestCancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.processing {
		return false
	}
	s.cancelRequested = true
	return true
}

// CancelRequested reports whether the running task must stop.
func (s *Scope) CancelRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelRequested
}

// Idle returns a channel closed once no task owns the scope.
func (s *Scope) Idle() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idle
}

// SetPaused sets or clears the pause flag.
func (s *Scope) SetPaused(paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = paused
}

// Paused reports whether the scope is frozen.
func (s *Scope) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Active reports whether the refill scheduler must grant allowance to the
// scope: a task is running on it and it is not paused.
func (s *Scope) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing && !s.paused
}
