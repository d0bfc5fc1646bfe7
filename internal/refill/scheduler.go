package refill

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/derektruong/fxupload/internal/allowance"
	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
)

const (
	DefaultTick = 100 * time.Millisecond

	// DefaultMasterRateKBps and DefaultClientRateKBps are the server and
	// per client budgets, DefaultMinimumRateKBps is the lowest rate an
	// upload override can ask for.
	DefaultMasterRateKBps  = 10 * 1024 * 1024
	DefaultClientRateKBps  = 10 * 1024
	DefaultMinimumRateKBps = 10
)

// Rates are the throughput limits in KB/s.
type Rates struct {
	MasterKBps  int64
	ClientKBps  int64
	MinimumKBps int64
}

// Observer receives per tick statistics.
type Observer interface {
	ObserveTick(activeRequests int, duration time.Duration)
}

// Scheduler periodically refills the scopes of the ledger.
type Scheduler struct {
	logger   logr.Logger
	ledger   *allowance.Ledger
	clock    clock.WithTicker
	tick     time.Duration
	observer Observer

	masterKBps  atomic.Int64
	clientKBps  atomic.Int64
	minimumKBps atomic.Int64

	mu sync.Mutex
	// lastTick is the unix nano time of the last refill of Run
	lastTick atomic.Int64
	// idle is set while the last refill found no processing upload
	idle atomic.Bool
}

// NewScheduler creates a scheduler refilling ledger every tick.
func NewScheduler(
	logger logr.Logger,
	ledger *allowance.Ledger,
	clk clock.WithTicker,
	tick time.Duration,
	rates Rates,
	observer Observer,
) (s *Scheduler) {
	if tick <= 0 || tick > time.Second {
		tick = DefaultTick
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	s = &Scheduler{
		logger:   logger.WithName("refill"),
		ledger:   ledger,
		clock:    clk,
		tick:     tick,
		observer: observer,
	}
	s.SetRates(rates)
	s.idle.Store(true)
	return
}

// SetRates replaces the limits, non positive values select the defaults.
func (s *Scheduler) SetRates(rates Rates) {
	s.SetMasterRate(rates.MasterKBps)
	s.SetClientRate(rates.ClientKBps)
	if rates.MinimumKBps <= 0 {
		rates.MinimumKBps = DefaultMinimumRateKBps
	}
	s.minimumKBps.Store(rates.MinimumKBps)
}

// SetMasterRate changes the server wide rate.
func (s *Scheduler) SetMasterRate(kbps int64) {
	if kbps <= 0 {
		kbps = DefaultMasterRateKBps
	}
	s.masterKBps.Store(kbps)
}

// SetClientRate changes the default rate of each client and each upload.
func (s *Scheduler) SetClientRate(kbps int64) {
	if kbps <= 0 {
		kbps = DefaultClientRateKBps
	}
	s.clientKBps.Store(kbps)
}

// Rates returns the current limits.
func (s *Scheduler) Rates() Rates {
	return Rates{
		MasterKBps:  s.masterKBps.Load(),
		ClientKBps:  s.clientKBps.Load(),
		MinimumKBps: s.minimumKBps.Load(),
	}
}

// Tick returns the refill period.
func (s *Scheduler) Tick() time.Duration {
	return s.tick
}

// TicksPerSecond returns the number of refills per second.
func (s *Scheduler) TicksPerSecond() int64 {
	return int64(time.Second / s.tick)
}

// Run refills the ledger every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.tick)
	defer ticker.Stop()
	s.lastTick.Store(s.clock.Now().UnixNano())
	s.logger.Info("refill scheduler started", "tick", s.tick)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("refill scheduler stopped")
			return
		case now := <-ticker.C():
			s.lastTick.Store(now.UnixNano())
			s.Refill()
		}
	}
}

// UntilNextRefill returns the time left before the next tick of Run, a
// whole tick when Run is not started.
func (s *Scheduler) UntilNextRefill() time.Duration {
	last := s.lastTick.Load()
	if last == 0 {
		return s.tick
	}
	next := time.Unix(0, last).Add(s.tick)
	return min(max(next.Sub(s.clock.Now()), 0), s.tick)
}

// Activate grants the first allowance of a request scope that just
// started processing, so that it does not wait for the next tick. The
// grant is the share of a tick left until that tick. When no other upload
// was processing, the client and master scopes are stale and are
// refilled the same way.
func (s *Scheduler) Activate(scope *allowance.Scope) {
	fraction := float64(s.UntilNextRefill()) / float64(s.tick)
	if s.idle.Load() {
		s.refill(fraction)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ticks := s.TicksPerSecond()
	scope.RefillPartial(kbpsToBytes(s.effectiveRate(scope, s.clientKBps.Load()))/ticks, ticks, fraction)
}

// Refill performs one tick. Nothing is granted while no upload is being
// processed; otherwise the master scope gets its share of the global rate
// and every client scope and active request scope is refilled from its
// effective rate.
func (s *Scheduler) Refill() {
	s.refill(1)
}

func (s *Scheduler) refill(fraction float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := s.clock.Now()

	type entry struct {
		id    string
		scope *allowance.Scope
	}
	var requests []entry
	s.ledger.RangeRequests(func(fileID string, scope *allowance.Scope) bool {
		if scope.Active() {
			requests = append(requests, entry{fileID, scope})
		}
		return true
	})
	s.idle.Store(len(requests) == 0)
	if len(requests) == 0 {
		return
	}

	ticks := s.TicksPerSecond()
	s.ledger.Master().RefillPartial(kbpsToBytes(s.masterKBps.Load())/ticks, ticks, fraction)

	clientDefault := s.clientKBps.Load()
	s.ledger.RangeClients(func(_ string, scope *allowance.Scope) bool {
		scope.RefillPartial(kbpsToBytes(s.effectiveRate(scope, clientDefault))/ticks, ticks, fraction)
		return true
	})
	for _, req := range requests {
		req.scope.RefillPartial(kbpsToBytes(s.effectiveRate(req.scope, clientDefault))/ticks, ticks, fraction)
	}

	if s.observer != nil {
		s.observer.ObserveTick(len(requests), s.clock.Since(start))
	}
}

// effectiveRate returns the override of scope clamped up to the minimum,
// or def when there is no override.
func (s *Scheduler) effectiveRate(scope *allowance.Scope, def int64) int64 {
	rate, ok := scope.Rate()
	if !ok {
		return def
	}
	return max(rate, s.minimumKBps.Load())
}

func kbpsToBytes(kbps int64) int64 {
	return kbps * 1024
}
