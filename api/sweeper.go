/*
sweeper.go - Background maintenance scheduler

PURPOSE:
  Periodically runs the engine's maintenance sweeps: expiring stale
  holds, activating matured earn lots, burning expired lots, and
  purging old idempotency claims.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each sweep is independent; one failing does not stop the others
  - Safe to run alongside other instances: every state change is gated
    by a status-checked UPDATE, so concurrent sweepers cannot double-apply

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 minute)
  - Enabled: Whether the sweeper is active (default: true)

USAGE:
  sweeper := NewSweeper(engine)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - loyalty/sweep.go: the sweep implementations
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/warp/loyalty-engine/loyalty"
)

// Sweeper drives the periodic maintenance sweeps.
type Sweeper struct {
	Engine        *loyalty.Engine
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweeper creates a new sweeper.
func NewSweeper(engine *loyalty.Engine) *Sweeper {
	return &Sweeper{
		Engine:        engine,
		CheckInterval: 1 * time.Minute,
		Enabled:       true,
		stop:          make(chan bool),
	}
}

// Start begins the sweeper.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		log.Println("[Sweeper] Disabled, not starting")
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)

	go s.run()

	log.Printf("[Sweeper] Started with check interval: %v", s.CheckInterval)
}

// Stop stops the sweeper.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		log.Println("[Sweeper] Stopped")
	}
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.sweep()

	for {
		select {
		case <-s.ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *Sweeper) sweep() {
	ctx := context.Background()
	now := time.Now().UTC()

	expired, err := s.Engine.SweepExpiredHolds(ctx, now)
	if err != nil {
		log.Printf("[Sweeper] Error expiring holds: %v", err)
	} else if expired > 0 {
		log.Printf("[Sweeper] Expired %d stale holds", expired)
	}

	matured, err := s.Engine.SweepMaturedLots(ctx, now)
	if err != nil {
		log.Printf("[Sweeper] Error maturing lots: %v", err)
	} else if matured > 0 {
		log.Printf("[Sweeper] Activated %d matured lots", matured)
	}

	burned, err := s.Engine.SweepExpiredLots(ctx, now)
	if err != nil {
		log.Printf("[Sweeper] Error expiring lots: %v", err)
	} else if burned > 0 {
		log.Printf("[Sweeper] Burned %d expired lots", burned)
	}

	purged, err := s.Engine.PurgeIdempotency(ctx, now)
	if err != nil {
		log.Printf("[Sweeper] Error purging idempotency claims: %v", err)
	} else if purged > 0 {
		log.Printf("[Sweeper] Purged %d expired idempotency claims", purged)
	}
}

// RunNow triggers an immediate sweep (for testing/admin).
func (s *Sweeper) RunNow() {
	s.sweep()
}
