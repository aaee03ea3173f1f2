// Package scheduler owns the control loop: tick timing from the poll preset,
// the working-hours gate, session-error backoff, forced runs, and the
// scrape -> classify -> dedup -> dispatch pipeline.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"scrapius/internal/config"
	"scrapius/internal/dispatch"
	"scrapius/internal/eventbus"
	"scrapius/internal/feed"
	"scrapius/internal/filter"
	"scrapius/internal/scrape"
	"scrapius/pkg/logx"
)

// ErrStoreFatal means a processed record could not be committed after a
// successful dispatch. Continuing would risk duplicate delivery, so this is
// the one error that takes the process down.
var ErrStoreFatal = errors.New("scheduler: failed to record processed item after dispatch")

const (
	backoffBase = 30 * time.Second
	backoffMax  = 15 * time.Minute
)

// Session is the slice of the session manager the scheduler needs.
type Session interface {
	EnsureAuthenticated(ctx context.Context, mode string) error
}

// Classifier is the filter engine boundary.
type Classifier interface {
	Classify(ctx context.Context, item feed.Candidate, prompts feed.PromptPair) (filter.Decision, error)
}

// Ledger is the slice of the store the scheduler needs.
type Ledger interface {
	HasSeen(ctx context.Context, id string) (bool, error)
	MarkSeen(ctx context.Context, rec feed.ProcessedRecord) error
	ProcessedSince(ctx context.Context, since time.Time) ([]feed.ProcessedRecord, error)
}

// Deliverer is the dispatcher boundary.
type Deliverer interface {
	Deliver(ctx context.Context, itemID, text string, recipients []int64) ([]dispatch.Outcome, error)
}

// CycleResult summarizes one pass.
type CycleResult struct {
	StartedAt time.Time
	Duration  time.Duration

	// SkippedReason is set when the cycle did no work (outside working
	// hours, manual login pending, session failure).
	SkippedReason string

	Seen     int
	Accepted int
	Rejected int
	Errors   int
}

type Options struct {
	Snapshot   func() *config.Config
	Session    Session
	Scraper    scrape.Scraper
	Classifier Classifier
	Ledger     Ledger
	Dispatcher Deliverer
	Bus        eventbus.Bus
	Log        logx.Logger
	// Now is overridable in tests.
	Now func() time.Time
	// Sleep is overridable in tests (inter-source delay).
	Sleep func(ctx context.Context, d time.Duration) error
}

type Scheduler struct {
	snapshot   func() *config.Config
	session    Session
	scraper    scrape.Scraper
	classifier Classifier
	ledger     Ledger
	dispatcher Deliverer
	bus        eventbus.Bus
	log        logx.Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error

	// force coalesces operator-triggered runs: at most one pending.
	force chan struct{}

	mu         sync.Mutex
	backoff    time.Duration
	lastResult *CycleResult
	nextTickAt time.Time
}

func New(opts Options) *Scheduler {
	s := &Scheduler{
		snapshot:   opts.Snapshot,
		session:    opts.Session,
		scraper:    opts.Scraper,
		classifier: opts.Classifier,
		ledger:     opts.Ledger,
		dispatcher: opts.Dispatcher,
		bus:        opts.Bus,
		log:        opts.Log,
		now:        opts.Now,
		sleep:      opts.Sleep,
		force:      make(chan struct{}, 1),
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.sleep == nil {
		s.sleep = func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		}
	}
	return s
}

// ForceRun queues an immediate cycle. It never interrupts a cycle already in
// progress; the run happens right after. Multiple calls coalesce into one.
func (s *Scheduler) ForceRun() {
	select {
	case s.force <- struct{}{}:
	default:
	}
}

// Status returns the last cycle result (nil before the first cycle) and the
// next scheduled tick time.
func (s *Scheduler) Status() (last *CycleResult, nextTick time.Time, backoff time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResult, s.nextTickAt, s.backoff
}

// Run is the tick loop. It exits on ctx cancellation or on ErrStoreFatal.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		wait := s.snapshot().Runtime.PollInterval()
		s.mu.Lock()
		if s.backoff > 0 {
			wait = s.backoff
		}
		s.nextTickAt = s.now().Add(wait)
		s.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		case <-s.force:
			timer.Stop()
			s.log.Info("forced cycle")
		}

		res, err := s.RunCycle(ctx)
		if errors.Is(err, ErrStoreFatal) {
			return err
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("cycle finished with error", logx.Err(err))
		}

		s.mu.Lock()
		s.lastResult = &res
		s.mu.Unlock()
	}
}

// noteSessionFailure doubles the backoff applied to the next tick only.
func (s *Scheduler) noteSessionFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backoff == 0 {
		s.backoff = backoffBase
		return
	}
	s.backoff *= 2
	if s.backoff > backoffMax {
		s.backoff = backoffMax
	}
}

func (s *Scheduler) resetBackoff() {
	s.mu.Lock()
	s.backoff = 0
	s.mu.Unlock()
}

func (s *Scheduler) publish(typ string, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}
