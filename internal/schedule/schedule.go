// Package schedule implements the ingest coordinator of spec.md §5: it
// drives one or more store adapters through a crawl session, running
// stores in parallel while serializing items within a single store (site
// politeness, shared browser session), and triggers sessions on the
// configured nominal interval.
//
// Grounded on the teacher's go.mod (golang.org/x/sync/errgroup is
// already a direct dependency there, used for the teacher's own
// concurrent per-region scans) for the fan-out/cancellation shape, and
// on other_examples/DarkKaiser-notify-server (a notify-server with a
// cron-scheduled crawl loop in the same domain) for periodic scheduling
// via github.com/robfig/cron/v3.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"price-watch/internal/ingest"
	"price-watch/internal/logger"
	"price-watch/internal/store"
)

// Adapter is the out-of-scope per-store acquisition boundary (spec.md
// §6.1): given a session context, return the normalized CheckedItems
// this store's crawler produced. HTML scrapers, REST clients, and
// search-based wrappers implement this; their internals are out of
// scope for the core.
type Adapter interface {
	StoreName() string
	Check(ctx context.Context) ([]ingest.CheckedItem, error)
}

// ThresholdsFor resolves the detection thresholds (de-dup window,
// windows, currency rate) that apply to a given store. Left as a
// function rather than a single shared value because currency_rate
// varies by store (spec.md §6.3).
type ThresholdsFor func(storeName string) ingest.Thresholds

// Coordinator drives one crawl session across every registered adapter.
// It is the sole caller of internal/ingest.Ingest in the steady-state
// path (spec.md §2's "Adapter → sample → C3").
type Coordinator struct {
	store         *store.Store
	notifier      ingest.Notifier
	adapters      []Adapter
	thresholdsFor ThresholdsFor
	itemPacing    time.Duration
}

// NewCoordinator constructs a Coordinator. itemPacing is the
// inter-request pacing delay applied between items within a single
// store (spec.md §5); it is a core concern only insofar as it bounds how
// long RunSession takes — adapters still own their own request timeouts.
func NewCoordinator(s *store.Store, notifier ingest.Notifier, adapters []Adapter, thresholdsFor ThresholdsFor, itemPacing time.Duration) *Coordinator {
	return &Coordinator{
		store:         s,
		notifier:      notifier,
		adapters:      adapters,
		thresholdsFor: thresholdsFor,
		itemPacing:    itemPacing,
	}
}

// RunSession runs one full crawl session: every adapter's store is
// checked concurrently (errgroup), but within a single store items are
// ingested strictly serially, one logical
// acquire→snapshot→detect→write→notify sequence at a time (spec.md §5).
// One store's adapter failing does not abort the session for the
// others — it is logged and the session continues, matching spec.md
// §7's "no error escapes the ingest loop to halt the whole session".
func (c *Coordinator) RunSession(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range c.adapters {
		g.Go(func() error {
			c.runStore(gctx, a)
			return nil
		})
	}
	return g.Wait()
}

func (c *Coordinator) runStore(ctx context.Context, a Adapter) {
	items, err := a.Check(ctx)
	if err != nil {
		logger.Error("Schedule", fmt.Sprintf("%s: adapter check failed: %v", a.StoreName(), err))
		return
	}

	th := c.thresholdsFor(a.StoreName())

	for i, item := range items {
		select {
		case <-ctx.Done():
			// Cancellation is checked cooperatively between items, not
			// mid-adapter (spec.md §5): an in-flight item always
			// finishes its logical sequence.
			return
		default:
		}

		if _, err := ingest.Ingest(ctx, c.store, c.notifier, item, th, time.Now()); err != nil {
			logger.Error("Schedule", fmt.Sprintf("%s: ingest failed for %s: %v", a.StoreName(), item.Name, err))
			continue
		}

		if i < len(items)-1 && c.itemPacing > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.itemPacing):
			}
		}
	}
}

// Scheduler triggers Coordinator.RunSession on the nominal
// check.interval_sec spacing (spec.md §6.3), via a cron schedule
// expressed as "@every Ns" rather than a hand-rolled ticker loop.
type Scheduler struct {
	cron        *cron.Cron
	coordinator *Coordinator
	intervalSec int
}

// NewScheduler constructs a Scheduler. intervalSec must be positive.
func NewScheduler(intervalSec int, coordinator *Coordinator) *Scheduler {
	return &Scheduler{
		cron:        cron.New(),
		coordinator: coordinator,
		intervalSec: intervalSec,
	}
}

// Start registers the recurring crawl session and begins the cron
// scheduler's own goroutine. Session runs use ctx for cancellation; a
// session already in flight when ctx is cancelled is allowed to drain
// between items per RunSession's cooperative cancellation.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %ds", s.intervalSec), func() {
		logger.Section("Crawl session")
		if err := s.coordinator.RunSession(ctx); err != nil {
			logger.Error("Schedule", fmt.Sprintf("crawl session error: %v", err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule crawl session: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-progress invocation of
// the scheduled func to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
