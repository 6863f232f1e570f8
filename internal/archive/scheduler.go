// Package archive freezes the live leaderboards of closed contests into durable rows.
//
// A contest moves through NoEntries -> Live -> PendingArchival -> Archived. The migration of one
// contest is: seal the live table, snapshot it, overwrite the durable rows, drop the live table,
// mark the contest archived. Every step is safe to repeat, so a sweep interrupted anywhere is
// completed by the next one.
package archive

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/victornm/contestboard/internal/domain"
	"github.com/victornm/contestboard/internal/errors"
	"github.com/victornm/contestboard/internal/event"
	"github.com/victornm/contestboard/internal/ranking"
	"github.com/victornm/contestboard/internal/telemetry"
)

const (
	DefaultInterval    = time.Hour
	defaultConcurrency = 4
)

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type Contests interface {
	Get(ctx context.Context, contestID string) (*domain.Contest, error)
	ListPendingArchival(ctx context.Context, now time.Time) ([]domain.Contest, error)
	MarkArchived(ctx context.Context, contestID string, at time.Time) error
}

type Rows interface {
	ReplaceRows(ctx context.Context, contestID string, rows []domain.ArchivedRow) error
}

type Config struct {
	EventBus      *event.Bus
	Ranking       ranking.Store
	Contests      Contests
	Rows          Rows
	Interval      time.Duration
	Concurrency   int
	Now           func() time.Time
	NewTickerFunc func(d time.Duration) Ticker
}

type Scheduler struct {
	eb          *event.Bus
	ranking     ranking.Store
	contests    Contests
	rows        Rows
	interval    time.Duration
	concurrency int
	now         func() time.Time
	newTicker   func(d time.Duration) Ticker

	inflight sync.Map

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(c Config) *Scheduler {
	s := &Scheduler{
		eb:          c.EventBus,
		ranking:     c.Ranking,
		contests:    c.Contests,
		rows:        c.Rows,
		interval:    c.Interval,
		concurrency: c.Concurrency,
		now:         c.Now,
		newTicker:   c.NewTickerFunc,
	}

	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.concurrency <= 0 {
		s.concurrency = defaultConcurrency
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newTicker == nil {
		s.newTicker = newTimeTicker
	}

	return s
}

// Start sweeps once, then once per interval until Stop is called or ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx, s.done)
}

// Stop cancels the running sweep and waits for it to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	t := s.newTicker(s.interval)
	defer t.Stop()

	slog.InfoContext(ctx, "archive: scheduler started", "interval", s.interval.String())

	for {
		s.Sweep(ctx)

		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "archive: scheduler stopped")
			return
		case <-t.C():
		}
	}
}

type SweepResult struct {
	Archived int
	Skipped  int
	Failed   int
}

// Sweep archives every closed contest that is not archived yet. A failing contest is logged and
// counted and does not stop the others; it is retried on the next sweep.
func (s *Scheduler) Sweep(ctx context.Context) SweepResult {
	var res SweepResult

	telemetry.ArchivalSweeps.Inc()

	contests, err := s.contests.ListPendingArchival(ctx, s.now())
	if err != nil {
		slog.ErrorContext(ctx, "archive: list pending contests failed", "error", err)
		telemetry.ArchivalSweepFailures.Inc()
		return res
	}

	var (
		mu sync.Mutex
		eg errgroup.Group
	)
	eg.SetLimit(s.concurrency)

	for _, c := range contests {
		if ctx.Err() != nil {
			break
		}

		eg.Go(func() error {
			archived, err := s.safeArchive(ctx, c)

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err != nil:
				res.Failed++
				telemetry.ArchivalContests.WithLabelValues(telemetry.ResultFailed).Inc()
				slog.ErrorContext(ctx, "archive: contest failed", "contest", c.ContestID, "error", err)
			case archived:
				res.Archived++
				telemetry.ArchivalContests.WithLabelValues(telemetry.ResultArchived).Inc()
			default:
				res.Skipped++
				telemetry.ArchivalContests.WithLabelValues(telemetry.ResultSkipped).Inc()
			}

			return nil
		})
	}
	_ = eg.Wait()

	if len(contests) > 0 {
		slog.InfoContext(ctx, "archive: sweep completed",
			"pending", len(contests),
			"archived", res.Archived,
			"skipped", res.Skipped,
			"failed", res.Failed,
		)
	}

	return res
}

// Archive runs the migration for one contest right away. The contest must be closed.
func (s *Scheduler) Archive(ctx context.Context, contestID string) (bool, error) {
	c, err := s.contests.Get(ctx, contestID)
	if err != nil {
		return false, err
	}

	if !c.Closed(s.now()) {
		return false, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("contest is still running: contest=%s end=%s", contestID, c.EndTime().Format(time.RFC3339)))
	}

	return s.safeArchive(ctx, *c)
}

var errInflight = stderrors.New("archive already in progress")

func (s *Scheduler) safeArchive(ctx context.Context, c domain.Contest) (archived bool, err error) {
	if _, busy := s.inflight.LoadOrStore(c.ContestID, struct{}{}); busy {
		return false, errors.New(errors.CodeFailedPrecondition, errors.WithCause(errInflight),
			errors.WithMessagef("archive already in progress: contest=%s", c.ContestID))
	}
	defer s.inflight.Delete(c.ContestID)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v, stack: %s", r, debug.Stack())
		}
	}()

	return s.archive(ctx, c)
}

// archive reports true when durable rows were written.
func (s *Scheduler) archive(ctx context.Context, c domain.Contest) (bool, error) {
	// Sealing first means an increment racing this migration is either part of the snapshot
	// below or rejected to its caller.
	if err := s.ranking.Seal(ctx, c.ContestID); err != nil {
		return false, fmt.Errorf("seal: %w", err)
	}

	ok, err := s.ranking.Exists(ctx, c.ContestID)
	if err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}

	if !ok {
		return false, s.markArchived(ctx, c.ContestID)
	}

	entries, err := s.ranking.TopN(ctx, c.ContestID, 0)
	if err != nil {
		return false, fmt.Errorf("snapshot: %w", err)
	}

	// A concurrent run removed the table between Exists and TopN; its rows are already durable.
	if len(entries) == 0 {
		return false, nil
	}

	rows := make([]domain.ArchivedRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, domain.ArchivedRow{
			ContestID: c.ContestID,
			UserID:    e.UserID,
			Rank:      e.Rank,
			Points:    e.Points,
		})
	}

	if err := s.rows.ReplaceRows(ctx, c.ContestID, rows); err != nil {
		return false, fmt.Errorf("replace rows: %w", err)
	}

	if err := s.ranking.Remove(ctx, c.ContestID); err != nil {
		return false, fmt.Errorf("remove live entries: %w", err)
	}

	if err := s.markArchived(ctx, c.ContestID); err != nil {
		return false, err
	}

	slog.InfoContext(ctx, "archive: contest archived", "contest", c.ContestID, "rows", len(rows))

	if s.eb != nil {
		s.eb.Publish(ctx, domain.EventContestArchived{
			ContestID: c.ContestID,
			Rows:      len(rows),
		})
	}

	return true, nil
}

func (s *Scheduler) markArchived(ctx context.Context, contestID string) error {
	if err := s.contests.MarkArchived(ctx, contestID, s.now()); err != nil {
		return fmt.Errorf("mark archived: %w", err)
	}
	return nil
}

type timeTicker struct {
	t *time.Ticker
}

func newTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

func (t timeTicker) C() <-chan time.Time { return t.t.C }

func (t timeTicker) Stop() { t.t.Stop() }
