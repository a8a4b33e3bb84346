// Package scheduler runs collection and reserve-ratio updates on cron
// schedules and answers chat commands.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"KRScreener/internal/asof"
	"KRScreener/internal/common"
	"KRScreener/internal/model"
	"KRScreener/internal/notifier"
	"KRScreener/internal/screener"
	"KRScreener/internal/store"
)

// ErrAlreadyRunning is returned when a job of the same kind is in progress.
var ErrAlreadyRunning = errors.New("job already running")

// KST is the exchange's time zone; schedules and as-of dates follow it.
var KST = time.FixedZone("KST", 9*60*60)

const (
	sendRetries = 3
	screenLimit = 10
)

// BatchRunner runs one collection batch.
type BatchRunner interface {
	Run(ctx context.Context, asOf time.Time) (*model.BatchResult, error)
}

// SnapshotBuilder recomputes the snapshot of one date.
type SnapshotBuilder interface {
	Rebuild(ctx context.Context, asOf time.Time) (int, error)
}

// ReserveUpdater refreshes reserve ratios.
type ReserveUpdater interface {
	UpdateReserveRatios(ctx context.Context, tickers []string) (int, error)
}

// Sender delivers a report.
type Sender interface {
	SendWithRetry(ctx context.Context, text string, maxRetries int) error
}

// Deps wires the scheduler. Reserve and Sender may be nil.
type Deps struct {
	Collector BatchRunner
	Builder   SnapshotBuilder
	Reserve   ReserveUpdater
	Resolver  *asof.Resolver
	Store     *store.Store
	Sender    Sender
}

// Scheduler manages all cron tasks.
type Scheduler struct {
	cron   *cron.Cron
	deps   Deps
	ctx    context.Context
	logger *common.Logger
	now    func() time.Time

	collectMu sync.Mutex
	reserveMu sync.Mutex
}

// NewScheduler creates a new Scheduler. ctx bounds every job it starts.
func NewScheduler(ctx context.Context, deps Deps, logger *common.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds(), cron.WithLocation(KST)),
		deps:   deps,
		ctx:    ctx,
		logger: logger.Component("scheduler"),
		now:    time.Now,
	}
}

// RegisterAll registers the collection and reserve-ratio jobs. An empty
// reserveCron or a nil reserve updater skips the reserve job.
func (s *Scheduler) RegisterAll(collectCron, reserveCron string) error {
	if _, err := s.cron.AddFunc(collectCron, s.collectTask); err != nil {
		return fmt.Errorf("register collect task: %w", err)
	}
	if reserveCron != "" && s.deps.Reserve != nil {
		if _, err := s.cron.AddFunc(reserveCron, s.reserveTask); err != nil {
			return fmt.Errorf("register reserve task: %w", err)
		}
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Int("jobs", len(s.cron.Entries())).Msg("scheduler started")
}

// Stop stops the cron scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("scheduler stopped")
}

// Today returns the current KST calendar day.
func (s *Scheduler) Today() time.Time {
	return model.Day(s.now().In(KST))
}

// RunCollect runs one collection batch for today. Overlapping calls return
// ErrAlreadyRunning.
func (s *Scheduler) RunCollect(ctx context.Context) (*model.BatchResult, error) {
	if !s.collectMu.TryLock() {
		return nil, ErrAlreadyRunning
	}
	defer s.collectMu.Unlock()

	s.logger.Info().Str("asof", model.FormatDate(s.Today())).Msg("running collection")
	return s.deps.Collector.Run(ctx, s.Today())
}

// RunReserve refreshes reserve ratios of every active ticker.
func (s *Scheduler) RunReserve(ctx context.Context) (int, error) {
	if s.deps.Reserve == nil {
		return 0, errors.New("reserve-ratio updates are disabled")
	}
	if !s.reserveMu.TryLock() {
		return 0, ErrAlreadyRunning
	}
	defer s.reserveMu.Unlock()
	return s.deps.Reserve.UpdateReserveRatios(ctx, nil)
}

// RunRecompute rebuilds the snapshot of the latest trading day.
func (s *Scheduler) RunRecompute(ctx context.Context) (time.Time, int, error) {
	// Shares the collection lock so a rebuild never races a batch.
	if !s.collectMu.TryLock() {
		return time.Time{}, 0, ErrAlreadyRunning
	}
	defer s.collectMu.Unlock()

	latest, err := s.deps.Store.LatestPriceDate(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return time.Time{}, 0, asof.ErrNoPriceData
	}
	if err != nil {
		return time.Time{}, 0, err
	}
	n, err := s.deps.Builder.Rebuild(ctx, latest)
	return latest, n, err
}

func (s *Scheduler) collectTask() {
	res, err := s.RunCollect(s.ctx)
	if errors.Is(err, ErrAlreadyRunning) {
		s.logger.Warn().Msg("collection still running, skipping this tick")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("collection failed")
		s.trySend(fmt.Sprintf("❌ Collection failed: %v", err))
		if res == nil {
			return
		}
	}
	s.trySend(notifier.FormatBatchResult(res))
}

func (s *Scheduler) reserveTask() {
	n, err := s.RunReserve(s.ctx)
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		s.logger.Warn().Msg("reserve update still running, skipping this tick")
	case err != nil:
		s.logger.Error().Err(err).Msg("reserve update failed")
		s.trySend(fmt.Sprintf("❌ Reserve-ratio update failed: %v", err))
	default:
		s.trySend(fmt.Sprintf("✅ Reserve ratios updated: %d rows", n))
	}
}

// HandleCommand processes a chat command and returns a reply.
func (s *Scheduler) HandleCommand(ctx context.Context, command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return notifier.HelpText()
	}
	switch fields[0] {
	case "/status":
		res, err := s.deps.Resolver.Resolve(ctx)
		if err != nil {
			return fmt.Sprintf("❌ %v", err)
		}
		return notifier.FormatResolution(res)
	case "/jobs":
		jobs, err := s.deps.Store.RecentJobs(ctx, 10)
		if err != nil {
			return fmt.Sprintf("❌ %v", err)
		}
		return notifier.FormatJobs(jobs)
	case "/screen":
		if len(fields) < 2 {
			return "Usage: /screen &lt;preset&gt;"
		}
		return s.screen(ctx, fields[1])
	case "/collect":
		res, err := s.RunCollect(ctx)
		if err != nil && res == nil {
			return fmt.Sprintf("❌ %v", err)
		}
		return notifier.FormatBatchResult(res)
	case "/recompute":
		day, n, err := s.RunRecompute(ctx)
		if err != nil {
			return fmt.Sprintf("❌ %v", err)
		}
		return fmt.Sprintf("✅ Snapshot %s rebuilt: %d rows", model.FormatDate(day), n)
	case "/reserve":
		n, err := s.RunReserve(ctx)
		if err != nil {
			return fmt.Sprintf("❌ %v", err)
		}
		return fmt.Sprintf("✅ Reserve ratios updated: %d rows", n)
	default:
		return notifier.HelpText()
	}
}

func (s *Scheduler) screen(ctx context.Context, preset string) string {
	sel, err := screener.PresetSelection(preset)
	if err != nil {
		return fmt.Sprintf("❌ %v", err)
	}
	res, err := s.deps.Resolver.Resolve(ctx)
	if err != nil {
		return fmt.Sprintf("❌ %v", err)
	}
	rows, err := s.deps.Store.LoadSnapshot(ctx, res.Date)
	if err != nil {
		return fmt.Sprintf("❌ %v", err)
	}
	matched, err := screener.Apply(rows, sel)
	if err != nil {
		return fmt.Sprintf("❌ %v", err)
	}
	if err := screener.Sort(matched, "avg_value_20d", false); err != nil {
		return fmt.Sprintf("❌ %v", err)
	}
	return notifier.FormatScreen(preset, model.FormatDate(res.Date), matched, screenLimit)
}

func (s *Scheduler) trySend(text string) {
	if s.deps.Sender == nil {
		return
	}
	if err := s.deps.Sender.SendWithRetry(s.ctx, text, sendRetries); err != nil {
		s.logger.Error().Err(err).Msg("failed to send notification")
	}
}
