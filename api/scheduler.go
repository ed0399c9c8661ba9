/*
scheduler.go - Automated monthly draft generation

PURPOSE:
  Generates the DRAFT records of the current month on a cron schedule so
  supervisors find drafts ready to review. CLOSED records are skipped by
  the engine, so a run never touches finished payroll.

DESIGN:
  - robfig/cron drives the schedule (standard 5-field spec, UTC)
  - Overlapping runs are skipped, not queued
  - Each run logs the batch counts per outcome

CONFIGURATION:
  - Spec:    Cron spec (default: "0 2 1 * *", 02:00 UTC on the 1st)
  - Enabled: Whether the scheduler starts at all

USAGE:
  scheduler, err := NewDraftScheduler(engine, spec, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - payroll/engine.go: GeneratePeriod
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/warp/varpay/payroll"
)

// DefaultSchedulerSpec runs at 02:00 UTC on the first day of each month.
const DefaultSchedulerSpec = "0 2 1 * *"

// PeriodGenerator is the part of payroll.Engine the scheduler drives.
type PeriodGenerator interface {
	GeneratePeriod(ctx context.Context, year int, month time.Month) (payroll.BatchReport, error)
}

// DraftScheduler generates monthly drafts on a cron schedule.
type DraftScheduler struct {
	engine  PeriodGenerator
	log     *zap.Logger
	now     func() time.Time
	timeout time.Duration

	cron *cron.Cron
	mu   sync.Mutex
	runs int
}

// NewDraftScheduler creates a scheduler. An empty spec uses
// DefaultSchedulerSpec.
func NewDraftScheduler(engine PeriodGenerator, spec string, log *zap.Logger) (*DraftScheduler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if spec == "" {
		spec = DefaultSchedulerSpec
	}
	s := &DraftScheduler{
		engine:  engine,
		log:     log.Named("scheduler"),
		now:     time.Now,
		timeout: 10 * time.Minute,
	}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("invalid scheduler spec %q: %w", spec, err)
	}
	return s, nil
}

// Start begins the scheduler in the background.
func (s *DraftScheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started", zap.Time("next_run", s.NextRun()))
}

// Stop stops the scheduler and waits for a running job to finish.
func (s *DraftScheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// NextRun returns when the next scheduled run will occur. Zero before Start.
func (s *DraftScheduler) NextRun() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Runs returns how many runs have completed.
func (s *DraftScheduler) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

func (s *DraftScheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.RunOnce(ctx); err != nil {
		s.log.Error("scheduled generation failed", zap.Error(err))
	}
}

// RunOnce generates the drafts of the current month.
func (s *DraftScheduler) RunOnce(ctx context.Context) (payroll.BatchReport, error) {
	period := payroll.PeriodOf(s.now())
	report, err := s.engine.GeneratePeriod(ctx, period.Year, period.Month)
	if err != nil {
		return report, err
	}

	s.mu.Lock()
	s.runs++
	s.mu.Unlock()

	fields := []zap.Field{zap.String("period", period.String())}
	for outcome, n := range report.Counts {
		fields = append(fields, zap.Int(string(outcome), n))
	}
	s.log.Info("drafts generated", fields...)
	return report, nil
}
