package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"payrolld/internal/domain"
	"payrolld/internal/metrics"
	"payrolld/internal/worker"
)

// RunFunc is invoked with a payroll id each time its cron entry fires.
type RunFunc func(ctx context.Context, payrollID string)

type entry struct {
	id     cron.EntryID
	expr   string
	cancel context.CancelFunc
}

// Registry keeps exactly one live cron entry per scheduled payroll. Entries
// are rebuilt from durable rows on every start.
type Registry struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]entry
	run     RunFunc
	pool    *worker.Pool
	base    context.Context
	cancel  context.CancelFunc
	logger  zerolog.Logger
}

func NewRegistry(run RunFunc, pool *worker.Pool) *Registry {
	logger := log.With().Str("component", "schedule-registry").Logger()
	base, cancel := context.WithCancel(context.Background())
	cl := cronLogger{logger}
	return &Registry{
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		entries: make(map[string]entry),
		run:     run,
		pool:    pool,
		base:    base,
		cancel:  cancel,
		logger:  logger,
	}
}

func (r *Registry) Start() { r.cron.Start() }

// Stop halts the timer service and cancels in-flight runs. The returned
// context is done once running jobs have returned.
func (r *Registry) Stop() context.Context {
	ctx := r.cron.Stop()
	r.cancel()
	return ctx
}

// Schedule replaces whatever entry p currently has with one for its cron
// expression. An empty expression only cancels. A malformed expression leaves
// the payroll unscheduled and returns an error wrapping ErrInvalidSchedule.
// An entry already running the same expression is left alone, so a run in
// progress is not cancelled.
func (r *Registry) Schedule(p domain.Payroll) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[p.ID]; ok && p.CronExpression != "" && e.expr == p.CronExpression {
		return nil
	}
	r.cancelLocked(p.ID)
	if p.CronExpression == "" {
		return nil
	}

	sched, err := parseCron(p.CronExpression)
	if err != nil {
		r.logger.Error().Err(err).Str("payroll_id", p.ID).Msg("payroll left unscheduled")
		return err
	}

	ctx, cancel := context.WithCancel(r.base)
	id := p.ID
	job := cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if err := r.pool.Do(ctx, func(ctx context.Context) { r.run(ctx, id) }); err != nil {
			r.logger.Debug().Err(err).Str("payroll_id", id).Msg("scheduled run dropped")
		}
	})
	r.entries[id] = entry{id: r.cron.Schedule(sched, job), expr: p.CronExpression, cancel: cancel}
	metrics.ScheduledPayrolls.Set(float64(len(r.entries)))

	r.logger.Info().
		Str("payroll_id", id).
		Str("cron_expr", p.CronExpression).
		Time("next_run", sched.Next(time.Now())).
		Msg("payroll scheduled")
	return nil
}

// Cancel removes the payroll's entry, if any, and cancels a run in progress.
func (r *Registry) Cancel(payrollID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelLocked(payrollID)
}

func (r *Registry) cancelLocked(payrollID string) {
	e, ok := r.entries[payrollID]
	if !ok {
		return
	}
	r.cron.Remove(e.id)
	e.cancel()
	delete(r.entries, payrollID)
	metrics.ScheduledPayrolls.Set(float64(len(r.entries)))
	r.logger.Info().Str("payroll_id", payrollID).Str("cron_expr", e.expr).Msg("payroll schedule cancelled")
}

// ResyncAll schedules every automatic payroll and returns how many got a
// live entry. Failures are logged per payroll.
func (r *Registry) ResyncAll(payrolls []domain.Payroll) int {
	n := 0
	for _, p := range payrolls {
		if !p.Automatic {
			continue
		}
		if err := r.Schedule(p); err != nil {
			continue
		}
		if r.Scheduled(p.ID) {
			n++
		}
	}
	r.logger.Info().Int("payrolls", len(payrolls)).Int("scheduled", n).Msg("schedules resynced")
	return n
}

func (r *Registry) Scheduled(payrollID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[payrollID]
	return ok
}

// Expression returns the cron expression of the payroll's live entry.
func (r *Registry) Expression(payrollID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[payrollID]
	return e.expr, ok
}

// Next returns the next fire time of the payroll's entry. It is zero until
// the timer service has been started.
func (r *Registry) Next(payrollID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[payrollID]
	if !ok {
		return time.Time{}, false
	}
	return r.cron.Entry(e.id).Next, true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

type cronLogger struct{ l zerolog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
