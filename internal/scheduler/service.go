package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"payrolld/internal/domain"
	"payrolld/internal/metrics"
	"payrolld/internal/worker"
)

type Store interface {
	GetPayroll(ctx context.Context, id string) (domain.Payroll, error)
	ListFrequencyPayrolls(ctx context.Context) ([]domain.Payroll, error)
	SavePayrollRun(ctx context.Context, p domain.Payroll) error
}

// Processor computes and dispatches one payroll run. It may update
// p.TotalSalary.
type Processor interface {
	Process(ctx context.Context, p *domain.Payroll) error
}

// Service runs payrolls and moves them between payment states.
type Service struct {
	repo      Store
	processor Processor
	pool      *worker.Pool
	stop      chan struct{}
	stopOnce  sync.Once
	interval  time.Duration
	locks     keyedMutex
	logger    zerolog.Logger

	// Now is the clock used for run dates.
	Now func() time.Time
}

func NewService(repo Store, processor Processor, pool *worker.Pool, checkInterval time.Duration) *Service {
	return &Service{
		repo:      repo,
		processor: processor,
		pool:      pool,
		stop:      make(chan struct{}),
		interval:  checkInterval,
		locks:     keyedMutex{locks: make(map[string]*refMutex)},
		logger:    log.With().Str("component", "payroll-scheduler").Logger(),
		Now:       time.Now,
	}
}

// Start sweeps fixed-frequency payrolls every interval until ctx is done or
// Stop is called.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("payroll sweep started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Sweep runs every due fixed-frequency payroll and waits for them. It returns
// the number of payrolls started.
func (s *Service) Sweep(ctx context.Context) int {
	payrolls, err := s.repo.ListFrequencyPayrolls(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list payrolls for sweep")
		return 0
	}

	today := domain.DateOf(s.Now())
	var wg sync.WaitGroup
	started := 0
	for _, p := range payrolls {
		if !ShouldRun(p, today) {
			s.logger.Debug().Str("payroll_id", p.ID).Msg("payroll not due")
			continue
		}
		id := p.ID
		wg.Add(1)
		err := s.pool.Go(ctx, func(ctx context.Context) {
			defer wg.Done()
			if _, err := s.runIfDue(ctx, id); err != nil {
				s.logger.Error().Err(err).Str("payroll_id", id).Msg("sweep run failed")
			}
		})
		if err != nil {
			wg.Done()
			s.logger.Warn().Err(err).Msg("sweep interrupted")
			break
		}
		started++
	}
	wg.Wait()
	return started
}

// runIfDue re-checks eligibility under the payroll lock so overlapping sweeps
// cannot run the same period twice.
func (s *Service) runIfDue(ctx context.Context, id string) (bool, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	p, err := s.repo.GetPayroll(ctx, id)
	if err != nil {
		return false, fmt.Errorf("load payroll: %w", err)
	}
	if !ShouldRun(p, domain.DateOf(s.Now())) {
		s.logger.Debug().Str("payroll_id", id).Msg("payroll already ran this period")
		return false, nil
	}
	_, err = s.execute(ctx, p)
	return true, err
}

// Run executes one payroll run for id. Processing failures are recorded as
// FAILED on the payroll and are not returned; only load or persist errors are.
func (s *Service) Run(ctx context.Context, id string) (domain.Payroll, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	p, err := s.repo.GetPayroll(ctx, id)
	if err != nil {
		return domain.Payroll{}, fmt.Errorf("load payroll: %w", err)
	}
	return s.execute(ctx, p)
}

// RunScheduled adapts Run to the registry callback.
func (s *Service) RunScheduled(ctx context.Context, id string) {
	if _, err := s.Run(ctx, id); err != nil {
		s.logger.Error().Err(err).Str("payroll_id", id).Msg("scheduled run failed")
	}
}

func (s *Service) execute(ctx context.Context, p domain.Payroll) (domain.Payroll, error) {
	today := domain.DateOf(s.Now())
	start, lastRun, end := today, today, today
	p.PayPeriodStart = &start
	p.LastRunDate = &lastRun

	logger := s.logger.With().Str("payroll_id", p.ID).Str("payroll_name", p.Name).Logger()
	logger.Info().Time("date", today).Msg("payroll run started")

	if err := s.process(ctx, &p); err != nil {
		p.PaymentStatus = domain.PaymentFailed
		logger.Error().Err(err).Msg("payroll run failed")
	} else {
		p.PaymentStatus = domain.PaymentPaid
		logger.Info().Str("total_salary", p.TotalSalary.String()).Msg("payroll paid")
	}
	p.PayPeriodEnd = &end

	// The run must be recorded even if the trigger was cancelled mid-flight.
	if err := s.repo.SavePayrollRun(context.WithoutCancel(ctx), p); err != nil {
		return p, fmt.Errorf("persist payroll run: %w", err)
	}
	metrics.PayrollRuns.WithLabelValues(string(p.PaymentStatus)).Inc()
	return p, nil
}

func (s *Service) process(ctx context.Context, p *domain.Payroll) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &domain.ProcessingError{PayrollID: p.ID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := s.processor.Process(ctx, p); err != nil {
		return &domain.ProcessingError{PayrollID: p.ID, Err: err}
	}
	return nil
}

type refMutex struct {
	sync.Mutex
	refs int
}

// keyedMutex hands out one mutex per key. A key's mutex is dropped once no
// caller holds or waits on it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
