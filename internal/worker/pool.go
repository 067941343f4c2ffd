package worker

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Pool bounds how many payroll runs execute at once.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size)}
}

func (p *Pool) acquire(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) release() { <-p.sem }

// Do runs fn on the calling goroutine once a slot is free.
func (p *Pool) Do(ctx context.Context, fn func(context.Context)) error {
	if err := p.acquire(ctx); err != nil {
		return err
	}
	p.wg.Add(1)
	defer func() {
		p.release()
		p.wg.Done()
	}()
	run(ctx, fn)
	return nil
}

// Go runs fn on a new goroutine once a slot is free. It blocks while the pool
// is saturated.
func (p *Pool) Go(ctx context.Context, fn func(context.Context)) error {
	if err := p.acquire(ctx); err != nil {
		return err
	}
	p.wg.Add(1)
	go func() {
		defer func() {
			p.release()
			p.wg.Done()
		}()
		run(ctx, fn)
	}()
	return nil
}

// Wait blocks until every started function has returned.
func (p *Pool) Wait() { p.wg.Wait() }

// InFlight reports the number of occupied slots.
func (p *Pool) InFlight() int { return len(p.sem) }

func run(ctx context.Context, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("worker recovered from panic")
		}
	}()
	fn(ctx)
}
