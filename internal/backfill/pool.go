package backfill

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/crmstore/internal/docstore"
)

// outcome is the result of processing one document.
type outcome int

const (
	outcomeMigrated outcome = iota
	outcomeSkipped
	outcomeFailed
)

func (o outcome) String() string {
	switch o {
	case outcomeMigrated:
		return "migrated"
	case outcomeSkipped:
		return "skipped"
	default:
		return "failed"
	}
}

// counts accumulates outcomes from concurrent workers.
type counts struct {
	migrated, skipped, failed atomic.Int64
}

func (c *counts) add(operation string, o outcome) {
	switch o {
	case outcomeMigrated:
		c.migrated.Add(1)
	case outcomeSkipped:
		c.skipped.Add(1)
	default:
		c.failed.Add(1)
	}
	documentsProcessed.WithLabelValues(operation, o.String()).Inc()
}

func (c *counts) apply(r *Report) {
	r.Migrated += c.migrated.Load()
	r.Skipped += c.skipped.Load()
	r.Failed += c.failed.Load()
}

// pool runs at most cap(sem) handlers at once, optionally throttled.
type pool struct {
	sem     chan struct{}
	limiter *rate.Limiter
	wg      sync.WaitGroup
}

func newPool(workers int, ratePerSec float64) *pool {
	p := &pool{sem: make(chan struct{}, workers)}
	if ratePerSec > 0 {
		burst := int(ratePerSec)
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(ratePerSec), burst)
	}
	return p
}

// submit blocks until a worker slot is free, then runs fn on doc. It
// returns ctx's error when cancelled while waiting.
func (p *pool) submit(ctx context.Context, doc docstore.Document, fn func(context.Context, docstore.Document)) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()
		fn(ctx, doc)
	}()
	return nil
}

func (p *pool) wait() {
	p.wg.Wait()
}
