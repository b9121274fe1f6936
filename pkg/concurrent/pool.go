package concurrent

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrClosed    = errors.New("pool is closed")
	ErrExhausted = errors.New("no free slot in pool")
)

// Factory creates a new pooled item.
type Factory[T any] func(ctx context.Context) (T, error)

// Resource is what the pool needs from its items.
type Resource interface {
	Close() error
	Healthy() bool
}

// PoolConfig bounds the pool
type PoolConfig struct {
	// Size is the maximum number of items checked out or idle at once.
	Size int
	// AcquireTimeout bounds the wait for a free slot. Zero waits on ctx only.
	AcquireTimeout time.Duration
	// IdleTimeout discards idle items older than this. Zero keeps them forever.
	IdleTimeout time.Duration
}

type idleItem[T Resource] struct {
	item  T
	since time.Time
}

// Pool is a bounded checkout/checkin pool. Every checked out item serves a
// single caller until it is released.
type Pool[T Resource] struct {
	cfg   PoolConfig
	newFn Factory[T]
	slots chan struct{}

	mu     sync.Mutex
	idle   []idleItem[T]
	inUse  int
	closed bool

	now func() time.Time
}

// Stats is a snapshot of pool usage.
type Stats struct {
	Size  int `json:"size"`
	InUse int `json:"inUse"`
	Idle  int `json:"idle"`
}

// NewPool creates a new pool with the specified number of slots
func NewPool[T Resource](cfg PoolConfig, newFn Factory[T]) *Pool[T] {
	if cfg.Size < 1 {
		cfg.Size = 1
	}
	return &Pool[T]{
		cfg:   cfg,
		newFn: newFn,
		slots: make(chan struct{}, cfg.Size),
		now:   time.Now,
	}
}

// Acquire checks out an item, reusing a healthy idle one when possible.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T

	// The acquire timeout bounds only the wait for a slot, not the factory.
	waitCtx := ctx
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return zero, ErrClosed
	}

	select {
	case p.slots <- struct{}{}:
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, ErrExhausted
	}

	item, ok, err := p.takeIdle()
	if err != nil {
		<-p.slots
		return zero, err
	}
	if ok {
		return item, nil
	}

	item, err = p.newFn(ctx)
	if err != nil {
		p.mu.Lock()
		p.inUse--
		p.mu.Unlock()
		<-p.slots
		return zero, err
	}
	return item, nil
}

// takeIdle pops the freshest healthy idle item and marks the slot in use.
// Expired or unhealthy idle items are closed on the way.
func (p *Pool[T]) takeIdle() (T, bool, error) {
	var zero T
	var stale []T

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return zero, false, ErrClosed
	}
	p.inUse++

	var found T
	ok := false
	for len(p.idle) > 0 {
		last := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if p.expired(last) || !last.item.Healthy() {
			stale = append(stale, last.item)
			continue
		}
		found, ok = last.item, true
		break
	}
	p.mu.Unlock()

	for _, item := range stale {
		item.Close()
	}
	if ok {
		return found, true, nil
	}
	return zero, false, nil
}

func (p *Pool[T]) expired(it idleItem[T]) bool {
	return p.cfg.IdleTimeout > 0 && p.now().Sub(it.since) > p.cfg.IdleTimeout
}

// Release checks an item back in. Items that are not reusable, or that
// report themselves unhealthy, are closed instead of kept.
func (p *Pool[T]) Release(item T, reusable bool) {
	keep := reusable && item.Healthy()

	p.mu.Lock()
	p.inUse--
	if p.closed {
		keep = false
	}
	if keep {
		p.idle = append(p.idle, idleItem[T]{item: item, since: p.now()})
	}
	p.mu.Unlock()

	if !keep {
		item.Close()
	}
	<-p.slots
}

// Stats returns a snapshot of the pool
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Size: p.cfg.Size, InUse: p.inUse, Idle: len(p.idle)}
}

// Close closes idle items and refuses further checkouts. Items still
// checked out are closed when released.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var errs []error
	for _, it := range idle {
		if err := it.item.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
