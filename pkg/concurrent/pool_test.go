package concurrent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id      int
	closed  atomic.Bool
	healthy atomic.Bool
}

func (f *fakeConn) Close() error  { f.closed.Store(true); return nil }
func (f *fakeConn) Healthy() bool { return f.healthy.Load() && !f.closed.Load() }

func newFactory() (Factory[*fakeConn], *atomic.Int32) {
	var created atomic.Int32
	return func(context.Context) (*fakeConn, error) {
		c := &fakeConn{id: int(created.Add(1))}
		c.healthy.Store(true)
		return c, nil
	}, &created
}

func TestPoolReusesHealthyItems(t *testing.T) {
	factory, created := newFactory()
	p := NewPool(PoolConfig{Size: 2}, factory)

	c1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(c1, true)

	c2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.EqualValues(t, 1, created.Load())

	p.Release(c2, false)
	assert.True(t, c2.closed.Load())
	assert.Equal(t, Stats{Size: 2, InUse: 0, Idle: 0}, p.Stats())
}

func TestPoolDiscardsUnhealthyIdle(t *testing.T) {
	factory, created := newFactory()
	p := NewPool(PoolConfig{Size: 1}, factory)

	c1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(c1, true)
	c1.healthy.Store(false)

	c2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
	assert.True(t, c1.closed.Load())
	assert.EqualValues(t, 2, created.Load())
	p.Release(c2, true)
}

func TestPoolIdleExpiry(t *testing.T) {
	factory, _ := newFactory()
	p := NewPool(PoolConfig{Size: 1, IdleTimeout: time.Minute}, factory)
	now := time.Now()
	p.now = func() time.Time { return now }

	c1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(c1, true)

	now = now.Add(2 * time.Minute)
	c2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
	assert.True(t, c1.closed.Load())
}

func TestPoolBoundsConcurrentCheckouts(t *testing.T) {
	factory, _ := newFactory()
	p := NewPool(PoolConfig{Size: 2, AcquireTimeout: 50 * time.Millisecond}, factory)

	a, err := p.Acquire(context.Background())
	require.NoError(t, err)
	b, err := p.Acquire(context.Background())
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 2, p.Stats().InUse)

	p.Release(a, true)
	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, a, c)

	p.Release(b, true)
	p.Release(c, true)
}

func TestPoolAcquireHonoursContext(t *testing.T) {
	factory, _ := newFactory()
	p := NewPool(PoolConfig{Size: 1}, factory)

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	p.Release(held, true)
}

func TestPoolFactoryErrorFreesSlot(t *testing.T) {
	boom := errors.New("dial failed")
	p := NewPool(PoolConfig{Size: 1, AcquireTimeout: 50 * time.Millisecond}, func(context.Context) (*fakeConn, error) {
		return nil, boom
	})

	for i := 0; i < 3; i++ {
		_, err := p.Acquire(context.Background())
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, 0, p.Stats().InUse)
}

func TestPoolNeverExceedsSize(t *testing.T) {
	factory, _ := newFactory()
	p := NewPool(PoolConfig{Size: 3}, factory)

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := p.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			p.Release(c, true)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, 0, p.Stats().InUse)
}

func TestPoolClose(t *testing.T) {
	factory, _ := newFactory()
	p := NewPool(PoolConfig{Size: 2}, factory)

	idle, err := p.Acquire(context.Background())
	require.NoError(t, err)
	busy, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(idle, true)

	require.NoError(t, p.Close())
	assert.True(t, idle.closed.Load())
	assert.False(t, busy.closed.Load())

	p.Release(busy, true)
	assert.True(t, busy.closed.Load())

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, p.Close())
}
