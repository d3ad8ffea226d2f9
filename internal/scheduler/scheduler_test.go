package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/powerplant/internal/identity"
	"github.com/danmuck/powerplant/internal/pool"
	"github.com/danmuck/powerplant/internal/registry"
	"github.com/danmuck/powerplant/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tick struct {
	Seq int
}

var tickType = registry.TypeOf[tick]()

func startPool(t *testing.T, workers int) *pool.Pool {
	t.Helper()
	p := pool.New(pool.Config{Node: "scheduler-test"}, identity.NewService())
	require.NoError(t, p.Start(workers))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

type rejectingSubmitter struct {
	calls atomic.Int32
}

func (r *rejectingSubmitter) Submit(pool.Task) error {
	r.calls.Add(1)
	return pool.ErrPoolStopped
}

func (r *rejectingSubmitter) SpawnAdditionalWorker(pool.Task) error {
	r.calls.Add(1)
	return pool.ErrPoolStopped
}

func TestEmitWithoutSubscriptionsIsNoop(t *testing.T) {
	testlog.Start(t)
	s := New(&rejectingSubmitter{})
	require.NoError(t, s.OnEmit(context.Background(), registry.Emission{Type: tickType, Value: tick{}}))
	assert.False(t, s.Subscribed(tickType))
	assert.Empty(t, s.Stats())
}

func TestSubscribeValidation(t *testing.T) {
	testlog.Start(t)
	s := New(&rejectingSubmitter{})
	_, err := s.Subscribe(Subscription{Type: tickType})
	assert.ErrorIs(t, err, ErrInvalidSubscription)
	_, err = s.Subscribe(Subscription{Handler: func(context.Context, registry.Emission) error { return nil }})
	assert.ErrorIs(t, err, ErrInvalidSubscription)
	_, err = ParsePolicy("sometimes")
	assert.ErrorIs(t, err, ErrInvalidSubscription)
	p, err := ParsePolicy("queued")
	require.NoError(t, err)
	assert.Equal(t, Queued, p)
}

func TestSingleConcurrentNeverOverlaps(t *testing.T) {
	testlog.Start(t)
	p := startPool(t, 4)
	s := New(p, WithNode("scheduler-test"))

	var running, maxRunning atomic.Int32
	h, err := s.Subscribe(Subscription{
		Type:   tickType,
		Policy: SingleConcurrent,
		Handler: func(context.Context, registry.Emission) error {
			now := running.Add(1)
			for {
				prev := maxRunning.Load()
				if now <= prev || maxRunning.CompareAndSwap(prev, now) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			running.Add(-1)
			return nil
		},
	})
	require.NoError(t, err)

	const emissions = 200
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < emissions/4; i++ {
				assert.NoError(t, s.OnEmit(context.Background(), registry.Emission{Type: tickType, Value: tick{Seq: i}}))
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		st := h.Stats()
		return st.Completed == st.Admitted
	}, 5*time.Second, 5*time.Millisecond)

	st := h.Stats()
	assert.Equal(t, int32(1), maxRunning.Load())
	assert.Equal(t, uint64(emissions), st.Admitted+st.Skipped)
	assert.Positive(t, st.Skipped)
}

func TestQueuedPreservesEmissionOrder(t *testing.T) {
	testlog.Start(t)
	p := startPool(t, 4)
	s := New(p)

	var mu sync.Mutex
	var order []int
	var running, maxRunning atomic.Int32
	h, err := s.Subscribe(Subscription{
		Type:   tickType,
		Policy: Queued,
		Handler: func(_ context.Context, e registry.Emission) error {
			if running.Add(1) > 1 {
				maxRunning.Store(2)
			}
			defer running.Add(-1)
			if e.Value.(tick).Seq%7 == 0 {
				time.Sleep(time.Millisecond)
			}
			mu.Lock()
			order = append(order, e.Value.(tick).Seq)
			mu.Unlock()
			return nil
		},
	})
	require.NoError(t, err)

	const emissions = 100
	for i := 0; i < emissions; i++ {
		require.NoError(t, s.OnEmit(context.Background(), registry.Emission{Type: tickType, Value: tick{Seq: i}}))
	}

	require.Eventually(t, func() bool {
		return h.Stats().Completed == emissions
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, emissions)
	for i, seq := range order {
		assert.Equal(t, i, seq)
	}
	assert.Equal(t, int32(0), maxRunning.Load())
	assert.Equal(t, 0, h.Stats().Pending)
}

func TestQueuedReleasesTokenWhenSubmitFails(t *testing.T) {
	testlog.Start(t)
	sub := &rejectingSubmitter{}
	s := New(sub)
	h, err := s.Subscribe(Subscription{
		Type:    tickType,
		Policy:  Queued,
		Handler: func(context.Context, registry.Emission) error { return nil },
	})
	require.NoError(t, err)

	assert.ErrorIs(t, s.OnEmit(context.Background(), registry.Emission{Type: tickType}), pool.ErrPoolStopped)
	assert.ErrorIs(t, s.OnEmit(context.Background(), registry.Emission{Type: tickType}), pool.ErrPoolStopped)
	assert.Equal(t, int32(2), sub.calls.Load())
	assert.Equal(t, 0, h.Stats().Pending)
}

func TestSingleConcurrentResetsWhenSubmitFails(t *testing.T) {
	testlog.Start(t)
	sub := &rejectingSubmitter{}
	s := New(sub)
	h, err := s.Subscribe(Subscription{
		Type:    tickType,
		Policy:  SingleConcurrent,
		Handler: func(context.Context, registry.Emission) error { return nil },
	})
	require.NoError(t, err)

	assert.Error(t, s.OnEmit(context.Background(), registry.Emission{Type: tickType}))
	assert.Error(t, s.OnEmit(context.Background(), registry.Emission{Type: tickType}))
	assert.Equal(t, uint64(0), h.Stats().Skipped)
}

func TestDedicatedSubscriptionUsesOwnWorker(t *testing.T) {
	testlog.Start(t)
	p := startPool(t, 1)
	s := New(p)

	ids := make(chan identity.ID, 2)
	_, err := s.Subscribe(Subscription{
		Type:      tickType,
		Dedicated: true,
		Handler: func(ctx context.Context, _ registry.Emission) error {
			id, _ := identity.FromContext(ctx)
			ids <- id
			return nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, s.OnEmit(context.Background(), registry.Emission{Type: tickType}))
	require.NoError(t, s.OnEmit(context.Background(), registry.Emission{Type: tickType}))
	a, b := <-ids, <-ids
	assert.NotEqual(t, a, b)
	assert.GreaterOrEqual(t, a, identity.FirstPoolID)
}

func TestOriginReachesHandler(t *testing.T) {
	testlog.Start(t)
	p := startPool(t, 1)
	s := New(p)

	origins := make(chan string, 2)
	_, err := s.Subscribe(Subscription{
		Type: tickType,
		Handler: func(ctx context.Context, _ registry.Emission) error {
			origins <- OriginFromContext(ctx)
			return nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, s.OnEmit(context.Background(), registry.Emission{Type: tickType, Origin: "plant-b"}))
	assert.Equal(t, "plant-b", <-origins)
	require.NoError(t, s.OnEmit(context.Background(), registry.Emission{Type: tickType}))
	assert.Equal(t, "", <-origins)
}

func TestRunInlineRunsEveryHandler(t *testing.T) {
	testlog.Start(t)
	s := New(&rejectingSubmitter{})
	var ran []string
	_, err := s.Subscribe(Subscription{Type: tickType, Name: "first", Handler: func(context.Context, registry.Emission) error {
		ran = append(ran, "first")
		panic("teardown failed")
	}})
	require.NoError(t, err)
	_, err = s.Subscribe(Subscription{Type: tickType, Name: "second", Handler: func(context.Context, registry.Emission) error {
		ran = append(ran, "second")
		return errors.New("flush failed")
	}})
	require.NoError(t, err)
	_, err = s.Subscribe(Subscription{Type: tickType, Name: "third", Policy: SingleConcurrent, Handler: func(context.Context, registry.Emission) error {
		ran = append(ran, "third")
		return nil
	}})
	require.NoError(t, err)

	err = s.RunInline(context.Background(), registry.Emission{Type: tickType})
	assert.ErrorIs(t, err, ErrHandlerPanic)
	assert.Equal(t, []string{"first", "second", "third"}, ran)

	stats := s.Stats()
	require.Len(t, stats, 3)
	assert.Equal(t, uint64(1), stats[0].Failed)
	assert.Equal(t, uint64(1), stats[1].Failed)
	assert.Equal(t, uint64(1), stats[2].Completed)
}
