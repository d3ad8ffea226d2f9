package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/powerplant/internal/identity"
	"github.com/danmuck/powerplant/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, opts ...Option) *Pool {
	t.Helper()
	p := New(Config{Node: "pool-test"}, identity.NewService(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func TestStartRejectsNonPositiveWorkers(t *testing.T) {
	testlog.Start(t)
	p := newTestPool(t)
	err := p.Start(0)
	if !errors.Is(err, ErrNoWorkers) {
		t.Fatalf("expected ErrNoWorkers, got %v", err)
	}
	require.NoError(t, p.Start(1))
	if err := p.Start(1); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestSubmitBeforeStartIsRejected(t *testing.T) {
	testlog.Start(t)
	p := newTestPool(t)
	err := p.Submit(Task{Name: "early", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrPoolStopped) {
		t.Fatalf("expected ErrPoolStopped, got %v", err)
	}
	if err := p.Submit(Task{Name: "nil"}); !errors.Is(err, ErrNilTask) {
		t.Fatalf("expected ErrNilTask, got %v", err)
	}
}

func TestWorkersCarryDistinctIdentities(t *testing.T) {
	testlog.Start(t)
	p := newTestPool(t)
	require.NoError(t, p.Start(4))

	const tasks = 64
	var mu sync.Mutex
	seen := make(map[identity.ID]struct{})
	var wg sync.WaitGroup
	wg.Add(tasks)
	for i := 0; i < tasks; i++ {
		require.NoError(t, p.Submit(Task{Name: "observe", Run: func(ctx context.Context) error {
			defer wg.Done()
			id, ok := identity.FromContext(ctx)
			if !ok {
				return errors.New("missing identity")
			}
			mu.Lock()
			seen[id] = struct{}{}
			mu.Unlock()
			return nil
		}}))
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, seen)
	assert.LessOrEqual(t, len(seen), 4)
	for id := range seen {
		assert.GreaterOrEqual(t, id, identity.FirstPoolID)
	}
}

func TestFailuresAreReportedAndWorkerSurvives(t *testing.T) {
	testlog.Start(t)
	var reported []error
	var mu sync.Mutex
	p := newTestPool(t, WithFailureReporter(func(_ context.Context, _ Task, err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	}))
	require.NoError(t, p.Start(1))

	done := make(chan struct{})
	require.NoError(t, p.Submit(Task{Name: "panics", Run: func(context.Context) error { panic("boom") }}))
	require.NoError(t, p.Submit(Task{Name: "errors", Run: func(context.Context) error { return errors.New("bad input") }}))
	require.NoError(t, p.Submit(Task{Name: "ok", Run: func(context.Context) error {
		close(done)
		return nil
	}}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not survive task failures")
	}

	require.Eventually(t, func() bool { return p.Stats().Completed == 1 }, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 2)
	assert.ErrorIs(t, reported[0], ErrTaskPanicked)
	assert.EqualError(t, reported[1], "bad input")
	assert.Equal(t, uint64(2), p.Stats().Failed)
}

func TestShutdownDrainsInFlightAndDropsQueued(t *testing.T) {
	testlog.Start(t)
	p := newTestPool(t)
	require.NoError(t, p.Start(1))

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	require.NoError(t, p.Submit(Task{Name: "blocking", Run: func(context.Context) error {
		close(started)
		<-release
		finished.Store(true)
		return nil
	}}))
	<-started

	var queuedRan atomic.Int32
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Submit(Task{Name: "queued", Run: func(context.Context) error {
			queuedRan.Add(1)
			return nil
		}}))
	}

	result := make(chan error, 1)
	go func() {
		result <- p.Shutdown(context.Background())
	}()

	require.Eventually(t, func() bool { return !p.Accepting() }, 2*time.Second, 5*time.Millisecond)
	err := p.Submit(Task{Name: "late", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrPoolStopped)

	close(release)
	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not return")
	}

	assert.True(t, finished.Load())
	assert.Equal(t, int32(0), queuedRan.Load())
	stats := p.Stats()
	assert.Equal(t, uint64(3), stats.Dropped)
	assert.Equal(t, 0, stats.Workers)
	assert.Equal(t, "stopped", stats.State)
}

func TestShutdownHonorsContext(t *testing.T) {
	testlog.Start(t)
	p := New(Config{Node: "pool-test"}, identity.NewService())
	require.NoError(t, p.Start(1))

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(Task{Name: "stuck", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestDedicatedWorkerGetsFreshIdentity(t *testing.T) {
	testlog.Start(t)
	p := newTestPool(t)
	require.NoError(t, p.Start(1))

	sharedID := make(chan identity.ID, 1)
	require.NoError(t, p.Submit(Task{Name: "shared", Run: func(ctx context.Context) error {
		id, _ := identity.FromContext(ctx)
		sharedID <- id
		return nil
	}}))

	dedicatedID := make(chan identity.ID, 1)
	require.NoError(t, p.SpawnAdditionalWorker(Task{Name: "dedicated", Run: func(ctx context.Context) error {
		id, _ := identity.FromContext(ctx)
		dedicatedID <- id
		return nil
	}}))

	a := <-sharedID
	b := <-dedicatedID
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, identity.MainID, b)

	require.NoError(t, p.Shutdown(context.Background()))
	err := p.SpawnAdditionalWorker(Task{Name: "late", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrPoolStopped)
}

func TestShutdownWaitsForDedicatedWorkers(t *testing.T) {
	testlog.Start(t)
	p := newTestPool(t)
	require.NoError(t, p.Start(1))

	started := make(chan struct{})
	var finished atomic.Bool
	require.NoError(t, p.SpawnAdditionalWorker(Task{Name: "slow", Run: func(context.Context) error {
		close(started)
		time.Sleep(30 * time.Millisecond)
		finished.Store(true)
		return nil
	}}))
	<-started

	require.NoError(t, p.Shutdown(context.Background()))
	assert.True(t, finished.Load())
	assert.Equal(t, 0, p.Stats().Dedicated)
}
