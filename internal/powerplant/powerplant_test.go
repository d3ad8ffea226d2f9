package powerplant

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/powerplant/internal/cmdline"
	"github.com/danmuck/powerplant/internal/network"
	"github.com/danmuck/powerplant/internal/pool"
	"github.com/danmuck/powerplant/internal/scheduler"
	"github.com/danmuck/powerplant/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ping struct {
	N int
}

func newPlant(t *testing.T, workers int) *PowerPlant {
	t.Helper()
	p, err := New(Config{Name: "plant-test", Workers: workers, ShutdownTimeout: 5 * time.Second})
	require.NoError(t, err)
	return p
}

// runPlant starts p on its own goroutine and returns Start's result channel.
func runPlant(p *PowerPlant) <-chan error {
	done := make(chan error, 1)
	go func() { done <- p.Start(context.Background()) }()
	return done
}

func waitStopped(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("plant did not stop")
	}
}

func TestSingleWorkerStartupRunsHandlersInOrder(t *testing.T) {
	testlog.Start(t)
	p := newPlant(t, 1)

	var flag atomic.Bool
	require.NoError(t, p.Install(ReactorFunc{ReactorName: "startup", Fn: func(b *Binder) error {
		if err := On(b, func(context.Context, Startup) error {
			time.Sleep(50 * time.Millisecond)
			flag.Store(true)
			return nil
		}); err != nil {
			return err
		}
		return On(b, func(context.Context, Startup) error {
			b.Plant().Shutdown()
			return nil
		})
	}}))

	require.NoError(t, p.Start(context.Background()))
	assert.True(t, flag.Load())
	assert.Equal(t, PhaseStopped, p.Phase())
	assert.Equal(t, uint64(2), p.Stats().Pool.Completed)
}

func TestStartWithoutWorkersFails(t *testing.T) {
	testlog.Start(t)
	p := newPlant(t, 0)
	err := p.Start(context.Background())
	assert.ErrorIs(t, err, pool.ErrNoWorkers)
	assert.Equal(t, PhaseStopped, p.Phase())

	_, err = New(Config{Workers: -1})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLifecycleOrderIsEnforced(t *testing.T) {
	testlog.Start(t)
	p := newPlant(t, 1)
	p.Shutdown()
	require.NoError(t, p.Start(context.Background()))

	assert.ErrorIs(t, p.Start(context.Background()), ErrLifecycleOrder)
	err := p.Install(ReactorFunc{ReactorName: "late", Fn: func(*Binder) error { return nil }})
	assert.ErrorIs(t, err, ErrLifecycleOrder)
	assert.ErrorIs(t, p.Install(nil), ErrNilReactor)
}

func TestShutdownReactionsRunOnMainAfterDrain(t *testing.T) {
	testlog.Start(t)
	p := newPlant(t, 2)

	var mu sync.Mutex
	var order []string
	var onMain atomic.Bool
	require.NoError(t, p.Install(ReactorFunc{ReactorName: "lifecycle", Fn: func(b *Binder) error {
		if err := On(b, func(context.Context, Startup) error {
			time.Sleep(30 * time.Millisecond)
			mu.Lock()
			order = append(order, "startup")
			mu.Unlock()
			b.Plant().Shutdown()
			b.Plant().Shutdown()
			return nil
		}, Named("slow-startup")); err != nil {
			return err
		}
		return On(b, func(ctx context.Context, s Shutdown) error {
			onMain.Store(b.Plant().Identity().IsMain(ctx))
			mu.Lock()
			order = append(order, "shutdown:"+s.Name)
			mu.Unlock()
			return nil
		})
	}}))

	require.NoError(t, p.Start(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"startup", "shutdown:plant-test"}, order)
	assert.True(t, onMain.Load())
}

func TestContextCancelStopsPlant(t *testing.T) {
	testlog.Start(t)
	p := newPlant(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()
	require.Eventually(t, func() bool { return p.Phase() == PhaseRunning }, 2*time.Second, time.Millisecond)
	cancel()
	waitStopped(t, done)
	assert.Equal(t, PhaseStopped, p.Phase())
}

func TestFailingReactionsAreIsolated(t *testing.T) {
	testlog.Start(t)
	p := newPlant(t, 2)

	var got atomic.Int64
	require.NoError(t, p.Install(ReactorFunc{ReactorName: "faulty", Fn: func(b *Binder) error {
		if err := On(b, func(context.Context, Startup) error {
			return errors.New("boiler offline")
		}); err != nil {
			return err
		}
		if err := On(b, func(context.Context, Startup) error {
			panic("valve stuck")
		}); err != nil {
			return err
		}
		if err := On(b, func(ctx context.Context, _ Startup) error {
			return EmitLocal(ctx, b.Plant(), ping{N: 7})
		}); err != nil {
			return err
		}
		return On(b, func(_ context.Context, v ping) error {
			got.Store(int64(v.N))
			b.Plant().Shutdown()
			return nil
		}, WithPolicy(Queued))
	}}))

	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, int64(7), got.Load())
	assert.Equal(t, uint64(2), p.Stats().Failures)
	assert.Equal(t, []string{"faulty"}, p.Stats().Reactors)
}

func TestCommandLineIsEmittedAtStartup(t *testing.T) {
	testlog.Start(t)
	p, err := New(Config{Name: "cli", Workers: 1, Args: []string{"powerplantd", "run"}})
	require.NoError(t, err)

	seen := make(chan []string, 1)
	require.NoError(t, p.Install(ReactorFunc{ReactorName: "args", Fn: func(b *Binder) error {
		return On(b, func(_ context.Context, a *cmdline.Args) error {
			seen <- a.Values()
			b.Plant().Shutdown()
			return nil
		})
	}}))

	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, []string{"powerplantd", "run"}, <-seen)
	assert.Equal(t, 2, p.CommandLine().Len())
}

func TestEmitWithoutSubscribersIsNoop(t *testing.T) {
	testlog.Start(t)
	p := newPlant(t, 1)
	done := runPlant(p)
	require.Eventually(t, func() bool { return p.Phase() == PhaseRunning }, 2*time.Second, time.Millisecond)
	assert.NoError(t, EmitLocal(context.Background(), p, ping{N: 1}))
	assert.NoError(t, EmitNetwork(context.Background(), p, ping{N: 2}))
	assert.Empty(t, p.Peers())
	p.Shutdown()
	waitStopped(t, done)
}

func TestSubscriptionValidation(t *testing.T) {
	testlog.Start(t)
	p := newPlant(t, 1)
	err := p.Install(ReactorFunc{ReactorName: "bad", Fn: func(b *Binder) error {
		return On[ping](b, nil)
	}})
	assert.ErrorIs(t, err, scheduler.ErrInvalidSubscription)
	assert.Error(t, On(nil, func(context.Context, ping) error { return nil }))
}

type opaque struct {
	Label string
	extra any
}

func TestNetworkSubscriptionRejectsLossyType(t *testing.T) {
	testlog.Start(t)
	p := newPlant(t, 1)
	err := p.Install(ReactorFunc{ReactorName: "lossy", Fn: func(b *Binder) error {
		return On(b, func(context.Context, opaque) error { return nil }, WithNetwork())
	}})
	assert.ErrorIs(t, err, scheduler.ErrInvalidSubscription)
	assert.ErrorIs(t, err, network.ErrUnsupportedType)

	// the same type is fine when it stays local
	require.NoError(t, p.Install(ReactorFunc{ReactorName: "local", Fn: func(b *Binder) error {
		return On(b, func(context.Context, opaque) error { return nil })
	}}))
}

func networkConfig(name string) Config {
	cfg := Config{
		Name:            name,
		Workers:         2,
		NetworkEnabled:  true,
		ShutdownTimeout: 5 * time.Second,
		Network:         network.DefaultConfig(),
	}
	cfg.Network.AdvertiseAddr = "127.0.0.1"
	cfg.Network.TCPListen = "127.0.0.1:0"
	cfg.Network.HeartbeatInterval = 50 * time.Millisecond
	cfg.Network.TimeoutMultiplier = 20
	return cfg
}

func TestNetworkRoundTripBetweenPlants(t *testing.T) {
	testlog.Start(t)
	bus := network.NewMemoryBus(7447)

	receiver, err := New(networkConfig("plant-a"), WithAnnouncer(bus.Endpoint()))
	require.NoError(t, err)
	sender, err := New(networkConfig("plant-b"), WithAnnouncer(bus.Endpoint()))
	require.NoError(t, err)

	type delivery struct {
		v      ping
		origin string
	}
	received := make(chan delivery, 1)
	var joins atomic.Int32
	require.NoError(t, receiver.Install(ReactorFunc{ReactorName: "sink", Fn: func(b *Binder) error {
		if err := On(b, func(_ context.Context, j network.Join) error {
			if j.Peer.Name == "plant-b" {
				joins.Add(1)
			}
			return nil
		}); err != nil {
			return err
		}
		return On(b, func(ctx context.Context, v ping) error {
			received <- delivery{v: v, origin: scheduler.OriginFromContext(ctx)}
			return nil
		}, WithNetwork(), WithPolicy(SingleConcurrent))
	}}))

	receiverDone := runPlant(receiver)
	senderDone := runPlant(sender)
	defer func() {
		receiver.Shutdown()
		sender.Shutdown()
		waitStopped(t, receiverDone)
		waitStopped(t, senderDone)
	}()

	require.Eventually(t, func() bool {
		for _, peer := range sender.Peers() {
			if peer.Key.Name == "plant-a" && len(peer.Interests) == 1 {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, EmitNetwork(context.Background(), sender, ping{N: 42}))

	select {
	case d := <-received:
		assert.Equal(t, 42, d.v.N)
		assert.Equal(t, "plant-b", d.origin)
	case <-time.After(5 * time.Second):
		t.Fatal("network emission not delivered")
	}
	require.Eventually(t, func() bool { return joins.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NotNil(t, sender.Stats().Network)
	assert.Equal(t, uint64(1), sender.Stats().Network.Routed)
}
