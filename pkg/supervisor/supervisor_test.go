package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clearpoint/camwatch/pkg/stream"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeWorker struct {
	run   func(ctx context.Context) error
	state atomic.Int32
}

func (w *fakeWorker) Run(ctx context.Context) error {
	w.state.Store(int32(stream.Streaming))
	defer w.state.Store(int32(stream.Stopped))
	return w.run(ctx)
}

func (w *fakeWorker) State() stream.State { return stream.State(w.state.Load()) }
func (w *fakeWorker) Stats() stream.Stats { return stream.Stats{} }

func untilCancelled(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

var testConfig = Config{
	LivenessInterval: 10 * time.Millisecond,
	ReclaimInterval:  20 * time.Millisecond,
	RestartDelay:     5 * time.Millisecond,
	ShutdownGrace:    200 * time.Millisecond,
}

var cameras = []stream.Camera{
	{ID: "cam1", Name: "Front"},
	{ID: "cam2", Name: "Back"},
}

func TestRestartsTerminatedMonitor(t *testing.T) {
	var mu sync.Mutex
	starts := map[string]int{}

	factory := func(cam stream.Camera) Worker {
		mu.Lock()
		starts[cam.ID]++
		n := starts[cam.ID]
		mu.Unlock()

		switch {
		case cam.ID == "cam1" && n == 1:
			return &fakeWorker{run: func(context.Context) error { return nil }}
		case cam.ID == "cam1" && n == 2:
			return &fakeWorker{run: func(context.Context) error { panic("boom") }}
		}
		return &fakeWorker{run: untilCancelled}
	}

	s := New(testConfig, cameras, factory, nil, zaptest.NewLogger(t).Sugar())
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return starts["cam1"] == 3
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		for _, st := range s.Status() {
			if st.State != stream.Streaming {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	status := s.Status()
	require.Len(t, status, 2)
	require.Equal(t, 2, status[0].Restarts)
	require.Equal(t, 0, status[1].Restarts)

	s.Stop()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 3, starts["cam1"])
	require.Equal(t, 1, starts["cam2"])
}

func TestPeriodicReclaim(t *testing.T) {
	var reclaims atomic.Int32
	factory := func(stream.Camera) Worker { return &fakeWorker{run: untilCancelled} }

	ctx, cancel := context.WithCancel(context.Background())
	s := New(testConfig, cameras, factory, func() { reclaims.Add(1) }, zaptest.NewLogger(t).Sugar())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return reclaims.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestShutdownGrace(t *testing.T) {
	stuck := make(chan struct{})
	defer close(stuck)

	factory := func(cam stream.Camera) Worker {
		if cam.ID == "cam2" {
			return &fakeWorker{run: func(context.Context) error { <-stuck; return nil }}
		}
		return &fakeWorker{run: untilCancelled}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := New(testConfig, cameras, factory, nil, zaptest.NewLogger(t).Sugar())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return len(s.Status()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()

	start := time.Now()
	require.ErrorIs(t, <-done, ErrShutdownTimeout)
	require.Less(t, time.Since(start), time.Second)
}
