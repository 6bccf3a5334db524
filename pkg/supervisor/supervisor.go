// Package supervisor keeps one stream monitor alive per camera, runs the
// periodic maintenance jobs and coordinates shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/clearpoint/camwatch/pkg/stream"
	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// ErrShutdownTimeout is returned by Run when monitors outlive the grace period.
var ErrShutdownTimeout = errors.New("monitors did not stop within the grace period")

// Worker is a running camera monitor.
type Worker interface {
	Run(ctx context.Context) error
	State() stream.State
	Stats() stream.Stats
}

// Factory builds a fresh worker for a camera.
type Factory func(cam stream.Camera) Worker

type Config struct {
	LivenessInterval time.Duration // 5s
	ReclaimInterval  time.Duration // 1h
	RestartDelay     time.Duration // 5s
	ShutdownGrace    time.Duration // 5s
}

var DefaultConfig = Config{
	LivenessInterval: 5 * time.Second,
	ReclaimInterval:  time.Hour,
	RestartDelay:     5 * time.Second,
	ShutdownGrace:    5 * time.Second,
}

type slot struct {
	camera   stream.Camera
	worker   Worker
	restarts int
}

type exit struct {
	camera string
	err    error
}

type Supervisor struct {
	cfg     Config
	cameras []stream.Camera
	factory Factory
	reclaim func()
	log     *zap.SugaredLogger

	mu     sync.Mutex
	slots  map[string]*slot
	cancel context.CancelFunc
}

func New(cfg Config, cameras []stream.Camera, factory Factory, reclaim func(), log *zap.SugaredLogger) *Supervisor {
	d := DefaultConfig
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = d.LivenessInterval
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = d.ReclaimInterval
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = d.RestartDelay
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = d.ShutdownGrace
	}
	if reclaim == nil {
		reclaim = func() {}
	}
	return &Supervisor{
		cfg:     cfg,
		cameras: cameras,
		factory: factory,
		reclaim: reclaim,
		log:     log.Named("supervisor"),
		slots:   map[string]*slot{},
	}
}

// Run starts every monitor and blocks until ctx is cancelled or Stop is called.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	if _, err := scheduler.NewJob(gocron.DurationJob(s.cfg.LivenessInterval), gocron.NewTask(s.liveness),
		gocron.WithSingletonMode(gocron.LimitModeReschedule)); err != nil {
		return fmt.Errorf("schedule liveness: %w", err)
	}
	if _, err := scheduler.NewJob(gocron.DurationJob(s.cfg.ReclaimInterval), gocron.NewTask(s.reclaim),
		gocron.WithSingletonMode(gocron.LimitModeReschedule)); err != nil {
		return fmt.Errorf("schedule snapshot cleanup: %w", err)
	}

	exits := make(chan exit, len(s.cameras))
	running := 0
	for _, cam := range s.cameras {
		s.start(ctx, cam, exits)
		running++
	}
	scheduler.Start()
	s.log.Infof("supervising %d cameras", len(s.cameras))

	for ctx.Err() == nil {
		select {
		case e := <-exits:
			running--
			if ctx.Err() != nil {
				break
			}
			s.log.Warnw("monitor terminated, restarting", "camera", e.camera, "error", e.err)
			s.restart(ctx, e.camera, exits)
			running++
		case <-ctx.Done():
		}
	}

	s.log.Infof("stopping %d monitors", running)
	err = s.drain(exits, running)
	if serr := scheduler.Shutdown(); serr != nil {
		s.log.Warnf("scheduler shutdown: %v", serr)
	}
	return err
}

// Stop asks Run to shut down. It does not wait.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Supervisor) start(ctx context.Context, cam stream.Camera, exits chan<- exit) {
	w := s.factory(cam)
	s.mu.Lock()
	if sl, ok := s.slots[cam.ID]; ok {
		sl.worker = w
	} else {
		s.slots[cam.ID] = &slot{camera: cam, worker: w}
	}
	s.mu.Unlock()

	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				s.log.Errorw("monitor panicked", "camera", cam.ID, "panic", r, "stack", string(debug.Stack()))
				err = fmt.Errorf("panic: %v", r)
			}
			// Throttle restarts of a monitor that keeps dying
			if ctx.Err() == nil {
				t := time.NewTimer(s.cfg.RestartDelay)
				select {
				case <-t.C:
				case <-ctx.Done():
					t.Stop()
				}
			}
			exits <- exit{camera: cam.ID, err: err}
		}()
		err = w.Run(ctx)
	}()
}

func (s *Supervisor) restart(ctx context.Context, cameraID string, exits chan<- exit) {
	s.mu.Lock()
	sl := s.slots[cameraID]
	sl.restarts++
	cam := sl.camera
	s.mu.Unlock()
	s.start(ctx, cam, exits)
}

func (s *Supervisor) drain(exits <-chan exit, running int) error {
	timer := time.NewTimer(s.cfg.ShutdownGrace)
	defer timer.Stop()
	for running > 0 {
		select {
		case <-exits:
			running--
		case <-timer.C:
			s.log.Warnf("%d monitors still running after %s", running, s.cfg.ShutdownGrace)
			return ErrShutdownTimeout
		}
	}
	return nil
}

// Status is a point in time view of one camera.
type Status struct {
	Camera   stream.Camera
	State    stream.State
	Stats    stream.Stats
	Restarts int
}

func (s *Supervisor) Status() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.cameras))
	for _, cam := range s.cameras {
		sl, ok := s.slots[cam.ID]
		if !ok {
			continue
		}
		out = append(out, Status{
			Camera:   sl.camera,
			State:    sl.worker.State(),
			Stats:    sl.worker.Stats(),
			Restarts: sl.restarts,
		})
	}
	return out
}

func (s *Supervisor) liveness() {
	streaming := 0
	for _, st := range s.Status() {
		if st.State == stream.Streaming {
			streaming++
		} else {
			s.log.Debugw("camera not streaming", "camera", st.Camera.Name, "state", st.State)
		}
	}
	s.log.Debugf("%d/%d cameras streaming", streaming, len(s.cameras))
}
