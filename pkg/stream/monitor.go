package stream

import (
	"context"
	"fmt"
	"image"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/clearpoint/camwatch/pkg/alert"
	"github.com/clearpoint/camwatch/pkg/motion"
	"github.com/clearpoint/camwatch/pkg/objectPredict"
	"go.uber.org/zap"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Streaming
	Stopped
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type Camera struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	RTSPURL string `json:"rtsp_url"`
}

type Config struct {
	AnalysisFPS     float64
	Threshold       float32
	ConnectTimeout  time.Duration
	MaxReadFailures int
	ReadRetryDelay  time.Duration
	BackoffBase     time.Duration
	BackoffMax      time.Duration

	// Run inference only on motion, or when PeriodicScan passed since the last run
	MotionGate   bool
	PeriodicScan time.Duration
	Motion       motion.Config
}

var DefaultConfig = Config{
	AnalysisFPS:     1,
	Threshold:       0.45,
	ConnectTimeout:  15 * time.Second,
	MaxReadFailures: 30,
	ReadRetryDelay:  100 * time.Millisecond,
	BackoffBase:     DefaultBackoffBase,
	BackoffMax:      DefaultBackoffMax,
	PeriodicScan:    10 * time.Second,
	Motion:          motion.DefaultConfig,
}

func (c Config) withDefaults() Config {
	d := DefaultConfig
	if c.AnalysisFPS <= 0 {
		c.AnalysisFPS = d.AnalysisFPS
	}
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.MaxReadFailures <= 0 {
		c.MaxReadFailures = d.MaxReadFailures
	}
	if c.ReadRetryDelay <= 0 {
		c.ReadRetryDelay = d.ReadRetryDelay
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.PeriodicScan <= 0 {
		c.PeriodicScan = d.PeriodicScan
	}
	return c
}

// Dispatcher receives every detection of an analysed frame.
type Dispatcher interface {
	Dispatch(ctx context.Context, cameraID string, det objectPredict.Detection, annotated image.Image) alert.Result
}

// FrameSink receives annotated frames for live viewing, e.g. an MJPEG stream.
type FrameSink interface {
	UpdateJPEG(jpeg []byte)
}

type Stats struct {
	Frames     uint64
	Analysed   uint64
	Detections uint64
	Alerts     uint64
	Reconnects uint64
}

// Monitor owns the connection of one camera and runs the detection loop on it.
type Monitor struct {
	camera     Camera
	cfg        Config
	source     Source
	backend    *objectPredict.SerialBackend
	dispatcher Dispatcher
	clock      clock.Clock
	log        *zap.SugaredLogger

	backoff       *Backoff
	motion        *motion.Detector
	sink          FrameSink
	lastInference time.Time
	labelWarn     sync.Once

	state      atomic.Int32
	frames     atomic.Uint64
	analysed   atomic.Uint64
	detections atomic.Uint64
	alerts     atomic.Uint64
	reconnects atomic.Uint64

	// test hooks
	sleep     func(ctx context.Context, d time.Duration) bool
	stateHook func(State)
}

func NewMonitor(camera Camera, cfg Config, source Source, backend *objectPredict.SerialBackend, dispatcher Dispatcher, clk clock.Clock, log *zap.SugaredLogger) *Monitor {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.New()
	}
	m := &Monitor{
		camera:     camera,
		cfg:        cfg,
		source:     source,
		backend:    backend,
		dispatcher: dispatcher,
		clock:      clk,
		log:        log.Named("monitor").With("camera", camera.Name),
		backoff:    NewBackoff(cfg.BackoffBase, cfg.BackoffMax),
	}
	if cfg.MotionGate {
		m.motion = motion.New(cfg.Motion)
	}
	m.sleep = m.clockSleep
	return m
}

// SetFrameSink makes the monitor publish every analysed frame to sink.
func (m *Monitor) SetFrameSink(sink FrameSink) {
	m.sink = sink
}

func (m *Monitor) Camera() Camera {
	return m.camera
}

func (m *Monitor) State() State {
	return State(m.state.Load())
}

func (m *Monitor) Stats() Stats {
	return Stats{
		Frames:     m.frames.Load(),
		Analysed:   m.analysed.Load(),
		Detections: m.detections.Load(),
		Alerts:     m.alerts.Load(),
		Reconnects: m.reconnects.Load(),
	}
}

func (m *Monitor) setState(s State) {
	if State(m.state.Swap(int32(s))) == s {
		return
	}
	m.log.Debugf("state %s", s)
	if m.stateHook != nil {
		m.stateHook(s)
	}
}

func (m *Monitor) clockSleep(ctx context.Context, d time.Duration) bool {
	t := m.clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Run connects, streams and reconnects until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	defer m.setState(Stopped)
	m.log.Infof("starting monitor for %s", Redact(m.camera.RTSPURL))

	for ctx.Err() == nil {
		err := m.session(ctx)
		if ctx.Err() != nil {
			break
		}
		delay := m.backoff.Next()
		m.log.Warnf("%v, retrying in %s (attempt %d)", err, delay, m.backoff.Failures())
		if !m.sleep(ctx, delay) {
			break
		}
	}

	m.log.Infof("monitor stopped")
	return nil
}

// session runs one connection from Connecting until it is lost. The returned
// error explains why the camera is Disconnected again.
func (m *Monitor) session(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Errorf("panic in monitor: %v\n%s", r, debug.Stack())
			err = fmt.Errorf("recovered panic: %v", r)
		}
		m.setState(Disconnected)
	}()

	m.setState(Connecting)
	connectCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	conn, err := m.source.Open(connectCtx, m.camera.RTSPURL)
	cancel()
	if err != nil {
		return fmt.Errorf("cannot connect: %w", err)
	}
	defer conn.Close()

	if m.reconnects.Add(1) > 1 {
		m.log.Infof("reconnected")
	} else {
		m.log.Infof("connected")
	}
	m.backoff.Reset()
	if m.motion != nil {
		m.motion.Reset()
	}
	m.setState(Streaming)

	interval := time.Duration(float64(time.Second) / m.cfg.AnalysisFPS)
	failures := 0
	for ctx.Err() == nil {
		start := m.clock.Now()

		frame, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			if failures >= m.cfg.MaxReadFailures {
				return fmt.Errorf("stream lost after %d failed reads: %w", failures, err)
			}
			if !m.sleep(ctx, m.cfg.ReadRetryDelay) {
				return nil
			}
			continue
		}
		failures = 0
		m.frames.Add(1)

		m.process(ctx, frame)

		if wait := interval - m.clock.Since(start); wait > 0 {
			if !m.sleep(ctx, wait) {
				return nil
			}
		}
	}
	return nil
}

func (m *Monitor) process(ctx context.Context, frame image.Image) {
	if m.motion != nil {
		moved := m.motion.Observe(frame)
		if !moved && !m.lastInference.IsZero() && m.clock.Since(m.lastInference) < m.cfg.PeriodicScan {
			return
		}
	}

	m.lastInference = m.clock.Now()
	detections, err := m.backend.Detect(ctx, frame, m.cfg.Threshold)
	if err != nil {
		m.log.Warnf("frame skipped: %v", err)
		return
	}
	m.analysed.Add(1)

	if len(detections) == 0 && m.sink == nil {
		return
	}
	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].Confidence > detections[j].Confidence
	})
	annotated, err := objectPredict.Annotate(frame, detections)
	if err != nil {
		m.labelWarn.Do(func() { m.log.Warnf("snapshots will have boxes without labels: %v", err) })
	}

	if m.sink != nil {
		if data, err := objectPredict.EncodeJPEG(annotated, 75); err == nil {
			m.sink.UpdateJPEG(data)
		}
	}

	for _, det := range detections {
		m.detections.Add(1)
		m.log.Debugf("%s %.0f%% at %v", det.ClassName, det.Confidence*100, det.BBox())
		if m.dispatcher.Dispatch(ctx, m.camera.ID, det, annotated) == alert.Sent {
			m.alerts.Add(1)
		}
	}
}
