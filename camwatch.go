package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/8ff/prettyTimer"
	"github.com/8ff/tuna"
	"github.com/akamensky/argparse"
	"github.com/benbjohnson/clock"
	"github.com/clearpoint/camwatch/pkg/alert"
	"github.com/clearpoint/camwatch/pkg/logging"
	"github.com/clearpoint/camwatch/pkg/objectPredict"
	"github.com/clearpoint/camwatch/pkg/snapshotServe"
	"github.com/clearpoint/camwatch/pkg/stream"
	"github.com/clearpoint/camwatch/pkg/supervisor"
	"github.com/coreos/go-systemd/daemon"
	"github.com/hybridgroup/mjpeg"
	"go.uber.org/zap"
)

var Version string

func main() {
	parser := argparse.NewParser("camwatch", "Watches RTSP cameras and reports people, vehicles and animals")
	configPath := parser.String("c", "config", &argparse.Options{Help: "Config file", Default: defaultConfigPath()})
	template := parser.Flag("t", "template", &argparse.Options{Help: "Print a template config to stdout"})
	version := parser.Flag("v", "version", &argparse.Options{Help: "Print the version"})
	update := parser.Flag("", "update", &argparse.Options{Help: "Update camwatch to the latest release"})
	serveDir := parser.String("s", "serve", &argparse.Options{Help: "Browse the snapshots in this directory over HTTP"})
	serveAddr := parser.String("a", "addr", &argparse.Options{Help: "Listen address for --serve", Default: ":8080"})
	predictImage := parser.String("p", "predict", &argparse.Options{Help: "Run detection on one image and write an annotated copy"})
	if err := parser.Parse(os.Args); err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	switch {
	case *template:
		if err := printTemplateFile(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	case *version:
		fmt.Println(Version)
		return
	case *update:
		url := fmt.Sprintf("https://github.com/clearpoint/camwatch/releases/download/latest/camwatch.%s.%s", runtime.GOOS, runtime.GOARCH)
		if err := tuna.SelfUpdate(url); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		fmt.Println("Updated!")
		return
	case *serveDir != "":
		log := logging.New(logging.Options{})
		if err := snapshotServe.Serve(*serveDir, *serveAddr, log); err != nil {
			log.Errorf("error starting server: %v", err)
			os.Exit(1)
		}
		return
	case *predictImage != "":
		os.Exit(predict(*configPath, *predictImage))
	}

	os.Exit(run(*configPath))
}

func run(configPath string) int {
	log := logging.New(logging.Options{})
	config, err := readConfig(configPath, log)
	switch {
	case errors.Is(err, ErrNoCameras):
		log.Errorf("%v: add cameras to %s or camera-*.sh scripts to the scripts dir", err, configPath)
		return 1
	case errors.Is(err, ErrMissingToken):
		log.Errorf("%v: set it in the environment or in the .env file", err)
		return 1
	case err != nil:
		log.Errorf("error reading config: %v", err)
		return 1
	}

	log = logging.New(logging.Options{Debug: config.PrintDebug, File: config.LogFile})
	defer log.Sync()
	printConfig(log, config)

	source, err := newSource(config)
	if err != nil {
		log.Errorf("cannot create frame source: %v", err)
		return 2
	}

	client, err := objectPredict.Init(config.modelConfig())
	if err != nil {
		log.Errorf("cannot load model %s: %v", config.Model.Path, err)
		return 3
	}
	backend := objectPredict.NewSerialBackend(client)
	defer backend.Close()

	snapshots, err := alert.NewSnapshots(config.SnapshotDir, config.MaxSnapshots)
	if err != nil {
		log.Errorf("%v", err)
		return 1
	}
	dispatcher := alert.NewDispatcher(config.alertConfig(), alert.NewMemoryStore(), snapshots, clock.New(), log)
	if config.Events.Mqtt.Enabled() {
		dispatcher.SetMirror(alert.NewMQTTPublisher(config.Events.Mqtt))
	}

	var debugStream *mjpeg.Stream
	if config.DebugStreamAddr != "" {
		debugStream = mjpeg.NewStream()
	}

	monitorConfig := config.monitorConfig()
	factory := func(cam stream.Camera) supervisor.Worker {
		m := stream.NewMonitor(cam, monitorConfig, source, backend, dispatcher, clock.New(), log)
		if debugStream != nil {
			m.SetFrameSink(debugStream)
		}
		return m
	}
	sup := supervisor.New(supervisor.DefaultConfig, config.Cameras, factory, dispatcher.ReclaimSnapshots, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		log.Info("shutting down detection engine")
	}()

	if debugStream != nil {
		server := snapshotServe.New(config.SnapshotDir, log)
		server.Stream = debugStream
		server.Status = func() any { return statusView(sup.Status()) }
		go func() {
			if err := server.ListenAndServe(ctx, config.DebugStreamAddr); err != nil {
				log.Errorf("debug server: %v", err)
			}
		}()
	}

	printBanner(log, config)
	daemon.SdNotify(false, daemon.SdNotifyReady)

	err = sup.Run(ctx)
	if errors.Is(err, supervisor.ErrShutdownTimeout) {
		log.Warnf("%v", err)
	} else if err != nil {
		log.Errorf("supervisor: %v", err)
		return 1
	}
	log.Info("detection engine stopped")
	return 0
}

func newSource(config Config) (stream.Source, error) {
	timeout := time.Duration(config.Stream.ConnectTimeoutSeconds) * time.Second
	if config.Source == "gocv" {
		return stream.NewGoCVSource(timeout)
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("unable to find ffmpeg, please install it: %w", err)
	}
	return &stream.FFmpegSource{FPS: config.AnalysisFPS, ConnectTimeout: timeout}, nil
}

func backendName(config Config) string {
	switch {
	case config.Model.EnableCuda:
		return "ONNX Runtime (CUDA)"
	case config.Model.EnableCoreMl:
		return "ONNX Runtime (CoreML)"
	}
	return "ONNX Runtime"
}

func printBanner(log *zap.SugaredLogger, config Config) {
	mode := "continuous detection (every analysed frame)"
	if config.Motion.Gate {
		mode = fmt.Sprintf("motion gated, forced scan every %ds", config.Motion.PeriodicScanSeconds)
	}
	log.Info(strings.Repeat("=", 50))
	log.Infof("camwatch %s", Version)
	log.Infof("   Cameras: %d", len(config.Cameras))
	log.Infof("   Analysis FPS: %g", config.AnalysisFPS)
	log.Infof("   Cooldown: %ds", config.CooldownSeconds)
	log.Infof("   Mode: %s", mode)
	log.Infof("   Model: %s", backendName(config))
	log.Info(strings.Repeat("=", 50))
}

type cameraStatus struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	URL      string       `json:"url"`
	State    string       `json:"state"`
	Restarts int          `json:"restarts"`
	Stats    stream.Stats `json:"stats"`
}

func statusView(status []supervisor.Status) []cameraStatus {
	out := make([]cameraStatus, len(status))
	for i, st := range status {
		out[i] = cameraStatus{
			ID:       st.Camera.ID,
			Name:     st.Camera.Name,
			URL:      stream.Redact(st.Camera.RTSPURL),
			State:    st.State.String(),
			Restarts: st.Restarts,
			Stats:    st.Stats,
		}
	}
	return out
}

// predict runs the configured model once on an image file.
func predict(configPath, imagePath string) int {
	log := logging.New(logging.Options{})
	config, err := loadConfigFile(configPath, log)
	if err != nil {
		log.Errorf("%v", err)
		return 1
	}

	img, err := objectPredict.LoadImage(imagePath)
	if err != nil {
		log.Errorf("cannot load %s: %v", imagePath, err)
		return 1
	}

	client, err := objectPredict.Init(config.modelConfig())
	if err != nil {
		log.Errorf("cannot load model %s: %v", config.Model.Path, err)
		return 3
	}
	backend := objectPredict.NewSerialBackend(client)
	defer backend.Close()

	ptime := prettyTimer.NewTimingStats()
	ptime.Start()
	detections, err := backend.Detect(context.Background(), img, float32(config.ConfidenceThreshold))
	if err != nil {
		log.Errorf("detection failed: %v", err)
		return 1
	}
	ptime.Finish()

	for _, d := range detections {
		log.Infof("%s (%s) %.0f%% %v", d.ClassName, d.Category, d.Confidence*100, d.BBox())
	}
	out := strings.TrimSuffix(imagePath, filepath.Ext(imagePath)) + ".detected.jpg"
	annotated, err := objectPredict.Annotate(img, detections)
	if err != nil {
		log.Warnf("%v", err)
	}
	if err := objectPredict.SaveJPEG(out, annotated, 90); err != nil {
		log.Errorf("cannot write %s: %v", out, err)
		return 1
	}
	log.Infof("wrote %s", out)
	ptime.PrintStats()
	return 0
}
