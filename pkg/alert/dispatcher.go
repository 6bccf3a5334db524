package alert

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/clearpoint/camwatch/pkg/objectPredict"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultCooldown      = 60 * time.Second
	DefaultTimeout       = 10 * time.Second
	DefaultInlineQuality = 60

	TokenHeader = "x-clearpoint-device-token"
	ingestPath  = "/ingest/alert"
)

type Config struct {
	APIBase       string
	DeviceToken   string
	Cooldown      time.Duration
	Timeout       time.Duration
	InlineQuality int
}

// Result is the outcome of one Dispatch call.
type Result int

const (
	Suppressed Result = iota
	Sent
	Failed
)

func (r Result) String() string {
	switch r {
	case Suppressed:
		return "suppressed"
	case Sent:
		return "sent"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("result(%d)", int(r))
}

type Payload struct {
	CameraID      string                 `json:"camera_id"`
	DetectionType objectPredict.Category `json:"detection_type"`
	Confidence    float32                `json:"confidence"`
	SnapshotURL   *string                `json:"snapshot_url"`
	Message       string                 `json:"message"`
	Metadata      Metadata               `json:"metadata"`
}

type Metadata struct {
	ClassName    string  `json:"class_name"`
	ClassID      int     `json:"class_id"`
	BBox         [4]int  `json:"bbox"`
	Timestamp    string  `json:"timestamp"`
	SnapshotFile *string `json:"snapshot_file"`
	AlertID      string  `json:"alert_id"`
}

// Publisher receives a copy of every delivered alert.
type Publisher interface {
	Publish(payload []byte) error
}

// Dispatcher delivers detections to the ingest endpoint, at most once per
// camera and category within the cooldown window.
type Dispatcher struct {
	cfg       Config
	store     Store
	snapshots *Snapshots
	clock     clock.Clock
	client    *http.Client
	log       *zap.SugaredLogger
	mirror    Publisher
}

func NewDispatcher(cfg Config, store Store, snapshots *Snapshots, clk clock.Clock, log *zap.SugaredLogger) *Dispatcher {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.InlineQuality <= 0 {
		cfg.InlineQuality = DefaultInlineQuality
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if clk == nil {
		clk = clock.New()
	}
	return &Dispatcher{
		cfg:       cfg,
		store:     store,
		snapshots: snapshots,
		clock:     clk,
		client:    &http.Client{Timeout: cfg.Timeout},
		log:       log.Named("alert"),
	}
}

// SetMirror registers a publisher that gets every alert after a successful send.
func (d *Dispatcher) SetMirror(p Publisher) {
	d.mirror = p
}

// Dispatch sends one detection unless its key is cooling down.
// annotated may be nil, in which case no snapshot is attached.
func (d *Dispatcher) Dispatch(ctx context.Context, cameraID string, det objectPredict.Detection, annotated image.Image) Result {
	key := Key{CameraID: cameraID, Category: det.Category}
	log := d.log.With("camera", cameraID, "type", det.Category)

	now := d.clock.Now()
	if last, ok := d.store.Last(key); ok && now.Sub(last) < d.cfg.Cooldown {
		log.Debugf("cooldown active, %s left", (d.cfg.Cooldown - now.Sub(last)).Round(time.Second))
		return Suppressed
	}

	payload := Payload{
		CameraID:      cameraID,
		DetectionType: det.Category,
		Confidence:    det.Confidence,
		Message:       Message(det),
		Metadata: Metadata{
			ClassName: det.ClassName,
			ClassID:   det.ClassID,
			BBox:      det.BBox(),
			Timestamp: now.UTC().Format(time.RFC3339Nano),
			AlertID:   uuid.NewString(),
		},
	}

	if annotated != nil {
		if d.snapshots != nil {
			path, err := d.snapshots.Save(cameraID, det.Category, now, annotated)
			if err != nil {
				log.Warnf("snapshot not saved: %v", err)
			} else {
				payload.Metadata.SnapshotFile = &path
			}
		}
		inline, err := objectPredict.EncodeJPEG(annotated, d.cfg.InlineQuality)
		if err != nil {
			log.Warnf("snapshot not encoded: %v", err)
		} else {
			url := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(inline)
			payload.SnapshotURL = &url
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		log.Errorf("marshal alert: %v", err)
		return Failed
	}

	if err := d.post(ctx, body); err != nil {
		log.Errorf("failed to send alert: %v", err)
		return Failed
	}

	d.store.Update(key, func(time.Time, bool) time.Time { return now })
	log.Infof("alert sent: %s (%.0f%%)", det.ClassName, det.Confidence*100)

	if d.mirror != nil {
		d.publishMirror(payload, log)
	}
	return Sent
}

func (d *Dispatcher) post(ctx context.Context, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.APIBase+ingestPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TokenHeader, d.cfg.DeviceToken)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return fmt.Errorf("alert api error: %d %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// publishMirror forwards the alert without the inline image.
func (d *Dispatcher) publishMirror(p Payload, log *zap.SugaredLogger) {
	p.SnapshotURL = nil
	data, err := json.Marshal(p)
	if err != nil {
		log.Errorf("marshal mirror payload: %v", err)
		return
	}
	if err := d.mirror.Publish(data); err != nil {
		log.Errorf("failed to publish alert: %v", err)
	}
}

// ReclaimSnapshots applies the snapshot retention limit.
func (d *Dispatcher) ReclaimSnapshots() {
	if d.snapshots == nil {
		return
	}
	deleted, err := d.snapshots.Reclaim()
	if err != nil {
		d.log.Warnf("snapshot cleanup: %v", err)
	}
	if deleted > 0 {
		d.log.Infof("removed %d old snapshots", deleted)
	}
}

// Message is the human readable alert text shown by the dashboard.
func Message(det objectPredict.Detection) string {
	return fmt.Sprintf("זוהה %s (ביטחון %.0f%%)", det.ClassName, det.Confidence*100)
}
