package stream

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, w, h int, c uint8) []byte {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = c
	}
	img.SetGray(0, 0, color.Gray{Y: 255 - c})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestScanFrames(t *testing.T) {
	var stream bytes.Buffer
	stream.WriteString("garbage before the first frame")
	stream.Write(encodePNG(t, 32, 24, 10))
	stream.Write(encodePNG(t, 64, 48, 20))
	stream.Write(encodePNG(t, 16, 16, 30))
	stream.Write(encodePNG(t, 8, 8, 40)[:50]) // truncated by process exit

	tests := []struct {
		name   string
		reader func([]byte) io.Reader
	}{
		{"whole", func(b []byte) io.Reader { return bytes.NewReader(b) }},
		{"byte by byte", func(b []byte) io.Reader { return iotest.OneByteReader(bytes.NewReader(b)) }},
		{"half chunks", func(b []byte) io.Reader { return iotest.HalfReader(bytes.NewReader(b)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sizes []image.Point
			err := scanFrames(tt.reader(stream.Bytes()), func(img image.Image) {
				sizes = append(sizes, img.Bounds().Size())
			})
			require.NoError(t, err)
			require.Equal(t, []image.Point{{32, 24}, {64, 48}, {16, 16}}, sizes)
		})
	}
}

func TestLatestFrameWins(t *testing.T) {
	c := &ffmpegConn{frames: make(chan image.Image, 1), ready: make(chan struct{}), done: make(chan struct{})}
	a := image.NewGray(image.Rect(0, 0, 1, 1))
	b := image.NewGray(image.Rect(0, 0, 2, 2))
	c.offer(a)
	c.offer(b)

	select {
	case <-c.ready:
	default:
		t.Fatal("ready not closed")
	}
	require.Same(t, b, <-c.frames)
}

// shellSource runs script with sh instead of ffmpeg. $0 is the stream URL.
func shellSource(t *testing.T, script string) *FFmpegSource {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	return &FFmpegSource{
		ConnectTimeout: 2 * time.Second,
		ReadTimeout:    50 * time.Millisecond,
		command: func(ctx context.Context, rawURL string) *exec.Cmd {
			return exec.CommandContext(ctx, "sh", "-c", script, rawURL)
		},
	}
}

func TestFFmpegSourceOpen(t *testing.T) {
	t.Run("first frame", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "frame.png")
		require.NoError(t, os.WriteFile(path, encodePNG(t, 32, 24, 10), 0o644))

		conn, err := shellSource(t, `cat "$0"; exec sleep 5`).Open(context.Background(), path)
		require.NoError(t, err)
		defer conn.Close()

		img, err := conn.Read(context.Background())
		require.NoError(t, err)
		require.Equal(t, image.Pt(32, 24), img.Bounds().Size())

		_, err = conn.Read(context.Background())
		require.ErrorIs(t, err, ErrNoFrame)
	})

	t.Run("process exits before a frame", func(t *testing.T) {
		start := time.Now()
		_, err := shellSource(t, `echo "401 Unauthorized" >&2; exit 1`).Open(context.Background(), "cam.mp4")
		require.ErrorContains(t, err, "401 Unauthorized")
		require.Less(t, time.Since(start), time.Second)
	})

	t.Run("connect timeout", func(t *testing.T) {
		src := shellSource(t, `exec sleep 5`)
		src.ConnectTimeout = 100 * time.Millisecond
		start := time.Now()
		_, err := src.Open(context.Background(), "cam.mp4")
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("rtsp describe fails first", func(t *testing.T) {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := l.Addr().String()
		require.NoError(t, l.Close())

		src := shellSource(t, `exit 0`)
		src.command = func(context.Context, string) *exec.Cmd {
			t.Error("ffmpeg started although the camera is unreachable")
			return exec.Command("true")
		}
		_, err = src.Open(context.Background(), "rtsp://"+addr+"/stream1")
		require.ErrorContains(t, err, "rtsp describe")
	})
}

func TestRedact(t *testing.T) {
	require.Equal(t, "rtsp://***@10.0.0.5:554/h264", Redact("rtsp://admin:p@ss@10.0.0.5:554/h264"))
	require.Equal(t, "rtsp://10.0.0.5/live", Redact("rtsp://10.0.0.5/live"))
	require.Equal(t, "rtsp://cam/a@b", Redact("rtsp://cam/a@b"))
	require.Equal(t, "/dev/video0", Redact("/dev/video0"))
}
