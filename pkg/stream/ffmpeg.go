package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

var (
	pngSignature = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	pngTrailer   = []byte{0x49, 0x45, 0x4E, 0x44, 0xAE, 0x42, 0x60, 0x82} // IEND chunk + CRC
)

const maxFrameSize = 32 << 20

// FFmpegSource decodes a camera with an ffmpeg child process that writes PNG
// frames to its stdout at the analysis rate.
type FFmpegSource struct {
	FPS            float64
	ConnectTimeout time.Duration // probe plus first frame
	ReadTimeout    time.Duration // wait for a new frame in Read
	SkipProbe      bool

	command func(ctx context.Context, rawURL string) *exec.Cmd // test hook
}

func (s *FFmpegSource) compile(ctx context.Context, rawURL string) *exec.Cmd {
	if s.command != nil {
		return s.command(ctx, rawURL)
	}
	in, out := s.args(rawURL)
	stream := ffmpeg.Input(rawURL, in).Output("pipe:", out)
	stream.Context = ctx
	return stream.Compile()
}

func (s *FFmpegSource) args(rawURL string) (ffmpeg.KwArgs, ffmpeg.KwArgs) {
	in := ffmpeg.KwArgs{
		"analyzeduration": 1000000,
		"probesize":       1000000,
	}
	if isRTSP(rawURL) {
		in["rtsp_transport"] = "tcp"
	}
	fps := s.FPS
	if fps <= 0 {
		fps = 1
	}
	out := ffmpeg.KwArgs{
		"vf":       fmt.Sprintf("fps=%g", fps),
		"c:v":      "png",
		"f":        "image2pipe",
		"loglevel": "error",
	}
	return in, out
}

func (s *FFmpegSource) Open(ctx context.Context, rawURL string) (Conn, error) {
	connectTimeout := s.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 15 * time.Second
	}
	ctx, cancelConnect := context.WithTimeout(ctx, connectTimeout)
	defer cancelConnect()

	if isRTSP(rawURL) && !s.SkipProbe {
		if _, err := Probe(ctx, rawURL, connectTimeout); err != nil {
			return nil, fmt.Errorf("rtsp describe: %w", err)
		}
	}

	procCtx, cancel := context.WithCancel(context.Background())
	conn, err := startFFmpeg(s.compile(procCtx, rawURL), cancel, s.ReadTimeout)
	if err != nil {
		cancel()
		return nil, err
	}

	select {
	case <-conn.ready:
		return conn, nil
	case <-conn.done:
		conn.Close()
		return nil, conn.exitErr()
	case <-ctx.Done():
		conn.Close()
		return nil, fmt.Errorf("no frame within %s: %w", connectTimeout, ctx.Err())
	}
}

type ffmpegConn struct {
	cmd         *exec.Cmd
	cancel      context.CancelFunc
	readTimeout time.Duration
	stderr      bytes.Buffer

	frames    chan image.Image // latest frame only
	ready     chan struct{}    // closed on the first frame
	readyOnce sync.Once
	done      chan struct{} // closed when the process is gone
	err       error
}

func startFFmpeg(cmd *exec.Cmd, cancel context.CancelFunc, readTimeout time.Duration) (*ffmpegConn, error) {
	if readTimeout <= 0 {
		readTimeout = 5 * time.Second
	}
	c := &ffmpegConn{
		cmd:         cmd,
		cancel:      cancel,
		readTimeout: readTimeout,
		frames:      make(chan image.Image, 1),
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
	}
	cmd.Stderr = &c.stderr

	pipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	go func() {
		scanErr := scanFrames(pipe, c.offer)
		waitErr := cmd.Wait()
		c.err = errors.Join(scanErr, waitErr)
		close(c.done)
	}()
	return c, nil
}

// offer replaces whatever frame is waiting with img.
func (c *ffmpegConn) offer(img image.Image) {
	select {
	case <-c.frames:
	default:
	}
	c.frames <- img
	c.readyOnce.Do(func() { close(c.ready) })
}

func (c *ffmpegConn) exitErr() error {
	msg := strings.TrimSpace(c.stderr.String())
	if len(msg) > 500 {
		msg = msg[len(msg)-500:]
	}
	if c.err == nil && msg == "" {
		return errors.New("ffmpeg exited")
	}
	if msg == "" {
		return fmt.Errorf("ffmpeg exited: %w", c.err)
	}
	return fmt.Errorf("ffmpeg exited: %v: %s", c.err, msg)
}

func (c *ffmpegConn) Read(ctx context.Context) (image.Image, error) {
	timer := time.NewTimer(c.readTimeout)
	defer timer.Stop()

	select {
	case img := <-c.frames:
		return img, nil
	case <-c.done:
		select {
		case img := <-c.frames:
			return img, nil
		default:
		}
		return nil, c.exitErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrNoFrame
	}
}

func (c *ffmpegConn) Close() error {
	c.cancel()
	<-c.done
	return nil
}

// scanFrames splits an image2pipe PNG stream into frames and hands each decoded
// frame to emit. Undecodable frames are skipped.
func scanFrames(r io.Reader, emit func(image.Image)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<20), maxFrameSize)
	scanner.Split(splitPNG)
	for scanner.Scan() {
		img, err := png.Decode(bytes.NewReader(scanner.Bytes()))
		if err != nil {
			continue
		}
		emit(img)
	}
	return scanner.Err()
}

// splitPNG is a bufio.SplitFunc that yields one complete PNG file per token.
// Bytes before a PNG signature are dropped.
func splitPNG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, pngSignature)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// Keep a possible partial signature at the end
		if keep := len(pngSignature) - 1; len(data) > keep {
			return len(data) - keep, nil, nil
		}
		return 0, nil, nil
	}

	end := bytes.Index(data[start+len(pngSignature):], pngTrailer)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil // truncated frame
		}
		return start, nil, nil // need more data
	}
	end += start + len(pngSignature) + len(pngTrailer)
	return end, data[start:end], nil
}
