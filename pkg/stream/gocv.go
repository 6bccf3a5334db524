//go:build gocv

package stream

import (
	"context"
	"fmt"
	"image"
	"time"

	"gocv.io/x/gocv"
)

// GoCVSource reads cameras through OpenCV's FFmpeg backend.
// Only built with -tags gocv.
type GoCVSource struct {
	ConnectTimeout time.Duration
}

func NewGoCVSource(connectTimeout time.Duration) (Source, error) {
	return &GoCVSource{ConnectTimeout: connectTimeout}, nil
}

func (s *GoCVSource) Open(ctx context.Context, url string) (Conn, error) {
	type result struct {
		cap *gocv.VideoCapture
		err error
	}
	// OpenCV blocks without a deadline, so bound it from here
	done := make(chan result, 1)
	go func() {
		cap, err := gocv.OpenVideoCaptureWithAPI(url, gocv.VideoCaptureFFmpeg)
		if err == nil && !cap.IsOpened() {
			cap.Close()
			err = fmt.Errorf("capture not opened")
		}
		done <- result{cap, err}
	}()

	timeout := s.ConnectTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		r.cap.Set(gocv.VideoCaptureBufferSize, 1)
		return &gocvConn{cap: r.cap, mat: gocv.NewMat()}, nil
	case <-time.After(timeout):
		go func() {
			if r := <-done; r.err == nil {
				r.cap.Close()
			}
		}()
		return nil, fmt.Errorf("open timed out after %s", timeout)
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				r.cap.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

type gocvConn struct {
	cap *gocv.VideoCapture
	mat gocv.Mat
}

func (c *gocvConn) Read(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ok := c.cap.Read(&c.mat); !ok || c.mat.Empty() {
		return nil, ErrNoFrame
	}
	return c.mat.ToImage()
}

func (c *gocvConn) Close() error {
	c.mat.Close()
	return c.cap.Close()
}
