package objectPredict

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
)

// Backend runs one forward pass over a frame.
type Backend interface {
	Infer(img image.Image) (Tensor, float64, error)
}

var ErrBackendClosed = errors.New("backend closed")

// SerialBackend shares a single Backend between cameras.
// At most one Infer call runs at any instant across all callers.
type SerialBackend struct {
	mu      sync.Mutex
	backend Backend
	closed  bool
}

func NewSerialBackend(b Backend) *SerialBackend {
	return &SerialBackend{backend: b}
}

// Detect runs inference and decodes the result for the frame's size.
// The lock is held only around the forward pass; decoding runs on the caller's goroutine.
func (s *SerialBackend) Detect(ctx context.Context, img image.Image, threshold float32) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tensor, ratio, err := s.infer(img)
	if err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}
	return Decode(tensor, ratio, img.Bounds().Size(), threshold), nil
}

func (s *SerialBackend) infer(img image.Image) (t Tensor, ratio float64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Tensor{}, 0, ErrBackendClosed
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("backend panic: %v", r)
		}
	}()
	return s.backend.Infer(img)
}

// Close waits for a running forward pass to finish and then releases the
// backend if it has a Close method. Later Detect calls return ErrBackendClosed.
func (s *SerialBackend) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if c, ok := s.backend.(interface{ Close() }); ok {
		c.Close()
	}
}
