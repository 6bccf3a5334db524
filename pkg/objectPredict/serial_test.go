package objectPredict

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingBackend records how many Infer calls overlap.
type countingBackend struct {
	active  atomic.Int32
	maxSeen atomic.Int32
	calls   atomic.Int32
	tensor  Tensor
	err     error
	panics  bool
}

func (b *countingBackend) Infer(img image.Image) (Tensor, float64, error) {
	n := b.active.Add(1)
	defer b.active.Add(-1)
	for {
		m := b.maxSeen.Load()
		if n <= m || b.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	b.calls.Add(1)
	time.Sleep(2 * time.Millisecond)
	if b.panics {
		panic("device lost")
	}
	return b.tensor, 1, b.err
}

func TestSerialBackendExclusive(t *testing.T) {
	b := &countingBackend{tensor: attrMajor(candidate{100, 100, 50, 50, COCOPerson, 0.9})}
	s := NewSerialBackend(b)
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				dets, err := s.Detect(context.Background(), img, 0.5)
				assert.NoError(t, err)
				assert.Len(t, dets, 1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(40), b.calls.Load())
	require.Equal(t, int32(1), b.maxSeen.Load())
}

func TestSerialBackendErrors(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))

	_, err := NewSerialBackend(&countingBackend{err: errors.New("boom")}).Detect(context.Background(), img, 0.5)
	require.ErrorContains(t, err, "boom")

	_, err = NewSerialBackend(&countingBackend{panics: true}).Detect(context.Background(), img, 0.5)
	require.ErrorContains(t, err, "device lost")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := &countingBackend{}
	_, err = NewSerialBackend(b).Detect(ctx, img, 0.5)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, b.calls.Load())
}

func TestLetterbox(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 1280, 720))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	input, ratio := Letterbox(img, 640, 640)
	require.InDelta(t, 0.5, ratio, 1e-9)
	require.Len(t, input, 3*640*640)

	plane := 640 * 640
	// Image area in the top-left, gray padding below it
	require.InDelta(t, 1.0, input[0], 1e-6)
	require.InDelta(t, 1.0, input[359*640+639], 1e-6)
	require.InDelta(t, PadGray/255.0, input[360*640], 1e-6)
	require.InDelta(t, PadGray/255.0, input[2*plane+639*640+639], 1e-6)
}

func TestAnnotate(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 200, 200))
	det := Detection{ClassID: COCODog, ClassName: "dog", Category: Animal, Confidence: 0.8, Box: image.Rect(50, 60, 150, 160)}

	out, err := Annotate(img, []Detection{det})
	require.NoError(t, err)
	require.Equal(t, img.Bounds(), out.Bounds())
	require.Equal(t, CategoryColor(Animal), out.RGBAAt(100, 159))
	require.Equal(t, CategoryColor(Animal), out.RGBAAt(50, 100))
	// The source frame is untouched
	require.Zero(t, img.RGBAAt(100, 159).A)
}

// closingBackend blocks in Infer until release is closed.
type closingBackend struct {
	entered           chan struct{}
	release           chan struct{}
	closed            atomic.Bool
	inFlight          atomic.Bool
	closedDuringInfer atomic.Bool
}

func (b *closingBackend) Infer(img image.Image) (Tensor, float64, error) {
	b.inFlight.Store(true)
	close(b.entered)
	<-b.release
	b.inFlight.Store(false)
	return Tensor{}, 1, nil
}

func (b *closingBackend) Close() {
	if b.inFlight.Load() {
		b.closedDuringInfer.Store(true)
	}
	b.closed.Store(true)
}

func TestSerialBackendCloseWaitsForInfer(t *testing.T) {
	b := &closingBackend{entered: make(chan struct{}), release: make(chan struct{})}
	s := NewSerialBackend(b)
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))

	detectDone := make(chan error, 1)
	go func() {
		_, err := s.Detect(context.Background(), img, 0.5)
		detectDone <- err
	}()
	<-b.entered

	closeDone := make(chan struct{})
	go func() {
		s.Close()
		close(closeDone)
	}()

	select {
	case <-closeDone:
		t.Fatal("Close returned while a forward pass was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(b.release)
	require.NoError(t, <-detectDone)
	<-closeDone
	require.True(t, b.closed.Load())
	require.False(t, b.closedDuringInfer.Load())

	_, err := s.Detect(context.Background(), img, 0.5)
	require.ErrorIs(t, err, ErrBackendClosed)

	// Idempotent
	s.Close()
}
