package motion

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"
)

func solid(w, h int, c uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = c
	}
	return img
}

func withSquare(base *image.Gray, r image.Rectangle, c uint8) *image.Gray {
	out := image.NewGray(base.Bounds())
	copy(out.Pix, base.Pix)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			out.SetGray(x, y, color.Gray{Y: c})
		}
	}
	return out
}

func TestKernelSigma(t *testing.T) {
	require.InDelta(t, 3.5, KernelSigma(21), 1e-9)
	require.InDelta(t, 1.1, KernelSigma(5), 1e-9)
}

func TestFirstFrameSetsReference(t *testing.T) {
	d := New(DefaultConfig)
	require.False(t, d.Observe(solid(160, 120, 40)))
	require.False(t, d.Observe(solid(160, 120, 40)))
}

func TestLargeChangeIsMotion(t *testing.T) {
	d := New(DefaultConfig)
	bg := solid(160, 120, 20)
	require.False(t, d.Observe(bg))
	require.True(t, d.Observe(withSquare(bg, image.Rect(40, 30, 100, 90), 230)))
	// Reference moved on: the same frame again is still
	require.False(t, d.Observe(withSquare(bg, image.Rect(40, 30, 100, 90), 230)))
}

func TestSmallChangeIsIgnored(t *testing.T) {
	d := New(DefaultConfig)
	bg := solid(160, 120, 20)
	require.False(t, d.Observe(bg))
	require.False(t, d.Observe(withSquare(bg, image.Rect(10, 10, 14, 14), 230)))
}

func TestFaintChangeIsIgnored(t *testing.T) {
	d := New(DefaultConfig)
	require.False(t, d.Observe(solid(160, 120, 100)))
	require.False(t, d.Observe(solid(160, 120, 110)))
}

func TestResetAndResize(t *testing.T) {
	d := New(DefaultConfig)
	bg := solid(160, 120, 20)
	changed := withSquare(bg, image.Rect(40, 30, 100, 90), 230)

	require.False(t, d.Observe(bg))
	d.Reset()
	require.False(t, d.Observe(changed))

	// A different frame size replaces the reference without reporting motion
	require.False(t, d.Observe(solid(320, 240, 200)))
}
