// Package motion reports whether consecutive frames of a camera differ by a
// large enough connected region.
package motion

import (
	"image"

	"github.com/disintegration/imaging"
)

type Config struct {
	Threshold uint8 // per-pixel difference needed to count as changed
	MinArea   int   // a changed region must cover more pixels than this
	BlurSize  int   // gaussian kernel size, odd
}

var DefaultConfig = Config{
	Threshold: 25,
	MinArea:   500,
	BlurSize:  21,
}

// Detector keeps the previous frame of one camera. It is not safe for concurrent use.
type Detector struct {
	cfg   Config
	sigma float64
	ref   []uint8
	size  image.Point
}

func New(cfg Config) *Detector {
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultConfig.Threshold
	}
	if cfg.MinArea <= 0 {
		cfg.MinArea = DefaultConfig.MinArea
	}
	if cfg.BlurSize <= 0 {
		cfg.BlurSize = DefaultConfig.BlurSize
	}
	return &Detector{cfg: cfg, sigma: KernelSigma(cfg.BlurSize)}
}

// KernelSigma derives the gaussian sigma for a kernel size the same way OpenCV
// does when sigma is left at zero.
func KernelSigma(ksize int) float64 {
	return 0.3*(float64(ksize-1)*0.5-1) + 0.8
}

// Observe compares frame with the previous one and replaces the reference.
// The first frame, and any frame whose size differs from the reference, only
// sets the reference and reports no motion.
func (d *Detector) Observe(frame image.Image) bool {
	gray, size := d.prepare(frame)

	ref, refSize := d.ref, d.size
	d.ref, d.size = gray, size
	if ref == nil || refSize != size {
		return false
	}

	mask := make([]bool, len(gray))
	for i := range gray {
		diff := int(gray[i]) - int(ref[i])
		if diff < 0 {
			diff = -diff
		}
		mask[i] = diff > int(d.cfg.Threshold)
	}
	mask = dilate(mask, size.X, size.Y)
	mask = dilate(mask, size.X, size.Y)

	return largestRegionExceeds(mask, size.X, size.Y, d.cfg.MinArea)
}

// Reset drops the reference frame.
func (d *Detector) Reset() {
	d.ref = nil
	d.size = image.Point{}
}

// prepare converts frame to a blurred single channel plane.
func (d *Detector) prepare(frame image.Image) ([]uint8, image.Point) {
	blurred := imaging.Blur(imaging.Grayscale(frame), d.sigma)
	size := blurred.Bounds().Size()
	gray := make([]uint8, size.X*size.Y)
	for y := 0; y < size.Y; y++ {
		row := blurred.Pix[y*blurred.Stride:]
		for x := 0; x < size.X; x++ {
			gray[y*size.X+x] = row[x*4] // R == G == B after Grayscale
		}
	}
	return gray, size
}

// dilate applies one pass of a 3x3 square structuring element.
func dilate(mask []bool, w, h int) []bool {
	out := make([]bool, len(mask))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if !mask[y*w+x] {
				continue
			}
			for dy := -1; dy <= 1; dy++ {
				ny := y + dy
				if ny < 0 || ny >= h {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					nx := x + dx
					if nx < 0 || nx >= w {
						continue
					}
					out[ny*w+nx] = true
				}
			}
		}
	}
	return out
}

// largestRegionExceeds walks 8-connected regions of the mask and returns as
// soon as one of them is larger than minArea pixels.
func largestRegionExceeds(mask []bool, w, h, minArea int) bool {
	seen := make([]bool, len(mask))
	queue := []int{}
	for start := range mask {
		if !mask[start] || seen[start] {
			continue
		}
		seen[start] = true
		queue = append(queue[:0], start)
		area := 0
		for len(queue) != 0 {
			idx := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			area++
			if area > minArea {
				return true
			}
			x, y := idx%w, idx/w
			for dy := -1; dy <= 1; dy++ {
				ny := y + dy
				if ny < 0 || ny >= h {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					nx := x + dx
					if nx < 0 || nx >= w {
						continue
					}
					n := ny*w + nx
					if mask[n] && !seen[n] {
						seen[n] = true
						queue = append(queue, n)
					}
				}
			}
		}
	}
	return false
}
