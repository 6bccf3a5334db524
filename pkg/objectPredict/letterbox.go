package objectPredict

import (
	"image"
	"image/color"
	"image/draw"
	"math"
	"runtime"
	"sync"

	"github.com/nfnt/resize"
)

// PadGray is the value used to fill the letterbox border.
const PadGray = 114

// Letterbox scales img to fit inside a width x height canvas keeping its aspect
// ratio, places it in the top-left corner and pads the rest with gray.
// It returns the canvas as a CHW float32 tensor in [0,1] and the scale ratio
// (canvas pixels per source pixel) needed to map boxes back.
func Letterbox(img image.Image, width, height int) ([]float32, float64) {
	padded, ratio := LetterboxImage(img, width, height)

	// Initialize slice to store the final input, pre-allocate memory
	plane := width * height
	inputArray := make([]float32, plane*3)

	var wg sync.WaitGroup
	numGoroutines := runtime.NumCPU()
	if numGoroutines > height {
		numGoroutines = height
	}
	rowsPerGoroutine := height / numGoroutines

	for i := 0; i < numGoroutines; i++ {
		startY := i * rowsPerGoroutine
		endY := (i + 1) * rowsPerGoroutine
		if i == numGoroutines-1 {
			endY = height
		}

		wg.Add(1)
		go func(startY, endY int) {
			defer wg.Done()
			for y := startY; y < endY; y++ {
				for x := 0; x < width; x++ {
					off := padded.PixOffset(x, y)
					idx := y*width + x
					inputArray[idx] = float32(padded.Pix[off]) / 255.0
					inputArray[idx+plane] = float32(padded.Pix[off+1]) / 255.0
					inputArray[idx+2*plane] = float32(padded.Pix[off+2]) / 255.0
				}
			}
		}(startY, endY)
	}
	wg.Wait()

	return inputArray, ratio
}

// LetterboxImage is Letterbox without the tensor conversion.
func LetterboxImage(img image.Image, width, height int) (*image.RGBA, float64) {
	size := img.Bounds().Size()
	padded := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(padded, padded.Bounds(), &image.Uniform{color.RGBA{PadGray, PadGray, PadGray, 255}}, image.Point{}, draw.Src)
	if size.X == 0 || size.Y == 0 {
		return padded, 1
	}

	// Calculate new dimensions to preserve aspect ratio
	ratio := math.Min(float64(width)/float64(size.X), float64(height)/float64(size.Y))
	newWidth := int(float64(size.X) * ratio)
	newHeight := int(float64(size.Y) * ratio)
	if newWidth < 1 {
		newWidth = 1
	}
	if newHeight < 1 {
		newHeight = 1
	}

	resized := resize.Resize(uint(newWidth), uint(newHeight), img, resize.Bilinear)
	draw.Draw(padded, image.Rect(0, 0, newWidth, newHeight), resized, resized.Bounds().Min, draw.Src)
	return padded, ratio
}
