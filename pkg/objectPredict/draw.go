package objectPredict

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	_ "image/png"
	"os"
	"sync"

	"github.com/goki/freetype"
	"github.com/goki/freetype/truetype"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/math/fixed"
)

const labelFontSize = 14

var (
	labelFontOnce sync.Once
	labelFont     *truetype.Font
	labelFontErr  error
)

func loadLabelFont() (*truetype.Font, error) {
	labelFontOnce.Do(func() {
		labelFont, labelFontErr = freetype.ParseFont(goregular.TTF)
	})
	return labelFont, labelFontErr
}

// CategoryColor is the box color used for each category.
func CategoryColor(c Category) color.RGBA {
	switch c {
	case Person:
		return color.RGBA{50, 100, 255, 255}
	case Vehicle:
		return color.RGBA{255, 140, 0, 255}
	case Animal:
		return color.RGBA{80, 200, 0, 255}
	}
	return color.RGBA{200, 200, 200, 255}
}

// Annotate returns a copy of frame with a box and a "<Label> NN%" tag per detection.
// Boxes are always drawn. The error reports the first label that could not be rendered.
func Annotate(frame image.Image, detections []Detection) (*image.RGBA, error) {
	out := ConvertToRGBA(frame)
	var labelErr error
	for _, d := range detections {
		col := CategoryColor(d.Category)
		DrawRectangle(out, d.Box, col, 2)

		text := fmt.Sprintf("%s %.0f%%", d.Category.Label(), d.Confidence*100)
		tw, th := measureLabel(text)
		bg := image.Rect(d.Box.Min.X, d.Box.Min.Y-th-8, d.Box.Min.X+tw+6, d.Box.Min.Y)
		draw.Draw(out, bg.Intersect(out.Bounds()), &image.Uniform{col}, image.Point{}, draw.Src)
		if err := AddLabelWithTTF(out, text, image.Pt(d.Box.Min.X+3, d.Box.Min.Y-4), color.White, labelFontSize); err != nil && labelErr == nil {
			labelErr = fmt.Errorf("label %q: %w", text, err)
		}
	}
	return out, labelErr
}

func measureLabel(text string) (int, int) {
	f, err := loadLabelFont()
	if err != nil {
		return len(text) * labelFontSize / 2, labelFontSize
	}
	face := truetype.NewFace(f, &truetype.Options{Size: labelFontSize, DPI: 72})
	defer face.Close()
	width := font.MeasureString(face, text)
	return width.Ceil(), face.Metrics().Ascent.Ceil()
}

// DrawRectangle draws a rectangle outline on an image
func DrawRectangle(img *image.RGBA, rect image.Rectangle, col color.Color, thickness int) {
	for i := 0; i < thickness; i++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			img.Set(x, rect.Min.Y+i, col)   // Top border
			img.Set(x, rect.Max.Y-i-1, col) // Bottom border
		}
		for y := rect.Min.Y; y < rect.Max.Y; y++ {
			img.Set(rect.Min.X+i, y, col)   // Left border
			img.Set(rect.Max.X-i-1, y, col) // Right border
		}
	}
}

// ConvertToRGBA copies an image.Image into a new *image.RGBA
func ConvertToRGBA(img image.Image) *image.RGBA {
	rgba := image.NewRGBA(img.Bounds())
	draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)
	return rgba
}

// AddLabelWithTTF draws text with its baseline at pt
func AddLabelWithTTF(img draw.Image, text string, pt image.Point, textColor color.Color, fontSize float64) error {
	f, err := loadLabelFont()
	if err != nil {
		return err
	}

	c := freetype.NewContext()
	c.SetDPI(72)
	c.SetFont(f)
	c.SetFontSize(fontSize)
	c.SetClip(img.Bounds())
	c.SetDst(img)
	c.SetSrc(image.NewUniform(textColor))

	_, err = c.DrawString(text, fixed.Point26_6{
		X: fixed.I(pt.X),
		Y: fixed.I(pt.Y),
	})
	return err
}

// EncodeJPEG encodes an image at the given quality (1-100)
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SaveJPEG saves an image to a JPEG file
func SaveJPEG(filename string, img image.Image, quality int) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}

	if err := jpeg.Encode(file, img, &jpeg.Options{Quality: quality}); err != nil {
		file.Close()
		os.Remove(filename)
		return err
	}
	return file.Close()
}

// LoadImage loads a PNG or JPEG image from a file.
func LoadImage(filename string) (image.Image, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, err
	}
	return img, nil
}
