package objectPredict

import (
	"image"
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
	"github.com/chewxy/math32"
)

// NMSIoUThreshold is the overlap above which the weaker of two boxes is suppressed.
const NMSIoUThreshold = 0.45

// Tensor is the raw output of one forward pass.
// It holds N candidates of 4 box values (cx, cy, w, h) followed by C class scores.
// YOLOv8 emits it attribute-major (Rows = 4+C, Cols = N), but candidate-major
// tensors (Rows = N, Cols = 4+C) are accepted too. When Attrs is set, the
// dimension equal to it is the attribute axis; otherwise the smaller one is.
type Tensor struct {
	Data  []float32
	Rows  int
	Cols  int
	Attrs int
}

// Box is a corner-form box in pixel space.
type Box struct {
	X1, Y1, X2, Y2 float32
}

func (b Box) Area() float32 {
	return math32.Max(0, b.X2-b.X1) * math32.Max(0, b.Y2-b.Y1)
}

// Detection is a single classified object, in original-frame pixels.
type Detection struct {
	ClassID    int             `json:"class_id"`
	ClassName  string          `json:"class_name"`
	Category   Category        `json:"detection_type"`
	Confidence float32         `json:"confidence"`
	Box        image.Rectangle `json:"-"`
}

// BBox returns the box as [x1, y1, x2, y2].
func (d Detection) BBox() [4]int {
	return [4]int{d.Box.Min.X, d.Box.Min.Y, d.Box.Max.X, d.Box.Max.Y}
}

// candidates returns the number of candidate boxes, the number of attributes
// per candidate, and an accessor that hides the tensor orientation.
func (t Tensor) candidates() (n, attrs int, at func(i, a int) float32) {
	if t.Rows <= 0 || t.Cols <= 0 || len(t.Data) < t.Rows*t.Cols {
		return 0, 0, nil
	}
	attrMajor := t.Rows < t.Cols
	if t.Attrs > 0 && t.Rows != t.Cols {
		attrMajor = t.Rows == t.Attrs
	}
	if attrMajor {
		// [4+C, N]
		cols := t.Cols
		return t.Cols, t.Rows, func(i, a int) float32 { return t.Data[a*cols+i] }
	}
	// [N, 4+C]
	cols := t.Cols
	return t.Rows, t.Cols, func(i, a int) float32 { return t.Data[i*cols+a] }
}

// Decode turns a raw tensor into filtered, classified detections.
// scaleRatio is the letterbox ratio (model pixels per frame pixel) and frame is
// the size of the original frame. Candidates whose best score is <= threshold are
// dropped, overlapping boxes are suppressed, classes without a category are
// ignored, and the surviving boxes are clamped to the frame.
// The result is ordered by descending confidence.
func Decode(t Tensor, scaleRatio float64, frame image.Point, threshold float32) []Detection {
	n, attrs, at := t.candidates()
	if n == 0 || attrs <= 4 || scaleRatio <= 0 {
		return nil
	}

	var boxes []Box
	var scores []float32
	var classes []int
	ratio := float32(scaleRatio)

	for i := 0; i < n; i++ {
		classID, score := 0, float32(-1)
		for c := 4; c < attrs; c++ {
			if s := at(i, c); s > score {
				score = s
				classID = c - 4
			}
		}
		if score <= threshold {
			continue
		}

		cx, cy, w, h := at(i, 0), at(i, 1), at(i, 2), at(i, 3)
		boxes = append(boxes, Box{
			X1: (cx - w/2) / ratio,
			Y1: (cy - h/2) / ratio,
			X2: (cx + w/2) / ratio,
			Y2: (cy + h/2) / ratio,
		})
		scores = append(scores, score)
		classes = append(classes, classID)
	}

	if len(boxes) == 0 {
		return nil
	}

	keep := NMS(boxes, scores, threshold, NMSIoUThreshold)

	detections := make([]Detection, 0, len(keep))
	for _, k := range keep {
		cat, ok := CategoryOf(classes[k])
		if !ok {
			continue // not a class we alert on
		}
		rect, ok := clampBox(boxes[k], frame)
		if !ok {
			continue
		}
		detections = append(detections, Detection{
			ClassID:    classes[k],
			ClassName:  ClassName(classes[k]),
			Category:   cat,
			Confidence: scores[k],
			Box:        rect,
		})
	}
	return detections
}

// clampBox converts a float box to integer pixels inside [0,w]x[0,h].
// ok is false when nothing of the box remains inside the frame.
func clampBox(b Box, frame image.Point) (image.Rectangle, bool) {
	x1 := clampCoord(b.X1, frame.X)
	y1 := clampCoord(b.Y1, frame.Y)
	x2 := clampCoord(b.X2, frame.X)
	y2 := clampCoord(b.Y2, frame.Y)
	if x1 >= x2 || y1 >= y2 {
		return image.Rectangle{}, false
	}
	return image.Rect(x1, y1, x2, y2), true
}

// clampCoord limits v to [0,hi] before the integer conversion. NaN maps to 0.
func clampCoord(v float32, hi int) int {
	if math32.IsNaN(v) {
		return 0
	}
	return int(math32.Min(math32.Max(v, 0), float32(hi)))
}

// indexLimit bounds the coordinates given to the spatial index, well past any
// letterboxed frame and well inside int32.
const indexLimit = 1 << 20

func indexCoord(v float32) int32 {
	if math32.IsNaN(v) {
		return 0
	}
	return int32(math32.Min(math32.Max(v, -indexLimit), indexLimit))
}

// NMS performs class-agnostic non-maximum suppression.
// Boxes with score <= scoreThreshold are discarded first. The remaining boxes are
// visited from highest to lowest score (ties broken by index), and a box is kept
// only if its IoU with every already kept box is <= iouThreshold.
// Returns the kept indices into boxes, in visiting order.
func NMS(boxes []Box, scores []float32, scoreThreshold, iouThreshold float32) []int {
	order := make([]int, 0, len(boxes))
	for i := range boxes {
		if scores[i] > scoreThreshold {
			order = append(order, i)
		}
	}
	if len(order) == 0 {
		return nil
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	// Spatial index over all boxes, so that each box is only compared with its neighbours
	fb := flatbush.NewFlatbush[int32]()
	fb.Reserve(len(boxes))
	for _, b := range boxes {
		fb.Add(indexCoord(math32.Floor(b.X1)), indexCoord(math32.Floor(b.Y1)), indexCoord(math32.Ceil(b.X2)), indexCoord(math32.Ceil(b.Y2)))
	}
	fb.Finish()

	kept := make([]bool, len(boxes))
	keep := make([]int, 0, len(order))
	for _, i := range order {
		b := boxes[i]
		suppressed := false
		for _, j := range fb.Search(indexCoord(math32.Floor(b.X1)), indexCoord(math32.Floor(b.Y1)), indexCoord(math32.Ceil(b.X2)), indexCoord(math32.Ceil(b.Y2))) {
			if j == i || !kept[j] {
				continue
			}
			if IoU(b, boxes[j]) > iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept[i] = true
			keep = append(keep, i)
		}
	}
	return keep
}

// IoU is the intersection over union of two boxes.
func IoU(a, b Box) float32 {
	inter := intersection(a, b)
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func intersection(a, b Box) float32 {
	x1 := math32.Max(a.X1, b.X1)
	y1 := math32.Max(a.Y1, b.Y1)
	x2 := math32.Min(a.X2, b.X2)
	y2 := math32.Min(a.Y2, b.Y2)
	if x2 < x1 || y2 < y1 {
		return 0
	}
	return (x2 - x1) * (y2 - y1)
}
