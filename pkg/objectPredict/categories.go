package objectPredict

import (
	"encoding/json"
	"fmt"
)

// Category is the coarse class reported to the alert endpoint.
type Category int

const (
	Person Category = iota
	Vehicle
	Animal
)

// Categories lists every category in a stable order.
var Categories = []Category{Person, Vehicle, Animal}

func (c Category) String() string {
	switch c {
	case Person:
		return "person"
	case Vehicle:
		return "vehicle"
	case Animal:
		return "animal"
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// Label is the human readable name drawn next to a box.
func (c Category) Label() string {
	switch c {
	case Person:
		return "Person"
	case Vehicle:
		return "Vehicle"
	case Animal:
		return "Animal"
	}
	return c.String()
}

func (c Category) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *Category) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	cat, err := ParseCategory(s)
	if err != nil {
		return err
	}
	*c = cat
	return nil
}

// ParseCategory is the inverse of Category.String.
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown category %q", s)
}

// COCO class ids that we care about
const (
	COCOPerson     = 0
	COCOBicycle    = 1
	COCOCar        = 2
	COCOMotorcycle = 3
	COCOBus        = 5
	COCOTruck      = 7
	COCOBird       = 14
	COCOCat        = 15
	COCODog        = 16
	COCOHorse      = 17
	COCOSheep      = 18
	COCOCow        = 19
	COCOElephant   = 20
	COCOBear       = 21
	COCOZebra      = 22
	COCOGiraffe    = 23
)

// CategoryOf maps a model class id to its category. ok is false for ignored classes.
func CategoryOf(classID int) (cat Category, ok bool) {
	switch classID {
	case COCOPerson:
		return Person, true
	case COCOBicycle, COCOCar, COCOMotorcycle, COCOBus, COCOTruck:
		return Vehicle, true
	case COCOBird, COCOCat, COCODog, COCOHorse, COCOSheep, COCOCow, COCOElephant, COCOBear, COCOZebra, COCOGiraffe:
		return Animal, true
	}
	return 0, false
}

// ClassesOf returns the source class ids that reduce to cat.
func ClassesOf(cat Category) []int {
	var ids []int
	for id := range Yolo_classes {
		if c, ok := CategoryOf(id); ok && c == cat {
			ids = append(ids, id)
		}
	}
	return ids
}

// ClassName returns the COCO name of a class id.
func ClassName(classID int) string {
	if classID < 0 || classID >= len(Yolo_classes) {
		return fmt.Sprintf("class_%d", classID)
	}
	return Yolo_classes[classID]
}

// Array of YOLOv8 class labels
var Yolo_classes = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat", "dog", "horse",
	"sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack", "umbrella", "handbag", "tie",
	"suitcase", "frisbee", "skis", "snowboard", "sports ball", "kite", "baseball bat", "baseball glove",
	"skateboard", "surfboard", "tennis racket", "bottle", "wine glass", "cup", "fork", "knife", "spoon",
	"bowl", "banana", "apple", "sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut",
	"cake", "chair", "couch", "potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink", "refrigerator", "book",
	"clock", "vase", "scissors", "teddy bear", "hair drier", "toothbrush",
}
