package main

import (
	"context"
	"fmt"
	"os"

	"github.com/8ff/prettyTimer"
	"github.com/clearpoint/camwatch/pkg/objectPredict"
)

func bench(config objectPredict.Config, filename string, num int) {
	img, err := objectPredict.LoadImage(filename)
	if err != nil {
		fmt.Println("Error loading image:", err)
		return
	}

	obj, err := objectPredict.Init(config)
	if err != nil {
		fmt.Println("Cannot init model:", err)
		return
	}
	defer obj.Close()

	stats := prettyTimer.NewTimingStats()
	for i := 0; i < num; i++ {
		stats.Start()
		if _, _, err = obj.Infer(img); err != nil {
			fmt.Println("Cannot predict:", err)
			return
		}
		stats.Finish()
	}
	stats.PrintStats()
}

func runExample(config objectPredict.Config, filename string) {
	img, err := objectPredict.LoadImage(filename)
	if err != nil {
		fmt.Println("Error loading image:", err)
		return
	}

	obj, err := objectPredict.Init(config)
	if err != nil {
		fmt.Println("Cannot init model:", err)
		return
	}
	backend := objectPredict.NewSerialBackend(obj)
	defer backend.Close()
	stats := prettyTimer.NewTimingStats()

	stats.Start()
	detections, err := backend.Detect(context.Background(), img, 0.5)
	if err != nil {
		fmt.Println("Cannot predict:", err)
		return
	}
	stats.Finish()

	for _, d := range detections {
		fmt.Printf("%s (%s) %.2f %v\n", d.ClassName, d.Category, d.Confidence, d.BBox())
	}

	annotated, err := objectPredict.Annotate(img, detections)
	if err != nil {
		fmt.Println("Cannot draw labels:", err)
	}
	if err := objectPredict.SaveJPEG("out.jpg", annotated, 90); err != nil {
		fmt.Println("Cannot save out.jpg:", err)
	}
	stats.PrintStats()
}

func main() {
	args := os.Args[1:]
	if len(args) < 3 {
		fmt.Println("Usage: example <model.onnx> <image> <bench_cpu|bench_coreml|bench_cuda/gpu|run>")
		return
	}
	model, image := args[0], args[1]

	switch args[2] {
	case "bench_cpu":
		bench(objectPredict.Config{ModelPath: model}, image, 50)
	case "bench_coreml":
		bench(objectPredict.Config{ModelPath: model, EnableCoreMl: true}, image, 50)
	case "bench_cuda", "bench_gpu":
		bench(objectPredict.Config{ModelPath: model, EnableCuda: true}, image, 50)
	case "run":
		runExample(objectPredict.Config{ModelPath: model}, image)
	default:
		fmt.Println("Usage: example <model.onnx> <image> <bench_cpu|bench_coreml|bench_cuda/gpu|run>")
	}
}
