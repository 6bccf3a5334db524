package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/clearpoint/camwatch/pkg/stream"
)

// discoverCameras reads the camera-*.sh recorder scripts in dir. A script
// needs CAMERA_ID= and RTSP_URL= lines; "# Name:" is optional.
func discoverCameras(dir string) ([]stream.Camera, error) {
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	scripts, err := filepath.Glob(filepath.Join(dir, "camera-*.sh"))
	if err != nil {
		return nil, err
	}
	sort.Strings(scripts)

	var cameras []stream.Camera
	var errs []error
	for _, script := range scripts {
		cam, ok, err := parseCameraScript(script)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			cameras = append(cameras, cam)
		}
	}
	return cameras, errors.Join(errs...)
}

func parseCameraScript(path string) (stream.Camera, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return stream.Camera{}, false, err
	}
	defer f.Close()

	var cam stream.Camera
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "CAMERA_ID="):
			cam.ID = unquote(strings.TrimPrefix(line, "CAMERA_ID="))
		case strings.HasPrefix(line, "RTSP_URL="):
			cam.RTSPURL = unquote(strings.TrimPrefix(line, "RTSP_URL="))
		case strings.HasPrefix(line, "# Name:"):
			cam.Name = strings.TrimSpace(strings.TrimPrefix(line, "# Name:"))
		}
	}
	if err := scanner.Err(); err != nil {
		return stream.Camera{}, false, fmt.Errorf("%s: %w", path, err)
	}

	if cam.ID == "" || cam.RTSPURL == "" {
		return stream.Camera{}, false, nil
	}
	if cam.Name == "" {
		short := cam.ID
		if len(short) > 8 {
			short = short[:8]
		}
		cam.Name = "Camera " + short
	}
	return cam, true, nil
}

func unquote(s string) string {
	return strings.Trim(strings.TrimSpace(s), `"'`)
}
