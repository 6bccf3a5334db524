package alert

import (
	"errors"
	"fmt"
	"image"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/clearpoint/camwatch/pkg/objectPredict"
)

const (
	DefaultMaxSnapshots    = 500
	DefaultSnapshotQuality = 80
	snapshotTimeLayout     = "20060102_150405.000"
)

// Snapshots writes annotated frames into a single directory and keeps at
// most Max of them after each Reclaim.
type Snapshots struct {
	Dir     string
	Max     int
	Quality int
}

func NewSnapshots(dir string, max int) (*Snapshots, error) {
	if max <= 0 {
		max = DefaultMaxSnapshots
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &Snapshots{Dir: dir, Max: max, Quality: DefaultSnapshotQuality}, nil
}

// SnapshotName returns "<camera>_<category>_<YYYYmmdd_HHMMSS.mmm>.jpg".
// Names sort by time for a fixed camera and category.
func SnapshotName(cameraID string, cat objectPredict.Category, t time.Time) string {
	return fmt.Sprintf("%s_%s_%s.jpg", cameraID, cat, t.Format(snapshotTimeLayout))
}

// ParseSnapshotName splits a name produced by SnapshotName. Camera ids may
// contain underscores, categories may not.
func ParseSnapshotName(name string) (cameraID string, cat objectPredict.Category, t time.Time, ok bool) {
	base, found := strings.CutSuffix(filepath.Base(name), ".jpg")
	if !found || len(base) < len(snapshotTimeLayout)+4 {
		return "", 0, time.Time{}, false
	}
	stamp := base[len(base)-len(snapshotTimeLayout):]
	t, err := time.ParseInLocation(snapshotTimeLayout, stamp, time.Local)
	if err != nil {
		return "", 0, time.Time{}, false
	}
	rest := strings.TrimSuffix(base[:len(base)-len(snapshotTimeLayout)], "_")
	i := strings.LastIndex(rest, "_")
	if i <= 0 {
		return "", 0, time.Time{}, false
	}
	cat, err = objectPredict.ParseCategory(rest[i+1:])
	if err != nil {
		return "", 0, time.Time{}, false
	}
	return rest[:i], cat, t, true
}

// Save encodes img as JPEG and returns the path written.
func (s *Snapshots) Save(cameraID string, cat objectPredict.Category, t time.Time, img image.Image) (string, error) {
	path := filepath.Join(s.Dir, SnapshotName(cameraID, cat, t))
	if err := objectPredict.SaveJPEG(path, img, s.Quality); err != nil {
		return "", fmt.Errorf("save snapshot %s: %w", path, err)
	}
	return path, nil
}

type snapshotFile struct {
	path    string
	modTime time.Time
}

// List returns the snapshot files ordered by modification time, oldest first.
func (s *Snapshots) List() ([]string, error) {
	files, err := s.list()
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths, nil
}

func (s *Snapshots) list() ([]snapshotFile, error) {
	matches, err := filepath.Glob(filepath.Join(s.Dir, "*.jpg"))
	if err != nil {
		return nil, err
	}
	files := make([]snapshotFile, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue // removed since the glob
		}
		if info.IsDir() {
			continue
		}
		files = append(files, snapshotFile{path: m, modTime: info.ModTime()})
	}
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].modTime.Equal(files[j].modTime) {
			return files[i].path < files[j].path
		}
		return files[i].modTime.Before(files[j].modTime)
	})
	return files, nil
}

// Reclaim deletes the oldest snapshots until at most Max remain.
// Files that vanish while it runs are not counted as errors.
func (s *Snapshots) Reclaim() (deleted int, err error) {
	files, err := s.list()
	if err != nil {
		return 0, fmt.Errorf("list snapshots: %w", err)
	}
	surplus := len(files) - s.Max
	if surplus <= 0 {
		return 0, nil
	}

	var errs []error
	for _, f := range files[:surplus] {
		if err := os.Remove(f.path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		deleted++
	}
	return deleted, errors.Join(errs...)
}
