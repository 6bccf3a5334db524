package snapshotServe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/clearpoint/camwatch/pkg/alert"
	"github.com/clearpoint/camwatch/pkg/objectPredict"
	"github.com/hybridgroup/mjpeg"
	"github.com/tj/go-naturaldate"
	"go.uber.org/zap"
)

type Snapshot struct {
	File     string                 `json:"file"`
	Camera   string                 `json:"camera"`
	Category objectPredict.Category `json:"category"`
	Time     time.Time              `json:"time"`
	URL      string                 `json:"url"`
}

type Tag struct {
	Tag  string `json:"tag"`
	Type string `json:"type"`
}

// Server exposes the snapshot directory over HTTP. Stream and Status are optional.
type Server struct {
	Dir    string
	Stream *mjpeg.Stream
	Status func() any

	log *zap.SugaredLogger
}

func New(dir string, log *zap.SugaredLogger) *Server {
	return &Server{Dir: dir, log: log.Named("serve")}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/images/", s.serveImage)
	mux.HandleFunc("/api/snapshots", s.listHandler)
	mux.HandleFunc("/api", s.promptHandler)
	if s.Stream != nil {
		mux.Handle("/stream", s.Stream)
	}
	if s.Status != nil {
		mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, s.Status())
		})
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, "/api/snapshots", http.StatusFound)
	})
	return mux
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.log.Infof("serving %s at %s", s.Dir, addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve runs a standalone snapshot browser for dir.
func Serve(dir, addr string, log *zap.SugaredLogger) error {
	if _, err := os.Stat(dir); err != nil {
		return err
	}
	return New(dir, log).ListenAndServe(context.Background(), addr)
}

// loadSnapshots returns every snapshot in dir, newest first. Files that do not
// follow the snapshot naming scheme are ignored.
func loadSnapshots(dir string) ([]Snapshot, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.jpg"))
	if err != nil {
		return nil, err
	}
	data := []Snapshot{}
	for _, m := range matches {
		name := filepath.Base(m)
		camera, cat, t, ok := alert.ParseSnapshotName(name)
		if !ok {
			continue
		}
		data = append(data, Snapshot{
			File:     name,
			Camera:   camera,
			Category: cat,
			Time:     t,
			URL:      "/images/" + name,
		})
	}
	sort.SliceStable(data, func(i, j int) bool {
		return data[i].Time.After(data[j].Time)
	})
	return data, nil
}

func (s *Server) listHandler(w http.ResponseWriter, r *http.Request) {
	data, err := loadSnapshots(s.Dir)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if camera := r.URL.Query().Get("camera"); camera != "" {
		data = filterSnapshots(data, time.Time{}, time.Time{}, []Tag{{Tag: camera, Type: "camera"}})
	}
	writeJSON(w, data)
}

var (
	rangeRe = regexp.MustCompile(`(?i)(from|between)\s+(.*?)\s+(to|and)\s+(.*)`)
	clockRe = regexp.MustCompile(`(?i)\b\d{1,2}(:\d{2})?\s*(am|pm)\b|\b\d{1,2}:\d{2}\b|\b(noon|midnight)\b`)
)

// ParseDateRangePrompt turns "from X to Y", "between X and Y" or a single
// point in time into a range. A single day covers the whole day, a single
// time of day covers the following hour.
func ParseDateRangePrompt(prompt string) (time.Time, time.Time, error) {
	return parseDateRange(prompt, time.Now())
}

func parseDateRange(prompt string, now time.Time) (time.Time, time.Time, error) {
	matches := rangeRe.FindStringSubmatch(prompt)
	if matches == nil {
		base, err := parsePoint(prompt, now)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		if !clockRe.MatchString(prompt) {
			return startOfDay(base), endOfDay(base), nil
		}
		tStart := time.Date(base.Year(), base.Month(), base.Day(), base.Hour(), base.Minute(), 0, 0, base.Location())
		return tStart, tStart.Add(time.Hour), nil
	}

	tStart, err := parsePoint(matches[2], now)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("range start %q: %w", matches[2], err)
	}
	tEnd, err := parsePoint(matches[4], now)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("range end %q: %w", matches[4], err)
	}
	if !clockRe.MatchString(matches[2]) {
		tStart = startOfDay(tStart)
	}
	if !clockRe.MatchString(matches[4]) {
		tEnd = endOfDay(tEnd)
	}
	return tStart, tEnd, nil
}

// parsePoint resolves one natural language time. naturaldate places a bare
// month name in the previous year; such dates move to the current year unless
// that puts them in the future.
func parsePoint(s string, now time.Time) (time.Time, error) {
	t, err := naturaldate.Parse(s, now)
	if err != nil {
		return time.Time{}, err
	}
	if now.Sub(t) > 365*24*time.Hour {
		shifted := time.Date(now.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
		if !shifted.After(now) {
			t = shifted
		}
	}
	return t, nil
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 999999999, t.Location())
}

func (s *Server) promptHandler(w http.ResponseWriter, r *http.Request) {
	type retObj struct {
		Success   bool       `json:"success"`
		Error     string     `json:"error"`
		TimeStart string     `json:"timeStart"`
		TimeEnd   string     `json:"timeEnd"`
		Tags      []Tag      `json:"tags"`
		Data      []Snapshot `json:"data"`
	}

	prompt := r.URL.Query().Get("prompt")
	if prompt == "" {
		http.Error(w, "prompt parameter is required", http.StatusBadRequest)
		return
	}
	prompt = strings.Map(func(r rune) rune {
		if strings.ContainsRune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789 :_-", r) {
			return r
		}
		return -1
	}, prompt)
	s.log.Infof("prompt: %s", prompt)

	data, err := loadSnapshots(s.Dir)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	tStart, tEnd, err := ParseDateRangePrompt(prompt)
	if err != nil {
		s.log.Warnf("cannot parse date range %q: %v", prompt, err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.log.Debugf("range %v - %v", tStart, tEnd)

	tags := extractTags(prompt, data)
	filtered := filterSnapshots(data, tStart, tEnd, tags)
	s.log.Infof("returning %d snapshots", len(filtered))

	writeJSON(w, retObj{
		Success:   true,
		TimeStart: tStart.Format(time.RFC3339),
		TimeEnd:   tEnd.Format(time.RFC3339),
		Tags:      tags,
		Data:      filtered,
	})
}

// extractTags finds camera ids and object words in the prompt. Object words
// are either category names or COCO class names, singular or plural.
func extractTags(prompt string, data []Snapshot) []Tag {
	cameras := map[string]bool{}
	for _, d := range data {
		cameras[d.Camera] = true
	}

	var tags []Tag
	seen := map[string]bool{}
	add := func(t Tag) {
		if !seen[t.Type+":"+t.Tag] {
			seen[t.Type+":"+t.Tag] = true
			tags = append(tags, t)
		}
	}
	for _, word := range strings.Fields(prompt) {
		if cameras[word] {
			add(Tag{Tag: word, Type: "camera"})
			continue
		}
		if cat, ok := categoryOfWord(singular(word)); ok {
			add(Tag{Tag: cat.String(), Type: "category"})
		}
	}
	return tags
}

func categoryOfWord(word string) (objectPredict.Category, bool) {
	if cat, err := objectPredict.ParseCategory(word); err == nil {
		return cat, true
	}
	for id, name := range objectPredict.Yolo_classes {
		if name == word {
			return objectPredict.CategoryOf(id)
		}
	}
	return 0, false
}

// filterSnapshots keeps snapshots in [start, end) matching any camera tag and
// any category tag. Zero bounds are open.
func filterSnapshots(data []Snapshot, start, end time.Time, tags []Tag) []Snapshot {
	var cameras, categories []string
	for _, t := range tags {
		switch t.Type {
		case "camera":
			cameras = append(cameras, t.Tag)
		case "category":
			categories = append(categories, t.Tag)
		}
	}

	out := []Snapshot{}
	for _, d := range data {
		if !start.IsZero() && d.Time.Before(start) {
			continue
		}
		if !end.IsZero() && !d.Time.Before(end) {
			continue
		}
		if len(cameras) > 0 && !contains(cameras, d.Camera) {
			continue
		}
		if len(categories) > 0 && !contains(categories, d.Category.String()) {
			continue
		}
		out = append(out, d)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func singular(word string) string {
	irregularPlurals := map[string]string{
		"people": "person",
		"mice":   "mouse",
		"buses":  "bus",
		"bus":    "bus",
		"sheep":  "sheep",
	}

	lowerWord := strings.ToLower(word)
	if singularWord, ok := irregularPlurals[lowerWord]; ok {
		return singularWord
	}
	if n := len(lowerWord); n > 1 && lowerWord[n-1] == 's' {
		return lowerWord[:n-1]
	}
	return lowerWord
}

func (s *Server) serveImage(w http.ResponseWriter, r *http.Request) {
	name := filepath.Base(strings.TrimPrefix(r.URL.Path, "/images/"))
	if filepath.Ext(name) != ".jpg" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeFile(w, r, filepath.Join(s.Dir, name))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
