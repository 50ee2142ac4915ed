package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanwahyu/automaton-inspect/internal/domain/ai"
)

// ErrNoFrame: the push slot has not received a frame yet.
var ErrNoFrame = errors.New("capture: no frame available")

// Source yields the current camera sample.
type Source interface {
	Capture(ctx context.Context) (ai.Frame, error)
}

// DirSource replays the image files of a directory in name order.
// Capture returns io.EOF after the last file unless Loop is set.
type DirSource struct {
	files []string
	Loop  bool
	now   func() time.Time

	mu   sync.Mutex
	next int
}

var imageExt = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
}

func NewDirSource(dir string, loop bool) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frames dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := imageExt[strings.ToLower(filepath.Ext(e.Name()))]; ok {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no jpg/png frames in %s", dir)
	}
	sort.Strings(files)
	return &DirSource{files: files, Loop: loop, now: time.Now}, nil
}

// Len is the number of frames in the directory.
func (s *DirSource) Len() int { return len(s.files) }

func (s *DirSource) Capture(ctx context.Context) (ai.Frame, error) {
	if err := ctx.Err(); err != nil {
		return ai.Frame{}, err
	}
	s.mu.Lock()
	if s.next >= len(s.files) {
		if !s.Loop {
			s.mu.Unlock()
			return ai.Frame{}, io.EOF
		}
		s.next = 0
	}
	path := s.files[s.next]
	s.next++
	s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return ai.Frame{}, fmt.Errorf("read frame %s: %w", filepath.Base(path), err)
	}
	return ai.Frame{
		Data:       data,
		MIMEType:   imageExt[strings.ToLower(filepath.Ext(path))],
		CapturedAt: s.now(),
	}, nil
}

// LatestSource is a single-slot mailbox fed by pushes (the operator app's
// camera uploads). A new push replaces the previous frame; an unconsumed
// frame that gets replaced is counted as overwritten.
type LatestSource struct {
	mu       sync.Mutex
	frame    *ai.Frame
	consumed bool

	pushed      atomic.Uint64
	overwritten atomic.Uint64
}

func NewLatestSource() *LatestSource { return &LatestSource{} }

func (s *LatestSource) Push(f ai.Frame) {
	s.mu.Lock()
	if s.frame != nil && !s.consumed {
		s.overwritten.Add(1)
	}
	s.frame = &f
	s.consumed = false
	s.mu.Unlock()
	s.pushed.Add(1)
}

// Capture returns the newest frame. A frame already handed out is not
// returned twice.
func (s *LatestSource) Capture(context.Context) (ai.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frame == nil || s.consumed {
		return ai.Frame{}, ErrNoFrame
	}
	s.consumed = true
	return *s.frame, nil
}

// Latest returns the newest frame whether or not it was consumed.
func (s *LatestSource) Latest() (ai.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frame == nil {
		return ai.Frame{}, false
	}
	return *s.frame, true
}

func (s *LatestSource) Pushed() uint64      { return s.pushed.Load() }
func (s *LatestSource) Overwritten() uint64 { return s.overwritten.Load() }
