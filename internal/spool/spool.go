// Package spool ingests task submissions dropped as JSON files into a
// watched directory. Each file holds a single submission object or an
// array of them. Accepted files are archived to processed/, malformed
// ones to failed/ alongside an .error note explaining the rejection.
package spool

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/Lobbi-Docs/taskcoord/internal/coordinator"
	"github.com/Lobbi-Docs/taskcoord/pkg/models"
)

const (
	processedDir = "processed"
	failedDir    = "failed"

	defaultPollInterval = 5 * time.Second

	// settleDelay is how long to wait before re-reading a file whose
	// first read decoded badly; the writer may still be flushing.
	settleDelay = 100 * time.Millisecond
)

// Option adjusts watcher behavior.
type Option func(*Watcher)

// WithPollInterval sets the sweep interval for the polling fallback.
func WithPollInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// Watcher feeds spooled submission files into the coordinator. It pairs
// filesystem notifications with a periodic sweep so drops are picked up
// even when notifications are unavailable or missed.
type Watcher struct {
	coord        *coordinator.Coordinator
	dir          string
	logger       *zap.Logger
	pollInterval time.Duration

	fsw  *fsnotify.Watcher
	done chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	running  bool
	inflight map[string]bool
}

// New prepares the spool directory layout rooted at dir and returns a
// watcher bound to the coordinator.
func New(coord *coordinator.Coordinator, dir string, logger *zap.Logger, opts ...Option) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, sub := range []string{dir, filepath.Join(dir, processedDir), filepath.Join(dir, failedDir)} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return nil, fmt.Errorf("create spool directory: %w", err)
		}
	}
	w := &Watcher{
		coord:        coord,
		dir:          dir,
		logger:       logger,
		pollInterval: defaultPollInterval,
		inflight:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Dir returns the watched spool directory.
func (w *Watcher) Dir() string {
	return w.dir
}

// Start sweeps files already present, then watches for new drops. When
// filesystem notifications cannot be established the poller alone
// carries ingestion.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("spool watcher already started")
	}
	w.running = true
	w.done = make(chan struct{})
	w.mu.Unlock()

	if _, err := w.Sweep(); err != nil {
		w.logger.Warn("initial spool sweep failed", zap.Error(err))
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		fsw = nil
	} else if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		fsw = nil
	}
	w.fsw = fsw
	if fsw == nil {
		w.logger.Warn("filesystem notifications unavailable, relying on polling",
			zap.String("dir", w.dir))
	}

	w.wg.Add(1)
	go w.run()
	w.logger.Info("spool watcher started", zap.String("dir", w.dir))
	return nil
}

// Stop halts watching. Files dropped afterwards stay in the spool until
// the next start's sweep.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.done)
	fsw := w.fsw
	w.fsw = nil
	w.mu.Unlock()

	if fsw != nil {
		fsw.Close()
	}
	w.wg.Wait()
	w.logger.Info("spool watcher stopped")
}

func (w *Watcher) run() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	// Nil channels when notifications are off; receives then block
	// forever and the ticker drives everything.
	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if w.fsw != nil {
		events = w.fsw.Events
		watchErrs = w.fsw.Errors
	}

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if _, err := w.Sweep(); err != nil {
				w.logger.Warn("spool sweep failed", zap.Error(err))
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !isSubmissionFile(ev.Name) {
				continue
			}
			w.ingest(ev.Name)
		case _, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
			}
		}
	}
}

// Sweep ingests every submission file currently in the spool directory
// and reports how many were accepted.
func (w *Watcher) Sweep() (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, fmt.Errorf("read spool directory: %w", err)
	}
	accepted := 0
	for _, e := range entries {
		if e.IsDir() || !isSubmissionFile(e.Name()) {
			continue
		}
		if w.ingest(filepath.Join(w.dir, e.Name())) {
			accepted++
		}
	}
	return accepted, nil
}

// ingest submits one spool file and archives it. Returns true when the
// file's submissions were accepted.
func (w *Watcher) ingest(path string) bool {
	if !w.claim(path) {
		return false
	}
	defer w.release(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Already archived by a competing event.
			return false
		}
		w.logger.Warn("failed to read spool file", zap.String("file", path), zap.Error(err))
		return false
	}

	subs, derr := decodeSubmissions(data)
	if derr != nil {
		time.Sleep(settleDelay)
		data, err = os.ReadFile(path)
		if err != nil {
			return false
		}
		subs, derr = decodeSubmissions(data)
	}
	if derr != nil {
		w.reject(path, derr)
		return false
	}

	if _, err := w.coord.SubmitTasks(subs); err != nil {
		if errors.Is(err, coordinator.ErrStopped) {
			// Leave the file for the next start.
			return false
		}
		w.reject(path, err)
		return false
	}

	w.archive(path, processedDir)
	w.logger.Info("ingested spool file",
		zap.String("file", filepath.Base(path)),
		zap.Int("tasks", len(subs)))
	return true
}

func (w *Watcher) reject(path string, cause error) {
	dest := w.archive(path, failedDir)
	if dest == "" {
		return
	}
	note := dest + ".error"
	if err := os.WriteFile(note, []byte(cause.Error()+"\n"), 0o644); err != nil {
		w.logger.Warn("failed to write rejection note", zap.String("file", note), zap.Error(err))
	}
	w.logger.Warn("rejected spool file",
		zap.String("file", filepath.Base(path)),
		zap.Error(cause))
}

// archive moves the file into the named subdirectory, de-duplicating
// the destination name if needed. Returns the destination path, or ""
// when the file is gone or the move failed.
func (w *Watcher) archive(path, sub string) string {
	base := filepath.Base(path)
	dest := filepath.Join(w.dir, sub, base)
	if _, err := os.Stat(dest); err == nil {
		dest = filepath.Join(w.dir, sub, fmt.Sprintf("%d-%s", time.Now().UnixMilli(), base))
	}
	if err := os.Rename(path, dest); err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("failed to archive spool file", zap.String("file", path), zap.Error(err))
		}
		return ""
	}
	return dest
}

func (w *Watcher) claim(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inflight[path] {
		return false
	}
	w.inflight[path] = true
	return true
}

func (w *Watcher) release(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight, path)
}

// isSubmissionFile reports whether the name looks like a droppable
// submission: a .json file that is not hidden.
func isSubmissionFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, ".json") && !strings.HasPrefix(base, ".")
}

func decodeSubmissions(data []byte) ([]models.TaskSubmission, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty submission file")
	}
	if trimmed[0] == '[' {
		var subs []models.TaskSubmission
		if err := json.Unmarshal(trimmed, &subs); err != nil {
			return nil, fmt.Errorf("decode submission list: %w", err)
		}
		if len(subs) == 0 {
			return nil, errors.New("submission list is empty")
		}
		return subs, nil
	}
	var sub models.TaskSubmission
	if err := json.Unmarshal(trimmed, &sub); err != nil {
		return nil, fmt.Errorf("decode submission: %w", err)
	}
	return []models.TaskSubmission{sub}, nil
}
