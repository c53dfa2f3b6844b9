package library

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"turntable/internal/audio"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Inbox watches a directory and imports audio files dropped into it. An
// imported file is removed from the inbox since its bytes now live in the
// blob cache.
type Inbox struct {
	library *Library
	dir     string
	formats []string
	settle  time.Duration
	logger  *logrus.Logger

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
	cancel  context.CancelFunc

	mu      sync.Mutex
	pending map[string]bool

	// Imported receives the id of every imported track. Optional.
	Imported chan<- string
}

// NewInbox creates an inbox watcher for dir
func NewInbox(library *Library, dir string, formats []string, logger *logrus.Logger) *Inbox {
	if logger == nil {
		logger = logrus.New()
	}
	return &Inbox{
		library: library,
		dir:     dir,
		formats: formats,
		settle:  500 * time.Millisecond,
		logger:  logger,
		pending: make(map[string]bool),
	}
}

// Start imports files already present and begins watching for new ones
func (in *Inbox) Start(ctx context.Context) error {
	if err := os.MkdirAll(in.dir, 0755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(in.dir); err != nil {
		watcher.Close()
		return err
	}
	in.watcher = watcher

	ctx, in.cancel = context.WithCancel(ctx)

	in.wg.Add(1)
	go in.watchFiles(ctx)

	entries, err := os.ReadDir(in.dir)
	if err != nil {
		in.logger.WithError(err).Warn("Failed to scan inbox")
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			in.dispatch(ctx, filepath.Join(in.dir, entry.Name()), 0)
		}
	}

	in.logger.WithField("inbox_path", in.dir).Info("Inbox watcher started")
	return nil
}

// watchFiles selects on watcher channels and dispatches events
func (in *Inbox) watchFiles(ctx context.Context) {
	defer in.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-in.watcher.Events:
			if !ok {
				return
			}
			in.handleFileEvent(ctx, event)
		case err, ok := <-in.watcher.Errors:
			if !ok {
				return
			}
			in.logger.WithError(err).Error("Inbox watcher error")
		}
	}
}

func (in *Inbox) handleFileEvent(ctx context.Context, event fsnotify.Event) {
	if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
		in.dispatch(ctx, event.Name, in.settle)
	}
}

// dispatch imports path after delay, skipping hidden, temporary and
// non-audio files
func (in *Inbox) dispatch(ctx context.Context, path string, delay time.Duration) {
	fileName := filepath.Base(path)
	if strings.HasPrefix(fileName, ".") || strings.HasSuffix(fileName, ".tmp") {
		return
	}
	if !audio.IsAudioFile(path, in.formats) {
		return
	}

	// Create and Write events for one file share a single import
	in.mu.Lock()
	if in.pending[path] {
		in.mu.Unlock()
		return
	}
	in.pending[path] = true
	in.mu.Unlock()

	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		defer func() {
			in.mu.Lock()
			delete(in.pending, path)
			in.mu.Unlock()
		}()
		if delay > 0 {
			select {
			case <-time.After(delay): // let the writer finish
			case <-ctx.Done():
				return
			}
		}
		in.importFile(ctx, path)
	}()
}

func (in *Inbox) importFile(ctx context.Context, path string) {
	log := in.logger.WithField("file_path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		// already imported by an earlier event
		if !os.IsNotExist(err) {
			log.WithError(err).Error("Failed to read inbox file")
		}
		return
	}

	track, err := in.library.Import(ctx, filepath.Base(path), data, "")
	if err != nil {
		log.WithError(err).Error("Failed to import inbox file")
		return
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Failed to remove imported file from inbox")
	}

	if in.Imported != nil {
		select {
		case in.Imported <- track.ID:
		case <-ctx.Done():
		}
	}
}

// Stop closes the watcher and waits for pending imports
func (in *Inbox) Stop() {
	if in.cancel != nil {
		in.cancel()
	}
	if in.watcher != nil {
		in.watcher.Close()
	}
	in.wg.Wait()
}
