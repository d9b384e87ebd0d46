// Package inbox ingests CSV exports dropped into a directory.
package inbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/proxylens/proxylens/internal/model"
	"github.com/proxylens/proxylens/internal/pkg/logger"
)

const (
	ProcessedDir = "processed"
	FailedDir    = "failed"

	defaultSettleDelay = 500 * time.Millisecond
)

// Ingester is satisfied by *service.IngestionService.
type Ingester interface {
	IngestReader(ctx context.Context, userID, filename string, r io.Reader) (*model.Upload, error)
}

type Config struct {
	Dir    string
	UserID string
	// SettleDelay is how long a file must stay unchanged before it is read.
	SettleDelay time.Duration
}

// Watcher moves each ingested file to processed/ and each rejected file to
// failed/ next to a .err file holding the reason.
type Watcher struct {
	cfg      Config
	ingester Ingester
	fsw      *fsnotify.Watcher
	log      *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	ready   chan string
	done    chan struct{}
}

func New(cfg Config, ingester Ingester) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("inbox dir is empty")
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	for _, d := range []string{cfg.Dir, filepath.Join(cfg.Dir, ProcessedDir), filepath.Join(cfg.Dir, FailedDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", d, err)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	if err := fsw.Add(cfg.Dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", cfg.Dir, err)
	}

	return &Watcher{
		cfg:      cfg,
		ingester: ingester,
		fsw:      fsw,
		log:      logger.With("component", "inbox", "dir", cfg.Dir),
		pending:  make(map[string]*time.Timer),
		ready:    make(chan string, 64),
		done:     make(chan struct{}),
	}, nil
}

// Run blocks until ctx is cancelled. Files already in the directory are
// picked up first.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.done)
	defer w.fsw.Close()
	defer w.stopTimers()

	if err := w.scan(); err != nil {
		return err
	}
	w.log.Info("Inbox watcher started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Inbox watcher stopped")
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				w.schedule(ev.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("Inbox watch error", "error", err)
		case path := <-w.ready:
			w.handle(ctx, path)
		}
	}
}

func (w *Watcher) scan() error {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		return fmt.Errorf("scan inbox: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.schedule(filepath.Join(w.cfg.Dir, e.Name()))
		}
	}
	return nil
}

func isCSV(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".csv")
}

// schedule (re)arms the settle timer for path.
func (w *Watcher) schedule(path string) {
	if !isCSV(path) || filepath.Dir(path) != filepath.Clean(w.cfg.Dir) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.cfg.SettleDelay)
		return
	}
	w.pending[path] = time.AfterFunc(w.cfg.SettleDelay, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		select {
		case w.ready <- path:
		case <-w.done:
		}
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) handle(ctx context.Context, path string) {
	name := filepath.Base(path)
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.log.Warn("Cannot open inbox file", "file", name, "error", err)
		}
		return
	}
	upload, ingestErr := w.ingester.IngestReader(ctx, w.cfg.UserID, name, f)
	_ = f.Close()

	if ingestErr != nil {
		dest := filepath.Join(w.cfg.Dir, FailedDir, time.Now().UTC().Format("20060102T150405")+"-"+name)
		w.move(path, dest)
		if err := os.WriteFile(dest+".err", []byte(ingestErr.Error()+"\n"), 0o644); err != nil {
			w.log.Warn("Cannot write error note", "file", name, "error", err)
		}
		w.log.Warn("Inbox file rejected", "file", name, "error", ingestErr.Error())
		return
	}

	w.move(path, filepath.Join(w.cfg.Dir, ProcessedDir, upload.ID+"-"+name))
	w.log.Info("Inbox file ingested", "file", name, "upload_id", upload.ID)
}

func (w *Watcher) move(from, to string) {
	if err := os.Rename(from, to); err != nil {
		w.log.Error("Cannot move inbox file", "from", from, "to", to, "error", err)
	}
}
