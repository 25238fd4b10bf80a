// Package watcher ingests rule pack bundles dropped into a directory,
// feeding them through the same upload path the API uses.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/haywardsec/rulegate/internal/domain"
	"github.com/haywardsec/rulegate/internal/packs"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Watcher uploads *.json bundle files written into a directory. Files are
// debounced per path, so editors and rsync runs that write in bursts
// produce a single upload.
type Watcher struct {
	dir      string
	tenant   string
	debounce time.Duration
	service  *packs.Service
	log      *logrus.Logger
	fsw      *fsnotify.Watcher

	mu      sync.Mutex
	timers  map[string]*time.Timer
	started bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a watcher on dir. Bundles upload under the given tenant.
func New(dir, tenant string, debounce time.Duration, service *packs.Service, log *logrus.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	return &Watcher{
		dir:      dir,
		tenant:   tenant,
		debounce: debounce,
		service:  service,
		log:      log,
		fsw:      fsw,
		timers:   make(map[string]*time.Timer),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start registers the directory and begins handling events on a background
// goroutine until Stop.
func (w *Watcher) Start() error {
	if err := w.fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}

	w.mu.Lock()
	w.started = true
	w.mu.Unlock()

	go w.loop()
	w.log.WithFields(logrus.Fields{
		"dir":    w.dir,
		"tenant": w.tenant,
	}).Info("Pack directory watcher started")
	return nil
}

func (w *Watcher) loop() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !bundleEvent(event) {
				continue
			}
			w.schedule(event.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("Pack directory watcher error")
		}
	}
}

// bundleEvent reports whether the event is a create or write of a visible
// .json file.
func bundleEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return false
	}
	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, ".") {
		return false
	}
	return strings.EqualFold(filepath.Ext(name), ".json")
}

// schedule arms the per-file debounce timer, replacing any pending one.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.stopCh:
			return
		default:
		}
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.ingest(path)
	})
}

// ingest reads, parses and uploads one bundle file. A file the engine
// cannot parse or accept is logged and skipped; the watcher keeps running.
func (w *Watcher) ingest(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.log.WithError(err).WithField("file", path).Warn("Failed to read bundle file")
		return
	}

	var bundle domain.UploadBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		w.log.WithError(err).WithField("file", path).Warn("Skipping malformed bundle file")
		return
	}

	result, err := w.service.Upload(context.Background(), w.tenant, &bundle, domain.PackSourceWatcher)
	if err != nil {
		w.log.WithError(err).WithField("file", path).Warn("Bundle file rejected")
		return
	}
	w.log.WithFields(logrus.Fields{
		"file":    filepath.Base(path),
		"pack":    result.Pack.ID,
		"name":    result.Pack.Name,
		"version": result.Pack.Version,
		"created": result.Created,
	}).Info("Bundle file uploaded")
}

// Stop ends the watch, cancels pending uploads and closes the underlying
// watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	started := w.started
	w.started = false
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()

	if started {
		close(w.stopCh)
		<-w.doneCh
	}
	return w.fsw.Close()
}
