package progress

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher invalidates checker cache entries and fans out change
// notifications when a watched task document is written. Directories are
// watched rather than files so editors that replace the file on save
// (rename-over) do not silently drop the watch.
type Watcher struct {
	checker *Checker
	fw      *fsnotify.Watcher

	mu      sync.Mutex
	watched map[string]map[string]func() // dir -> doc path -> callback
	done    chan struct{}
	once    sync.Once
}

func NewWatcher(checker *Checker) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		checker: checker,
		fw:      fw,
		watched: make(map[string]map[string]func()),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Watch registers a document. onChange fires after every write to it; a nil
// callback still invalidates the cache.
func (w *Watcher) Watch(docPath string, onChange func()) error {
	abs, err := filepath.Abs(docPath)
	if err != nil {
		return err
	}
	dir := filepath.Dir(abs)

	w.mu.Lock()
	defer w.mu.Unlock()
	docs, ok := w.watched[dir]
	if !ok {
		if err := w.fw.Add(dir); err != nil {
			return err
		}
		docs = make(map[string]func())
		w.watched[dir] = docs
	}
	docs[abs] = onChange
	return nil
}

// Unwatch removes a document, dropping the directory watch when it was the
// last one there.
func (w *Watcher) Unwatch(docPath string) {
	abs, err := filepath.Abs(docPath)
	if err != nil {
		return
	}
	dir := filepath.Dir(abs)

	w.mu.Lock()
	defer w.mu.Unlock()
	docs, ok := w.watched[dir]
	if !ok {
		return
	}
	delete(docs, abs)
	if len(docs) == 0 {
		delete(w.watched, dir)
		_ = w.fw.Remove(dir)
	}
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.dispatch(ev.Name)
		case _, ok := <-w.fw.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) dispatch(name string) {
	abs, err := filepath.Abs(name)
	if err != nil {
		return
	}
	w.mu.Lock()
	cb, ok := w.watched[filepath.Dir(abs)][abs]
	w.mu.Unlock()
	if !ok {
		return
	}
	w.checker.Invalidate(abs)
	if cb != nil {
		cb()
	}
}

func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.fw.Close()
	})
	return err
}
