package replpool

import (
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the interpreter binary's directory and closes the
// currently free workers when it's rebuilt, so the next Acquire for their
// header spawns against the new binary instead of serving stale semantics
// from an already-warm process.
//
// This is adapted from the teacher's EnableHotReload/markAllWorkersDead,
// which marks every worker dead the moment a watched file changes. That's
// fine for a stateless PHP request (the in-flight one just gets retried
// against a freshly spawned worker), but a Lean check can run for minutes;
// killing it mid-proof to pick up a binary rebuild would make hot reload
// strictly worse than doing nothing. So only idle workers are retired.
// Busy workers are neither closed nor marked: on Release they return to
// the free list like any other worker and keep serving from the old
// binary until they are exhausted, evicted, or retired by a later rebuild
// event.
type Watcher struct {
	pool    *Pool
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// WatchBinary starts watching the directory containing binPath. Call
// Close to stop it.
func WatchBinary(pool *Pool, binPath string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(binPath)
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, err
	}

	w := &Watcher{pool: pool, watcher: fw, done: make(chan struct{})}
	go w.run(binPath)
	return w, nil
}

func (w *Watcher) run(binPath string) {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != binPath {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				log.Println("replpool: interpreter binary changed, retiring idle workers:", ev.Name)
				w.retireIdleWorkers()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Println("replpool: watcher error:", err)
		case <-w.done:
			return
		}
	}
}

// retireIdleWorkers closes every currently-free worker and empties the
// free list. Busy workers are left alone — they're mid-send and can't be
// safely interrupted — and simply age out the ordinary way on their next
// Release.
func (w *Watcher) retireIdleWorkers() {
	w.pool.mu.Lock()
	var toClose []*Worker
	for e := w.pool.free.Front(); e != nil; {
		next := e.Next()
		toClose = append(toClose, e.Value.(*Worker))
		w.pool.free.Remove(e)
		e = next
	}
	w.pool.mu.Unlock()

	for _, worker := range toClose {
		if err := worker.Close(); err != nil {
			log.Printf("[%s] close during hot-reload retirement failed: %v", worker.ShortID(), err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
