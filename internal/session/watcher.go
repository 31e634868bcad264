package session

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

type fileStamp struct {
	mod  time.Time
	size int64
}

// watcher turns filesystem changes under the session directory into Events.
// fsnotify is the primary signal; a polling sweep at the configured interval
// catches changes on filesystems where inotify is unreliable. Both paths
// funnel through the same stamp table so a change is reported once.
type watcher struct {
	mgr  *Manager
	fsw  *fsnotify.Watcher
	poll time.Duration

	mu         sync.Mutex
	stamps     map[string]fileStamp
	watched    map[string]bool
	selfWrites map[string]int

	done chan struct{}
	wg   sync.WaitGroup
}

func newWatcher(mgr *Manager, poll time.Duration) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &watcher{
		mgr:        mgr,
		fsw:        fsw,
		poll:       poll,
		stamps:     make(map[string]fileStamp),
		watched:    make(map[string]bool),
		selfWrites: make(map[string]int),
		done:       make(chan struct{}),
	}

	w.addWatchTree()
	w.prime()

	w.wg.Add(2)
	go w.fsnotifyLoop()
	go w.pollLoop()
	return w, nil
}

func (w *watcher) stop() {
	close(w.done)
	_ = w.fsw.Close()
	w.wg.Wait()
}

// addWatchTree registers every directory of the session tree with fsnotify.
// Missing directories are skipped; the poll sweep picks them up later.
func (w *watcher) addWatchTree() {
	_ = filepath.WalkDir(w.mgr.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			w.addDir(path)
		}
		return nil
	})
}

func (w *watcher) addDir(path string) {
	w.mu.Lock()
	seen := w.watched[path]
	w.watched[path] = true
	w.mu.Unlock()
	if !seen {
		_ = w.fsw.Add(path)
	}
}

// prime records the current state of every interesting file so pre-existing
// content is not reported as a change.
func (w *watcher) prime() {
	_ = filepath.WalkDir(w.mgr.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if _, _, ok := w.classify(path); !ok {
			return nil
		}
		if info, err := d.Info(); err == nil {
			w.mu.Lock()
			w.stamps[path] = fileStamp{mod: info.ModTime(), size: info.Size()}
			w.mu.Unlock()
		}
		return nil
	})
}

// expectSelfWrite flags the next observed change of path as caused by the
// manager, which reports it directly; the watcher swallows that one change.
func (w *watcher) expectSelfWrite(path string) {
	if _, _, ok := w.classify(path); !ok {
		return
	}
	w.mu.Lock()
	w.selfWrites[path]++
	w.mu.Unlock()
}

// undoSelfWrite retracts an expectation when the manager's write failed.
func (w *watcher) undoSelfWrite(path string) {
	w.mu.Lock()
	if w.selfWrites[path] > 0 {
		w.selfWrites[path]--
		if w.selfWrites[path] == 0 {
			delete(w.selfWrites, path)
		}
	}
	w.mu.Unlock()
}

func (w *watcher) fsnotifyLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if strings.HasSuffix(ev.Name, ".tmp") || strings.HasSuffix(ev.Name, ".lock") {
				continue
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				// rename-over delivers Rename for the temp and Create for
				// the target; a true removal has no matching file
				if _, err := os.Stat(ev.Name); err != nil {
					w.handleRemoval(ev.Name)
				}
				continue
			}
			if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
				w.addDir(ev.Name)
				continue
			}
			w.handleChange(ev.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.mgr.logger.Warn("fsnotify error: %v", err)
		}
	}
}

func (w *watcher) pollLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

// sweep walks the tree comparing stamps, reporting changes and removals that
// fsnotify missed.
func (w *watcher) sweep() {
	present := make(map[string]bool)
	_ = filepath.WalkDir(w.mgr.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			w.addDir(path)
			return nil
		}
		if _, _, ok := w.classify(path); !ok {
			return nil
		}
		present[path] = true
		w.handleChange(path)
		return nil
	})

	w.mu.Lock()
	var gone []string
	for path := range w.stamps {
		if !present[path] {
			gone = append(gone, path)
		}
	}
	w.mu.Unlock()
	for _, path := range gone {
		w.handleRemoval(path)
	}
}

// handleChange reports the file if its stamp moved since the last report.
func (w *watcher) handleChange(path string) {
	typ, workerID, ok := w.classify(path)
	if !ok {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	stamp := fileStamp{mod: info.ModTime(), size: info.Size()}

	w.mu.Lock()
	if prev, seen := w.stamps[path]; seen && prev == stamp {
		w.mu.Unlock()
		return
	}
	w.stamps[path] = stamp
	if w.selfWrites[path] > 0 {
		w.selfWrites[path]--
		if w.selfWrites[path] == 0 {
			delete(w.selfWrites, path)
		}
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	var data any
	if strings.HasSuffix(path, ".json") {
		if doc, err := readJSON[map[string]any](path); err == nil && doc != nil {
			data = *doc
			if typ == EventInterventionCreated {
				if ack, _ := (*doc)["acknowledged"].(bool); ack {
					typ = EventInterventionAcknowledged
				}
			}
		}
	}
	w.mgr.dispatch(Event{Type: typ, WorkerID: workerID, FilePath: path, Data: data})
}

func (w *watcher) handleRemoval(path string) {
	typ, workerID, ok := w.classify(path)
	if !ok {
		return
	}
	w.mu.Lock()
	_, seen := w.stamps[path]
	delete(w.stamps, path)
	self := w.selfWrites[path] > 0
	if self {
		w.selfWrites[path]--
		if w.selfWrites[path] == 0 {
			delete(w.selfWrites, path)
		}
	}
	w.mu.Unlock()
	if !seen || self {
		return
	}
	if typ == EventPendingApprovalCreated {
		w.mgr.dispatch(Event{Type: EventPendingApprovalRemoved, WorkerID: workerID, FilePath: path})
	}
}

// classify maps a file path to its event type. Creation and write share a
// type; removal semantics are derived by the caller.
func (w *watcher) classify(path string) (EventType, string, bool) {
	rel, err := filepath.Rel(w.mgr.dir, path)
	if err != nil {
		return "", "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")

	if len(parts) == 2 && parts[0] == "orchestrator" && parts[1] == "progress.json" {
		return EventProgressUpdated, "", true
	}
	if len(parts) == 3 && parts[0] == "workers" {
		workerID := parts[1]
		switch parts[2] {
		case "status.json":
			return EventWorkerStatusChanged, workerID, true
		case "thinking.jsonl":
			return EventThinkingUpdated, workerID, true
		case "actions.jsonl":
			return EventActionCompleted, workerID, true
		case "pending_approval.json":
			return EventPendingApprovalCreated, workerID, true
		case "intervention.json":
			return EventInterventionCreated, workerID, true
		}
	}
	return "", "", false
}
