package filestore

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Logger is satisfied by *log.Logger.
type Logger interface {
	Printf(format string, v ...any)
}

// Event reports an upload that stopped changing.
type Event struct {
	JobID    string
	Filename string
	Path     string
}

// Watcher reports files created or rewritten under <root>/<jobID>/.
//
// Writes are debounced: a file is reported once it has been quiet for
// Settle, so a partially copied upload is not picked up.
type Watcher struct {
	Root   string
	Settle time.Duration
	Log    Logger
}

// Run blocks until ctx is done, calling fn for each settled file.
// Existing job directories are watched from the start; new ones are added
// as they appear. Files that exist before Run are not reported.
func (w *Watcher) Run(ctx context.Context, fn func(Event)) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.Root); err != nil {
		return err
	}
	entries, err := os.ReadDir(w.Root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := fw.Add(filepath.Join(w.Root, e.Name())); err != nil {
				w.logf("stage=watch add=%s err=%v", e.Name(), err)
			}
		}
	}

	settle := w.Settle
	if settle <= 0 {
		settle = 300 * time.Millisecond
	}
	tick := time.NewTicker(settle / 2)
	defer tick.Stop()

	w.logf("stage=watch root=%s settle=%s", w.Root, settle)
	pending := map[string]time.Time{}
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			dir := filepath.Dir(ev.Name)
			if dir == filepath.Clean(w.Root) {
				// A new job directory.
				if st, err := os.Stat(ev.Name); err == nil && st.IsDir() {
					if err := fw.Add(ev.Name); err != nil {
						w.logf("stage=watch add=%s err=%v", ev.Name, err)
					}
				}
				continue
			}
			if filepath.Dir(dir) != filepath.Clean(w.Root) || !IsSupported(filepath.Base(ev.Name)) {
				continue
			}
			pending[ev.Name] = time.Now()

		case now := <-tick.C:
			for p, t := range pending {
				if now.Sub(t) < settle {
					continue
				}
				delete(pending, p)
				fn(Event{JobID: filepath.Base(filepath.Dir(p)), Filename: filepath.Base(p), Path: p})
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logf("stage=watch err=%v", err)
		}
	}
}

func (w *Watcher) logf(format string, v ...any) {
	if w.Log != nil {
		w.Log.Printf(format, v...)
	}
}
