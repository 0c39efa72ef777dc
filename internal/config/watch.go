package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/svalouch/burp-exporter/internal/log"
)

// Watch notifies on changes to the config file until ctx is cancelled. The
// parent directory is watched rather than the file itself so that the
// rename-and-replace pattern used by editors and config management still
// triggers. Events are debounced and coalesced: a pending notification is
// dropped if the consumer has not picked up the previous one yet.
func Watch(ctx context.Context, path string) (<-chan struct{}, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, err
	}

	ch := make(chan struct{}, 1)
	go func() {
		defer w.Close()
		defer close(ch)
		last := time.Time{}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if filepath.Base(ev.Name) != filepath.Base(abs) {
					continue
				}
				// debounce 500ms
				if time.Since(last) < 500*time.Millisecond {
					continue
				}
				last = time.Now()
				select {
				case ch <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()
	return ch, nil
}
