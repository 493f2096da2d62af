package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	dberrors "github.com/maruel/labdb/internal/errors"
	"github.com/maruel/labdb/internal/metrics"
)

// WatchOptions configures [Directory.Watch].
type WatchOptions struct {
	// Debounce coalesces bursts of events on the same key. Defaults to 100ms.
	Debounce time.Duration
	// Limit caps the number of delivered changes per second. Zero means
	// unlimited.
	Limit rate.Limit
	// Metrics may be nil.
	Metrics *metrics.Metrics
}

// Watch calls fn with the key of every record changed in the directory by
// another process until ctx is done.
//
// Events on alternate and temporary names are reported under the record's
// key. fn runs on the watching goroutine.
func (d *Directory[T]) Watch(ctx context.Context, opts *WatchOptions, fn func(key string)) error {
	var o WatchOptions
	if opts != nil {
		o = *opts
	}
	if o.Debounce <= 0 {
		o.Debounce = 100 * time.Millisecond
	}
	limit := rate.Inf
	if o.Limit > 0 {
		limit = o.Limit
	}
	limiter := rate.NewLimiter(limit, 1)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return dberrors.IO("failed to create watcher", err)
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(d.dir); err != nil {
		return dberrors.IO("failed to watch "+d.dir, err)
	}

	pending := map[string]struct{}{}
	tick := time.NewTicker(o.Debounce)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if key, ok := d.Key(event.Name); ok {
				pending[key] = struct{}{}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.WarnContext(ctx, "Error watching directory", "dir", d.dir, "err", err)
		case <-tick.C:
			for key := range pending {
				delete(pending, key)
				if err := limiter.Wait(ctx); err != nil {
					return nil
				}
				o.Metrics.WatcherEvent(d.dir)
				fn(key)
			}
		}
	}
}
