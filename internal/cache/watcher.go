package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/panics"

	"github.com/arf20/arfhttpd/internal/hashtable"
	"github.com/arf20/arfhttpd/internal/logging"
)

// healthyRun is how long a notifier must survive before earlier failures
// stop counting toward the restart budget.
const healthyRun = time.Minute

var (
	errNotifierClosed = errors.New("change notifier closed")
	errNoNotifier     = errors.New("change notifier unavailable")
)

// watcher owns the change notifier and turns its events into entry
// invalidations. It is the only goroutine in the store allowed to block
// indefinitely.
type watcher struct {
	table   *hashtable.Table[Entry]
	factory NotifierFactory
	logger  *logrus.Logger
	metrics *Metrics
	// dropped is called with the canonical path of an entry whose watch the
	// backend discarded (remove/rename).
	dropped func(path string)

	maxRetries     int
	initialBackoff time.Duration

	mu       sync.RWMutex
	notifier Notifier
}

func (w *watcher) current() Notifier {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.notifier
}

// register adds path to the current notifier and records the outcome on e,
// which must hold the watch claim. The read lock spans both steps so a
// rebuild cannot swap notifiers in between and have its fresh handle
// overwritten by one from the retired notifier.
func (w *watcher) register(path string, e *Entry) (WatchHandle, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.notifier == nil {
		e.finishWatch(Unwatched)
		return Unwatched, fmt.Errorf("%w: %s: %w", ErrWatchRegistration, path, errNoNotifier)
	}
	h, err := w.notifier.Add(path)
	if err != nil {
		e.finishWatch(Unwatched)
		return Unwatched, fmt.Errorf("%w: %s: %w", ErrWatchRegistration, path, err)
	}
	e.finishWatch(h)
	return h, nil
}

// run consumes notifications until ctx is cancelled. When the notifier dies
// it is rebuilt with exponential backoff; after maxRetries consecutive
// failures run returns the last error so the process can escalate.
func (w *watcher) run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.initialBackoff
	policy.MaxElapsedTime = 0

	failures := 0
	for {
		started := time.Now()
		err := w.serve(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) >= healthyRun {
			failures = 0
			policy.Reset()
		}
		failures++
		w.metrics.watcherRestarts.Inc()
		w.logger.WithError(err).WithFields(logrus.Fields{
			"action":   "cache",
			"event":    "watcher_failed",
			"failures": failures,
		}).Error("watcher_failed")
		if failures > w.maxRetries {
			return fmt.Errorf("change watcher gave up after %d failures: %w", failures, err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(policy.NextBackOff()):
		}
		if err := w.rebuild(); err != nil {
			w.logger.WithError(err).WithField("action", "cache").Error("watcher_rebuild_failed")
		}
	}
}

// serve runs one notifier until it fails, containing panics so a bad event
// cannot kill invalidation for the rest of the process.
func (w *watcher) serve(ctx context.Context) (err error) {
	n := w.current()
	if n == nil {
		return errNoNotifier
	}
	var catcher panics.Catcher
	catcher.Try(func() { err = w.loop(ctx, n) })
	if recovered := catcher.Recovered(); recovered != nil {
		return recovered.AsError()
	}
	return err
}

func (w *watcher) loop(ctx context.Context, n Notifier) error {
	events, errs := n.Events(), n.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return errNotifierClosed
			}
			w.handle(ev)
		case err, ok := <-errs:
			if !ok {
				return errNotifierClosed
			}
			w.logger.WithError(err).WithField("action", "cache").Warn("watcher_error")
		}
	}
}

func (w *watcher) handle(ev Event) {
	if ev.Op == OpOverflow {
		w.invalidateAll(ev.Op.String())
		return
	}

	key, entry, ok := w.table.FindBy(func(_ string, e *Entry) bool {
		return e.watchHandle() == ev.Handle
	})
	if !ok {
		w.logger.WithFields(logrus.Fields{
			"action": "cache",
			"event":  "invalidate",
			"watch":  ev.Handle,
			"op":     ev.Op.String(),
		}).Debug("watch_event_unmatched")
		return
	}

	dropWatch := ev.Op.dropsWatch()
	hadContent := entry.invalidate(dropWatch)
	if dropWatch && w.dropped != nil {
		w.dropped(key)
	}
	w.metrics.invalidations.WithLabelValues(ev.Op.String()).Inc()

	fields := logging.CacheFields("invalidate", key, "invalidated")
	fields["op"] = ev.Op.String()
	fields["had_content"] = hadContent
	fields["watch_dropped"] = dropWatch
	w.logger.WithFields(fields).Info("cache_invalidated")
}

// invalidateAll clears every entry; used when events may have been lost.
func (w *watcher) invalidateAll(reason string) int {
	count := 0
	w.table.ForEach(func(_ string, e *Entry) bool {
		e.invalidate(false)
		count++
		return true
	})
	w.metrics.invalidations.WithLabelValues(reason).Add(float64(count))
	fields := logging.CacheFields("invalidate", "*", "invalidated")
	fields["reason"] = reason
	fields["entries"] = count
	w.logger.WithFields(fields).Warn("cache_invalidated_all")
	return count
}

// rebuild replaces a dead notifier, re-watches every known path and
// invalidates everything, since changes during the outage went unseen.
func (w *watcher) rebuild() error {
	n, err := w.factory()

	w.mu.Lock()
	old := w.notifier
	w.notifier = n
	w.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	if err != nil {
		return err
	}

	w.table.ForEach(func(key string, e *Entry) bool {
		e.invalidate(true)
		h, addErr := n.Add(key)
		if addErr != nil {
			w.logWatchFailure(key, addErr)
			return true
		}
		e.setWatch(h)
		return true
	})
	w.logger.WithFields(logrus.Fields{
		"action":  "cache",
		"event":   "watcher_rebuilt",
		"entries": w.table.Len(),
	}).Info("watcher_rebuilt")
	return nil
}

func (w *watcher) logWatchFailure(path string, err error) {
	w.metrics.watchFailures.Inc()
	fields := logging.CacheFields("watch", path, "failed")
	w.logger.WithError(err).WithFields(fields).Warn("watch_failed")
}

func (w *watcher) close() error {
	w.mu.Lock()
	n := w.notifier
	w.notifier = nil
	w.mu.Unlock()
	if n == nil {
		return nil
	}
	return n.Close()
}
