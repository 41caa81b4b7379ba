package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Notifier abstracts the filesystem change primitive so tests can inject
// synthetic event sequences without a real watch.
type Notifier interface {
	// Events delivers the path of each filesystem change.
	Events() <-chan string
	// Errors delivers watch errors.
	Errors() <-chan error
	Close() error
}

// Reason says why a Wait call returned.
type Reason int

const (
	// ReasonEvent means a filesystem change was observed.
	ReasonEvent Reason = iota
	// ReasonTimeout means the bounded wait elapsed with no event; the
	// caller should run a fallback pass to guard against missed or
	// coalesced notifications.
	ReasonTimeout
)

// String returns the reason as a log-friendly word.
func (r Reason) String() string {
	if r == ReasonTimeout {
		return "timeout"
	}
	return "event"
}

// Watcher blocks for the next reconciliation trigger. After a wake it holds
// for a fixed debounce window, swallowing further events, so a burst of
// near-simultaneous changes collapses into exactly one trigger.
type Watcher struct {
	notifier  Notifier
	heartbeat time.Duration
	debounce  time.Duration
	logger    *slog.Logger
}

// New creates a watcher over the given notifier.
func New(notifier Notifier, heartbeat, debounce time.Duration, logger *slog.Logger) *Watcher {
	return &Watcher{
		notifier:  notifier,
		heartbeat: heartbeat,
		debounce:  debounce,
		logger:    logger,
	}
}

// Wait blocks until a filesystem event arrives or the heartbeat elapses,
// then applies the debounce window before returning. It returns an error
// only when the context is cancelled or the watch itself breaks.
func (w *Watcher) Wait(ctx context.Context) (Reason, error) {
	timer := time.NewTimer(w.heartbeat)
	defer timer.Stop()

	var reason Reason
	select {
	case <-ctx.Done():
		return ReasonTimeout, ctx.Err()
	case err, ok := <-w.notifier.Errors():
		if !ok {
			return ReasonTimeout, fmt.Errorf("watch closed")
		}
		return ReasonTimeout, fmt.Errorf("watch error: %w", err)
	case path, ok := <-w.notifier.Events():
		if !ok {
			return ReasonTimeout, fmt.Errorf("watch closed")
		}
		w.logger.Debug("filesystem event", "path", path)
		reason = ReasonEvent
	case <-timer.C:
		w.logger.Debug("heartbeat elapsed, triggering fallback pass")
		reason = ReasonTimeout
	}

	if w.debounce > 0 {
		w.settle(ctx)
	}

	return reason, nil
}

// settle drains events for the debounce window so a burst triggers once.
func (w *Watcher) settle(ctx context.Context) {
	timer := time.NewTimer(w.debounce)
	defer timer.Stop()

	coalesced := 0
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-w.notifier.Events():
			if !ok {
				return
			}
			coalesced++
		case <-timer.C:
			if coalesced > 0 {
				w.logger.Debug("debounce window closed", "coalesced", coalesced)
			}
			return
		}
	}
}

// fsNotifier implements Notifier on top of fsnotify.
type fsNotifier struct {
	watcher *fsnotify.Watcher
	events  chan string
}

// NewFSNotifier watches the source root and every tier directory that
// exists. A missing tier directory is skipped; a change in the root (such
// as the tier being created) still wakes the watcher.
func NewFSNotifier(root string, tierDirs []string, logger *slog.Logger) (Notifier, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watch: %w", err)
	}

	if err := fsw.Add(root); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", root, err)
	}
	for _, dir := range tierDirs {
		if _, err := os.Stat(dir); err != nil {
			logger.Debug("tier directory absent, not watched", "dir", dir)
			continue
		}
		if err := fsw.Add(dir); err != nil {
			logger.Warn("failed to watch tier directory", "dir", dir, "error", err)
		}
	}

	n := &fsNotifier{
		watcher: fsw,
		events:  make(chan string, 64),
	}
	go n.pump()
	return n, nil
}

// pump converts fsnotify events into path notifications. Pure chmod events
// carry no reconciliation-relevant change and are dropped. When the buffer
// is full the event is dropped too; a queued wake-up is already pending.
func (n *fsNotifier) pump() {
	for event := range n.watcher.Events {
		if event.Op == fsnotify.Chmod {
			continue
		}
		select {
		case n.events <- event.Name:
		default:
		}
	}
	close(n.events)
}

func (n *fsNotifier) Events() <-chan string {
	return n.events
}

func (n *fsNotifier) Errors() <-chan error {
	return n.watcher.Errors
}

func (n *fsNotifier) Close() error {
	return n.watcher.Close()
}
