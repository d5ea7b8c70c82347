package reconcile

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// WatchConfig tunes watch-mode reconciliation.
type WatchConfig struct {
	// Debounce coalesces bursts of filesystem events into one reconcile.
	Debounce time.Duration
	// OnResult receives every reconcile outcome (and error) as it happens.
	OnResult func(*Result, error)
}

// Watch re-reconciles loopID whenever its runtime artifacts change, until ctx
// is cancelled. Reconciles for the same loop never overlap: events arriving
// mid-pass trigger one follow-up pass.
func (rc *Reconciler) Watch(ctx context.Context, loopID string, cfg WatchConfig) error {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer watcher.Close()

	dir := rc.Repo.LoopDir(loopID)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	// Initial pass so watchers observe current state immediately.
	rc.watchPass(ctx, loopID, cfg)

	var timer *time.Timer
	var timerC <-chan time.Time
	arm := func() {
		if timer == nil {
			timer = time.NewTimer(cfg.Debounce)
			timerC = timer.C
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(cfg.Debounce)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(ev.Name)
			if name == "events.jsonl" || name == "run-summary.json" || name == "heartbeat.v1.json" {
				arm()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if cfg.OnResult != nil {
				cfg.OnResult(nil, err)
			}
		case <-timerC:
			rc.watchPass(ctx, loopID, cfg)
		}
	}
}

func (rc *Reconciler) watchPass(ctx context.Context, loopID string, cfg WatchConfig) {
	res, err := rc.Reconcile(ctx, loopID, "watch-"+uuid.NewString()[:8])
	if cfg.OnResult != nil {
		cfg.OnResult(res, err)
	}
}
