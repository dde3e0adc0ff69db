package policystore

import (
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mlesin/proxy-twister/internal/epoch"
	"github.com/mlesin/proxy-twister/internal/events"
	"github.com/mlesin/proxy-twister/internal/perrors"
)

// DebounceWindow is the quiet period after a modify event before a reload is
// attempted (spec.md §4.8 reference: 200ms).
var DebounceWindow = 200 * time.Millisecond

// DebounceIdlePoll bounds how long the debounce loop waits for one more
// modify event before deciding the file has gone quiet (reference: 10ms).
var DebounceIdlePoll = 10 * time.Millisecond

// Watcher watches a policy file for changes, parses it, and publishes
// successful parses to a Cell — cancelling the current epoch token first so
// in-flight handlers release their policy leases before the swap (spec.md
// §4.8). Grounded on the redirector's fsnotify reloader, generalized with
// the debounce/epoch-cancel/metrics steps spec.md adds.
type Watcher struct {
	path    string
	cell    *Cell
	holder  *epoch.Holder
	bus     *events.Bus
	metrics watcherMetrics
}

// watcherMetrics is the subset of internal/metrics.Metrics the watcher
// needs, kept narrow so tests can supply a stub.
type watcherMetrics interface {
	PolicySwapped()
	PolicyParseFailed()
}

// NewWatcher constructs a Watcher. metrics may be nil to skip metric recording.
func NewWatcher(path string, cell *Cell, holder *epoch.Holder, bus *events.Bus, metrics watcherMetrics) *Watcher {
	return &Watcher{path: path, cell: cell, holder: holder, bus: bus, metrics: metrics}
}

// Run installs the filesystem watch and processes events until shutdown
// fires or the fsnotify channels close. Errors installing the watch are returned;
// errors parsing the file thereafter are logged via the event bus and never
// propagated (spec.md §7: "Watcher errors never propagate to listeners").
func (w *Watcher) Run(shutdown <-chan struct{}) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return perrors.Wrap(perrors.Io, "watcher-new", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.path); err != nil {
		return perrors.WrapAddr(perrors.Io, "watcher-add", w.path, err)
	}

	for {
		select {
		case <-shutdown:
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.drainAndReload(fsw, shutdown)
		case _, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			// fsnotify errors are dropped without being reported; the
			// watcher keeps running with the previous policy.
		}
	}
}

// drainAndReload sleeps the debounce window, swallowing further modify
// events with a short idle poll until the file goes quiet, then reloads.
func (w *Watcher) drainAndReload(fsw *fsnotify.Watcher, shutdown <-chan struct{}) {
	timer := time.NewTimer(DebounceWindow)
	defer timer.Stop()

	select {
	case <-shutdown:
		return
	case <-timer.C:
	}

	for {
		select {
		case <-shutdown:
			return
		case <-fsw.Events:
		case <-time.After(DebounceIdlePoll):
			w.reload()
			return
		}
	}
}

func (w *Watcher) reload() {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		w.onParseFailure(err)
		return
	}

	next, err := Parse(raw)
	if err != nil {
		w.onParseFailure(err)
		return
	}

	// Cancel the current epoch before publishing so every handler that
	// dispatched against the old policy ends its pump.
	w.holder.Replace()
	w.cell.Swap(next)

	if w.metrics != nil {
		w.metrics.PolicySwapped()
	}
	if w.bus != nil {
		w.bus.Emit(events.NewPolicySwapped(len(next.Switch.Rules)))
	}
}

func (w *Watcher) onParseFailure(err error) {
	if w.metrics != nil {
		w.metrics.PolicyParseFailed()
	}
	if w.bus != nil {
		w.bus.Emit(events.NewPolicyParseFailed(err.Error()))
	}
}
