package compile

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gosuri/uilive"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// DefaultInterval is the completion poll interval.
const DefaultInterval = 500 * time.Millisecond

// Tracker waits for expected objects to appear on disk. The existence of a
// file is the only completion criterion; file system notifications only
// shorten the wait between polls.
type Tracker struct {
	Interval time.Duration
	// Deadline ends the wait. Zero waits until every object is accounted for.
	Deadline time.Time
	Log      zerolog.Logger
	// Progress receives the live `n/N = p%` line. Nil renders it on stderr
	// when stderr is a terminal.
	Progress io.Writer
}

// TrackResult is the outcome of Wait.
type TrackResult struct {
	Done      []string
	Pending   []string
	Abandoned []string
	TimedOut  bool
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func (t *Tracker) progressWriter() io.Writer {
	if t.Progress != nil {
		return t.Progress
	}
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		return os.Stderr
	}
	return nil
}

func (t *Tracker) watch(expected []string) *fsnotify.Watcher {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		t.Log.Debug().Err(err).Msg("file system notifications unavailable")
		return nil
	}
	seen := map[string]bool{}
	for _, p := range expected {
		d := filepath.Dir(p)
		if seen[d] {
			continue
		}
		seen[d] = true
		if err := w.Add(d); err != nil {
			t.Log.Debug().Err(err).Str("dir", d).Msg("unable to watch")
		}
	}
	return w
}

// Wait polls until every path of `expected` exists or was sent on
// `abandoned`, the deadline passes or `ctx` is done.
func (t *Tracker) Wait(ctx context.Context, expected []string, abandoned <-chan string) TrackResult {
	interval := t.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	var result TrackResult
	pending := append([]string(nil), expected...)
	total := len(expected)

	var live *uilive.Writer
	if out := t.progressWriter(); out != nil && total > 0 {
		live = uilive.New()
		live.Out = out
		live.Start()
		defer live.Stop()
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	if total > 0 {
		if w := t.watch(expected); w != nil {
			defer w.Close()
			events = w.Events
			errs = w.Errors
		}
	}

	var deadline <-chan time.Time
	if !t.Deadline.IsZero() {
		timer := time.NewTimer(time.Until(t.Deadline))
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	drop := func(p string) {
		for i, q := range pending {
			if q == p {
				pending = append(pending[:i], pending[i+1:]...)
				result.Abandoned = append(result.Abandoned, p)
				return
			}
		}
	}

	for {
		remaining := pending[:0]
		for _, p := range pending {
			if exists(p) {
				result.Done = append(result.Done, p)
			} else {
				remaining = append(remaining, p)
			}
		}
		pending = remaining
		if live != nil {
			n := len(result.Done)
			fmt.Fprintf(live, "\t %d/%d = %.2f%%\n", n, total, 100*float64(n)/float64(total))
		}
		if len(pending) == 0 {
			return result
		}

		select {
		case <-ctx.Done():
			result.Pending = pending
			return result
		case <-deadline:
			// One more look before giving up.
			for _, p := range pending {
				if exists(p) {
					result.Done = append(result.Done, p)
				} else {
					result.Pending = append(result.Pending, p)
				}
			}
			result.TimedOut = len(result.Pending) > 0
			if result.TimedOut {
				t.Log.Warn().Int("pending", len(result.Pending)).Int("total", total).Msg("timed out waiting for objects")
			}
			return result
		case p, ok := <-abandoned:
			if !ok {
				abandoned = nil
				continue
			}
			drop(p)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			t.Log.Trace().Str("file", ev.Name).Msg("object event")
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			t.Log.Debug().Err(err).Msg("watch error")
		case <-ticker.C:
		}
	}
}
