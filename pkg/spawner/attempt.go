package spawner

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Attempt is one run of Start. It owns an append-only event log that any
// number of observers replay from the beginning, and the final outcome.
type Attempt struct {
	id       string
	log      *zap.SugaredLogger
	patience time.Duration

	mu       sync.Mutex
	events   []SpawnEvent
	progress int
	sealed   bool
	// wake is closed and replaced on every append and on seal.
	wake chan struct{}

	url      string
	err      error
	finished bool
	done     chan struct{}
}

func newAttempt(log *zap.SugaredLogger, patience time.Duration) *Attempt {
	id := uuid.NewString()
	return &Attempt{
		id:       id,
		log:      log.With("attempt", id),
		patience: patience,
		wake:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// ID identifies the attempt in logs.
func (a *Attempt) ID() string {
	return a.id
}

// broadcast must be called with mu held.
func (a *Attempt) broadcast() {
	close(a.wake)
	a.wake = make(chan struct{})
}

// setProgress moves the progress counter without logging an event.
func (a *Attempt) setProgress(p int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.progress = p
}

// record appends an event at the current progress. A complete event keeps
// its own progress unless the counter is already past it.
func (a *Attempt) record(ev SpawnEvent) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ev.Complete {
		ev.Progress = max(ev.Progress, a.progress)
		a.progress = ev.Progress
	} else {
		ev.Progress = a.progress
	}
	return a.appendLocked(ev)
}

func (a *Attempt) appendLocked(ev SpawnEvent) bool {
	if a.sealed {
		return false
	}
	a.events = append(a.events, ev)
	if ev.Terminal() {
		a.sealed = true
	}
	a.broadcast()
	return true
}

// seal stops further appends and releases waiting observers.
func (a *Attempt) seal() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sealed {
		return
	}
	a.sealed = true
	a.broadcast()
}

// finish records the outcome. Only the first call has any effect.
func (a *Attempt) finish(url string, err error) {
	a.mu.Lock()
	if a.finished {
		a.mu.Unlock()
		return
	}
	a.finished = true
	a.url, a.err = url, err
	if !a.sealed {
		a.sealed = true
		a.broadcast()
	}
	a.mu.Unlock()
	close(a.done)
}

// Events returns a snapshot of the log.
func (a *Attempt) Events() []SpawnEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]SpawnEvent(nil), a.events...)
}

// Done is closed when the attempt has an outcome.
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Wait blocks until the attempt finishes and returns the lab URL or the
// reason it failed.
func (a *Attempt) Wait(ctx context.Context) (string, error) {
	select {
	case <-a.done:
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.url, a.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Observe replays the log from the start and then follows new entries. The
// sequence ends after a terminal event, once the log is sealed and drained,
// when ctx is done, or when the attempt outlives the observer's patience.
// It never fails.
func (a *Attempt) Observe(ctx context.Context) iter.Seq[SpawnEvent] {
	return func(yield func(SpawnEvent) bool) {
		patience := time.NewTimer(a.patience)
		defer patience.Stop()

		next := 0
		for {
			a.mu.Lock()
			if next < len(a.events) {
				ev := a.events[next]
				next++
				a.mu.Unlock()
				if !yield(ev) || ev.Terminal() {
					return
				}
				continue
			}
			if a.sealed {
				a.mu.Unlock()
				return
			}
			// Taken under the lock so an append after unlock still wakes us.
			wake := a.wake
			a.mu.Unlock()

			select {
			case <-wake:
			case <-ctx.Done():
				return
			case <-patience.C:
				a.log.Warnw("progress observer gave up waiting", "after", a.patience)
				return
			}
		}
	}
}
