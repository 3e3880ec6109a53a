// Package schedule arms one-shot phase tasks keyed by round id. Deadlines
// are absolute, so after a restart the owner re-arms tasks from persisted
// timestamps; a deadline already in the past fires immediately.
package schedule

import (
	"sync"
	"time"
)

// Fired is delivered when a task's deadline passes. The receiver must Claim
// it before acting, since the task may have been cancelled or re-armed while
// the delivery was queued.
type Fired struct {
	Key  string
	Kind string
	At   time.Time
	gen  uint64
}

type task struct {
	gen   uint64
	timer *time.Timer
}

// Tasks holds at most one armed task per key. A fired task stays armed until
// it is claimed.
type Tasks struct {
	mu    sync.Mutex
	tasks map[string]task
	gen   uint64
	out   chan Fired
	stop  chan struct{}
	once  sync.Once
}

// New creates an empty task set.
func New() *Tasks {
	return &Tasks{
		tasks: make(map[string]task),
		out:   make(chan Fired, 16),
		stop:  make(chan struct{}),
	}
}

// Arm schedules kind to fire for key at the given time, replacing any task
// already armed for key.
func (t *Tasks) Arm(key string, at time.Time, kind string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.tasks[key]; ok {
		prev.timer.Stop()
	}
	t.gen++
	gen := t.gen
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	t.tasks[key] = task{
		gen:   gen,
		timer: time.AfterFunc(delay, func() { t.fire(key, kind, gen) }),
	}
}

func (t *Tasks) fire(key, kind string, gen uint64) {
	t.mu.Lock()
	cur, ok := t.tasks[key]
	t.mu.Unlock()
	if !ok || cur.gen != gen {
		// Re-armed or cancelled after the timer started.
		return
	}

	select {
	case t.out <- Fired{Key: key, Kind: kind, At: time.Now().UTC(), gen: gen}:
	case <-t.stop:
	}
}

// Cancel disarms the task for key, if any.
func (t *Tasks) Cancel(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.tasks[key]; ok {
		prev.timer.Stop()
		delete(t.tasks, key)
	}
}

// Claim disarms f's task and reports whether f is still current. It returns
// false when the task was cancelled, re-armed or already claimed after it
// fired.
func (t *Tasks) Claim(f Fired) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.tasks[f.Key]
	if !ok || cur.gen != f.gen {
		return false
	}
	delete(t.tasks, f.Key)
	return true
}

// C returns the channel of fired tasks.
func (t *Tasks) C() <-chan Fired {
	return t.out
}

// Stop disarms every task. Pending deliveries are abandoned.
func (t *Tasks) Stop() {
	t.once.Do(func() {
		t.mu.Lock()
		for key, tk := range t.tasks {
			tk.timer.Stop()
			delete(t.tasks, key)
		}
		t.mu.Unlock()
		close(t.stop)
	})
}
