package scheduling

import (
	"container/heap"
	"sync"
	"time"

	"flexpower/internal/clock"
)

// registry holds scheduled jobs ordered by (next fire, submission order) and
// tracks units that left it for the work queue but have not finished yet.
//
// A periodic job is out of the heap while queued or running, so a sweep can
// enqueue at most one invocation of it no matter how many periods elapsed.
type registry struct {
	name  string
	clock clock.Clock
	q     *queue

	mu       sync.Mutex
	h        jobHeap
	active   map[*Job]struct{}
	seq      uint64
	closed   bool
	onChange func(scheduled, queued int)
}

func newRegistry(name string, c clock.Clock, q *queue) *registry {
	return &registry{name: name, clock: c, q: q, active: map[*Job]struct{}{}}
}

// schedule inserts j to fire at next. It reports false once the registry is closed.
func (r *registry) schedule(j *Job, next time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.seq++
	j.seq = r.seq
	j.reg = r
	j.next = next
	heap.Push(&r.h, j)
	r.changed()
	if j.index == 0 {
		r.q.wake()
	}
	return true
}

// enqueue hands j to the work queue behind everything already queued and every
// scheduled job due at or before through. A zero through sweeps nothing.
func (r *registry) enqueue(j *Job, now, through time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if !through.IsZero() {
		r.sweepLocked(through)
	}
	r.seq++
	j.seq = r.seq
	j.reg = r
	j.next = now
	r.active[j] = struct{}{}
	r.q.push(j)
	r.changed()
	return true
}

func (r *registry) remove(j *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j.index >= 0 {
		heap.Remove(&r.h, j.index)
		r.changed()
	}
}

// Sweep moves every job due at or before through into the work queue.
func (r *registry) Sweep(through time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.sweepLocked(through)
	if n > 0 {
		r.changed()
	}
	return n
}

// sweepLocked must be called with mu held.
func (r *registry) sweepLocked(through time.Time) int {
	n := 0
	for len(r.h) > 0 && !r.h[0].next.After(through) {
		j := heap.Pop(&r.h).(*Job)
		if j.IsCancelled() {
			continue
		}
		r.active[j] = struct{}{}
		r.q.push(j)
		n++
	}
	return n
}

// fireTime is the instant j was due at, read under mu.
func (r *registry) fireTime(j *Job) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return j.next
}

// finish retires a unit taken from the queue and reinserts a periodic job
// that is still live.
func (r *registry) finish(j *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, j)
	if r.closed || !j.kind.Periodic() || j.IsCancelled() {
		r.changed()
		return
	}
	switch j.kind {
	case KindFixedRate:
		j.next = j.next.Add(j.period)
	case KindFixedDelay:
		j.next = r.clock.Now().Add(j.period)
	case KindCron:
		next := j.cron.Next(j.next)
		if next.IsZero() {
			// The expression has no further activation.
			r.changed()
			j.markCancelled(false)
			return
		}
		j.next = next
	}
	heap.Push(&r.h, j)
	r.changed()
}

// Pending counts units queued or running.
func (r *registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *registry) Name() string { return r.name }

// Rebase shifts fire times measured against from onto a timeline starting at to.
// Jobs already due keep their order and become due at to.
func (r *registry) Rebase(from, to time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	shift := func(j *Job) {
		d := j.next.Sub(from)
		if d < 0 {
			d = 0
		}
		j.next = to.Add(d)
	}
	for _, j := range r.h {
		shift(j)
	}
	for j := range r.active {
		shift(j)
	}
	heap.Init(&r.h)
}

// Discard cancels every scheduled job and every periodic job in flight.
// Queued one-shot units keep their place and still run.
func (r *registry) Discard() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discardLocked()
}

func (r *registry) discardLocked() int {
	n := 0
	for len(r.h) > 0 {
		j := heap.Pop(&r.h).(*Job)
		if j.markCancelled(false) {
			n++
		}
	}
	for j := range r.active {
		if j.kind.Periodic() && j.markCancelled(false) {
			n++
		}
	}
	r.changed()
	return n
}

// close stops accepting jobs, discards the scheduled ones and cancels queued
// units that have not started. It returns how many handles it cancelled.
func (r *registry) close() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0
	}
	r.closed = true
	n := r.discardLocked()
	for _, j := range r.q.drain() {
		if j.markCancelled(false) {
			n++
		}
		delete(r.active, j)
	}
	r.changed()
	return n
}

// nextFire reports the earliest fire time in the heap.
func (r *registry) nextFire() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.h) == 0 {
		return time.Time{}, false
	}
	return r.h[0].next, true
}

type entry struct {
	job  *Job
	next time.Time
}

func (r *registry) scheduled() []entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]entry, 0, len(r.h))
	for _, j := range r.h {
		out = append(out, entry{job: j, next: j.next})
	}
	return out
}

func (r *registry) counts() (scheduled, pending int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.h), len(r.active)
}

// changed must be called with mu held.
func (r *registry) changed() {
	if r.onChange != nil {
		r.onChange(len(r.h), r.q.len())
	}
}

type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, k int) bool {
	if !h[i].next.Equal(h[k].next) {
		return h[i].next.Before(h[k].next)
	}
	return h[i].seq < h[k].seq
}

func (h jobHeap) Swap(i, k int) {
	h[i], h[k] = h[k], h[i]
	h[i].index = i
	h[k].index = k
}

func (h *jobHeap) Push(x any) {
	j := x.(*Job)
	j.index = len(*h)
	*h = append(*h, j)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*h = old[:n-1]
	return j
}
