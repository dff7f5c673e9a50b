package scheduling

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func fakeContext(t *testing.T, cfg Config) (*Context, *clockwork.FakeClock) {
	t.Helper()
	fc := clockwork.NewFakeClockAt(wallStart)
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return activated(t, cfg, WithWallClock(fc)), fc
}

// idle waits until the worker parks on its fire timer.
func idle(t *testing.T, fc *clockwork.FakeClock) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := fc.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("worker never parked: %v", err)
	}
}

func counter(ch chan<- time.Time, c *Context) Task {
	return func(context.Context) error {
		ch <- c.CurrentTime()
		return nil
	}
}

func TestFixedRateFiresOnPeriodBoundaries(t *testing.T) {
	t.Parallel()

	c, fc := fakeContext(t, Config{Owner: "grid"})
	runs := make(chan time.Time, 16)
	j, err := c.ScheduleAtFixedRate(counter(runs, c), time.Second, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if next, ok := j.NextRun(); !ok || !next.Equal(wallStart.Add(time.Second)) {
		t.Fatalf("NextRun=%v,%v", next, ok)
	}

	want := []time.Time{wallStart.Add(time.Second), wallStart.Add(3 * time.Second), wallStart.Add(5 * time.Second)}
	for i, w := range want {
		idle(t, fc)
		if i == 0 {
			fc.Advance(time.Second)
		} else {
			fc.Advance(2 * time.Second)
		}
		if got := recv(t, runs); !got.Equal(w) {
			t.Fatalf("run %d at %v, want %v", i, got, w)
		}
	}
	idle(t, fc)
	if j.Runs() != 3 {
		t.Fatalf("Runs=%d", j.Runs())
	}
}

func TestFixedRateCatchesUpWithoutSkipping(t *testing.T) {
	t.Parallel()

	c, fc := fakeContext(t, Config{Owner: "grid"})
	runs := make(chan time.Time, 16)
	j, _ := c.ScheduleAtFixedRate(counter(runs, c), time.Second, time.Second)

	idle(t, fc)
	fc.Advance(5 * time.Second)
	for i := 0; i < 5; i++ {
		recv(t, runs)
	}
	idle(t, fc)
	if j.Runs() != 5 {
		t.Fatalf("Runs=%d, want 5", j.Runs())
	}
	if next, _ := j.NextRun(); !next.Equal(wallStart.Add(6 * time.Second)) {
		t.Fatalf("NextRun=%v", next)
	}
}

func TestFixedDelayMeasuresFromCompletion(t *testing.T) {
	t.Parallel()

	c, fc := fakeContext(t, Config{Owner: "grid"})
	runs := make(chan time.Time, 16)
	j, _ := c.ScheduleWithFixedDelay(counter(runs, c), time.Second, time.Second)

	idle(t, fc)
	fc.Advance(5 * time.Second)
	if got := recv(t, runs); !got.Equal(wallStart.Add(5 * time.Second)) {
		t.Fatalf("ran at %v", got)
	}
	idle(t, fc)
	if j.Runs() != 1 {
		t.Fatalf("Runs=%d, want 1", j.Runs())
	}
	if next, _ := j.NextRun(); !next.Equal(wallStart.Add(6 * time.Second)) {
		t.Fatalf("NextRun=%v, want completion plus delay", next)
	}
}

func TestPeriodicKeepsRunningAfterFailure(t *testing.T) {
	t.Parallel()

	c, fc := fakeContext(t, Config{Owner: "grid"})
	var n atomic.Int32
	j, _ := c.ScheduleAtFixedRate(func(context.Context) error {
		if n.Add(1) == 1 {
			return errors.New("first run fails")
		}
		return nil
	}, time.Second, time.Second)

	idle(t, fc)
	fc.Advance(time.Second)
	idle(t, fc)
	if j.LastErr() == nil {
		t.Fatalf("LastErr=nil after failing run")
	}
	fc.Advance(time.Second)
	idle(t, fc)
	if j.Runs() != 2 || j.LastErr() != nil {
		t.Fatalf("Runs=%d LastErr=%v", j.Runs(), j.LastErr())
	}
	if j.IsDone() {
		t.Fatalf("periodic job finished after a failure")
	}
}

func TestCronFollowsExpression(t *testing.T) {
	t.Parallel()

	c, fc := fakeContext(t, Config{Owner: "grid"})
	runs := make(chan time.Time, 16)
	j, err := c.ScheduleCron("*/5 * * * * *", counter(runs, c), Named("meter.read"))
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 2; i++ {
		idle(t, fc)
		fc.Advance(5 * time.Second)
		if got, want := recv(t, runs), wallStart.Add(time.Duration(i)*5*time.Second); !got.Equal(want) {
			t.Fatalf("run %d at %v, want %v", i, got, want)
		}
	}
	idle(t, fc)
	info := c.Jobs()
	if len(info) != 1 || info[0].Name != "meter.read" || info[0].Spec != "*/5 * * * * *" || info[0].Kind != KindCron {
		t.Fatalf("jobs=%+v", info)
	}
	if next, _ := j.NextRun(); !next.Equal(wallStart.Add(15 * time.Second)) {
		t.Fatalf("NextRun=%v", next)
	}
}

func TestScheduleSpecInterval(t *testing.T) {
	t.Parallel()

	c, fc := fakeContext(t, Config{Owner: "grid"})
	runs := make(chan time.Time, 4)
	j, err := c.ScheduleSpec("@every 30s", counter(runs, c))
	if err != nil {
		t.Fatal(err)
	}
	if j.Kind() != KindFixedRate || j.Period() != 30*time.Second {
		t.Fatalf("kind=%s period=%s", j.Kind(), j.Period())
	}
	idle(t, fc)
	fc.Advance(30 * time.Second)
	recv(t, runs)
}

func TestDelayedRunsOnceInDueOrder(t *testing.T) {
	t.Parallel()

	c, fc := fakeContext(t, Config{Owner: "grid"})
	order := make(chan string, 4)
	mk := func(name string) Task {
		return func(context.Context) error { order <- name; return nil }
	}
	_, _ = c.Schedule(mk("late"), 3*time.Second)
	_, _ = c.Schedule(mk("early"), time.Second)
	_, _ = c.Schedule(mk("tie"), 3*time.Second)

	jobs := c.Jobs()
	if len(jobs) != 3 || jobs[0].State != "scheduled" || jobs[0].Next == nil || !jobs[0].Next.Equal(wallStart.Add(time.Second)) {
		t.Fatalf("jobs=%+v", jobs)
	}

	idle(t, fc)
	fc.Advance(3 * time.Second)
	for _, want := range []string{"early", "late", "tie"} {
		if got := recv(t, order); got != want {
			t.Fatalf("ran %q, want %q", got, want)
		}
	}
	snap := c.Snapshot()
	if snap.Owner != "grid" || snap.State != "active" || snap.Scheduled != 0 || snap.Simulated {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestRealTimeFixedRateWithCancel(t *testing.T) {
	if testing.Short() {
		t.Skip("real-time test")
	}
	t.Parallel()

	c := activated(t, Config{Owner: "grid"})
	var count atomic.Int64
	j, err := c.ScheduleAtFixedRate(func(context.Context) error {
		count.Add(1)
		return nil
	}, 50*time.Millisecond, 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(4 * time.Second)
	if n := count.Load(); n < 39 || n > 41 {
		t.Fatalf("count=%d after 4s, want 40±1", n)
	}
	j.Cancel(false)
	stopped := count.Load()
	time.Sleep(time.Second)
	if n := count.Load(); n > stopped+1 {
		t.Fatalf("count kept growing after cancel: %d -> %d", stopped, n)
	}
	v, err := j.GetTimeout(time.Second)
	if v != nil || err != nil {
		t.Fatalf("Get=(%v, %v), want (nil, nil)", v, err)
	}
}

func TestDueScheduledWorkRunsBeforeLaterSubmit(t *testing.T) {
	t.Parallel()

	c, fc := fakeContext(t, Config{Owner: "grid"})
	started := make(chan struct{})
	release := make(chan struct{})
	_, _ = c.Submit(func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	recv(t, started)

	var mu sync.Mutex
	var order []string
	mark := func(name string) Task {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	scheduled, _ := c.Schedule(mark("scheduled"), 10*time.Millisecond)
	fc.Advance(50 * time.Millisecond)
	submitted, _ := c.Submit(mark("submitted"))
	close(release)

	for _, j := range []*Job{scheduled, submitted} {
		if _, err := j.GetTimeout(2 * time.Second); err != nil {
			t.Fatal(err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "scheduled" || order[1] != "submitted" {
		t.Fatalf("order=%v, want the due task first", order)
	}
}

func TestDueFixedRateQueuedOnceBeforeSubmit(t *testing.T) {
	t.Parallel()

	c, fc := fakeContext(t, Config{Owner: "grid"})
	started := make(chan struct{})
	release := make(chan struct{})
	_, _ = c.Submit(func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	recv(t, started)

	runs := make(chan time.Time, 16)
	periodic, _ := c.ScheduleAtFixedRate(counter(runs, c), time.Second, time.Second)
	fc.Advance(3 * time.Second)
	done := make(chan struct{})
	_, _ = c.Submit(func(context.Context) error {
		close(done)
		return nil
	})
	_, _ = c.Submit(func(context.Context) error { return nil })
	close(release)

	recv(t, done)
	if n := periodic.Runs(); n != 1 {
		t.Fatalf("Runs=%d before the submitted unit, want exactly 1", n)
	}
	for i := 0; i < 3; i++ {
		recv(t, runs)
	}
	idle(t, fc)
	if n := periodic.Runs(); n != 3 {
		t.Fatalf("Runs=%d, want caught up to 3", n)
	}
}
