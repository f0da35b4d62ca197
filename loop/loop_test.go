package loop

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTasksRunInSubmissionOrder(t *testing.T) {
	l := New()
	defer l.Close()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		if err := l.Submit(func() { got = append(got, i) }); err != nil {
			t.Fatal(err)
		}
	}
	// Await acts as a barrier: it runs after everything submitted before it.
	if err := l.Await(func() {}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 100 {
		t.Fatalf("ran %d of 100 tasks", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("order broken at %d: %d", i, v)
		}
	}
}

func TestAwaitObservesEffect(t *testing.T) {
	l := New()
	defer l.Close()

	var x int
	if err := l.Await(func() { x = 7 }); err != nil {
		t.Fatal(err)
	}
	if x != 7 {
		t.Fatal("Await returned before the task ran")
	}
}

func TestClosedLoopRejectsWork(t *testing.T) {
	l := New()
	l.Close()
	if l.Alive() {
		t.Fatal("closed loop reports alive")
	}
	if err := l.Submit(func() {}); err != ErrClosed {
		t.Fatalf("want ErrClosed, got %v", err)
	}
	if err := l.Await(func() {}); err != ErrClosed {
		t.Fatalf("want ErrClosed, got %v", err)
	}
	// Close is idempotent.
	l.Close()
}

func TestCloseWaitsForQueuedTasks(t *testing.T) {
	l := New()
	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		l.Submit(func() {
			time.Sleep(time.Millisecond)
			ran.Add(1)
		})
	}
	l.Close()
	if ran.Load() != 10 {
		t.Fatalf("close dropped queued tasks: %d of 10 ran", ran.Load())
	}
}

func TestGroupRoundRobin(t *testing.T) {
	g := NewGroup(3)
	defer g.Close()

	if g.Size() != 3 {
		t.Fatalf("size %d", g.Size())
	}
	seen := map[*Loop]int{}
	for i := 0; i < 9; i++ {
		seen[g.Next()]++
	}
	if len(seen) != 3 {
		t.Fatalf("round robin used %d of 3 loops", len(seen))
	}
	for l, n := range seen {
		if n != 3 {
			t.Fatalf("uneven distribution: %p got %d", l, n)
		}
	}
}

func TestGroupMinimumOneLoop(t *testing.T) {
	g := NewGroup(0)
	defer g.Close()
	if g.Size() != 1 {
		t.Fatalf("size %d, want 1", g.Size())
	}
	if g.Next() == nil {
		t.Fatal("no loop returned")
	}
}
