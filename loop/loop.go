// Package loop provides single-goroutine task executors. Each connection is
// bound to exactly one Loop; all of its state mutation runs as tasks on that
// loop, which replaces per-connection locking. A server runs a Group of
// loops and spreads accepted connections across them, so connections are
// concurrent with each other while each one stays single-threaded.
package loop

import (
	"errors"
	"sync/atomic"

	"github.com/glycerine/idem"
)

// ErrClosed is returned when work is submitted to a loop that has stopped.
var ErrClosed = errors.New("loop: closed")

// Loop runs submitted tasks one at a time on its own goroutine, in
// submission order.
type Loop struct {
	tasks chan func()
	halt  *idem.Halter
}

func New() *Loop {
	l := &Loop{
		tasks: make(chan func(), 128),
		halt:  idem.NewHalter(),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer l.halt.Done.Close()
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-l.halt.ReqStop.Chan:
			// Run whatever is already queued so awaiters are not stranded.
			for {
				select {
				case fn := <-l.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Submit queues fn to run on the loop goroutine. It does not wait for fn.
func (l *Loop) Submit(fn func()) error {
	select {
	case <-l.halt.ReqStop.Chan:
		return ErrClosed
	default:
	}
	select {
	case l.tasks <- fn:
		return nil
	case <-l.halt.ReqStop.Chan:
		return ErrClosed
	}
}

// Await runs fn on the loop goroutine and blocks until it has run. Callers
// reconfiguring a connection from outside its loop use Await so the change is
// observed before their next call is submitted.
func (l *Loop) Await(fn func()) error {
	done := make(chan struct{})
	if err := l.Submit(func() {
		fn()
		close(done)
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-l.halt.Done.Chan:
		// The loop exited; fn may still have run during the drain.
		select {
		case <-done:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Alive reports whether the loop is still accepting work.
func (l *Loop) Alive() bool {
	select {
	case <-l.halt.ReqStop.Chan:
		return false
	default:
		return true
	}
}

// Close stops the loop and waits for its goroutine to finish. Idempotent.
func (l *Loop) Close() {
	l.halt.ReqStop.Close()
	<-l.halt.Done.Chan
}

// Group is a fixed set of loops with round-robin assignment, one loop per
// worker. The zero connections-per-loop assumption is simply "whatever Next
// hands out".
type Group struct {
	loops []*Loop
	next  atomic.Uint32
}

func NewGroup(n int) *Group {
	if n < 1 {
		n = 1
	}
	g := &Group{loops: make([]*Loop, n)}
	for i := range g.loops {
		g.loops[i] = New()
	}
	return g
}

// Next returns the next loop in round-robin order.
func (g *Group) Next() *Loop {
	i := g.next.Add(1)
	return g.loops[int(i-1)%len(g.loops)]
}

// Size returns the number of loops in the group.
func (g *Group) Size() int { return len(g.loops) }

// Close stops every loop in the group.
func (g *Group) Close() {
	for _, l := range g.loops {
		l.Close()
	}
}
