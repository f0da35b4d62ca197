package channel

import (
	"time"

	"rocket-rpc/frame"
	"rocket-rpc/rpcerr"
)

// result is what a completed call delivers to its waiting caller.
type result struct {
	payload []byte
	err     error
}

// call is one in-flight request, owned by the pending table from submit
// until resolve, remove, or cancelAll.
type call struct {
	seq     uint32
	kind    frame.Type
	created time.Time
	done    chan result // buffered 1; written exactly once
	timer   *time.Timer // per-call deadline, nil when no timeout applies
}

// table is the pending-call table plus the admission controller. It is owned
// by the channel's loop: every method runs only on that loop, so there is no
// internal locking.
type table struct {
	calls      map[uint32]*call
	nextSeq    uint32
	maxPending int // admission limit; 0 rejects every call
}

func newTable(maxPending int) *table {
	return &table{
		calls:      make(map[uint32]*call),
		maxPending: maxPending,
	}
}

// submit admits a new call or rejects it immediately. There is no queueing
// behind the limit: at the limit the caller gets AdmissionRejected right
// away. The assigned identifier is fresh: never equal to any still-pending
// identifier on this channel.
func (t *table) submit(kind frame.Type) (*call, error) {
	if len(t.calls) >= t.maxPending {
		return nil, rpcerr.Newf(rpcerr.AdmissionRejected,
			"pending request limit %d reached", t.maxPending)
	}

	t.nextSeq++
	for {
		if _, busy := t.calls[t.nextSeq]; !busy && t.nextSeq != 0 {
			break
		}
		t.nextSeq++
	}

	c := &call{
		seq:     t.nextSeq,
		kind:    kind,
		created: time.Now(),
		done:    make(chan result, 1),
	}
	t.calls[c.seq] = c
	return c, nil
}

// resolve removes the call and delivers res to its caller. An unknown seq is
// a no-op returning false: a late response after timeout, or a peer bug;
// either way the rest of the table is untouched.
func (t *table) resolve(seq uint32, res result) bool {
	c, ok := t.calls[seq]
	if !ok {
		return false
	}
	delete(t.calls, seq)
	if c.timer != nil {
		c.timer.Stop()
	}
	c.done <- res
	return true
}

// remove drops the entry without delivering anything, for calls that failed
// before they ever hit the wire (the caller already has the error in hand).
func (t *table) remove(seq uint32) {
	if c, ok := t.calls[seq]; ok {
		delete(t.calls, seq)
		if c.timer != nil {
			c.timer.Stop()
		}
	}
}

// cancelAll resolves every outstanding call with err. Used on connection
// close so no caller is left hanging.
func (t *table) cancelAll(err error) {
	for seq, c := range t.calls {
		delete(t.calls, seq)
		if c.timer != nil {
			c.timer.Stop()
		}
		c.done <- result{err: err}
	}
}

func (t *table) size() int { return len(t.calls) }
