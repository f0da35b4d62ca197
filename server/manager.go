package server

import (
	"sync"
	"sync/atomic"
)

// Manager is the server-wide registry of live connections. It supports
// registration, enumeration, and aggregate counters; it never reaches into a
// connection's internals — per-connection state belongs to that connection's
// loop.
type Manager struct {
	mu    sync.Mutex
	conns map[serverConn]struct{}

	accepted   atomic.Uint64
	closedCnt  atomic.Uint64
	framesRecv atomic.Uint64
	framesSent atomic.Uint64

	// Observer hooks, fire-and-forget. Set before Serve; called outside the
	// manager lock.
	onAccept func(remoteAddr string)
	onClose  func(remoteAddr string)
}

func newManager(onAccept, onClose func(remoteAddr string)) *Manager {
	return &Manager{
		conns:    make(map[serverConn]struct{}),
		onAccept: onAccept,
		onClose:  onClose,
	}
}

func (m *Manager) add(c serverConn) {
	m.mu.Lock()
	m.conns[c] = struct{}{}
	m.mu.Unlock()
	m.accepted.Add(1)
	if m.onAccept != nil {
		m.onAccept(c.remoteAddr())
	}
}

func (m *Manager) remove(c serverConn) {
	m.mu.Lock()
	_, ok := m.conns[c]
	delete(m.conns, c)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.closedCnt.Add(1)
	if m.onClose != nil {
		m.onClose(c.remoteAddr())
	}
}

// ActiveCount returns the number of live connections.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Accepted and Closed are lifetime totals.
func (m *Manager) Accepted() uint64 { return m.accepted.Load() }
func (m *Manager) Closed() uint64   { return m.closedCnt.Load() }

// FramesRecv and FramesSent are aggregate per-frame traffic counters.
func (m *Manager) FramesRecv() uint64 { return m.framesRecv.Load() }
func (m *Manager) FramesSent() uint64 { return m.framesSent.Load() }

// forceCloseAll tears down every live connection, for shutdown.
func (m *Manager) forceCloseAll() {
	m.mu.Lock()
	conns := make([]serverConn, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.forceClose()
	}
}
