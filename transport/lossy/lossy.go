// Package lossy provides a deterministic, in-process stand-in for the
// "underlying datagram transport" spec.md §1 declares external to the
// core. It exists for tests and demos that need a reproducible lossy
// channel rather than a real socket; it implements the same minimal
// send/deliver shape as the teacher's Transport interface
// (sockatz/common/conn.go: Accept(ctx) net.Conn / Dial(ctx, addr) net.Conn),
// simplified to one directional byte-string hop since the pipeline's own
// transport contract (spec.md §6) is exactly that: hand bytes to a
// transport, receive bytes from one.
package lossy

import "sync"

// Link is a one-directional channel from a sender to a deliver callback.
// DropFirstN drops the first N calls to Send outright (each call, whether
// an original transmission or a retransmission, counts toward N) —
// spec.md §8's "drop-first-N transport" scenario.
type Link struct {
	mu         sync.Mutex
	sent       int
	DropFirstN int
	onDeliver  func(frame []byte)
}

// NewLink builds a Link that drops the first dropFirstN sends and hands
// every subsequent send to onDeliver.
func NewLink(dropFirstN int, onDeliver func(frame []byte)) *Link {
	return &Link{DropFirstN: dropFirstN, onDeliver: onDeliver}
}

// Send stages frame for delivery, dropping it if it falls within
// DropFirstN. Frames are otherwise delivered synchronously and in the
// order Send is called, i.e. this Link never itself reorders traffic;
// reordering scenarios drive a module's Read directly out of order
// instead (see the module packages' scenario tests), since reordering is
// a property of the network path rather than of the core under test.
func (l *Link) Send(frame []byte) {
	l.mu.Lock()
	seq := l.sent
	l.sent++
	l.mu.Unlock()

	if seq < l.DropFirstN {
		return
	}
	l.onDeliver(frame)
}

// SentCount returns how many times Send has been called, including
// dropped sends.
func (l *Link) SentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sent
}
