// Package sim is an in-process stand-in for the BLE stack. Its Link records every
// request the core makes, and its Backend plays a scripted central against the
// peripheral so the streaming loop can run without a radio.
package sim

import (
	"sync"
	"sync/atomic"
)

// Link is a link.Link that records calls instead of touching a radio.
type Link struct {
	addr string

	mu          sync.Mutex
	intervals   []uint16
	mtus        []int
	writes      [][]byte
	record      bool
	onWrite     func([]byte)
	writeErr    error
	intervalErr error

	writeCount atomic.Int64
}

// NewLink creates a link that keeps a copy of every write.
func NewLink(addr string) *Link {
	return &Link{addr: addr, record: true}
}

// NewStreamingLink creates a link that hands writes to fn instead of retaining them.
func NewStreamingLink(addr string, fn func([]byte)) *Link {
	return &Link{addr: addr, onWrite: fn}
}

// RequestConnectionInterval records units.
func (l *Link) RequestConnectionInterval(units uint16) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.intervals = append(l.intervals, units)
	return l.intervalErr
}

// RequestMTU records mtu.
func (l *Link) RequestMTU(mtu int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mtus = append(l.mtus, mtu)
	return nil
}

// Write records p, or fails with the configured error.
func (l *Link) Write(p []byte) (int, error) {
	l.mu.Lock()
	err := l.writeErr
	fn := l.onWrite
	if err == nil && l.record {
		cp := make([]byte, len(p))
		copy(cp, p)
		l.writes = append(l.writes, cp)
	}
	l.mu.Unlock()

	l.writeCount.Add(1)
	if err != nil {
		return 0, err
	}
	if fn != nil {
		fn(p)
	}
	return len(p), nil
}

// Addr returns the simulated peer address.
func (l *Link) Addr() string {
	return l.addr
}

// FailWrites makes every following Write return err; nil restores normal writes.
func (l *Link) FailWrites(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writeErr = err
}

// RejectIntervals makes every following interval request return err.
func (l *Link) RejectIntervals(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.intervalErr = err
}

// Intervals returns every requested interval in order.
func (l *Link) Intervals() []uint16 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]uint16(nil), l.intervals...)
}

// LastInterval returns the most recent interval request.
func (l *Link) LastInterval() (uint16, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.intervals) == 0 {
		return 0, false
	}
	return l.intervals[len(l.intervals)-1], true
}

// MTUs returns every requested MTU in order.
func (l *Link) MTUs() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.mtus...)
}

// Writes returns copies of the successful writes, when recording.
func (l *Link) Writes() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.writes...)
}

// WriteCalls counts Write calls, failed ones included.
func (l *Link) WriteCalls() int64 {
	return l.writeCount.Load()
}

// Calls returns the total number of calls that reached the link.
func (l *Link) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.intervals) + len(l.mtus) + int(l.writeCount.Load())
}

// Reset forgets everything recorded.
func (l *Link) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.intervals = nil
	l.mtus = nil
	l.writes = nil
	l.writeCount.Store(0)
}
