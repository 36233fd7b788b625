package goble

import (
	"context"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/srg/eegstream/internal/link"
)

// peerConn is the part of ble.Conn the backend needs. Values must be comparable so
// contacts from the same connection can be recognized.
type peerConn interface {
	Addr() string
	Disconnected() <-chan struct{}
}

// bleConn adapts ble.Conn to peerConn.
type bleConn struct {
	c ble.Conn
}

func (b bleConn) Addr() string                  { return b.c.RemoteAddr().String() }
func (b bleConn) Disconnected() <-chan struct{} { return b.c.Disconnected() }

// notifier is the part of ble.Notifier the link writes to.
type notifier interface {
	Context() context.Context
	Write(b []byte) (int, error)
}

// connLink is the link.Link for one go-ble connection. Writes go to the TX notifier
// while the central is subscribed.
type connLink struct {
	conn   peerConn
	addr   string
	notify atomic.Pointer[notifierBox]
}

type notifierBox struct {
	n notifier
}

func newConnLink(conn peerConn) *connLink {
	return &connLink{conn: conn, addr: conn.Addr()}
}

// RequestConnectionInterval is not available to go-ble peripherals: the HCI layer only
// exposes connection parameters to the initiating side.
func (l *connLink) RequestConnectionInterval(uint16) error {
	return link.ErrIntervalUnsupported
}

// RequestMTU is not available either: the ATT server fixes the MTU it accepts (ble.MaxMTU)
// when the connection is created, and the central starts the exchange.
func (l *connLink) RequestMTU(int) error {
	return link.ErrMTUUnsupported
}

func (l *connLink) Write(p []byte) (int, error) {
	b := l.notify.Load()
	if b == nil {
		return 0, ErrNotSubscribed
	}
	n, err := b.n.Write(p)
	return n, NormalizeError(err)
}

func (l *connLink) Addr() string {
	return l.addr
}

func (l *connLink) setNotifier(n notifier) {
	if n == nil {
		l.notify.Store(nil)
		return
	}
	l.notify.Store(&notifierBox{n: n})
}

// clearNotifier drops n if it is still the active notifier.
func (l *connLink) clearNotifier(n notifier) {
	b := l.notify.Load()
	if b != nil && b.n == n {
		l.notify.CompareAndSwap(b, nil)
	}
}
