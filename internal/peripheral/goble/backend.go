// Package goble runs the peripheral on github.com/go-ble/ble (HCI sockets on Linux,
// CoreBluetooth on macOS).
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/eegstream/internal/groutine"
	"github.com/srg/eegstream/internal/peripheral"
)

// AdvertiseRetryDelay is the pause before advertising is restarted after a stack error.
const AdvertiseRetryDelay = time.Second

// Backend is a peripheral.Backend on go-ble. It tracks a single central: a write or a
// subscription from a new connection supersedes the previous one.
type Backend struct {
	logger *logrus.Logger

	mu     sync.Mutex
	ctx    context.Context
	ev     peripheral.Events
	active *connLink

	watchers groutine.Group
}

// NewBackend creates an idle backend; nothing touches the adapter until Serve.
func NewBackend(logger *logrus.Logger) *Backend {
	if logger == nil {
		logger = logrus.New()
	}
	return &Backend{logger: logger, ctx: context.Background()}
}

// Name implements peripheral.Backend.
func (b *Backend) Name() string { return "goble" }

// Serve implements peripheral.Backend. The stack re-enables advertising by itself after
// a disconnect, so one advertising call covers the whole run.
func (b *Backend) Serve(ctx context.Context, adv peripheral.Advertisement, ev peripheral.Events) error {
	dev, err := DeviceFactory(adv)
	if err != nil {
		b.logger.WithError(err).Error("Failed to create BLE device")
		return fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	ble.SetDefaultDevice(dev)
	defer func() {
		if err := dev.Stop(); err != nil {
			b.logger.WithError(err).Debug("BLE device stop returned error")
		}
	}()

	// Watchers end with ctx; Serve returns only after they have reported.
	defer b.watchers.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	b.attach(ctx, ev)

	if err := dev.AddService(b.service()); err != nil {
		return fmt.Errorf("failed to register UART service: %w", NormalizeError(err))
	}

	log := b.logger.WithFields(logrus.Fields{
		"name":         adv.Name,
		"service":      peripheral.ServiceUUID,
		"adv_interval": fmt.Sprintf("%s..%s", adv.MinDuration(), adv.MaxDuration()),
	})
	for {
		log.Info("Advertising")
		err := NormalizeError(dev.AdvertiseNameAndServices(ctx, adv.Name, ble.MustParse(peripheral.ServiceUUID)))
		if ctx.Err() != nil {
			return nil
		}
		switch {
		case err == nil, errors.Is(err, context.Canceled):
		case errors.Is(err, ErrBluetoothOff), errors.Is(err, ErrPermission):
			return err
		default:
			log.WithError(err).Warn("Advertising stopped, retrying")
		}

		t := time.NewTimer(AdvertiseRetryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (b *Backend) attach(ctx context.Context, ev peripheral.Events) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ctx = ctx
	b.ev = ev
}

// service builds the UART service: RX takes command writes, TX carries packets.
func (b *Backend) service() *ble.Service {
	svc := ble.NewService(ble.MustParse(peripheral.ServiceUUID))

	rx := ble.NewCharacteristic(ble.MustParse(peripheral.RxUUID))
	rx.HandleWrite(ble.WriteHandlerFunc(func(req ble.Request, _ ble.ResponseWriter) {
		b.received(bleConn{c: req.Conn()}, req.Data())
	}))
	svc.AddCharacteristic(rx)

	tx := ble.NewCharacteristic(ble.MustParse(peripheral.TxUUID))
	tx.HandleNotify(ble.NotifyHandlerFunc(func(req ble.Request, n ble.Notifier) {
		b.subscribed(bleConn{c: req.Conn()}, n)
	}))
	svc.AddCharacteristic(tx)

	return svc
}

// received handles an RX write.
func (b *Backend) received(conn peerConn, data []byte) {
	if b.track(conn) == nil {
		return
	}
	b.ev.Receive(data)
}

// subscribed serves one TX subscription. go-ble runs it on its own goroutine and ends the
// subscription when it returns.
func (b *Backend) subscribed(conn peerConn, n notifier) {
	l := b.track(conn)
	if l == nil {
		return
	}
	l.setNotifier(n)
	b.logger.WithField("address", l.Addr()).Info("Central subscribed to notifications")

	select {
	case <-n.Context().Done():
		b.logger.WithField("address", l.Addr()).Info("Central unsubscribed from notifications")
	case <-conn.Disconnected():
	}
	l.clearNotifier(n)
}

// track returns the link for conn, reporting a new link when conn is not the active one.
func (b *Backend) track(conn peerConn) *connLink {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ev == nil {
		return nil
	}
	if b.active != nil && b.active.conn == conn {
		return b.active
	}

	l := newConnLink(conn)
	b.active = l
	// Reported under the lock so a write can never reach the session before its link.
	b.ev.LinkEstablished(l)

	b.watchers.Go(b.ctx, "goble-link-watch", func(ctx context.Context) {
		select {
		case <-conn.Disconnected():
		case <-ctx.Done():
		}
		b.lost(l)
	})
	return l
}

// lost reports the end of l unless a newer link already replaced it.
func (b *Backend) lost(l *connLink) {
	b.mu.Lock()
	if b.active != l {
		b.mu.Unlock()
		return
	}
	b.active = nil
	ev := b.ev
	b.mu.Unlock()

	b.logger.WithField("address", l.Addr()).Debug("Connection closed")
	ev.LinkLost()
}
