// Package tinyble runs the peripheral on tinygo.org/x/bluetooth (BlueZ over D-Bus on
// Linux, SoftDevice on nRF boards, WinRT on Windows).
package tinyble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/eegstream/internal/link"
	"github.com/srg/eegstream/internal/peripheral"
	"tinygo.org/x/bluetooth"
)

// paramRequester is implemented by bluetooth.Device on stacks that can ask the central
// for new connection parameters.
type paramRequester interface {
	RequestConnectionParams(params bluetooth.ConnectionParams) error
}

// notifyWriter is the TX characteristic handle.
type notifyWriter interface {
	Write(p []byte) (int, error)
}

// deviceLink is the link.Link for one tinygo connection.
type deviceLink struct {
	addr      string
	tx        notifyWriter
	requester paramRequester
}

func newDeviceLink(dev bluetooth.Device, tx notifyWriter) *deviceLink {
	return &deviceLink{addr: dev.Address.String(), tx: tx, requester: requesterFor(dev)}
}

// requesterFor returns dev as a paramRequester when the stack actually sends the request.
func requesterFor(dev any) paramRequester {
	if !paramRequestsSent {
		return nil
	}
	r, _ := dev.(paramRequester)
	return r
}

// RequestConnectionInterval asks for a fixed interval: min and max are both set to units.
func (l *deviceLink) RequestConnectionInterval(units uint16) error {
	if l.requester == nil {
		return link.ErrIntervalUnsupported
	}
	d := bluetooth.NewDuration(time.Duration(units) * link.IntervalUnit)
	return l.requester.RequestConnectionParams(bluetooth.ConnectionParams{
		MinInterval: d,
		MaxInterval: d,
	})
}

func (l *deviceLink) RequestMTU(int) error {
	return link.ErrMTUUnsupported
}

func (l *deviceLink) Write(p []byte) (int, error) {
	return l.tx.Write(p)
}

func (l *deviceLink) Addr() string {
	return l.addr
}

// Backend is a peripheral.Backend on tinygo bluetooth.
type Backend struct {
	adapter *bluetooth.Adapter
	logger  *logrus.Logger

	mu     sync.Mutex
	ev     peripheral.Events
	tx     bluetooth.Characteristic
	adv    *bluetooth.Advertisement
	active *deviceLink
}

// NewBackend creates a backend on the default adapter.
func NewBackend(logger *logrus.Logger) *Backend {
	if logger == nil {
		logger = logrus.New()
	}
	return &Backend{adapter: bluetooth.DefaultAdapter, logger: logger}
}

// Name implements peripheral.Backend.
func (b *Backend) Name() string { return "tinygo" }

// Serve implements peripheral.Backend.
func (b *Backend) Serve(ctx context.Context, adv peripheral.Advertisement, ev peripheral.Events) error {
	b.mu.Lock()
	b.ev = ev
	b.mu.Unlock()

	if err := b.adapter.Enable(); err != nil {
		return fmt.Errorf("failed to enable bluetooth adapter: %w", err)
	}
	b.adapter.SetConnectHandler(b.connectEvent)

	if err := b.adapter.AddService(b.service()); err != nil {
		return fmt.Errorf("failed to register UART service: %w", err)
	}

	a := b.adapter.DefaultAdvertisement()
	err := a.Configure(bluetooth.AdvertisementOptions{
		LocalName:    adv.Name,
		ServiceUUIDs: []bluetooth.UUID{bluetooth.ServiceUUIDNordicUART},
		Interval:     bluetooth.NewDuration(adv.MinDuration()),
	})
	if err != nil {
		return fmt.Errorf("failed to configure advertising: %w", err)
	}
	if err := a.Start(); err != nil {
		return fmt.Errorf("failed to start advertising: %w", err)
	}
	b.mu.Lock()
	b.adv = a
	b.mu.Unlock()

	b.logger.WithFields(logrus.Fields{
		"name":         adv.Name,
		"service":      peripheral.ServiceUUID,
		"adv_interval": adv.MinDuration(),
	}).Info("Advertising")

	<-ctx.Done()

	if err := a.Stop(); err != nil {
		b.logger.WithError(err).Debug("Failed to stop advertising")
	}
	return nil
}

func (b *Backend) service() *bluetooth.Service {
	return &bluetooth.Service{
		UUID: bluetooth.ServiceUUIDNordicUART,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				UUID:  bluetooth.CharacteristicUUIDUARTRX,
				Flags: bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission,
				WriteEvent: func(_ bluetooth.Connection, _ int, value []byte) {
					b.received(value)
				},
			},
			{
				Handle: &b.tx,
				UUID:   bluetooth.CharacteristicUUIDUARTTX,
				Flags:  bluetooth.CharacteristicNotifyPermission | bluetooth.CharacteristicReadPermission,
			},
		},
	}
}

// connectEvent is the adapter's connect handler.
func (b *Backend) connectEvent(dev bluetooth.Device, connected bool) {
	if connected {
		b.established(newDeviceLink(dev, &b.tx))
		return
	}
	b.lost()
}

func (b *Backend) established(l *deviceLink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ev == nil {
		return
	}
	b.active = l
	b.ev.LinkEstablished(l)
}

func (b *Backend) lost() {
	b.mu.Lock()
	if b.active == nil || b.ev == nil {
		b.mu.Unlock()
		return
	}
	addr := b.active.Addr()
	b.active = nil
	ev, adv := b.ev, b.adv
	b.mu.Unlock()

	ev.LinkLost()

	// Some stacks stop advertising once a central connects.
	if adv != nil {
		if err := adv.Start(); err != nil {
			b.logger.WithError(err).WithField("address", addr).Debug("Advertising restart not needed or failed")
		}
	}
}

func (b *Backend) received(p []byte) {
	b.mu.Lock()
	ev, up := b.ev, b.active != nil
	b.mu.Unlock()
	if ev == nil {
		return
	}
	if !up {
		b.logger.WithField("bytes", len(p)).Debug("Write before connect event")
	}
	ev.Receive(p)
}
