// Package monitor is the host side of the stream: it connects to the peripheral as a
// central, drives it with commands, and decodes what it sends.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/eegstream/internal/link"
	"github.com/srg/eegstream/internal/peripheral"
	"github.com/srg/eegstream/internal/peripheral/goble"
	"github.com/srg/eegstream/internal/session"
)

// DefaultConnectTimeout bounds dialing and service discovery.
const DefaultConnectTimeout = 15 * time.Second

var (
	// ErrNotConnected is returned by operations on a closed connection.
	ErrNotConnected = errors.New("not connected")

	// ErrServiceNotFound is returned when the peer does not expose the UART service.
	ErrServiceNotFound = errors.New("UART service not found on device")
)

// nusClient is the part of ble.Client the monitor uses.
type nusClient interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	ExchangeMTU(rxMTU int) (txMTU int, err error)
	CancelConnection() error
	Disconnected() <-chan struct{}
}

// Dial opens a client to address. It is a variable so tests can substitute it.
var Dial = func(ctx context.Context, address string) (nusClient, error) {
	dev, err := goble.CentralFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", goble.NormalizeError(err))
	}
	ble.SetDefaultDevice(dev)
	client, err := dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, goble.NormalizeError(err)
	}
	return client, nil
}

// Connection is a central-side session with one peripheral's UART service.
type Connection struct {
	address string
	client  nusClient
	rx, tx  *ble.Characteristic
	mtu     int
	logger  *logrus.Logger

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

// Connect dials address, discovers the UART service and negotiates the MTU.
func Connect(ctx context.Context, address string, timeout time.Duration, logger *logrus.Logger) (*Connection, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	logger.WithFields(logrus.Fields{"address": address, "timeout": timeout}).Info("Connecting to BLE device...")

	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := Dial(connCtx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to device with address \"%s\": %w", address, err)
	}

	c, err := newConnection(address, client, logger)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			logger.WithError(cancelErr).Warn("Failed to cancel connection after setup failure")
		}
		return nil, err
	}
	return c, nil
}

func newConnection(address string, client nusClient, logger *logrus.Logger) (*Connection, error) {
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		return nil, fmt.Errorf("failed to discover profile: %w", goble.NormalizeError(err))
	}

	c := &Connection{address: address, client: client, logger: logger}
	svcUUID := ble.MustParse(peripheral.ServiceUUID)
	rxUUID := ble.MustParse(peripheral.RxUUID)
	txUUID := ble.MustParse(peripheral.TxUUID)
	for _, svc := range profile.Services {
		if !svc.UUID.Equal(svcUUID) {
			continue
		}
		for _, ch := range svc.Characteristics {
			switch {
			case ch.UUID.Equal(rxUUID):
				c.rx = ch
			case ch.UUID.Equal(txUUID):
				c.tx = ch
			}
		}
	}
	if c.rx == nil || c.tx == nil {
		return nil, ErrServiceNotFound
	}

	// CoreBluetooth negotiates on its own and rejects explicit exchanges.
	if mtu, err := client.ExchangeMTU(link.PreferredMTU); err != nil {
		logger.WithError(err).Debug("MTU exchange not performed")
	} else {
		c.mtu = mtu
	}

	logger.WithFields(logrus.Fields{"address": address, "mtu": c.mtu}).Info("BLE device connected successfully")
	return c, nil
}

// Subscribe enables TX notifications. handler runs on the stack's goroutine.
func (c *Connection) Subscribe(handler func([]byte)) error {
	if c.isClosed() {
		return ErrNotConnected
	}
	if err := c.client.Subscribe(c.tx, false, ble.NotificationHandler(handler)); err != nil {
		return fmt.Errorf("failed to subscribe to notifications: %w", goble.NormalizeError(err))
	}
	c.logger.WithField("char_uuid", peripheral.TxUUID).Info("Subscribed to packet notifications")
	return nil
}

// Send writes one command byte to RX, with response.
func (c *Connection) Send(cmd session.Command) error {
	if c.isClosed() {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.client.WriteCharacteristic(c.rx, []byte{byte(cmd)}, false); err != nil {
		return fmt.Errorf("failed to send %s: %w", cmd, goble.NormalizeError(err))
	}
	c.logger.WithField("command", cmd).Info("Command sent")
	return nil
}

// Begin asks the peripheral to stream on the fast profile.
func (c *Connection) Begin() error { return c.Send(session.Begin) }

// Stop stops streaming and moves the link to the idle profile.
func (c *Connection) Stop() error { return c.Send(session.Stop) }

// Sleep stops streaming and moves the link to the sleep profile.
func (c *Connection) Sleep() error { return c.Send(session.Hold) }

// MTU returns the negotiated ATT MTU, or 0 when the stack did not report one.
func (c *Connection) MTU() int { return c.mtu }

// Address returns the peer address.
func (c *Connection) Address() string { return c.address }

// Disconnected is closed when the peer goes away.
func (c *Connection) Disconnected() <-chan struct{} {
	return c.client.Disconnected()
}

// Close cancels the connection. It is safe to call more than once.
func (c *Connection) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()

	if err := c.client.CancelConnection(); err != nil {
		c.logger.WithError(err).Warn("BLE device disconnected with errors")
		return goble.NormalizeError(err)
	}
	c.logger.Info("BLE device disconnected successfully")
	return nil
}

func (c *Connection) isClosed() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closed
}
