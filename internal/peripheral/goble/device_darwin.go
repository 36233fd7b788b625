//go:build darwin

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
	"github.com/srg/eegstream/internal/peripheral"
)

// DeviceFactory opens CoreBluetooth in the peripheral role. CoreBluetooth picks the
// advertising interval itself.
// It is a variable so tests can substitute it.
var DeviceFactory = func(peripheral.Advertisement) (ble.Device, error) {
	return darwin.NewDevice(darwin.OptPeripheralRole())
}

// CentralFactory opens CoreBluetooth in the central role for the monitor.
var CentralFactory = func() (ble.Device, error) {
	return darwin.NewDevice()
}
