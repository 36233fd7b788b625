//go:build !linux && !darwin

package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/eegstream/internal/peripheral"
)

// DeviceFactory reports that go-ble has no stack for this platform.
var DeviceFactory = func(peripheral.Advertisement) (ble.Device, error) {
	return nil, ErrUnsupportedPlatform
}

// CentralFactory reports that go-ble has no stack for this platform.
var CentralFactory = func() (ble.Device, error) {
	return nil, ErrUnsupportedPlatform
}
