//go:build linux

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci/cmd"
	"github.com/srg/eegstream/internal/peripheral"
)

// DeviceFactory opens the default HCI adapter with the advertising interval applied.
// It is a variable so tests can substitute it.
var DeviceFactory = func(adv peripheral.Advertisement) (ble.Device, error) {
	return linux.NewDevice(ble.OptAdvParams(cmd.LESetAdvertisingParameters{
		AdvertisingIntervalMin: adv.MinInterval,
		AdvertisingIntervalMax: adv.MaxInterval,
		AdvertisingChannelMap:  0x7,
	}))
}

// CentralFactory opens the default HCI adapter for the monitor's central role.
var CentralFactory = func() (ble.Device, error) {
	return linux.NewDevice()
}
