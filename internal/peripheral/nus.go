package peripheral

import "time"

// Nordic UART Service layout. The central writes commands to RX and subscribes to TX.
const (
	ServiceUUID = "6E400001-B5A3-F393-E0A9-E50E24DCCA9E"
	RxUUID      = "6E400002-B5A3-F393-E0A9-E50E24DCCA9E"
	TxUUID      = "6E400003-B5A3-F393-E0A9-E50E24DCCA9E"
)

// Advertising defaults.
const (
	DefaultName = "ESP32_EEG_8Ch"

	// AdvertisingUnit is the unit of advertising interval values.
	AdvertisingUnit = 625 * time.Microsecond

	DefaultAdvMinInterval uint16 = 32  // 20 ms
	DefaultAdvMaxInterval uint16 = 244 // 152.5 ms
)

// Advertisement describes how a backend announces the device. Radio TX power is left to
// the adapter: neither go-ble nor tinygo can set it.
type Advertisement struct {
	Name        string
	MinInterval uint16 // AdvertisingUnit
	MaxInterval uint16 // AdvertisingUnit
}

// DefaultAdvertisement returns the advertisement used when nothing is configured.
func DefaultAdvertisement() Advertisement {
	return Advertisement{
		Name:        DefaultName,
		MinInterval: DefaultAdvMinInterval,
		MaxInterval: DefaultAdvMaxInterval,
	}
}

// MinDuration returns the lower advertising interval as a duration.
func (a Advertisement) MinDuration() time.Duration {
	return time.Duration(a.MinInterval) * AdvertisingUnit
}

// MaxDuration returns the upper advertising interval as a duration.
func (a Advertisement) MaxDuration() time.Duration {
	return time.Duration(a.MaxInterval) * AdvertisingUnit
}
