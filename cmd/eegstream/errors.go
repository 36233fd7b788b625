package main

import (
	"errors"

	"github.com/srg/eegstream/internal/monitor"
	"github.com/srg/eegstream/internal/peripheral"
	"github.com/srg/eegstream/internal/peripheral/goble"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the peripheral went away while the monitor was running.
	ErrConnectionLost = errors.New("connection lost")

	// ErrUnknownBackend is returned for a --backend value with no implementation.
	ErrUnknownBackend = errors.New("unknown backend")
)

// FormatUserError turns known errors into a one-line hint. Anything else is printed as is.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, goble.ErrBluetoothOff):
		return "Bluetooth is turned off; enable it and try again"
	case errors.Is(err, goble.ErrPermission):
		return "Bluetooth access denied; on Linux run with CAP_NET_ADMIN or as root, on macOS grant the terminal Bluetooth permission"
	case errors.Is(err, goble.ErrUnsupportedPlatform):
		return "the goble backend is not available on this platform; try --backend tinygo or --backend sim"
	case errors.Is(err, monitor.ErrServiceNotFound):
		return "device does not expose the UART service; is it running eegstream serve?"
	case errors.Is(err, peripheral.ErrBackendStopped):
		return "the BLE stack stopped unexpectedly"
	case errors.Is(err, ErrConnectionLost):
		return "connection to the device was lost"
	}
	return err.Error()
}
