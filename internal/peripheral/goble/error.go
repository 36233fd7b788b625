package goble

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBluetoothOff is returned when the adapter is present but powered down.
	ErrBluetoothOff = errors.New("bluetooth is turned off")

	// ErrPermission is returned when the process may not open the HCI socket.
	ErrPermission = errors.New("insufficient permissions for bluetooth adapter")

	// ErrNotSubscribed is returned by link writes before the central enabled TX notifications.
	ErrNotSubscribed = errors.New("central has not subscribed to notifications")

	// ErrUnsupportedPlatform is returned by DeviceFactory where go-ble has no peripheral stack.
	ErrUnsupportedPlatform = errors.New("go-ble peripheral role not supported on this platform")
)

// NormalizeError maps known go-ble error strings to the sentinels above.
// The original error stays in the chain for context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "peripheral manager has invalid state"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "operation not permitted"), containsIgnoreCase(msg, "permission denied"):
		return fmt.Errorf("%w: %v", ErrPermission, err)
	default:
		return err
	}
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
