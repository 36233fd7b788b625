//go:build !baremetal

package tinyble

// On hosted stacks (BlueZ, CoreBluetooth, WinRT) tinygo's RequestConnectionParams
// returns nil without sending anything.
const paramRequestsSent = false
