//go:build baremetal

package tinyble

const paramRequestsSent = true
