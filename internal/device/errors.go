package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device ID does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrInvalidDevice is returned when device validation fails.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrInvalidID is returned when a device ID is empty or malformed.
	ErrInvalidID = errors.New("device: invalid id")

	// ErrInvalidName is returned when a device name is too long.
	ErrInvalidName = errors.New("device: invalid name")

	// ErrInvalidLocalKey is returned when the local key has an unusable length.
	ErrInvalidLocalKey = errors.New("device: invalid local key")

	// ErrInvalidAddress is returned when lan_ip is neither "auto" nor IPv4.
	ErrInvalidAddress = errors.New("device: invalid lan_ip")

	// ErrInvalidVersion is returned for unsupported protocol versions.
	ErrInvalidVersion = errors.New("device: invalid version")
)
