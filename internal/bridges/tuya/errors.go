package tuya

import (
	"errors"
	"fmt"
)

// Domain errors for the Tuya LAN package.
//
// Callers classify failures with errors.Is:
//
//	if errors.Is(err, tuya.ErrValidation) {
//	    // client fault, nothing was sent
//	}
var (
	// ErrValidation is returned when a command is malformed or incomplete.
	// No network I/O has happened when this is returned.
	ErrValidation = errors.New("tuya: invalid request")

	// ErrInvalidAction is returned when the action is not "on" or "off".
	// It wraps ErrValidation.
	ErrInvalidAction = fmt.Errorf("%w: action must be 'on' or 'off'", ErrValidation)

	// ErrInvalidVersion is returned for an unknown protocol version.
	// It wraps ErrValidation.
	ErrInvalidVersion = fmt.Errorf("%w: unsupported protocol version", ErrValidation)

	// ErrResolution is returned when discovery could not find the device.
	ErrResolution = errors.New("tuya: device not reachable")

	// ErrTransport is returned when a socket could not be opened or written.
	ErrTransport = errors.New("tuya: transport failure")

	// ErrCrypto is returned when the payload cannot be encrypted or decrypted.
	// Nothing is sent after a crypto failure.
	ErrCrypto = errors.New("tuya: crypto failure")

	// ErrProtocolParse is returned for a malformed frame or discovery reply.
	ErrProtocolParse = errors.New("tuya: malformed frame")
)

// ErrUnknownDevice is returned by a DeviceStore for a device that has not
// been saved.
var ErrUnknownDevice = errors.New("tuya: unknown device")
