package tuya

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a Tuya LAN protocol version such as "3.3".
type Version string

// Supported protocol versions.
const (
	Version31 Version = "3.1"
	Version33 Version = "3.3"
	Version34 Version = "3.4"
	Version35 Version = "3.5"
)

// DefaultVersion is used when a device's version is unknown.
const DefaultVersion = Version33

// Frame version selectors.
const (
	selectorLegacy uint32 = 3
	selectorCBC    uint32 = 4
)

// ParseVersion accepts "3.3", "3.30" or "3" style inputs and normalises them
// to one of the supported versions.
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidVersion, s)
	}
	v := Version(strconv.FormatFloat(f, 'f', 1, 64))
	switch v {
	case Version31, Version33, Version34, Version35:
		return v, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidVersion, s)
	}
}

// UsesCBC reports whether the version encrypts with AES-CBC (3.4 and later).
func (v Version) UsesCBC() bool {
	return v >= Version34
}

// Selector returns the header word that tells the device which
// encryption scheme the payload uses.
func (v Version) Selector() uint32 {
	if v.UsesCBC() {
		return selectorCBC
	}
	return selectorLegacy
}

func (v Version) String() string {
	return string(v)
}
