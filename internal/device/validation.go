package device

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/nerrad567/tuya-lan-core/internal/bridges/tuya"
)

const (
	maxIDLength   = 64
	maxNameLength = 100
	idPattern     = `^[A-Za-z0-9_-]+$`
)

var idRegex = regexp.MustCompile(idPattern)

// Normalise trims whitespace and fills defaults in place: an empty lan_ip
// becomes "auto" and the version is rendered canonically ("3.30" -> "3.3").
// Call before ValidateDevice.
func Normalise(d *Device) {
	d.ID = strings.TrimSpace(d.ID)
	d.Name = strings.TrimSpace(d.Name)
	d.LocalKey = strings.TrimSpace(d.LocalKey)
	d.LANIP = strings.TrimSpace(d.LANIP)
	d.Version = strings.TrimSpace(d.Version)

	if d.LANIP == "" || strings.EqualFold(d.LANIP, tuya.AutoIP) {
		d.LANIP = tuya.AutoIP
	}
	if d.Version != "" {
		if v, err := tuya.ParseVersion(d.Version); err == nil {
			d.Version = v.String()
		}
	}
}

// ValidateDevice checks a device before it is stored.
//
// Returns an error wrapping ErrInvalidDevice and the specific sentinel.
func ValidateDevice(d *Device) error {
	if d == nil {
		return fmt.Errorf("%w: device is nil", ErrInvalidDevice)
	}
	if err := ValidateID(d.ID); err != nil {
		return err
	}
	if len(d.Name) > maxNameLength {
		return fmt.Errorf("%w: %w: longer than %d characters", ErrInvalidDevice, ErrInvalidName, maxNameLength)
	}
	if err := validateLocalKey(d.LocalKey); err != nil {
		return err
	}
	if err := validateLANIP(d.LANIP); err != nil {
		return err
	}
	if d.Version != "" {
		if _, err := tuya.ParseVersion(d.Version); err != nil {
			return fmt.Errorf("%w: %w: %q", ErrInvalidDevice, ErrInvalidVersion, d.Version)
		}
	}
	return nil
}

// ValidateID checks a Tuya device ID.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: %w: empty", ErrInvalidDevice, ErrInvalidID)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%w: %w: longer than %d characters", ErrInvalidDevice, ErrInvalidID, maxIDLength)
	}
	if !idRegex.MatchString(id) {
		return fmt.Errorf("%w: %w: %q contains unsupported characters", ErrInvalidDevice, ErrInvalidID, id)
	}
	return nil
}

// validateLocalKey requires an AES-128/192/256 key length.
func validateLocalKey(key string) error {
	switch len(key) {
	case 16, 24, 32: //nolint:mnd // AES key sizes
		return nil
	case 0:
		return fmt.Errorf("%w: %w: required", ErrInvalidDevice, ErrInvalidLocalKey)
	default:
		return fmt.Errorf("%w: %w: length %d, want 16, 24 or 32", ErrInvalidDevice, ErrInvalidLocalKey, len(key))
	}
}

func validateLANIP(ip string) error {
	if ip == tuya.AutoIP {
		return nil
	}
	lower := strings.ToLower(ip)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return fmt.Errorf("%w: %w: %q is a URL, not an IP address", ErrInvalidDevice, ErrInvalidAddress, ip)
	}
	if parsed := net.ParseIP(ip); parsed == nil || parsed.To4() == nil {
		return fmt.Errorf("%w: %w: %q is not an IPv4 address", ErrInvalidDevice, ErrInvalidAddress, ip)
	}
	return nil
}
