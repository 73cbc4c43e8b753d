package device

import "time"

// Device is a saved Tuya device: the identity and secrets needed to send it
// commands without repeating them on every request.
type Device struct {
	// ID is the Tuya device ID (gwId/devId).
	ID string `json:"id"`

	// Name is an operator-facing label. May be empty.
	Name string `json:"name"`

	// LocalKey is the device's AES key. Never serialised by Redacted copies.
	LocalKey string `json:"local_key,omitempty"`

	// LANIP is a dotted-quad IPv4 address or "auto" to resolve by discovery.
	LANIP string `json:"lan_ip"`

	// Version is the protocol version last reported by discovery or set by
	// the operator. Empty means the dispatcher default.
	Version string `json:"version,omitempty"`

	// LastSeen is when discovery last reported the device.
	LastSeen *time.Time `json:"last_seen,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeepCopy returns a copy that shares no pointers with d.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}
	cp := *d
	if d.LastSeen != nil {
		t := *d.LastSeen
		cp.LastSeen = &t
	}
	return &cp
}

// Redacted returns a copy safe to hand to API clients: the local key is
// removed and HasLocalKey reports whether one is stored.
func (d *Device) Redacted() RedactedDevice {
	cp := d.DeepCopy()
	hasKey := cp.LocalKey != ""
	cp.LocalKey = ""
	return RedactedDevice{Device: *cp, HasLocalKey: hasKey}
}

// RedactedDevice is the API view of a Device.
type RedactedDevice struct {
	Device
	HasLocalKey bool `json:"has_local_key"`
}

// Sighting is a device reported by a discovery scan.
type Sighting struct {
	ID      string
	IP      string
	Version string
	Seen    time.Time
}

// Stats summarises the registry contents.
type Stats struct {
	Total     int `json:"total"`
	AutoIP    int `json:"auto_ip"`
	StaticIP  int `json:"static_ip"`
	NeverSeen int `json:"never_seen"`
}
