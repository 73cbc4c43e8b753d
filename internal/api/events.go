package api

import (
	"slices"

	"github.com/nerrad567/tuya-lan-core/internal/bridges/tuya"
)

// Event channels broadcast to WebSocket subscribers.
const (
	EventCommandSent        = "command.sent"
	EventCommandFailed      = "command.failed"
	EventDiscoveryCompleted = "discovery.completed"
	EventSiteUpdated        = "site.updated"
	EventDeviceUpdated      = "device.updated"
	EventDeviceDeleted      = "device.deleted"
)

// eventChannels lists the names a client may subscribe to.
var eventChannels = []string{
	WSChannelAll,
	EventCommandSent,
	EventCommandFailed,
	EventDiscoveryCompleted,
	EventSiteUpdated,
	EventDeviceUpdated,
	EventDeviceDeleted,
}

func knownChannel(name string) bool {
	return slices.Contains(eventChannels, name)
}

// commandEventPayload is the WebSocket shape of a tuya.CommandEvent.
// Keys never appear in events.
type commandEventPayload struct {
	DeviceID   string  `json:"device_id"`
	Action     string  `json:"action"`
	IP         string  `json:"ip,omitempty"`
	Version    string  `json:"version,omitempty"`
	Attempts   int     `json:"attempts"`
	Outcome    string  `json:"outcome"`
	DurationMS float64 `json:"duration_ms"`
	Error      string  `json:"error,omitempty"`
}

// discoveredDevice is one entry of /tuya/devices and discovery events.
type discoveredDevice struct {
	ID      string `json:"id"`
	IP      string `json:"ip"`
	Version string `json:"version"`
}

// OnCommand relays a dispatcher command event. Register it with
// Dispatcher.OnCommand.
func (h *Hub) OnCommand(ev tuya.CommandEvent) {
	p := commandEventPayload{
		DeviceID:   ev.DeviceID,
		Action:     ev.Action,
		IP:         ev.IP,
		Version:    ev.Version.String(),
		Attempts:   ev.Attempts,
		Outcome:    ev.Outcome,
		DurationMS: float64(ev.Duration.Microseconds()) / 1000,
	}
	channel := EventCommandSent
	if ev.Err != nil {
		channel = EventCommandFailed
		p.Error = ev.Err.Error()
	}
	h.Broadcast(channel, p)
}

// OnDiscovery relays a completed scan. Register it with Dispatcher.OnDiscovery.
func (h *Hub) OnDiscovery(reports []tuya.DiscoveryReport) {
	h.Broadcast(EventDiscoveryCompleted, map[string]any{
		"count":   len(reports),
		"devices": toDiscovered(reports),
	})
}

func toDiscovered(reports []tuya.DiscoveryReport) []discoveredDevice {
	out := make([]discoveredDevice, 0, len(reports))
	for _, r := range reports {
		out = append(out, discoveredDevice{ID: r.DeviceID, IP: r.IP, Version: r.Version.String()})
	}
	return out
}
