// Package tuya implements the Tuya LAN protocol and command dispatch.
//
// The package is layered leaf first:
//   - frame.go: data point payloads, 55AA frame assembly and parsing, CRC32
//   - cipher.go: AES-ECB (before 3.4) and AES-CBC with a zero IV (3.4 and later)
//   - transport.go: UDP/TCP senders and the broadcast discovery Scanner
//   - dispatcher.go: validation, IP resolution, sending and version fallback
//   - bridge.go: MQTT command topics, acknowledgments and health reporting
//
// Sending a command:
//
//	d, _ := tuya.NewDispatcher(tuya.DispatcherOptions{
//	    Sender:     &tuya.UDPSender{},
//	    Discoverer: tuya.NewScanner(),
//	})
//	res, err := d.SetPower(ctx, tuya.Command{
//	    DeviceID: "bf1234abcd",
//	    LocalKey: "0123456789abcdef",
//	    IP:       tuya.AutoIP,
//	    Action:   "on",
//	})
//
// Sends are fire-and-forget: a nil error means the frame reached the
// network stack, not that the device switched.
//
// Thread Safety: Dispatcher, Scanner, DiscoveryCache and Bridge are safe for
// concurrent use. Sockets are opened per operation and never shared.
package tuya
