package mqtt

import "fmt"

// Topic prefixes.
//
// Bridge topics use the flat scheme: tuyalan/{category}/{protocol}/{device_id}
const (
	// TopicPrefixBridge is the base for all bridge topics.
	TopicPrefixBridge = "tuyalan"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "tuyalan/system"
)

// Topics provides builders for MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.BridgeCommand("tuya", "bf1234abcd")
//	// Returns: "tuyalan/command/tuya/bf1234abcd"
type Topics struct{}

// BridgeCommand returns the topic for commands to a device.
//
// Example: tuyalan/command/tuya/bf1234abcd
func (Topics) BridgeCommand(protocol, deviceID string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefixBridge, protocol, deviceID)
}

// BridgeAck returns the topic for command acknowledgements.
//
// Example: tuyalan/ack/tuya/bf1234abcd
func (Topics) BridgeAck(protocol, deviceID string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefixBridge, protocol, deviceID)
}

// BridgeHealth returns the topic for bridge health.
//
// Example: tuyalan/health/tuya
func (Topics) BridgeHealth(protocol string) string {
	return fmt.Sprintf("%s/health/%s", TopicPrefixBridge, protocol)
}

// BridgeDiscovery returns the topic for discovery results.
//
// Example: tuyalan/discovery/tuya
func (Topics) BridgeDiscovery(protocol string) string {
	return fmt.Sprintf("%s/discovery/%s", TopicPrefixBridge, protocol)
}

// SystemStatus returns the online/offline status topic, also used for the LWT.
//
// Example: tuyalan/system/status
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}
