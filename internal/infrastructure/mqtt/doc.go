// Package mqtt provides the optional MQTT connection of Tuya LAN Core.
//
// The broker carries device commands in and acknowledgments, discovery
// results and health out:
//
//	home automation ↔ MQTT broker ↔ tuyalan ↔ Tuya devices (LAN)
//
// This package manages:
//   - Connection with auto-reconnect and subscription restore
//   - Publishing with QoS and size checks
//   - Last Will and Testament on tuyalan/system/status
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, logger)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.BridgeCommand("tuya", "+"), 1,
//	    func(topic string, payload []byte) error {
//	        return handle(topic, payload)
//	    })
package mqtt
