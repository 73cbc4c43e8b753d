// Package config loads tuyalan settings from YAML.
//
// Values are layered: built-in defaults, then the file named by
// TUYALAN_CONFIG (configs/config.yaml when unset), then TUYALAN_* environment
// overrides. Validate reports every problem at once.
//
// The MQTT password and InfluxDB token are better supplied through the
// environment. Device local keys are not configuration; they live in the
// saved-device store.
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
//	timeout := cfg.Tuya.Discovery.Timeout
package config
