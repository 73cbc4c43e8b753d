// Package logging builds the structured logger shared by every tuyalan
// component.
//
// Output is log/slog, JSON by default, with service and version attached to
// each entry. Subsystems get a child logger from Component so their lines can
// be filtered:
//
//	log := logging.New(cfg.Logging, version)
//	dispatcherLog := log.Component("dispatcher")
//	dispatcherLog.Info("command sent", "device_id", id, "version", "3.3", "attempts", 1)
//
// Local keys are secrets. Log the device ID, never the key.
package logging
