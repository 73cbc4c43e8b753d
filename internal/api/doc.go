// Package api implements the local control HTTP service for Tuya LAN Core.
//
// This package provides:
//   - GET /health and POST /tuya/command, the endpoints local apps call
//   - Discovery endpoints (GET /tuya/devices, POST /tuya/sync)
//   - Site name and saved-device management
//   - A WebSocket hub broadcasting command and discovery events
//   - Middleware stack (request ID, logging, recovery, body size limit)
//
// # Architecture
//
// The server binds to loopback by default and sits between on-device apps
// and the tuya.Dispatcher. Each request runs on its own goroutine, so a
// slow discovery scan never blocks the listener.
//
// # Error Responses
//
// Every failure is reported as {"ok": false, "error": "..."}. Validation
// problems are 400; unreachable devices, transport and crypto failures are
// 500. Panics are recovered into the same 500 shape.
//
// # Graceful Degradation
//
// MQTT and InfluxDB are optional. Without them the HTTP surface and the
// WebSocket stream keep working.
package api
