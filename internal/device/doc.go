// Package device stores the Tuya devices an operator has saved.
//
// A saved device carries the local key and LAN address needed to send it
// commands, so MQTT-originated commands and the control API can refer to a
// device by ID alone. Discovery sightings refresh the stored address,
// protocol version and last-seen time.
//
// # Architecture
//
//	┌──────────────────┐    ┌──────────────────┐    ┌──────────────────┐
//	│     Registry     │    │    Repository    │    │    Validation    │
//	│   (registry.go)  │───▶│  (repository.go) │    │ (validation.go)  │
//	│                  │    │                  │    │                  │
//	│ • In-memory cache│    │ • SQLite queries │    │ • ID / key / IP  │
//	│ • Sightings      │    │ • Upsert         │    │ • Version        │
//	│ • Bridge lookups │    │                  │    │                  │
//	└──────────────────┘    └──────────────────┘    └──────────────────┘
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db.DB)
//	registry := device.NewRegistry(repo)
//	registry.SetLogger(log)
//
//	if err := registry.RefreshCache(ctx); err != nil {
//	    return err
//	}
//
//	err := registry.Upsert(ctx, &device.Device{
//	    ID:       "bf1234567890abcdef",
//	    Name:     "Vitrine",
//	    LocalKey: "0123456789abcdef",
//	    LANIP:    "auto",
//	})
//
// # Thread Safety
//
// The Registry is safe for concurrent use. The Repository implementation
// must also be thread-safe.
package device
