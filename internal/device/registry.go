package device

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/nerrad567/tuya-lan-core/internal/bridges/tuya"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry provides saved-device management with caching and thread safety.
// It wraps a Repository and adds an in-memory cache for fast lookups on the
// command path.
//
// The cache is populated on startup via RefreshCache() and kept in sync
// by the write operations.
//
// All public methods are thread-safe.
type Registry struct {
	repo    Repository
	cache   map[string]*Device
	loaded  bool
	cacheMu sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex
}

// NewRegistry creates a new device registry.
// The repository is used for persistence; the registry adds caching.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:   repo,
		cache:  make(map[string]*Device),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	r.loggerMu.Lock()
	defer r.loggerMu.Unlock()
	r.logger = logger
}

func (r *Registry) log() Logger {
	r.loggerMu.RLock()
	defer r.loggerMu.RUnlock()
	return r.logger
}

// RefreshCache reloads all devices from the repository into the cache.
// This should be called on application startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	devices, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.cacheMu.Lock()
	r.cache = make(map[string]*Device, len(devices))
	for i := range devices {
		r.cache[devices[i].ID] = devices[i].DeepCopy()
	}
	r.loaded = true
	r.cacheMu.Unlock()

	r.log().Info("device cache refreshed", "count", len(devices))
	return nil
}

// Get retrieves a device by ID.
// Returns ErrDeviceNotFound if the device does not exist.
// The returned device is a deep copy; callers can safely modify it.
func (r *Registry) Get(ctx context.Context, id string) (*Device, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	loaded := r.loaded
	r.cacheMu.RUnlock()

	if ok {
		return cached.DeepCopy(), nil
	}
	if loaded {
		return nil, ErrDeviceNotFound
	}

	device, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.cache[id] = device.DeepCopy()
	r.cacheMu.Unlock()

	return device, nil
}

// List returns all devices ordered by name, then ID.
// The returned devices are deep copies; callers can safely modify them.
func (r *Registry) List(ctx context.Context) ([]Device, error) {
	r.cacheMu.RLock()
	if r.loaded {
		devices := make([]Device, 0, len(r.cache))
		for _, d := range r.cache {
			devices = append(devices, *d.DeepCopy())
		}
		r.cacheMu.RUnlock()
		sortDevices(devices)
		return devices, nil
	}
	r.cacheMu.RUnlock()

	return r.repo.List(ctx)
}

// Upsert normalises, validates and stores a device, then updates the cache.
// The passed device is updated with the stored timestamps.
func (r *Registry) Upsert(ctx context.Context, device *Device) error {
	if device == nil {
		return fmt.Errorf("%w: device is nil", ErrInvalidDevice)
	}
	Normalise(device)
	if err := ValidateDevice(device); err != nil {
		return err
	}

	if err := r.repo.Upsert(ctx, device); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.cache[device.ID] = device.DeepCopy()
	r.cacheMu.Unlock()

	r.log().Info("device saved", "id", device.ID, "name", device.Name, "lan_ip", device.LANIP)
	return nil
}

// Delete removes a device from the repository and the cache.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}

	r.cacheMu.Lock()
	delete(r.cache, id)
	r.cacheMu.Unlock()

	r.log().Info("device deleted", "id", id)
	return nil
}

// RecordSightings applies discovery results to saved devices. Sightings for
// devices that are not saved are ignored.
//
// Returns the number of saved devices updated. A failed write is logged and
// the remaining sightings are still applied; the first such error is returned.
func (r *Registry) RecordSightings(ctx context.Context, sightings []Sighting) (int, error) {
	updated := 0
	var firstErr error

	for _, s := range sightings {
		if err := r.repo.UpdateSeen(ctx, s); err != nil {
			if errors.Is(err, ErrDeviceNotFound) {
				continue
			}
			r.log().Warn("recording device sighting failed", "id", s.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		fresh, err := r.repo.GetByID(ctx, s.ID)
		if err == nil {
			r.cacheMu.Lock()
			r.cache[s.ID] = fresh
			r.cacheMu.Unlock()
		}
		updated++
	}

	if updated > 0 {
		r.log().Info("device sightings recorded", "updated", updated, "reported", len(sightings))
	}
	return updated, firstErr
}

// SightingsFromReports converts discovery results into sightings stamped
// with seen.
func SightingsFromReports(reports []tuya.DiscoveryReport, seen time.Time) []Sighting {
	sightings := make([]Sighting, 0, len(reports))
	for _, rep := range reports {
		sightings = append(sightings, Sighting{
			ID:      rep.DeviceID,
			IP:      rep.IP,
			Version: rep.Version.String(),
			Seen:    seen,
		})
	}
	return sightings
}

// Count returns the number of cached devices.
func (r *Registry) Count() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}

// Stats summarises the cached devices.
func (r *Registry) Stats() Stats {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	s := Stats{Total: len(r.cache)}
	for _, d := range r.cache {
		if d.LANIP == tuya.AutoIP {
			s.AutoIP++
		} else {
			s.StaticIP++
		}
		if d.LastSeen == nil {
			s.NeverSeen++
		}
	}
	return s
}

// LookupDevice returns the key and address the command bridge needs.
// Unknown devices map to tuya.ErrUnknownDevice.
func (r *Registry) LookupDevice(ctx context.Context, id string) (tuya.StoredDevice, error) {
	d, err := r.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return tuya.StoredDevice{}, fmt.Errorf("%w: %s", tuya.ErrUnknownDevice, id)
		}
		return tuya.StoredDevice{}, err
	}
	return tuya.StoredDevice{
		ID:       d.ID,
		LocalKey: d.LocalKey,
		IP:       d.LANIP,
		Version:  d.Version,
	}, nil
}

// CountDevices implements the bridge's device store.
func (r *Registry) CountDevices(_ context.Context) (int, error) {
	return r.Count(), nil
}

func sortDevices(devices []Device) {
	slices.SortFunc(devices, func(a, b Device) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
}
