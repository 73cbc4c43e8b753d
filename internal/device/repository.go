package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repository defines the interface for saved-device persistence.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// GetByID retrieves a device by its Tuya ID.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByID(ctx context.Context, id string) (*Device, error)

	// List retrieves all devices ordered by name, then ID.
	List(ctx context.Context) ([]Device, error)

	// Upsert inserts the device or replaces its editable fields.
	// CreatedAt is preserved for existing rows.
	Upsert(ctx context.Context, device *Device) error

	// Delete removes a device by ID.
	// Returns ErrDeviceNotFound if the device does not exist.
	Delete(ctx context.Context, id string) error

	// UpdateSeen records a discovery sighting for a saved device.
	// Returns ErrDeviceNotFound if the device does not exist.
	UpdateSeen(ctx context.Context, s Sighting) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection with migrations applied.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const selectColumns = `
		SELECT id, name, local_key, lan_ip, version, last_seen, created_at, updated_at
		FROM devices`

// GetByID retrieves a device by its Tuya ID.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Device, error) {
	row := r.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	device, err := scanDeviceRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return device, nil
}

// List retrieves all devices.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, selectColumns+` ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		device, err := scanDeviceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}

	return devices, nil
}

// Upsert inserts the device or replaces its editable fields.
// Timestamps on the passed device are updated to match the stored row.
func (r *SQLiteRepository) Upsert(ctx context.Context, device *Device) error {
	now := time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now

	query := `
		INSERT INTO devices (id, name, local_key, lan_ip, version, last_seen, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			local_key = excluded.local_key,
			lan_ip = excluded.lan_ip,
			version = excluded.version,
			last_seen = COALESCE(excluded.last_seen, devices.last_seen),
			updated_at = excluded.updated_at
		RETURNING created_at, last_seen`

	var createdAt string
	var lastSeen sql.NullString
	err := r.db.QueryRowContext(ctx, query,
		device.ID,
		device.Name,
		device.LocalKey,
		device.LANIP,
		device.Version,
		nullableTime(device.LastSeen),
		device.CreatedAt.Format(time.RFC3339),
		device.UpdatedAt.Format(time.RFC3339),
	).Scan(&createdAt, &lastSeen)
	if err != nil {
		return fmt.Errorf("upserting device: %w", err)
	}

	// The stored created_at wins for existing rows.
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		device.CreatedAt = t
	}
	device.LastSeen = parseNullableTime(lastSeen)

	return nil
}

// Delete removes a device by ID.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	return checkAffected(result)
}

// UpdateSeen records the address and version a discovery scan reported.
// Devices set to "auto" stay "auto"; static addresses follow the sighting.
// Empty sighting fields keep the stored values.
func (r *SQLiteRepository) UpdateSeen(ctx context.Context, s Sighting) error {
	seen := s.Seen
	if seen.IsZero() {
		seen = time.Now()
	}
	now := time.Now().UTC()

	query := `
		UPDATE devices
		SET lan_ip = CASE WHEN ? = '' OR lan_ip = 'auto' THEN lan_ip ELSE ? END,
			version = CASE WHEN ? = '' THEN version ELSE ? END,
			last_seen = ?,
			updated_at = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		s.IP, s.IP,
		s.Version, s.Version,
		seen.UTC().Format(time.RFC3339),
		now.Format(time.RFC3339),
		s.ID,
	)
	if err != nil {
		return fmt.Errorf("updating device sighting: %w", err)
	}
	return checkAffected(result)
}

func checkAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanDeviceRow scans a row or rows result into a Device.
func scanDeviceRow(scanner rowScanner) (*Device, error) {
	var d Device
	var lastSeen sql.NullString
	var createdAt, updatedAt string

	err := scanner.Scan(
		&d.ID,
		&d.Name,
		&d.LocalKey,
		&d.LANIP,
		&d.Version,
		&lastSeen,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.LastSeen = parseNullableTime(lastSeen)

	var parseErr error
	d.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	d.UpdatedAt, parseErr = time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", parseErr)
	}

	return &d, nil
}

// nullableTime returns a sql.NullString for optional time pointers (as RFC3339 strings).
func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}
