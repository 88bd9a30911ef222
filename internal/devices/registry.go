// Package devices persists the printers the daemon knows about, plus the
// small set of registry-level preferences (default device, last connected
// device, reconnect policy) that survive restarts.
package devices

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ordermaster/printbridge/pkg/models"
	"github.com/ordermaster/printbridge/pkg/plugin"
)

// ErrNotFound is returned when a device or setting does not exist.
var ErrNotFound = errors.New("not found")

// Setting keys stored in printer_settings.
const (
	keyDefault       = "default_device_id"
	keyLastConnected = "last_connected_id"
	keyActive        = "active_device_id"
	keyAutoReconnect = "auto_reconnect"
	keyStickyDefault = "sticky_default"
)

// Registry is the persisted set of known printers. Every mutation is written
// through to SQLite before the call returns.
type Registry struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for FirstSeen/LastSeen stamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New runs the registry migrations and returns a Registry over store.
func New(ctx context.Context, store plugin.Store, opts ...Option) (*Registry, error) {
	if err := store.Migrate(ctx, "devices", migrations); err != nil {
		return nil, fmt.Errorf("devices migrations: %w", err)
	}
	r := &Registry{db: store.DB(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

const deviceColumns = `id, name, transport, address, port, status, is_connected,
	protocol, manufacturer, model, capabilities, discovery_method,
	first_seen, last_seen, last_connected_at`

// List returns all devices, most recently seen first.
func (r *Registry) List(ctx context.Context) ([]models.Device, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM printer_devices ORDER BY last_seen DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	devices := []models.Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return devices, nil
}

// Get returns a single device by ID.
func (r *Registry) Get(ctx context.Context, id string) (*models.Device, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM printer_devices WHERE id = ?`, id)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get device %q: %w", id, err)
	}
	return d, nil
}

// Upsert inserts d or replaces the stored copy with the same ID. FirstSeen
// is kept from the stored row; LastSeen is stamped now. d is updated in place
// with the persisted timestamps.
func (r *Registry) Upsert(ctx context.Context, d *models.Device) error {
	if d.ID == "" {
		return fmt.Errorf("upsert device: empty id")
	}
	now := r.now().UTC()
	if d.FirstSeen.IsZero() {
		d.FirstSeen = now
	}
	d.LastSeen = now
	if d.Status == "" {
		d.Status = models.DeviceStatusOffline
	}

	caps := []byte("[]")
	if d.Capabilities != nil {
		caps, _ = json.Marshal(d.Capabilities)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO printer_devices (
			id, name, transport, address, port, status, is_connected,
			protocol, manufacturer, model, capabilities, discovery_method,
			first_seen, last_seen, last_connected_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			transport = excluded.transport,
			address = excluded.address,
			port = excluded.port,
			status = excluded.status,
			is_connected = excluded.is_connected,
			protocol = excluded.protocol,
			manufacturer = excluded.manufacturer,
			model = excluded.model,
			capabilities = excluded.capabilities,
			discovery_method = excluded.discovery_method,
			last_seen = excluded.last_seen,
			last_connected_at = COALESCE(excluded.last_connected_at, printer_devices.last_connected_at)`,
		d.ID, d.Name, string(d.Transport), d.Address, d.Port, string(d.Status), d.IsConnected,
		d.Protocol, d.Manufacturer, d.Model, string(caps), string(d.DiscoveryMethod),
		d.FirstSeen, d.LastSeen, nullTime(d.LastConnectedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert device %q: %w", d.ID, err)
	}

	// Report the persisted FirstSeen back to the caller.
	var first time.Time
	if err := r.db.QueryRowContext(ctx,
		`SELECT first_seen FROM printer_devices WHERE id = ?`, d.ID).Scan(&first); err == nil {
		d.FirstSeen = first
	}
	return nil
}

// Remove deletes a device. Preferences pointing at it are cleared.
func (r *Registry) Remove(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM printer_devices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove device %q: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}

	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM printer_settings WHERE key IN (?, ?, ?) AND value = ?`,
		keyDefault, keyLastConnected, keyActive, id); err != nil {
		return fmt.Errorf("clear references to %q: %w", id, err)
	}
	return nil
}

// MarkConnected records the connection flag. Marking a device connected also
// stamps LastConnectedAt and makes it the last-connected device.
func (r *Registry) MarkConnected(ctx context.Context, id string, connected bool) error {
	var (
		res sql.Result
		err error
	)
	if connected {
		res, err = r.db.ExecContext(ctx,
			`UPDATE printer_devices SET is_connected = 1, last_connected_at = ?, last_seen = ? WHERE id = ?`,
			r.now().UTC(), r.now().UTC(), id)
	} else {
		res, err = r.db.ExecContext(ctx,
			`UPDATE printer_devices SET is_connected = 0 WHERE id = ?`, id)
	}
	if err != nil {
		return fmt.Errorf("mark device %q connected=%t: %w", id, connected, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if connected {
		return r.setSetting(ctx, keyLastConnected, id)
	}
	return nil
}

// SetStatus updates the device status.
func (r *Registry) SetStatus(ctx context.Context, id string, status models.DeviceStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE printer_devices SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("set status of %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetConnections clears connection flags left over from a previous run and
// moves printing/error devices back to offline. It returns the number of
// rows touched.
func (r *Registry) ResetConnections(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE printer_devices SET is_connected = 0, status = ?
		WHERE is_connected = 1 OR status IN (?, ?)`,
		string(models.DeviceStatusOffline),
		string(models.DeviceStatusPrinting), string(models.DeviceStatusError))
	if err != nil {
		return 0, fmt.Errorf("reset connections: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// EvictStale removes devices not seen since now-olderThan. The default and
// last-connected devices are never evicted.
func (r *Registry) EvictStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := r.now().UTC().Add(-olderThan)
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM printer_devices
		WHERE last_seen < ?
		  AND id NOT IN (SELECT value FROM printer_settings WHERE key IN (?, ?))`,
		cutoff, keyDefault, keyLastConnected)
	if err != nil {
		return 0, fmt.Errorf("evict stale devices: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Default returns the default device ID, or "" when none is set.
func (r *Registry) Default(ctx context.Context) (string, error) {
	return r.optionalSetting(ctx, keyDefault)
}

// SetDefault marks id as the default device. An empty id clears it.
func (r *Registry) SetDefault(ctx context.Context, id string) error {
	return r.setReference(ctx, keyDefault, id)
}

// LastConnected returns the ID of the most recently connected device.
func (r *Registry) LastConnected(ctx context.Context) (string, error) {
	return r.optionalSetting(ctx, keyLastConnected)
}

// Active returns the persisted active device ID.
func (r *Registry) Active(ctx context.Context) (string, error) {
	return r.optionalSetting(ctx, keyActive)
}

// SetActive persists the active device ID. An empty id clears it.
func (r *Registry) SetActive(ctx context.Context, id string) error {
	return r.setReference(ctx, keyActive, id)
}

// AutoReconnect reports whether the last-connected device is reconnected at
// startup. Defaults to true.
func (r *Registry) AutoReconnect(ctx context.Context) (bool, error) {
	return r.boolSetting(ctx, keyAutoReconnect, true)
}

// SetAutoReconnect stores the reconnect policy.
func (r *Registry) SetAutoReconnect(ctx context.Context, on bool) error {
	return r.setSetting(ctx, keyAutoReconnect, strconv.FormatBool(on))
}

// StickyDefault reports whether a successful manual connect also becomes the
// default device. Defaults to true.
func (r *Registry) StickyDefault(ctx context.Context) (bool, error) {
	return r.boolSetting(ctx, keyStickyDefault, true)
}

// SetStickyDefault stores the sticky-default policy.
func (r *Registry) SetStickyDefault(ctx context.Context, on bool) error {
	return r.setSetting(ctx, keyStickyDefault, strconv.FormatBool(on))
}

func (r *Registry) setReference(ctx context.Context, key, id string) error {
	if id == "" {
		if _, err := r.db.ExecContext(ctx, `DELETE FROM printer_settings WHERE key = ?`, key); err != nil {
			return fmt.Errorf("clear setting %q: %w", key, err)
		}
		return nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return r.setSetting(ctx, key, id)
}

func (r *Registry) setSetting(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO printer_settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, r.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}
	return nil
}

func (r *Registry) optionalSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM printer_settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting %q: %w", key, err)
	}
	return v, nil
}

func (r *Registry) boolSetting(ctx context.Context, key string, fallback bool) (bool, error) {
	v, err := r.optionalSetting(ctx, key)
	if err != nil || v == "" {
		return fallback, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback, nil
	}
	return b, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*models.Device, error) {
	var (
		d                         models.Device
		transport, status, method string
		caps                      string
		lastConnected             sql.NullTime
	)
	err := row.Scan(
		&d.ID, &d.Name, &transport, &d.Address, &d.Port, &status, &d.IsConnected,
		&d.Protocol, &d.Manufacturer, &d.Model, &caps, &method,
		&d.FirstSeen, &d.LastSeen, &lastConnected,
	)
	if err != nil {
		return nil, err
	}
	d.Transport = models.Transport(transport)
	d.Status = models.DeviceStatus(status)
	d.DiscoveryMethod = models.DiscoveryMethod(method)
	_ = json.Unmarshal([]byte(caps), &d.Capabilities)
	if lastConnected.Valid {
		t := lastConnected.Time
		d.LastConnectedAt = &t
	}
	return &d, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// migrations defines the schema for the device registry.
var migrations = []plugin.Migration{
	{
		Version:     1,
		Description: "create printer_devices and printer_settings tables",
		Up: func(tx *sql.Tx) error {
			stmts := []string{
				`CREATE TABLE printer_devices (
					id                TEXT PRIMARY KEY,
					name              TEXT NOT NULL DEFAULT '',
					transport         TEXT NOT NULL DEFAULT 'network',
					address           TEXT NOT NULL,
					port              INTEGER NOT NULL DEFAULT 0,
					status            TEXT NOT NULL DEFAULT 'offline',
					is_connected      INTEGER NOT NULL DEFAULT 0,
					protocol          TEXT NOT NULL DEFAULT '',
					manufacturer      TEXT NOT NULL DEFAULT '',
					model             TEXT NOT NULL DEFAULT '',
					capabilities      TEXT NOT NULL DEFAULT '[]',
					discovery_method  TEXT NOT NULL DEFAULT 'manual',
					first_seen        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
					last_seen         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
					last_connected_at DATETIME
				)`,
				`CREATE INDEX idx_printer_devices_last_seen ON printer_devices(last_seen)`,
				`CREATE TABLE printer_settings (
					key        TEXT PRIMARY KEY,
					value      TEXT NOT NULL,
					updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
				)`,
			}
			for _, stmt := range stmts {
				if _, err := tx.Exec(stmt); err != nil {
					return err
				}
			}
			return nil
		},
	},
}
