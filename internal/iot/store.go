package iot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/agrifarm/internal/database"
)

// Store persists devices, readings, events and auto configs.
type Store struct {
	db *sql.DB
}

// NewStore wraps a migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// timeFormat is fixed width so that stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const deviceSelect = `SELECT d.id, d.serial_number, d.name, d.type, d.status, d.is_active,
		COALESCE(f.user_id, d.owner_id, ''), COALESCE(a.farm_id, d.farm_id, ''),
		COALESCE(d.area_id, ''), COALESCE(a.name, ''),
		d.last_seen_at, d.activated_at, COALESCE(d.activated_by, ''),
		d.created_at, d.updated_at
	FROM devices d
	LEFT JOIN areas a ON a.id = d.area_id
	LEFT JOIN farms f ON f.id = COALESCE(a.farm_id, d.farm_id)`

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(row scanner) (*Device, error) {
	var d Device
	var lastSeen, activated sql.NullString
	var created, updated string
	err := row.Scan(&d.ID, &d.SerialNumber, &d.Name, &d.Type, &d.Status, &d.IsActive,
		&d.OwnerID, &d.FarmID, &d.AreaID, &d.AreaName,
		&lastSeen, &activated, &d.ActivatedBy, &created, &updated)
	if err != nil {
		return nil, err
	}
	d.LastSeenAt = parseNullTime(lastSeen)
	d.ActivatedAt = parseNullTime(activated)
	d.CreatedAt = parseTime(created)
	d.UpdatedAt = parseTime(updated)
	return &d, nil
}

func (s *Store) queryDevices(ctx context.Context, where string, args ...any) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, deviceSelect+" "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// CreateDevice adds a device to inventory. New devices are PENDING
// and inactive until a technician activates them.
func (s *Store) CreateDevice(ctx context.Context, d Device) (*Device, error) {
	d.SerialNumber = strings.TrimSpace(d.SerialNumber)
	if d.SerialNumber == "" {
		return nil, fmt.Errorf("%w: serial number required", ErrInvalidInput)
	}
	if d.Name == "" {
		d.Name = d.SerialNumber
	}
	if d.Type == "" {
		d.Type = DeviceController
	}
	if d.Status == "" {
		d.Status = StatusPending
	}
	d.ID = newID()
	now := formatTime(time.Now())

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (id, serial_number, name, type, status, is_active, owner_id, farm_id, area_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.SerialNumber, d.Name, d.Type, d.Status, d.Status == StatusActive,
		nullString(d.OwnerID), nullString(d.FarmID), nullString(d.AreaID), now, now)
	if database.IsUniqueViolation(err) {
		return nil, ErrSerialTaken
	}
	if err != nil {
		return nil, fmt.Errorf("insert device: %w", err)
	}
	return s.Device(ctx, d.ID)
}

// Device returns the device whose id or serial number is ref.
func (s *Store) Device(ctx context.Context, ref string) (*Device, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx,
		deviceSelect+` WHERE d.id = ? OR d.serial_number = ? LIMIT 1`, ref, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device %s: %w", ref, err)
	}
	return d, nil
}

// Devices lists devices newest first. An empty ownerID lists every
// device; a non-empty farmID restricts to that farm.
func (s *Store) Devices(ctx context.Context, ownerID, farmID string) ([]Device, error) {
	var conds []string
	var args []any
	if ownerID != "" {
		conds = append(conds, `COALESCE(f.user_id, d.owner_id) = ?`)
		args = append(args, ownerID)
	}
	if farmID != "" {
		conds = append(conds, `COALESCE(a.farm_id, d.farm_id) = ?`)
		args = append(args, farmID)
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	return s.queryDevices(ctx, where+` ORDER BY d.created_at DESC`, args...)
}

// DevicesByArea lists the devices installed in an area.
func (s *Store) DevicesByArea(ctx context.Context, areaID string) ([]Device, error) {
	return s.queryDevices(ctx, `WHERE d.area_id = ? ORDER BY d.created_at`, areaID)
}

// ControllerInArea returns the active actuator of an area. Areas wired
// with a single sensor node are controlled through it.
func (s *Store) ControllerInArea(ctx context.Context, areaID string) (*Device, error) {
	for _, typ := range []DeviceType{DeviceController, DeviceSensorNode} {
		devs, err := s.queryDevices(ctx,
			`WHERE d.area_id = ? AND d.type = ? AND d.status = ? ORDER BY d.created_at LIMIT 1`,
			areaID, typ, StatusActive)
		if err != nil {
			return nil, err
		}
		if len(devs) > 0 {
			return &devs[0], nil
		}
	}
	return nil, ErrNotFound
}

// Assign places a device in an area of farmID owned by ownerID.
func (s *Store) Assign(ctx context.Context, deviceID, areaID, farmID, ownerID string) (*Device, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET area_id = ?, farm_id = ?, owner_id = ?, updated_at = ? WHERE id = ?`,
		areaID, farmID, ownerID, formatTime(time.Now()), deviceID)
	if err != nil {
		return nil, fmt.Errorf("assign device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.Device(ctx, deviceID)
}

// Activation places an inventory device on a farm and turns it on.
type Activation struct {
	SerialNumber string
	AreaID       string
	FarmID       string
	OwnerID      string
	TechnicianID string
}

// Activate marks the device with the given serial ACTIVE in its area.
// Only PENDING devices, or devices already owned by the same farmer, can
// be activated; anything else returns ErrAlreadyActivated.
func (s *Store) Activate(ctx context.Context, a Activation) (*Device, error) {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET status = ?, is_active = 1, area_id = ?, farm_id = ?, owner_id = ?,
		        activated_at = ?, activated_by = ?, updated_at = ?
		 WHERE serial_number = ? AND (status = ? OR owner_id = ?)`,
		StatusActive, a.AreaID, a.FarmID, a.OwnerID, now, a.TechnicianID, now,
		a.SerialNumber, StatusPending, a.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("activate device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Device(ctx, a.SerialNumber); errors.Is(err, ErrNotFound) {
			return nil, ErrDeviceNotRegistered
		} else if err != nil {
			return nil, err
		}
		return nil, ErrAlreadyActivated
	}
	return s.Device(ctx, a.SerialNumber)
}

// SetStatus changes a device's provisioning state.
func (s *Store) SetStatus(ctx context.Context, deviceID string, status DeviceStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET status = ?, is_active = ?, updated_at = ? WHERE id = ?`,
		status, status == StatusActive, formatTime(time.Now()), deviceID)
	if err != nil {
		return fmt.Errorf("set device status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveReading stores a sample and bumps the device's last_seen_at.
func (s *Store) SaveReading(ctx context.Context, r SensorData) (*SensorData, error) {
	if r.ID == "" {
		r.ID = newID()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	ts := formatTime(r.Timestamp)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sensor_data (id, device_id, temperature, humidity, soil_moisture, light_level, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.DeviceID, r.Temperature, r.Humidity, r.SoilMoisture, r.LightLevel, ts); err != nil {
		return nil, fmt.Errorf("insert reading: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE devices SET last_seen_at = ? WHERE id = ?`, ts, r.DeviceID); err != nil {
		return nil, fmt.Errorf("touch device: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &r, nil
}

// LatestReadings returns the newest samples across the devices of
// ownerID, optionally restricted to one area. limit <= 0 means 10.
func (s *Store) LatestReadings(ctx context.Context, ownerID, areaID string, limit int) ([]SensorData, error) {
	if limit <= 0 {
		limit = 10
	}
	q := `SELECT s.id, s.device_id, d.serial_number, d.name, COALESCE(a.name, ''),
			s.temperature, s.humidity, s.soil_moisture, s.light_level, s.timestamp
		FROM sensor_data s
		JOIN devices d ON d.id = s.device_id
		LEFT JOIN areas a ON a.id = d.area_id
		LEFT JOIN farms f ON f.id = COALESCE(a.farm_id, d.farm_id)
		WHERE COALESCE(f.user_id, d.owner_id) = ?`
	args := []any{ownerID}
	if areaID != "" {
		q += ` AND d.area_id = ?`
		args = append(args, areaID)
	}
	q += ` ORDER BY s.timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("latest readings: %w", err)
	}
	defer rows.Close()

	var out []SensorData
	for rows.Next() {
		var r SensorData
		var temp, hum, soil, light sql.NullFloat64
		var ts string
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.SerialNumber, &r.DeviceName, &r.AreaName,
			&temp, &hum, &soil, &light, &ts); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		r.Temperature = floatPtr(temp)
		r.Humidity = floatPtr(hum)
		r.SoilMoisture = floatPtr(soil)
		r.LightLevel = floatPtr(light)
		r.Timestamp = parseTime(ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestSoilMoisture returns the device's most recent soil moisture,
// or nil when it never reported one.
func (s *Store) LatestSoilMoisture(ctx context.Context, deviceID string) (*float64, error) {
	var v sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT soil_moisture FROM sensor_data
		 WHERE device_id = ? AND soil_moisture IS NOT NULL
		 ORDER BY timestamp DESC LIMIT 1`, deviceID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest soil moisture: %w", err)
	}
	return floatPtr(v), nil
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// CreateIrrigationEvent logs a new irrigation event.
func (s *Store) CreateIrrigationEvent(ctx context.Context, e IrrigationEvent) (*IrrigationEvent, error) {
	e.ID = newID()
	e.CreatedAt = time.Now().UTC()
	if e.StartedAt == nil {
		t := e.CreatedAt
		e.StartedAt = &t
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO irrigation_events (id, device_id, user_id, type, status, duration_seconds,
		        soil_moisture_before, soil_moisture_after, actual_duration, error_message,
		        started_at, completed_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.DeviceID, nullString(e.UserID), e.Type, e.Status, e.DurationSeconds,
		e.SoilMoistureBefore, e.SoilMoistureAfter, e.ActualDuration, nullString(e.ErrorMessage),
		nullTime(e.StartedAt), nullTime(e.CompletedAt), formatTime(e.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert irrigation event: %w", err)
	}
	return &e, nil
}

// UpdateIrrigationEvent writes back the mutable fields of e.
func (s *Store) UpdateIrrigationEvent(ctx context.Context, e *IrrigationEvent) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE irrigation_events SET status = ?, soil_moisture_after = ?, actual_duration = ?,
		        error_message = ?, completed_at = ?
		 WHERE id = ?`,
		e.Status, e.SoilMoistureAfter, e.ActualDuration, nullString(e.ErrorMessage),
		nullTime(e.CompletedAt), e.ID)
	if err != nil {
		return fmt.Errorf("update irrigation event: %w", err)
	}
	return nil
}

const irrigationColumns = `id, device_id, COALESCE(user_id, ''), type, status, duration_seconds,
	soil_moisture_before, soil_moisture_after, actual_duration, COALESCE(error_message, ''),
	started_at, completed_at, created_at`

func scanIrrigation(row scanner) (*IrrigationEvent, error) {
	var e IrrigationEvent
	var planned, actual sql.NullInt64
	var before, after sql.NullFloat64
	var started, completed sql.NullString
	var created string
	if err := row.Scan(&e.ID, &e.DeviceID, &e.UserID, &e.Type, &e.Status, &planned,
		&before, &after, &actual, &e.ErrorMessage, &started, &completed, &created); err != nil {
		return nil, err
	}
	e.DurationSeconds = intPtr(planned)
	e.ActualDuration = intPtr(actual)
	e.SoilMoistureBefore = floatPtr(before)
	e.SoilMoistureAfter = floatPtr(after)
	e.StartedAt = parseNullTime(started)
	e.CompletedAt = parseNullTime(completed)
	e.CreatedAt = parseTime(created)
	return &e, nil
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

// OpenIrrigationEvent returns the newest pending or running event of
// the device, or nil when none is open.
func (s *Store) OpenIrrigationEvent(ctx context.Context, deviceID string) (*IrrigationEvent, error) {
	e, err := scanIrrigation(s.db.QueryRowContext(ctx,
		`SELECT `+irrigationColumns+` FROM irrigation_events
		 WHERE device_id = ? AND status IN ('pending', 'running')
		 ORDER BY started_at DESC, created_at DESC LIMIT 1`, deviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open irrigation event: %w", err)
	}
	return e, nil
}

// IrrigationHistory lists the device's events newest first.
func (s *Store) IrrigationHistory(ctx context.Context, deviceID string, limit int) ([]IrrigationEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+irrigationColumns+` FROM irrigation_events
		 WHERE device_id = ? ORDER BY started_at DESC, created_at DESC LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("irrigation history: %w", err)
	}
	defer rows.Close()

	var out []IrrigationEvent
	for rows.Next() {
		e, err := scanIrrigation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan irrigation event: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// CreateLightingEvent logs a light change.
func (s *Store) CreateLightingEvent(ctx context.Context, e LightingEvent) (*LightingEvent, error) {
	e.ID = newID()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lighting_events (id, device_id, user_id, action, source, light_level, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.DeviceID, nullString(e.UserID), e.Action, e.Source, e.LightLevel, formatTime(e.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert lighting event: %w", err)
	}
	return &e, nil
}

// LightingHistory lists the device's light changes newest first.
// limit <= 0 means 20.
func (s *Store) LightingHistory(ctx context.Context, deviceID string, limit int) ([]LightingEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device_id, COALESCE(user_id, ''), action, source, light_level, created_at
		 FROM lighting_events WHERE device_id = ? ORDER BY created_at DESC LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("lighting history: %w", err)
	}
	defer rows.Close()

	var out []LightingEvent
	for rows.Next() {
		var e LightingEvent
		var level sql.NullFloat64
		var created string
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.UserID, &e.Action, &e.Source, &level, &created); err != nil {
			return nil, fmt.Errorf("scan lighting event: %w", err)
		}
		e.LightLevel = floatPtr(level)
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// AutoConfig returns the stored config of the given kind, or the
// defaults when none was saved yet.
func (s *Store) AutoConfig(ctx context.Context, deviceID string, kind AutoKind) (AutoConfig, error) {
	c := AutoConfig{DeviceID: deviceID, Kind: kind}
	var duration, cooldown sql.NullInt64
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled, threshold, duration_seconds, cooldown_seconds, updated_at
		 FROM device_auto_configs WHERE device_id = ? AND kind = ?`, deviceID, kind,
	).Scan(&c.Enabled, &c.Threshold, &duration, &cooldown, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultAutoConfig(deviceID, kind), nil
	}
	if err != nil {
		return AutoConfig{}, fmt.Errorf("get auto config: %w", err)
	}
	c.DurationSeconds = int(duration.Int64)
	c.CooldownSeconds = int(cooldown.Int64)
	c.UpdatedAt = parseTime(updated)
	return c, nil
}

// SaveAutoConfig upserts c.
func (s *Store) SaveAutoConfig(ctx context.Context, c AutoConfig) error {
	var duration, cooldown any
	if c.Kind == AutoIrrigation {
		duration, cooldown = c.DurationSeconds, c.CooldownSeconds
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_auto_configs (device_id, kind, enabled, threshold, duration_seconds, cooldown_seconds, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (device_id, kind) DO UPDATE SET
		   enabled = excluded.enabled,
		   threshold = excluded.threshold,
		   duration_seconds = excluded.duration_seconds,
		   cooldown_seconds = excluded.cooldown_seconds,
		   updated_at = excluded.updated_at`,
		c.DeviceID, c.Kind, c.Enabled, c.Threshold, duration, cooldown, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save auto config: %w", err)
	}
	return nil
}
