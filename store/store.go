// Package store implements the Local Store: a single-file, durable
// SQLite buffer for device/tag state, a ring-bounded tag history, the
// upload queue, and the config reconciliation audit trail.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"hercules/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// HistoryRingSize is the per-tag row bound that CompactHistory enforces on
// tag_history, evicting the oldest rows; there is no DB trigger, and inserts
// do not evict (see SPEC_FULL.md's ring-buffer redesign note).
const HistoryRingSize = 100_000

// Store is the Local Store. All writes funnel through writeMu so SQLite
// never sees concurrent writers; reads use the pool directly.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	path    string
	writeMu sync.Mutex
}

// Open creates (if needed) and opens the store database at path, running
// any pending migrations.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if strings.Contains(path, "..") {
		return nil, fmt.Errorf("store: path must not contain '..': %s", path)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &Store{db: db, logger: logger, path: path}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	_ = os.Chmod(path, 0600)

	return s, nil
}

func (s *Store) migrate() error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(s.db, "migrations")
}

// Close releases the database handle. Safe to call more than once.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Health pings the database.
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Path returns the store's file path.
func (s *Store) Path() string { return s.path }

// ---- Gateway identity ----

// LoadIdentity returns the gateway's identity row, or a zero-value
// identity with an empty GatewayID if activation has never run.
func (s *Store) LoadIdentity(ctx context.Context) (*model.GatewayIdentity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT gateway_id, hardware_id, activated_at, config_version, settings_json FROM gateway_identity WHERE id = 1`)

	var gatewayID, hardwareID, settingsJSON string
	var activatedAt sql.NullInt64
	var configVersion int64

	if err := row.Scan(&gatewayID, &hardwareID, &activatedAt, &configVersion, &settingsJSON); err != nil {
		if err == sql.ErrNoRows {
			return &model.GatewayIdentity{}, nil
		}
		return nil, err
	}

	id := &model.GatewayIdentity{
		GatewayID:     gatewayID,
		HardwareID:    hardwareID,
		ConfigVersion: configVersion,
	}
	if activatedAt.Valid {
		id.ActivatedAt = time.UnixMilli(activatedAt.Int64)
	}
	return id, nil
}

// SaveIdentity upserts the single gateway_identity row.
func (s *Store) SaveIdentity(ctx context.Context, id *model.GatewayIdentity, settingsJSON string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gateway_identity (id, gateway_id, hardware_id, activated_at, config_version, settings_json)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			gateway_id = excluded.gateway_id,
			hardware_id = excluded.hardware_id,
			activated_at = excluded.activated_at,
			config_version = excluded.config_version,
			settings_json = excluded.settings_json
	`, id.GatewayID, id.HardwareID, id.ActivatedAt.UnixMilli(), id.ConfigVersion, settingsJSON)
	return err
}

// BumpConfigVersion increments and returns the new config_version.
func (s *Store) BumpConfigVersion(ctx context.Context) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `UPDATE gateway_identity SET config_version = config_version + 1 WHERE id = 1`)
	if err != nil {
		return 0, err
	}
	var v int64
	err = s.db.QueryRowContext(ctx, `SELECT config_version FROM gateway_identity WHERE id = 1`).Scan(&v)
	return v, err
}

// ---- PLC devices ----

// ListDevices returns every configured PLC, enabled or not.
func (s *Store) ListDevices(ctx context.Context) ([]*model.PlcDevice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, protocol, address, slot, unit, enabled, status,
		       COALESCE(last_error, ''), last_poll_at, updated_at, local_only
		FROM plc_devices ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.PlcDevice
	for rows.Next() {
		d := &model.PlcDevice{}
		var lastPoll sql.NullInt64
		var updatedAt int64
		var enabled, localOnly int
		if err := rows.Scan(&d.ID, &d.Name, &d.Protocol, &d.Address, &d.Slot, &d.Unit,
			&enabled, &d.Status, &d.LastError, &lastPoll, &updatedAt, &localOnly); err != nil {
			return nil, err
		}
		d.Enabled = enabled != 0
		d.LocalOnly = localOnly != 0
		if lastPoll.Valid {
			d.LastPollAt = time.UnixMilli(lastPoll.Int64)
		}
		d.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpsertDevice inserts a new PLC by name, or updates the existing row's
// connection parameters, returning the row id and whether a record was
// created.
func (s *Store) UpsertDevice(ctx context.Context, d *model.PlcDevice) (id int64, created bool, err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UnixMilli()

	row := s.db.QueryRowContext(ctx, `SELECT id FROM plc_devices WHERE name = ?`, d.Name)
	var existing int64
	switch err := row.Scan(&existing); err {
	case sql.ErrNoRows:
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO plc_devices (name, protocol, address, slot, unit, enabled, status, updated_at, local_only)
			VALUES (?, ?, ?, ?, ?, ?, 'disconnected', ?, ?)`,
			d.Name, d.Protocol, d.Address, d.Slot, d.Unit, boolToInt(d.Enabled), now, boolToInt(d.LocalOnly))
		if err != nil {
			return 0, false, err
		}
		newID, err := res.LastInsertId()
		return newID, true, err
	case nil:
		_, err := s.db.ExecContext(ctx, `
			UPDATE plc_devices SET protocol = ?, address = ?, slot = ?, unit = ?, enabled = ?, updated_at = ?, local_only = ?
			WHERE id = ?`,
			d.Protocol, d.Address, d.Slot, d.Unit, boolToInt(d.Enabled), now, boolToInt(d.LocalOnly), existing)
		return existing, false, err
	default:
		return 0, false, err
	}
}

// UpdateDeviceStatus records the outcome of the most recent poll attempt.
func (s *Store) UpdateDeviceStatus(ctx context.Context, plcID int64, status, lastError string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE plc_devices SET status = ?, last_error = ?, last_poll_at = ?, updated_at = ?
		WHERE id = ?`, status, lastError, time.Now().UnixMilli(), time.Now().UnixMilli(), plcID)
	return err
}

// ---- Tag definitions ----

// ListTags returns every tag belonging to plcID.
func (s *Store) ListTags(ctx context.Context, plcID int64) ([]*model.TagDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plc_id, name, COALESCE(alias, ''), COALESCE(data_type, ''),
		       enabled, writable, factor, offset, last_value, last_quality, last_updated_at, local_only
		FROM tag_definitions WHERE plc_id = ? ORDER BY name`, plcID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.TagDefinition
	for rows.Next() {
		t := &model.TagDefinition{}
		var enabled, writable, localOnly int
		var lastUpdated sql.NullInt64
		if err := rows.Scan(&t.ID, &t.PlcID, &t.Name, &t.Alias, &t.DataType,
			&enabled, &writable, &t.Factor, &t.Offset, &t.LastValue, &t.LastQuality, &lastUpdated, &localOnly); err != nil {
			return nil, err
		}
		t.Enabled = enabled != 0
		t.Writable = writable != 0
		t.LocalOnly = localOnly != 0
		if lastUpdated.Valid {
			t.LastUpdatedAt = time.UnixMilli(lastUpdated.Int64)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpsertTag inserts a new tag by (plc_id, name), or updates the existing
// row's scaling/metadata fields, never touching last_value/last_quality
// (those are owned by RecordSample).
func (s *Store) UpsertTag(ctx context.Context, t *model.TagDefinition) (id int64, created bool, err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	row := s.db.QueryRowContext(ctx, `SELECT id FROM tag_definitions WHERE plc_id = ? AND name = ?`, t.PlcID, t.Name)
	var existing int64
	switch err := row.Scan(&existing); err {
	case sql.ErrNoRows:
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO tag_definitions (plc_id, name, alias, data_type, enabled, writable, factor, offset, local_only)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.PlcID, t.Name, t.Alias, t.DataType, boolToInt(t.Enabled), boolToInt(t.Writable), t.Factor, t.Offset, boolToInt(t.LocalOnly))
		if err != nil {
			return 0, false, err
		}
		newID, err := res.LastInsertId()
		return newID, true, err
	case nil:
		_, err := s.db.ExecContext(ctx, `
			UPDATE tag_definitions SET alias = ?, data_type = ?, enabled = ?, writable = ?, factor = ?, offset = ?, local_only = ?
			WHERE id = ?`, t.Alias, t.DataType, boolToInt(t.Enabled), boolToInt(t.Writable), t.Factor, t.Offset, boolToInt(t.LocalOnly), existing)
		return existing, false, err
	default:
		return 0, false, err
	}
}

// ---- Samples (upload queue + ring-bounded history) ----

// RecordSample buffers one reading for upload, appends it to the tag's
// history ring, and updates the tag's cached last value/quality. All
// three writes happen in one transaction so a crash never leaves the
// buffer and the cached value out of sync.
func (s *Store) RecordSample(ctx context.Context, sample *model.Sample) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO data_buffer (tag_id, value, quality, timestamp, uploaded, created_at)
		VALUES (?, ?, ?, ?, 0, ?)`,
		sample.TagID, sample.Value, sample.Quality, sample.Timestamp, now.UnixMilli()); err != nil {
		return fmt.Errorf("buffer insert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tag_history (tag_id, value, quality, timestamp) VALUES (?, ?, ?, ?)`,
		sample.TagID, sample.Value, sample.Quality, sample.Timestamp); err != nil {
		return fmt.Errorf("history insert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tag_definitions SET last_value = ?, last_quality = ?, last_updated_at = ?
		WHERE id = ?`, sample.Value, sample.Quality, now.UnixMilli(), sample.TagID); err != nil {
		return fmt.Errorf("tag update: %w", err)
	}

	return tx.Commit()
}

// CompactHistory evicts the oldest tag_history rows for tagID once the
// ring exceeds HistoryRingSize. It evicts only when called; nothing in the
// gateway calls it on a schedule or per insert, so tag_history is not
// trimmed automatically.
func (s *Store) CompactHistory(ctx context.Context, tagID int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM tag_history WHERE tag_id = ? AND id NOT IN (
			SELECT id FROM tag_history WHERE tag_id = ? ORDER BY id DESC LIMIT ?
		)`, tagID, tagID, HistoryRingSize)
	return err
}

// PendingSamples fetches up to limit unuploaded samples ordered oldest
// first, the shape the Uploader batches and ships to the portal.
func (s *Store) PendingSamples(ctx context.Context, limit int) ([]*model.Sample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tag_id, value, quality, timestamp, retry_count
		FROM data_buffer WHERE uploaded = 0 ORDER BY timestamp ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Sample
	for rows.Next() {
		sm := &model.Sample{}
		if err := rows.Scan(&sm.ID, &sm.TagID, &sm.Value, &sm.Quality, &sm.Timestamp, &sm.RetryCount); err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

// MarkUploaded flags the given sample ids as uploaded after a successful
// batch POST.
func (s *Store) MarkUploaded(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE data_buffer SET uploaded = 1 WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// MarkUploadFailed increments the retry_count of the given sample ids
// after a failed batch POST, so the Uploader can eventually give up on
// (or at least log) chronically-failing rows.
func (s *Store) MarkUploadFailed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE data_buffer SET retry_count = retry_count + 1 WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// PendingCount reports how many samples are still awaiting upload, fed
// into the heartbeat's buffer-depth metric.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM data_buffer WHERE uploaded = 0`).Scan(&n)
	return n, err
}

// PruneUploaded deletes uploaded rows older than olderThan, keeping the
// buffer table from growing unbounded once samples have shipped.
func (s *Store) PruneUploaded(ctx context.Context, olderThan time.Time) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM data_buffer WHERE uploaded = 1 AND created_at < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- Config audit ----

// WriteAudit appends one reconciliation record.
func (s *Store) WriteAudit(ctx context.Context, rec *model.AuditRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config_audit (entity, entity_id, action, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`, rec.Entity, rec.EntityID, rec.Action, rec.Detail, time.Now().UnixMilli())
	return err
}

// RecentAudit returns the most recent n audit records, newest first.
func (s *Store) RecentAudit(ctx context.Context, n int) ([]*model.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity, entity_id, action, COALESCE(detail, ''), created_at
		FROM config_audit ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.AuditRecord
	for rows.Next() {
		a := &model.AuditRecord{}
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.Entity, &a.EntityID, &a.Action, &a.Detail, &createdAt); err != nil {
			return nil, err
		}
		a.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---- Configuration export/import ----

// DeviceConfiguration bundles one PLC device with its tags: the unit of
// work ExportConfiguration/ImportConfiguration exchange, so a restore
// doesn't depend on row ids surviving the round trip (devices and tags
// are re-keyed by name on import, the same way UpsertDevice/UpsertTag
// already upsert by name).
type DeviceConfiguration struct {
	Device *model.PlcDevice      `json:"device"`
	Tags   []*model.TagDefinition `json:"tags"`
}

// ExportConfiguration returns every configured device and its tags as a
// single snapshot, the shape ImportConfiguration consumes to restore it —
// the query surface a portal-facing "download my configuration" or a
// local backup/restore command builds on.
func (s *Store) ExportConfiguration(ctx context.Context) ([]DeviceConfiguration, error) {
	devices, err := s.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("export configuration: list devices: %w", err)
	}

	out := make([]DeviceConfiguration, 0, len(devices))
	for _, d := range devices {
		tags, err := s.ListTags(ctx, d.ID)
		if err != nil {
			return nil, fmt.Errorf("export configuration: list tags for %q: %w", d.Name, err)
		}
		out = append(out, DeviceConfiguration{Device: d, Tags: tags})
	}
	return out, nil
}

// ImportConfiguration upserts every device and tag in snapshot, keyed by
// name rather than the row ids it was exported with, so a snapshot taken
// on one gateway restores cleanly onto a fresh store with different ids.
func (s *Store) ImportConfiguration(ctx context.Context, snapshot []DeviceConfiguration) error {
	for _, dc := range snapshot {
		if dc.Device == nil {
			continue
		}

		plcID, _, err := s.UpsertDevice(ctx, dc.Device)
		if err != nil {
			return fmt.Errorf("import configuration: upsert device %q: %w", dc.Device.Name, err)
		}

		for _, t := range dc.Tags {
			if t == nil {
				continue
			}
			t.PlcID = plcID
			if _, _, err := s.UpsertTag(ctx, t); err != nil {
				return fmt.Errorf("import configuration: upsert tag %q on %q: %w", t.Name, dc.Device.Name, err)
			}
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
