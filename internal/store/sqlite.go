package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/aquaportal/internal/model"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// A single connection keeps ":memory:" databases coherent and
	// serializes writers from the push, poll and UI goroutines.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	// Check if schema_version table exists.
	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// stateRow is one key/value pair of the push_state table.
type stateRow struct {
	Key   string `db:"key"`
	Value string `db:"value"`
}

// loadState reads the whole push_state table into a map.
func (s *SQLiteStore) loadState(ctx context.Context) (map[string]string, error) {
	var rows []stateRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT key, value FROM push_state"); err != nil {
		return nil, fmt.Errorf("querying push state: %w", err)
	}

	state := make(map[string]string, len(rows))
	for _, r := range rows {
		state[r.Key] = r.Value
	}
	return state, nil
}

// setState writes a batch of keys in one transaction.
func (s *SQLiteStore) setState(ctx context.Context, values map[string]string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx,
		"INSERT OR REPLACE INTO push_state (key, value, updated_at) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("preparing push state statement: %w", err)
	}
	defer stmt.Close()

	now := formatTime(time.Now())
	for k, v := range values {
		if _, err := stmt.ExecContext(ctx, k, v, now); err != nil {
			return fmt.Errorf("writing push state %s: %w", k, err)
		}
	}

	return tx.Commit()
}

// GetSubscription returns the persisted subscription, or nil when no
// token is stored.
func (s *SQLiteStore) GetSubscription(ctx context.Context) (*model.PushSubscription, error) {
	state, err := s.loadState(ctx)
	if err != nil {
		return nil, err
	}

	token := state[KeySubscriptionToken]
	if token == "" {
		return nil, nil
	}

	sub := &model.PushSubscription{
		Token: token,
		Device: model.DeviceDescriptor{
			Type:       state[KeyDeviceType],
			Name:       state[KeyDeviceName],
			AppVersion: state[KeyAppVersion],
		},
		Status: model.RegistrationStatus(state[KeyRegistrationStatus]),
	}
	if sub.Status == "" {
		sub.Status = model.RegistrationNone
	}
	if t, ok := parseTime(state[KeyTokenIssuedAt]); ok {
		sub.IssuedAt = t
	}

	return sub, nil
}

// SaveSubscription persists the token, its issue time and the device
// descriptor.
func (s *SQLiteStore) SaveSubscription(ctx context.Context, sub model.PushSubscription) error {
	status := sub.Status
	if status == "" {
		status = model.RegistrationNone
	}

	return s.setState(ctx, map[string]string{
		KeySubscriptionToken:  sub.Token,
		KeyTokenIssuedAt:      formatTime(sub.IssuedAt),
		KeyDeviceType:         sub.Device.Type,
		KeyDeviceName:         sub.Device.Name,
		KeyAppVersion:         sub.Device.AppVersion,
		KeyRegistrationStatus: string(status),
	})
}

// GetRegistration returns the last device registration, or nil when the
// device was never registered.
func (s *SQLiteStore) GetRegistration(ctx context.Context) (*model.DeviceRegistration, error) {
	state, err := s.loadState(ctx)
	if err != nil {
		return nil, err
	}

	if state[KeySessionID] == "" {
		return nil, nil
	}

	reg := &model.DeviceRegistration{
		SessionID: state[KeySessionID],
		Status:    model.RegistrationStatus(state[KeyRegistrationStatus]),
		DeviceID:  state[KeyDeviceID],
		Response:  state[KeyRegistrationResponse],
	}
	if t, ok := parseTime(state[KeyRegisteredAt]); ok {
		reg.RegisteredAt = t
	}

	return reg, nil
}

// SaveRegistration persists the outcome of a registration attempt.
func (s *SQLiteStore) SaveRegistration(ctx context.Context, reg model.DeviceRegistration) error {
	registered := reg.Status == model.RegistrationRemoteConfirmed

	return s.setState(ctx, map[string]string{
		KeySessionID:            reg.SessionID,
		KeyRegistrationStatus:   string(reg.Status),
		KeyDeviceRegistered:     strconv.FormatBool(registered),
		KeyDeviceID:             reg.DeviceID,
		KeyRegistrationResponse: reg.Response,
		KeyRegisteredAt:         formatTime(reg.RegisteredAt),
	})
}

// ClearPushState forgets the subscription and registration. The
// permission answer is kept.
func (s *SQLiteStore) ClearPushState(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM push_state WHERE key != ?", KeyPermissionState)
	if err != nil {
		return fmt.Errorf("clearing push state: %w", err)
	}
	return nil
}

// GetPermission returns the stored permission answer, or
// PermissionDefault when the customer was never asked.
func (s *SQLiteStore) GetPermission(ctx context.Context) (model.PermissionState, error) {
	state, err := s.loadState(ctx)
	if err != nil {
		return model.PermissionDefault, err
	}

	switch p := model.PermissionState(state[KeyPermissionState]); p {
	case model.PermissionGranted, model.PermissionDenied:
		return p, nil
	default:
		return model.PermissionDefault, nil
	}
}

// SavePermission stores the permission answer.
func (s *SQLiteStore) SavePermission(ctx context.Context, p model.PermissionState) error {
	return s.setState(ctx, map[string]string{KeyPermissionState: string(p)})
}

// DeviceRegistered reports the persisted device-registered flag.
func (s *SQLiteStore) DeviceRegistered(ctx context.Context) (bool, error) {
	state, err := s.loadState(ctx)
	if err != nil {
		return false, err
	}
	registered, _ := strconv.ParseBool(state[KeyDeviceRegistered])
	return registered, nil
}

// notificationRow mirrors the notifications table.
type notificationRow struct {
	ID        string  `db:"id"`
	Position  int     `db:"position"`
	Title     string  `db:"title"`
	Message   string  `db:"message"`
	Kind      string  `db:"kind"`
	Read      bool    `db:"read"`
	CreatedAt string  `db:"created_at"`
	ReadAt    *string `db:"read_at"`
	Link      string  `db:"link"`
	Data      string  `db:"data"`
}

// ReplaceNotifications swaps the cached snapshot for list, preserving order.
func (s *SQLiteStore) ReplaceNotifications(ctx context.Context, list []model.Notification) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM notifications"); err != nil {
		return fmt.Errorf("clearing notification cache: %w", err)
	}

	const query = `
		INSERT OR REPLACE INTO notifications (
			id, position, title, message, kind, read,
			created_at, read_at, link, data
		) VALUES (
			:id, :position, :title, :message, :kind, :read,
			:created_at, :read_at, :link, :data
		)`

	for i, n := range list {
		row := notificationRow{
			ID:        n.ID,
			Position:  i,
			Title:     n.Title,
			Message:   n.Message,
			Kind:      string(model.ParseKind(string(n.Kind))),
			Read:      n.Read,
			CreatedAt: formatTime(n.CreatedAt),
			Link:      n.Link,
		}
		if n.ReadAt != nil {
			readAt := formatTime(*n.ReadAt)
			row.ReadAt = &readAt
		}
		if len(n.Data) > 0 {
			data, err := json.Marshal(n.Data)
			if err != nil {
				return fmt.Errorf("marshaling data for notification %s: %w", n.ID, err)
			}
			row.Data = string(data)
		}

		if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
			return fmt.Errorf("caching notification %s: %w", n.ID, err)
		}
	}

	return tx.Commit()
}

// GetNotifications returns the cached snapshot in its original order.
func (s *SQLiteStore) GetNotifications(ctx context.Context) ([]model.Notification, error) {
	var rows []notificationRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, position, title, message, kind, read,
			created_at, read_at, link, data
		FROM notifications ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("querying cached notifications: %w", err)
	}

	list := make([]model.Notification, 0, len(rows))
	for _, r := range rows {
		n := model.Notification{
			ID:      r.ID,
			Title:   r.Title,
			Message: r.Message,
			Kind:    model.ParseKind(r.Kind),
			Read:    r.Read,
			Link:    r.Link,
		}
		if t, ok := parseTime(r.CreatedAt); ok {
			n.CreatedAt = t
		}
		if r.ReadAt != nil {
			if t, ok := parseTime(*r.ReadAt); ok {
				n.ReadAt = &t
			}
		}
		if r.Data != "" {
			if err := json.Unmarshal([]byte(r.Data), &n.Data); err != nil {
				return nil, fmt.Errorf("unmarshaling data for notification %s: %w", r.ID, err)
			}
		}
		list = append(list, n)
	}

	return list, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
