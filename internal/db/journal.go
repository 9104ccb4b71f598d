package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/muco-project/muco-relay/internal/events"
)

// Journal records relay history in SQLite. It is written from event bus
// subscribers and read by the admin surfaces; the relay never reads it back.
//
// Identities are never reused within a process, so rows are keyed by
// (instance_id, identity). Each bus subscriber has its own mailbox, so a
// leave may be stored before its join; the upserts below tolerate that.
type Journal struct {
	db         *Database
	instanceID string
}

// RunRecord is one start/stop cycle of the relay.
type RunRecord struct {
	ID         int64      `json:"id"`
	InstanceID string     `json:"instance_id"`
	Port       int        `json:"port"`
	Transport  string     `json:"transport"`
	Mode       string     `json:"mode"`
	StartedAt  time.Time  `json:"started_at"`
	StoppedAt  *time.Time `json:"stopped_at,omitempty"`
}

// SessionRecord is one peer's stay on the relay.
type SessionRecord struct {
	InstanceID string     `json:"instance_id"`
	Identity   int        `json:"identity"`
	RemoteAddr string     `json:"remote_addr"`
	JoinedAt   *time.Time `json:"joined_at,omitempty"`
	LeftAt     *time.Time `json:"left_at,omitempty"`
	Duration   float64    `json:"session_seconds"`
	Device     string     `json:"device_model,omitempty"`
}

// NewJournal opens the journal database and migrates its schema.
func NewJournal(dbPath string) (*Journal, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	j := &Journal{db: database, instanceID: uuid.NewString()}
	if err := j.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate journal database: %w", err)
	}

	database.logger.Info().Str("instance", j.instanceID).Msg("session journal ready")
	return j, nil
}

// migrate creates the database schema.
func (j *Journal) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS relay_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_id TEXT NOT NULL,
			port INTEGER NOT NULL,
			transport TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL,
			stopped_at INTEGER
		);

		CREATE TABLE IF NOT EXISTS sessions (
			instance_id TEXT NOT NULL,
			identity INTEGER NOT NULL,
			remote_addr TEXT NOT NULL DEFAULT '',
			joined_at INTEGER,
			left_at INTEGER,
			duration_seconds REAL NOT NULL DEFAULT 0,
			PRIMARY KEY (instance_id, identity)
		);

		CREATE TABLE IF NOT EXISTS devices (
			instance_id TEXT NOT NULL,
			identity INTEGER NOT NULL,
			battery_level REAL NOT NULL,
			battery_status TEXT NOT NULL,
			model TEXT NOT NULL,
			device_uid TEXT NOT NULL,
			operating_system TEXT NOT NULL,
			reported_at INTEGER NOT NULL,
			PRIMARY KEY (instance_id, identity)
		);

		CREATE TABLE IF NOT EXISTS experience_loads (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_id TEXT NOT NULL,
			experience TEXT NOT NULL,
			identity INTEGER NOT NULL DEFAULT 0,
			recipients INTEGER NOT NULL,
			loaded_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_joined_at ON sessions(joined_at);
		CREATE INDEX IF NOT EXISTS idx_relay_runs_started_at ON relay_runs(started_at);
	`

	if _, err := j.db.Exec(schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	j.db.logger.Debug().Msg("journal schema migrated")
	return nil
}

// InstanceID identifies this process in the journal.
func (j *Journal) InstanceID() string {
	return j.instanceID
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Subscribe attaches the journal to every relay event.
func (j *Journal) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventRelayStarted, "journal", j.onRelayStarted)
	bus.Subscribe(events.EventRelayStopped, "journal", j.onRelayStopped)
	bus.Subscribe(events.EventUserJoined, "journal", j.onUserJoined)
	bus.Subscribe(events.EventUserLeft, "journal", j.onUserLeft)
	bus.Subscribe(events.EventDeviceInfo, "journal", j.onDeviceInfo)
	bus.Subscribe(events.EventExperienceLoaded, "journal", j.onExperienceLoaded)
}

func (j *Journal) onRelayStarted(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.RelayStartedPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", event.Payload)
	}
	_, err := j.db.Exec(
		`INSERT INTO relay_runs (instance_id, port, transport, mode, started_at) VALUES (?, ?, ?, ?, ?)`,
		j.instanceID, p.Port, p.Transport, p.Mode, millis(event.Time),
	)
	return err
}

func (j *Journal) onRelayStopped(ctx context.Context, event events.Event) error {
	_, err := j.db.Exec(
		`UPDATE relay_runs SET stopped_at = ?
		 WHERE id = (SELECT MAX(id) FROM relay_runs WHERE instance_id = ? AND stopped_at IS NULL)`,
		millis(event.Time), j.instanceID,
	)
	return err
}

func (j *Journal) onUserJoined(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.UserJoinedPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", event.Payload)
	}
	joined := p.ConnectedAt
	if joined.IsZero() {
		joined = event.Time
	}
	_, err := j.db.Exec(
		`INSERT INTO sessions (instance_id, identity, remote_addr, joined_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (instance_id, identity) DO UPDATE SET
			remote_addr = excluded.remote_addr,
			joined_at = excluded.joined_at`,
		j.instanceID, p.Identity, p.RemoteAddr, millis(joined),
	)
	return err
}

func (j *Journal) onUserLeft(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.UserLeftPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", event.Payload)
	}
	_, err := j.db.Exec(
		`INSERT INTO sessions (instance_id, identity, left_at, duration_seconds) VALUES (?, ?, ?, ?)
		 ON CONFLICT (instance_id, identity) DO UPDATE SET
			left_at = excluded.left_at,
			duration_seconds = excluded.duration_seconds`,
		j.instanceID, p.Identity, millis(event.Time), p.Duration,
	)
	return err
}

func (j *Journal) onDeviceInfo(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.DeviceInfoPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", event.Payload)
	}
	_, err := j.db.Exec(
		`INSERT INTO devices (instance_id, identity, battery_level, battery_status, model, device_uid, operating_system, reported_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (instance_id, identity) DO UPDATE SET
			battery_level = excluded.battery_level,
			battery_status = excluded.battery_status,
			model = excluded.model,
			device_uid = excluded.device_uid,
			operating_system = excluded.operating_system,
			reported_at = excluded.reported_at`,
		j.instanceID, p.Identity, p.Info.BatteryLevel, p.Info.BatteryStatus.String(),
		p.Info.DeviceModel, p.Info.DeviceUniqueIdentifier, p.Info.OperatingSystem, millis(event.Time),
	)
	return err
}

func (j *Journal) onExperienceLoaded(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.ExperienceLoadedPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", event.Payload)
	}
	_, err := j.db.Exec(
		`INSERT INTO experience_loads (instance_id, experience, identity, recipients, loaded_at) VALUES (?, ?, ?, ?, ?)`,
		j.instanceID, p.Experience, p.Identity, p.Recipients, millis(event.Time),
	)
	return err
}

// RecentRuns returns the latest relay runs, newest first.
func (j *Journal) RecentRuns(limit int) ([]RunRecord, error) {
	rows, err := j.db.Query(
		`SELECT id, instance_id, port, transport, mode, started_at, stopped_at
		 FROM relay_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query relay runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		var started int64
		var stopped sql.NullInt64
		if err := rows.Scan(&r.ID, &r.InstanceID, &r.Port, &r.Transport, &r.Mode, &started, &stopped); err != nil {
			return nil, err
		}
		r.StartedAt = fromMillis(started)
		r.StoppedAt = nullTime(stopped)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RecentSessions returns the latest sessions with their device model,
// newest first.
func (j *Journal) RecentSessions(limit int) ([]SessionRecord, error) {
	rows, err := j.db.Query(
		`SELECT s.instance_id, s.identity, s.remote_addr, s.joined_at, s.left_at, s.duration_seconds,
			COALESCE(d.model, '')
		 FROM sessions s
		 LEFT JOIN devices d ON d.instance_id = s.instance_id AND d.identity = s.identity
		 ORDER BY COALESCE(s.joined_at, s.left_at) DESC, s.identity DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []SessionRecord
	for rows.Next() {
		var s SessionRecord
		var joined, left sql.NullInt64
		if err := rows.Scan(&s.InstanceID, &s.Identity, &s.RemoteAddr, &joined, &left, &s.Duration, &s.Device); err != nil {
			return nil, err
		}
		s.JoinedAt = nullTime(joined)
		s.LeftAt = nullTime(left)
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Prune deletes history older than the retention window and returns the
// number of rows removed. Open sessions and runs are kept.
func (j *Journal) Prune(retention time.Duration) (int64, error) {
	cutoff := millis(time.Now().Add(-retention))
	var removed int64

	err := j.db.Transaction(func(tx *sql.Tx) error {
		stmts := []string{
			`DELETE FROM sessions WHERE left_at IS NOT NULL AND left_at < ?`,
			`DELETE FROM devices WHERE reported_at < ?`,
			`DELETE FROM experience_loads WHERE loaded_at < ?`,
			`DELETE FROM relay_runs WHERE stopped_at IS NOT NULL AND stopped_at < ?`,
		}
		for _, stmt := range stmts {
			res, err := tx.Exec(stmt, cutoff)
			if err != nil {
				return fmt.Errorf("prune failed: %w", err)
			}
			n, _ := res.RowsAffected()
			removed += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		j.db.logger.Info().Int64("rows", removed).Dur("retention", retention).Msg("journal pruned")
	}
	return removed, nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
