// Package sqlite is the durable side of the engine: user, room,
// appointment and session lookups plus the recording ledger, backed by
// a single sqlite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/openmeet/roomcore/internal/core"
	"github.com/openmeet/roomcore/internal/domain"
)

// Schema creates all tables. Idempotent, applied on open.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	login     TEXT NOT NULL UNIQUE,
	firstname TEXT NOT NULL DEFAULT '',
	lastname  TEXT NOT NULL DEFAULT '',
	email     TEXT NOT NULL DEFAULT '',
	rights    INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS rooms (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	name        TEXT NOT NULL,
	moderated   INTEGER NOT NULL DEFAULT 0,
	appointment INTEGER NOT NULL DEFAULT 0,
	conf_no     TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS appointments (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id  INTEGER NOT NULL,
	owner_id INTEGER NOT NULL,
	starts_at TIMESTAMP,
	ends_at   TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_appointments_room ON appointments(room_id);
CREATE TABLE IF NOT EXISTS sessions (
	token      TEXT PRIMARY KEY,
	user_id    INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS sip_config (
	id        INTEGER PRIMARY KEY CHECK (id = 1),
	trunk_uid TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS recordings (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id    INTEGER NOT NULL,
	name       TEXT NOT NULL,
	owner_sid  TEXT NOT NULL DEFAULT '',
	interview  INTEGER NOT NULL DEFAULT 0,
	started_at TIMESTAMP NOT NULL,
	ended_at   TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_recordings_room ON recordings(room_id);
`

// Store implements core.Persistence and core.Recorder over sqlite.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the database at dbPath and applies
// the schema. Use ":memory:" for an in-process throwaway database.
func New(dbPath string) (*Store, error) {
	return NewWithSetup(dbPath, nil)
}

// NewWithSetup opens the database, applies the schema and then runs an
// optional setup function. Tests use it to seed fixtures.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// sqlite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ==== core.Persistence ====

func (s *Store) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	query := `
		SELECT id, login, firstname, lastname, email, rights
		FROM users
		WHERE id = ?
	`
	var u domain.User
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&u.ID, &u.Login, &u.Firstname, &u.Lastname, &u.Email, &u.Rights,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

func (s *Store) GetRoom(ctx context.Context, id int64) (*domain.Room, error) {
	query := `
		SELECT id, name, moderated, appointment, conf_no
		FROM rooms
		WHERE id = ?
	`
	var r domain.Room
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&r.ID, &r.Name, &r.Moderated, &r.Appointment, &r.ConfNo,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("query room: %w", err)
	}
	return &r, nil
}

// GetAppointment returns nil, nil for rooms without a calendar entry.
func (s *Store) GetAppointment(ctx context.Context, roomID int64) (*domain.Appointment, error) {
	query := `
		SELECT id, room_id, owner_id, starts_at, ends_at
		FROM appointments
		WHERE room_id = ?
	`
	var a domain.Appointment
	var start, end sql.NullTime
	err := s.db.QueryRowContext(ctx, query, roomID).Scan(
		&a.ID, &a.RoomID, &a.OwnerID, &start, &end,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query appointment: %w", err)
	}
	a.Start = start.Time
	a.End = end.Time
	return &a, nil
}

func (s *Store) CheckSession(ctx context.Context, token string) (*domain.Session, error) {
	query := `
		SELECT token, user_id
		FROM sessions
		WHERE token = ?
	`
	var sess domain.Session
	err := s.db.QueryRowContext(ctx, query, token).Scan(&sess.Token, &sess.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("query session: %w", err)
	}
	return &sess, nil
}

func (s *Store) SipTrunkUID(ctx context.Context) (string, error) {
	var uid string
	err := s.db.QueryRowContext(ctx, `SELECT trunk_uid FROM sip_config WHERE id = 1`).Scan(&uid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("query sip config: %w", err)
	}
	return uid, nil
}

// ==== core.Recorder ====

func (s *Store) Begin(ctx context.Context, roomID int64, c *domain.Client, name string, interview bool) (int64, error) {
	query := `
		INSERT INTO recordings (room_id, name, owner_sid, interview, started_at)
		VALUES (?, ?, ?, ?, ?)
	`
	owner := ""
	if c != nil {
		owner = c.PublicID
	}
	result, err := s.db.ExecContext(ctx, query, roomID, name, owner, interview, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("insert recording: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	return id, nil
}

// End finalizes an open recording. Ending twice, or ending an unknown
// id, returns ErrNotFound.
func (s *Store) End(ctx context.Context, recordingID int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE recordings SET ended_at = ? WHERE id = ? AND ended_at IS NULL`,
		time.Now().UTC(), recordingID,
	)
	if err != nil {
		return fmt.Errorf("update recording: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return core.ErrNotFound
	}
	return nil
}

// GetRecording reads back a recording row.
func (s *Store) GetRecording(ctx context.Context, id int64) (*domain.Recording, error) {
	query := `
		SELECT id, room_id, name, interview, started_at, ended_at
		FROM recordings
		WHERE id = ?
	`
	var r domain.Recording
	var ended sql.NullTime
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&r.ID, &r.RoomID, &r.Name, &r.Interview, &r.StartedAt, &ended,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("query recording: %w", err)
	}
	if ended.Valid {
		t := ended.Time
		r.EndedAt = &t
	}
	return &r, nil
}

// ==== write helpers (provisioning, fixtures) ====

func (s *Store) CreateUser(ctx context.Context, u *domain.User) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO users (login, firstname, lastname, email, rights) VALUES (?, ?, ?, ?, ?)`,
		u.Login, u.Firstname, u.Lastname, u.Email, u.Rights,
	)
	if err != nil {
		return 0, fmt.Errorf("insert user: %w", err)
	}
	return result.LastInsertId()
}

func (s *Store) CreateRoom(ctx context.Context, r *domain.Room) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (name, moderated, appointment, conf_no) VALUES (?, ?, ?, ?)`,
		r.Name, r.Moderated, r.Appointment, r.ConfNo,
	)
	if err != nil {
		return 0, fmt.Errorf("insert room: %w", err)
	}
	return result.LastInsertId()
}

func (s *Store) CreateAppointment(ctx context.Context, a *domain.Appointment) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO appointments (room_id, owner_id, starts_at, ends_at) VALUES (?, ?, ?, ?)`,
		a.RoomID, a.OwnerID, a.Start, a.End,
	)
	if err != nil {
		return 0, fmt.Errorf("insert appointment: %w", err)
	}
	return result.LastInsertId()
}

func (s *Store) PutSession(ctx context.Context, sess *domain.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions (token, user_id) VALUES (?, ?)`,
		sess.Token, sess.UserID,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) SetSipTrunkUID(ctx context.Context, uid string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sip_config (id, trunk_uid) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET trunk_uid = excluded.trunk_uid`,
		uid,
	)
	if err != nil {
		return fmt.Errorf("set sip trunk uid: %w", err)
	}
	return nil
}
