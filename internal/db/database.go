package db

import (
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Activity ledger. It records which rooms existed and what happened in them;
// it never stores stroke geometry and is not used to rebuild a canvas.
type Database struct {
	db *sql.DB
}

type Room struct {
	ID        string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type EventKind string

const (
	EventJoin   EventKind = "join"
	EventLeave  EventKind = "leave"
	EventStroke EventKind = "stroke"
	EventUndo   EventKind = "undo"
	EventRedo   EventKind = "redo"
	EventClear  EventKind = "clear"
	EventClosed EventKind = "closed"
)

type Event struct {
	ID        int64     `json:"id"`
	RoomID    string    `json:"room_id"`
	Kind      EventKind `json:"kind"`
	ActorID   string    `json:"actor_id,omitempty"`
	ActorName string    `json:"actor_name,omitempty"`
	StrokeID  string    `json:"stroke_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func New(dbPath string) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	// The recorder, retention service and API share the file
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("database initialized", "path", dbPath)
	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS room_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		actor_id TEXT NOT NULL DEFAULT '',
		actor_name TEXT NOT NULL DEFAULT '',
		stroke_id TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_room_events_room_id ON room_events(room_id, id);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Room operations

func (d *Database) CreateRoom(id, name string) error {
	_, err := d.db.Exec(
		"INSERT OR IGNORE INTO rooms (id, name) VALUES (?, ?)",
		id, name,
	)
	return err
}

func (d *Database) GetRoom(id string) (*Room, error) {
	row := d.db.QueryRow(
		"SELECT id, name, created_at, updated_at FROM rooms WHERE id = ?",
		id,
	)

	var room Room
	err := row.Scan(&room.ID, &room.Name, &room.CreatedAt, &room.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (d *Database) ListRooms(limit, offset int) ([]Room, error) {
	rows, err := d.db.Query(
		"SELECT id, name, created_at, updated_at FROM rooms ORDER BY updated_at DESC, id ASC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.Name, &room.CreatedAt, &room.UpdatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (d *Database) UpdateRoomTimestamp(id string) error {
	_, err := d.db.Exec(
		"UPDATE rooms SET updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		id,
	)
	return err
}

// DeleteRoom removes the room record and its events
func (d *Database) DeleteRoom(id string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM room_events WHERE room_id = ?", id); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM rooms WHERE id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

// Event operations

// RecordEvent appends an event, creating the room record on first sight
func (d *Database) RecordEvent(ev Event) error {
	if err := d.CreateRoom(ev.RoomID, ""); err != nil {
		return err
	}

	_, err := d.db.Exec(`
		INSERT INTO room_events (room_id, kind, actor_id, actor_name, stroke_id, detail)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.RoomID, string(ev.Kind), ev.ActorID, ev.ActorName, ev.StrokeID, ev.Detail)
	if err != nil {
		return err
	}

	return d.UpdateRoomTimestamp(ev.RoomID)
}

// ListEvents returns a room's events, newest first
func (d *Database) ListEvents(roomID string, limit, offset int) ([]Event, error) {
	rows, err := d.db.Query(`
		SELECT id, room_id, kind, actor_id, actor_name, stroke_id, detail, created_at
		FROM room_events
		WHERE room_id = ?
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, roomID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var kind string
		if err := rows.Scan(&ev.ID, &ev.RoomID, &kind, &ev.ActorID, &ev.ActorName, &ev.StrokeID, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Kind = EventKind(kind)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (d *Database) GetEventCount(roomID string) (int, error) {
	var count int
	err := d.db.QueryRow(
		"SELECT COUNT(*) FROM room_events WHERE room_id = ?",
		roomID,
	).Scan(&count)
	return count, err
}

// DeleteOldEvents keeps only the keepCount most recent events of a room
func (d *Database) DeleteOldEvents(roomID string, keepCount int) (int64, error) {
	res, err := d.db.Exec(`
		DELETE FROM room_events
		WHERE room_id = ? AND id NOT IN (
			SELECT id FROM room_events
			WHERE room_id = ?
			ORDER BY id DESC
			LIMIT ?
		)
	`, roomID, roomID, keepCount)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Stats

func (d *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var roomCount int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM rooms").Scan(&roomCount); err != nil {
		return nil, err
	}
	stats["room_count"] = roomCount

	var eventCount int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM room_events").Scan(&eventCount); err != nil {
		return nil, err
	}
	stats["event_count"] = eventCount

	var strokeCount int
	if err := d.db.QueryRow(
		"SELECT COUNT(*) FROM room_events WHERE kind = ?", string(EventStroke),
	).Scan(&strokeCount); err != nil {
		return nil, err
	}
	stats["stroke_count"] = strokeCount

	return stats, nil
}
