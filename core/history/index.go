package history

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// IndexFileName is the default name of the SQLite command index, placed
// next to the history file.
const IndexFileName = ".marsh_index.db"

const createIndexTable = `
CREATE TABLE IF NOT EXISTS commands (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	started_at TEXT NOT NULL,
	session TEXT NOT NULL,
	line TEXT NOT NULL,
	exit_code INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_commands_line ON commands(line);
`

// CommandRecord is one executed command in the index.
type CommandRecord struct {
	ID        int64
	StartedAt time.Time
	Session   string
	Line      string
	ExitCode  int
	Duration  time.Duration
}

// OpenIndex opens or creates the SQLite command index at path.
func OpenIndex(path string) (*IndexStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(createIndexTable); err != nil {
		db.Close()
		return nil, err
	}
	return &IndexStore{db: db}, nil
}

// IndexStore mirrors executed commands into SQLite so they can be queried
// across sessions with more structure than the flat history file.
type IndexStore struct {
	db *sql.DB
}

// Record inserts one executed command.
func (s *IndexStore) Record(rec CommandRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO commands (started_at, session, line, exit_code, duration_ms) VALUES (?, ?, ?, ?, ?)`,
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		rec.Session,
		rec.Line,
		rec.ExitCode,
		rec.Duration.Milliseconds(),
	)
	return err
}

// Search returns the most recent commands whose line contains term, newest
// first. An empty term returns the most recent commands.
func (s *IndexStore) Search(term string, limit int) ([]CommandRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, started_at, session, line, exit_code, duration_ms
		 FROM commands WHERE line LIKE ? ORDER BY id DESC LIMIT ?`,
		"%"+term+"%", limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CommandRecord
	for rows.Next() {
		var rec CommandRecord
		var startedAt string
		var durationMs int64
		if err := rows.Scan(&rec.ID, &startedAt, &rec.Session, &rec.Line, &rec.ExitCode, &durationMs); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
			rec.StartedAt = ts
		}
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *IndexStore) Close() error {
	return s.db.Close()
}
