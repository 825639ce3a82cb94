package vfs

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Mirror persists FS contents as (namespace, location, path, content,
// modtime) rows in a SQLite database so a session can resume without
// regenerating and recompiling. Each session saves and loads under its own
// namespace, so several grammars can share one database.
type Mirror struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// OpenMirror opens (creating if needed) the mirror database at dbPath.
func OpenMirror(dbPath string) (*Mirror, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating mirror directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening mirror: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS mirror_files (
		namespace TEXT NOT NULL,
		location  TEXT NOT NULL,
		path      TEXT NOT NULL,
		content   BLOB NOT NULL,
		modtime   INTEGER NOT NULL,
		PRIMARY KEY (namespace, location, path)
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &Mirror{db: db, dbPath: dbPath}, nil
}

// Path returns the database file path.
func (m *Mirror) Path() string {
	return m.dbPath
}

// Close closes the database connection.
func (m *Mirror) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}

// Save replaces the rows of namespace ns for each given location with the
// FS's current contents. It returns the number of files written.
func (m *Mirror) Save(ctx context.Context, ns string, fs *FS, locations ...Location) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning mirror save: %w", err)
	}
	defer tx.Rollback()

	n := 0
	for _, loc := range locations {
		if _, err := tx.ExecContext(ctx, "DELETE FROM mirror_files WHERE namespace = ? AND location = ?", ns, loc.String()); err != nil {
			return 0, fmt.Errorf("clearing %s: %w", loc, err)
		}
		for _, f := range fs.List(loc, "") {
			_, err := tx.ExecContext(ctx,
				"INSERT INTO mirror_files (namespace, location, path, content, modtime) VALUES (?, ?, ?, ?, ?)",
				ns, loc.String(), f.Path, f.Content, f.ModTime.UnixNano(),
			)
			if err != nil {
				return 0, fmt.Errorf("saving %s: %w", f.Key(), err)
			}
			n++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing mirror save: %w", err)
	}
	return n, nil
}

// Load restores the rows of namespace ns into fs, keeping the stored
// modification times. It returns the number of files restored.
func (m *Mirror) Load(ctx context.Context, ns string, fs *FS) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, err := m.db.QueryContext(ctx,
		"SELECT location, path, content, modtime FROM mirror_files WHERE namespace = ? ORDER BY location, path", ns)
	if err != nil {
		return 0, fmt.Errorf("querying mirror: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var (
			locName string
			p       string
			content []byte
			modtime int64
		)
		if err := rows.Scan(&locName, &p, &content, &modtime); err != nil {
			return n, fmt.Errorf("scanning mirror row: %w", err)
		}
		loc, err := ParseLocation(locName)
		if err != nil {
			return n, err
		}
		fs.Restore(loc, p, content, time.Unix(0, modtime))
		n++
	}
	return n, rows.Err()
}
