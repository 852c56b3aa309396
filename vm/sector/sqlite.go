package sector

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps sectors in a SQLite database file.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	size   int
	next   Sector
	volume string
}

// OpenSQLite opens (creating if needed) a sector database. A size of zero
// selects DefaultSize. The sector size of an existing database wins over the
// requested one.
func OpenSQLite(dbPath string, size int) (*SQLiteStore, error) {
	if size <= 0 {
		size = DefaultSize
	}
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection keeps allocation and the in-memory sector counter consistent.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, dbPath: dbPath, size: size}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	if _, err := s.db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return fmt.Errorf("setting busy timeout: %w", err)
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS sectors (id INTEGER PRIMARY KEY, data BLOB NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS freelist (id INTEGER PRIMARY KEY)`,
		`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, data BLOB NOT NULL)`,
	} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("creating table: %w", err)
		}
	}

	var next sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(id) FROM (SELECT id FROM sectors UNION ALL SELECT id FROM freelist)`).Scan(&next)
	if err != nil {
		return fmt.Errorf("scanning sectors: %w", err)
	}
	s.next = Sector(next.Int64 + 1)

	// Volume identity and sector size are fixed at creation.
	vol, err := s.Meta("volume")
	switch {
	case errors.Is(err, ErrNoMeta):
		s.volume = uuid.NewString()
		if err := s.PutMeta("volume", []byte(s.volume)); err != nil {
			return err
		}
		if err := s.PutMeta("sector-size", []byte(fmt.Sprint(s.size))); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		s.volume = string(vol)
		raw, err := s.Meta("sector-size")
		if err != nil {
			return err
		}
		if _, err := fmt.Sscan(string(raw), &s.size); err != nil {
			return fmt.Errorf("bad sector size %q: %w", raw, err)
		}
	}
	return nil
}

// Volume returns the identifier stamped on the database when it was created.
func (s *SQLiteStore) Volume() string { return s.volume }

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.dbPath }

// SectorSize returns the sector size.
func (s *SQLiteStore) SectorSize() int { return s.size }

// Read copies part of a sector image into buf.
func (s *SQLiteStore) Read(buf []byte, sectors []Sector, offset uint32) error {
	return readSpan(buf, sectors, offset, s.size, func(sec Sector) ([]byte, error) {
		var data []byte
		err := s.db.QueryRow(`SELECT data FROM sectors WHERE id = ?`, int64(sec)).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrBadSector, sec)
		}
		if err != nil {
			return nil, fmt.Errorf("reading sector %d: %w", sec, err)
		}
		return data, nil
	})
}

// Write stores data in free sectors, lowest first, growing the file as needed.
func (s *SQLiteStore) Write(data []byte) ([]Sector, error) {
	chunks := split(data, s.size)
	if len(chunks) == 0 {
		return nil, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin write: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT id FROM freelist ORDER BY id LIMIT ?`, len(chunks))
	if err != nil {
		return nil, fmt.Errorf("reading free list: %w", err)
	}
	out := make([]Sector, 0, len(chunks))
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("reading free list: %w", err)
		}
		out = append(out, Sector(id))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading free list: %w", err)
	}

	next := s.next
	for len(out) < len(chunks) {
		out = append(out, next)
		next++
	}

	for i, chunk := range chunks {
		if _, err := tx.Exec(`DELETE FROM freelist WHERE id = ?`, int64(out[i])); err != nil {
			return nil, fmt.Errorf("claiming sector %d: %w", out[i], err)
		}
		if _, err := tx.Exec(`INSERT INTO sectors (id, data) VALUES (?, ?)`, int64(out[i]), chunk); err != nil {
			return nil, fmt.Errorf("writing sector %d: %w", out[i], err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit write: %w", err)
	}
	s.next = next
	return out, nil
}

// Free releases sectors.
func (s *SQLiteStore) Free(sectors []Sector) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin free: %w", err)
	}
	defer tx.Rollback()

	for _, sec := range sectors {
		res, err := tx.Exec(`DELETE FROM sectors WHERE id = ?`, int64(sec))
		if err != nil {
			return fmt.Errorf("freeing sector %d: %w", sec, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %d", ErrBadSector, sec)
		}
		if _, err := tx.Exec(`INSERT INTO freelist (id) VALUES (?)`, int64(sec)); err != nil {
			return fmt.Errorf("freeing sector %d: %w", sec, err)
		}
	}
	return tx.Commit()
}

// InUse returns the number of allocated sectors.
func (s *SQLiteStore) InUse() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sectors`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting sectors: %w", err)
	}
	return n, nil
}

// PutMeta stores a metadata blob.
func (s *SQLiteStore) PutMeta(key string, data []byte) error {
	_, err := s.db.Exec(`INSERT INTO meta (key, data) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data`, key, data)
	if err != nil {
		return fmt.Errorf("storing %s: %w", key, err)
	}
	return nil
}

// Meta returns a metadata blob.
func (s *SQLiteStore) Meta(key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM meta WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoMeta, key)
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", key, err)
	}
	return data, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
