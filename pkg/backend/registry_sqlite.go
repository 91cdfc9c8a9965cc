package backend

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteFileRegistry persists upload records so they survive a backend restart.
type SQLiteFileRegistry struct {
	db *sql.DB
}

var _ FileRegistry = &SQLiteFileRegistry{}

func NewSQLiteFileRegistry(dsn string) (*SQLiteFileRegistry, error) {
	if dsn == "" {
		return nil, errors.New("sqlite file registry: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	r := &SQLiteFileRegistry{db: db}
	if err := r.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// SQLiteFileRegistryDSNForFile builds a DSN for a database file on disk.
func SQLiteFileRegistryDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite file registry: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

func (r *SQLiteFileRegistry) migrate() error {
	_, err := r.db.Exec(`CREATE TABLE IF NOT EXISTS uploaded_files (
		  file_key TEXT PRIMARY KEY,
		  name TEXT NOT NULL,
		  path TEXT NOT NULL,
		  size INTEGER NOT NULL DEFAULT 0,
		  uploaded_at_ms INTEGER NOT NULL
		);`)
	if err != nil {
		return errors.Wrap(err, "sqlite file registry: migrate")
	}
	return nil
}

func (r *SQLiteFileRegistry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *SQLiteFileRegistry) Put(ctx context.Context, rec FileRecord) error {
	rec, err := normalizeFileRecord(rec)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO uploaded_files (file_key, name, path, size, uploaded_at_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(file_key) DO UPDATE SET
			name = excluded.name,
			path = excluded.path,
			size = excluded.size,
			uploaded_at_ms = excluded.uploaded_at_ms
	`, rec.Key, rec.Name, rec.Path, rec.Size, rec.UploadedAtMs)
	if err != nil {
		return errors.Wrap(err, "sqlite file registry: put")
	}
	return nil
}

func (r *SQLiteFileRegistry) Get(ctx context.Context, key string) (FileRecord, bool, error) {
	var rec FileRecord
	err := r.db.QueryRowContext(ctx, `
		SELECT file_key, name, path, size, uploaded_at_ms
		FROM uploaded_files
		WHERE file_key = ?
	`, strings.TrimSpace(key)).Scan(&rec.Key, &rec.Name, &rec.Path, &rec.Size, &rec.UploadedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return FileRecord{}, false, nil
	}
	if err != nil {
		return FileRecord{}, false, errors.Wrap(err, "sqlite file registry: get")
	}
	return rec, true, nil
}

func (r *SQLiteFileRegistry) Delete(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM uploaded_files WHERE file_key = ?`, strings.TrimSpace(key)); err != nil {
		return errors.Wrap(err, "sqlite file registry: delete")
	}
	return nil
}

func (r *SQLiteFileRegistry) List(ctx context.Context) ([]FileRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT file_key, name, path, size, uploaded_at_ms
		FROM uploaded_files
		ORDER BY uploaded_at_ms ASC, file_key ASC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite file registry: list")
	}
	defer func() { _ = rows.Close() }()

	var out []FileRecord
	for rows.Next() {
		var rec FileRecord
		if err := rows.Scan(&rec.Key, &rec.Name, &rec.Path, &rec.Size, &rec.UploadedAtMs); err != nil {
			return nil, errors.Wrap(err, "sqlite file registry: scan")
		}
		out = append(out, rec)
	}
	return out, errors.Wrap(rows.Err(), "sqlite file registry: rows")
}
