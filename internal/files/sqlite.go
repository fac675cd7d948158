package files

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// SQLiteRepository stores file metadata rows.
type SQLiteRepository struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// NewSQLiteRepository creates the repository and initializes its schema.
func NewSQLiteRepository(writer, reader *sqlx.DB) (*SQLiteRepository, error) {
	repo := &SQLiteRepository{db: writer, ro: reader}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize files schema: %w", err)
	}
	return repo, nil
}

func (r *SQLiteRepository) initSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS file_contents (
		id TEXT PRIMARY KEY,
		relative_path TEXT NOT NULL,
		media_type TEXT NOT NULL,
		size INTEGER NOT NULL,
		storage_key TEXT NOT NULL,
		text_content TEXT,
		sha256 TEXT NOT NULL,
		step_id TEXT,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_file_contents_sha256 ON file_contents(sha256);
	CREATE INDEX IF NOT EXISTS idx_file_contents_step_id ON file_contents(step_id);
	`)
	return err
}

// Create inserts one metadata row.
func (r *SQLiteRepository) Create(ctx context.Context, file *FileContent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO file_contents (id, relative_path, media_type, size, storage_key,
			text_content, sha256, step_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, file.ID, file.RelativePath, file.MediaType, file.Size, file.StorageKey,
		file.TextContent, file.SHA256, file.StepID, file.CreatedAt)
	return err
}

// Get returns a file by id, or nil if it does not exist.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*FileContent, error) {
	file := &FileContent{}
	err := r.ro.QueryRowContext(ctx, `
		SELECT id, relative_path, media_type, size, storage_key, text_content,
			sha256, step_id, created_at
		FROM file_contents WHERE id = ?
	`, id).Scan(&file.ID, &file.RelativePath, &file.MediaType, &file.Size,
		&file.StorageKey, &file.TextContent, &file.SHA256, &file.StepID, &file.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return file, nil
}

// GetBySHA256 returns any existing file with the given content hash.
func (r *SQLiteRepository) GetBySHA256(ctx context.Context, sum string) (*FileContent, error) {
	file := &FileContent{}
	err := r.ro.QueryRowContext(ctx, `
		SELECT id, relative_path, media_type, size, storage_key, text_content,
			sha256, step_id, created_at
		FROM file_contents WHERE sha256 = ? LIMIT 1
	`, sum).Scan(&file.ID, &file.RelativePath, &file.MediaType, &file.Size,
		&file.StorageKey, &file.TextContent, &file.SHA256, &file.StepID, &file.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return file, nil
}

// AttachToStep records the consuming step for a file.
func (r *SQLiteRepository) AttachToStep(ctx context.Context, id, stepID string) error {
	result, err := r.db.ExecContext(ctx, `UPDATE file_contents SET step_id = ? WHERE id = ?`, stepID, id)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("file %s not found", id)
	}
	return nil
}

// ListOrphansBefore returns files with no step back-reference created before
// the cutoff.
func (r *SQLiteRepository) ListOrphansBefore(ctx context.Context, cutoff time.Time) ([]*FileContent, error) {
	rows, err := r.ro.QueryContext(ctx, `
		SELECT id, relative_path, media_type, size, storage_key, text_content,
			sha256, step_id, created_at
		FROM file_contents WHERE step_id IS NULL AND created_at < ?
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*FileContent
	for rows.Next() {
		file := &FileContent{}
		if err := rows.Scan(&file.ID, &file.RelativePath, &file.MediaType, &file.Size,
			&file.StorageKey, &file.TextContent, &file.SHA256, &file.StepID, &file.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, file)
	}
	return result, rows.Err()
}

// Delete removes a metadata row.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM file_contents WHERE id = ?`, id)
	return err
}

// CountWithStorageKey reports how many rows still reference a storage key.
// Blobs are shared between deduplicated rows; only unreferenced blobs may be
// removed from disk.
func (r *SQLiteRepository) CountWithStorageKey(ctx context.Context, key string) (int64, error) {
	var count int64
	err := r.ro.QueryRowContext(ctx, `SELECT COUNT(*) FROM file_contents WHERE storage_key = ?`, key).Scan(&count)
	return count, err
}

// Count returns the total number of stored files.
func (r *SQLiteRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.ro.QueryRowContext(ctx, `SELECT COUNT(*) FROM file_contents`).Scan(&count)
	return count, err
}
