package secrets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store persists provider secrets keyed by (provider id, field name).
type Store struct {
	db     *sqlx.DB
	ro     *sqlx.DB
	crypto *MasterKeyProvider
}

// NewStore creates the sqlite-backed secret store over shared writer and
// reader pools.
func NewStore(writer, reader *sqlx.DB, crypto *MasterKeyProvider) (*Store, error) {
	s := &Store{db: writer, ro: reader, crypto: crypto}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("secrets schema init: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS provider_secrets (
		provider_id     TEXT NOT NULL,
		field           TEXT NOT NULL,
		encrypted_value BLOB NOT NULL,
		nonce           BLOB NOT NULL,
		created_at      TIMESTAMP NOT NULL,
		updated_at      TIMESTAMP NOT NULL,
		PRIMARY KEY (provider_id, field)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Set stores one secret value, replacing any previous value for the field.
func (s *Store) Set(ctx context.Context, providerID, field, value string) error {
	ciphertext, nonce, err := Encrypt([]byte(value), s.crypto.Key())
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO provider_secrets (provider_id, field, encrypted_value, nonce, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider_id, field) DO UPDATE SET
			encrypted_value = excluded.encrypted_value,
			nonce = excluded.nonce,
			updated_at = excluded.updated_at
	`, providerID, field, ciphertext, nonce, now, now)
	if err != nil {
		return fmt.Errorf("failed to store secret: %w", err)
	}
	return nil
}

// Get returns the plaintext for one field. ok is false when unset.
func (s *Store) Get(ctx context.Context, providerID, field string) (string, bool, error) {
	var row struct {
		EncryptedValue []byte `db:"encrypted_value"`
		Nonce          []byte `db:"nonce"`
	}
	err := s.ro.GetContext(ctx, &row, `
		SELECT encrypted_value, nonce FROM provider_secrets
		WHERE provider_id = ? AND field = ?
	`, providerID, field)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read secret: %w", err)
	}
	plaintext, err := Decrypt(row.EncryptedValue, row.Nonce, s.crypto.Key())
	if err != nil {
		return "", false, err
	}
	return string(plaintext), true, nil
}

// GetAll returns every stored secret for a provider, decrypted.
func (s *Store) GetAll(ctx context.Context, providerID string) (map[string]string, error) {
	var rows []struct {
		Field          string `db:"field"`
		EncryptedValue []byte `db:"encrypted_value"`
		Nonce          []byte `db:"nonce"`
	}
	err := s.ro.SelectContext(ctx, &rows, `
		SELECT field, encrypted_value, nonce FROM provider_secrets
		WHERE provider_id = ?
	`, providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		plaintext, err := Decrypt(row.EncryptedValue, row.Nonce, s.crypto.Key())
		if err != nil {
			return nil, err
		}
		out[row.Field] = string(plaintext)
	}
	return out, nil
}

// Fields returns which fields are set for a provider, without decrypting.
func (s *Store) Fields(ctx context.Context, providerID string) ([]string, error) {
	var fields []string
	err := s.ro.SelectContext(ctx, &fields, `
		SELECT field FROM provider_secrets WHERE provider_id = ? ORDER BY field
	`, providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list secret fields: %w", err)
	}
	return fields, nil
}

// Delete removes one secret.
func (s *Store) Delete(ctx context.Context, providerID, field string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM provider_secrets WHERE provider_id = ? AND field = ?
	`, providerID, field)
	if err != nil {
		return fmt.Errorf("failed to delete secret: %w", err)
	}
	return nil
}
