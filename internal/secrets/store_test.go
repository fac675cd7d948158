package secrets

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/quillhq/quill/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	crypto, err := NewMasterKeyProvider(dir)
	require.NoError(t, err)

	dbPath := filepath.Join(dir, "secrets.db")
	writer, err := db.OpenSQLite(dbPath)
	require.NoError(t, err)
	reader, err := db.OpenSQLiteReader(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = writer.Close()
		_ = reader.Close()
	})

	store, err := NewStore(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"), crypto)
	require.NoError(t, err)
	return store
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	crypto, err := NewMasterKeyProvider(t.TempDir())
	require.NoError(t, err)

	ciphertext, nonce, err := Encrypt([]byte("sk-ant-secret"), crypto.Key())
	require.NoError(t, err)
	require.NotEqual(t, []byte("sk-ant-secret"), ciphertext)

	plaintext, err := Decrypt(ciphertext, nonce, crypto.Key())
	require.NoError(t, err)
	require.Equal(t, "sk-ant-secret", string(plaintext))
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	a, err := NewMasterKeyProvider(t.TempDir())
	require.NoError(t, err)
	b, err := NewMasterKeyProvider(t.TempDir())
	require.NoError(t, err)

	ciphertext, nonce, err := Encrypt([]byte("value"), a.Key())
	require.NoError(t, err)
	_, err = Decrypt(ciphertext, nonce, b.Key())
	require.Error(t, err)
}

func TestMasterKeyPersists(t *testing.T) {
	dir := t.TempDir()
	a, err := NewMasterKeyProvider(dir)
	require.NoError(t, err)
	b, err := NewMasterKeyProvider(dir)
	require.NoError(t, err)
	require.Equal(t, a.Key(), b.Key())
}

func TestStoreSetGetDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "anthropic", "api_key")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Set(ctx, "anthropic", "api_key", "sk-one"))
	require.NoError(t, store.Set(ctx, "anthropic", "api_key", "sk-two"), "set replaces")
	require.NoError(t, store.Set(ctx, "openai", "api_key", "sk-oai"))

	value, ok, err := store.Get(ctx, "anthropic", "api_key")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "sk-two", value)

	all, err := store.GetAll(ctx, "anthropic")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"api_key": "sk-two"}, all)

	fields, err := store.Fields(ctx, "anthropic")
	require.NoError(t, err)
	require.Equal(t, []string{"api_key"}, fields)

	require.NoError(t, store.Delete(ctx, "anthropic", "api_key"))
	_, ok, err = store.Get(ctx, "anthropic", "api_key")
	require.NoError(t, err)
	require.False(t, ok)
}
