// Package aiconfig manages provider configuration with zero-knowledge
// secret handling: secret fields are ignored on save, merged from the
// encrypted store when building clients, and never returned to callers.
package aiconfig

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quillhq/quill/internal/ai"
	"github.com/quillhq/quill/internal/secrets"
)

// Manager stores non-secret provider settings in sqlite and secret fields
// in the encrypted secret store.
type Manager struct {
	db       *sqlx.DB
	ro       *sqlx.DB
	secrets  *secrets.Store
	registry *ai.Registry
}

// ProviderView is the sanitized shape returned to clients: settings without
// secret values, plus which secret fields are set.
type ProviderView struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Description  string           `json:"description"`
	ConfigSchema []ai.ConfigField `json:"configSchema"`
	Config       map[string]any   `json:"config"`
	SecretsSet   []string         `json:"secretsSet"`
	Configured   bool             `json:"configured"`
}

// NewManager creates the manager and its schema.
func NewManager(writer, reader *sqlx.DB, secretStore *secrets.Store, registry *ai.Registry) (*Manager, error) {
	m := &Manager{db: writer, ro: reader, secrets: secretStore, registry: registry}
	if err := m.initSchema(); err != nil {
		return nil, fmt.Errorf("aiconfig schema init: %w", err)
	}
	return m, nil
}

func (m *Manager) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS provider_config (
		provider_id TEXT PRIMARY KEY,
		config      TEXT NOT NULL DEFAULT '{}',
		updated_at  TIMESTAMP NOT NULL
	);
	`
	_, err := m.db.Exec(schema)
	return err
}

// secretFields returns the schema-declared secret field names for a provider.
func (m *Manager) secretFields(providerID string) (map[string]bool, error) {
	provider, ok := m.registry.Get(providerID)
	if !ok {
		return nil, fmt.Errorf("unknown provider %s", providerID)
	}
	out := make(map[string]bool)
	for _, field := range provider.ConfigSchema() {
		if field.Secret {
			out[field.Name] = true
		}
	}
	return out, nil
}

// SaveConfig stores the non-secret settings for a provider. Secret fields in
// the payload are dropped, never written: the only write path for secrets is
// SetSecret.
func (m *Manager) SaveConfig(ctx context.Context, providerID string, config map[string]any) error {
	secret, err := m.secretFields(providerID)
	if err != nil {
		return err
	}
	cleaned := make(map[string]any, len(config))
	for key, value := range config {
		if secret[key] {
			continue
		}
		cleaned[key] = value
	}
	raw, err := json.Marshal(cleaned)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO provider_config (provider_id, config, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (provider_id) DO UPDATE SET
			config = excluded.config,
			updated_at = excluded.updated_at
	`, providerID, string(raw), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save provider config: %w", err)
	}
	return nil
}

// SetSecret stores one secret field. The field must be declared Secret in
// the provider's schema.
func (m *Manager) SetSecret(ctx context.Context, providerID, field, value string) error {
	secret, err := m.secretFields(providerID)
	if err != nil {
		return err
	}
	if !secret[field] {
		return fmt.Errorf("field %s is not a secret field of provider %s", field, providerID)
	}
	if value == "" {
		return m.secrets.Delete(ctx, providerID, field)
	}
	return m.secrets.Set(ctx, providerID, field, value)
}

// storedConfig loads the persisted non-secret settings.
func (m *Manager) storedConfig(ctx context.Context, providerID string) (map[string]any, error) {
	var raw string
	err := m.ro.GetContext(ctx, &raw, `
		SELECT config FROM provider_config WHERE provider_id = ?
	`, providerID)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load provider config: %w", err)
	}
	var config map[string]any
	if err := json.Unmarshal([]byte(raw), &config); err != nil {
		return nil, fmt.Errorf("failed to decode provider config: %w", err)
	}
	if config == nil {
		config = map[string]any{}
	}
	return config, nil
}

// Resolved returns settings with decrypted secrets merged in. This is the
// only read path exposing plaintext secrets, used to build clients.
func (m *Manager) Resolved(ctx context.Context, providerID string) (map[string]any, error) {
	config, err := m.storedConfig(ctx, providerID)
	if err != nil {
		return nil, err
	}
	secretValues, err := m.secrets.GetAll(ctx, providerID)
	if err != nil {
		return nil, err
	}
	for field, value := range secretValues {
		config[field] = value
	}
	return config, nil
}

// View returns the sanitized provider descriptor for clients.
func (m *Manager) View(ctx context.Context, providerID string) (*ProviderView, error) {
	provider, ok := m.registry.Get(providerID)
	if !ok {
		return nil, fmt.Errorf("unknown provider %s", providerID)
	}
	config, err := m.storedConfig(ctx, providerID)
	if err != nil {
		return nil, err
	}
	fields, err := m.secrets.Fields(ctx, providerID)
	if err != nil {
		return nil, err
	}
	resolved, err := m.Resolved(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if fields == nil {
		fields = []string{}
	}
	return &ProviderView{
		ID:           provider.ID(),
		Name:         provider.Name(),
		Description:  provider.Description(),
		ConfigSchema: provider.ConfigSchema(),
		Config:       config,
		SecretsSet:   fields,
		Configured:   provider.IsConfigured(resolved),
	}, nil
}

// Views returns sanitized descriptors for every registered provider.
func (m *Manager) Views(ctx context.Context) ([]*ProviderView, error) {
	providers := m.registry.List()
	out := make([]*ProviderView, 0, len(providers))
	for _, p := range providers {
		view, err := m.View(ctx, p.ID())
		if err != nil {
			return nil, err
		}
		out = append(out, view)
	}
	return out, nil
}

// RemoveProvider deletes the stored settings and every secret for a
// provider. The provider itself stays registered with empty config.
func (m *Manager) RemoveProvider(ctx context.Context, providerID string) error {
	if _, ok := m.registry.Get(providerID); !ok {
		return fmt.Errorf("unknown provider %s", providerID)
	}
	fields, err := m.secrets.Fields(ctx, providerID)
	if err != nil {
		return err
	}
	for _, field := range fields {
		if err := m.secrets.Delete(ctx, providerID, field); err != nil {
			return err
		}
	}
	_, err = m.db.ExecContext(ctx, `DELETE FROM provider_config WHERE provider_id = ?`, providerID)
	if err != nil {
		return fmt.Errorf("failed to remove provider config: %w", err)
	}
	return nil
}

// ModelCapabilities resolves the capability tags for a provider model. When
// the provider's catalog knows nothing yet, one FetchModels round populates
// it before retrying.
func (m *Manager) ModelCapabilities(ctx context.Context, providerID, modelID string) (ai.CapabilitySet, error) {
	provider, ok := m.registry.Get(providerID)
	if !ok {
		return nil, fmt.Errorf("unknown provider %s", providerID)
	}
	caps := provider.ModelCapabilities(modelID)
	if len(caps) > 0 {
		return caps, nil
	}
	config, err := m.Resolved(ctx, providerID)
	if err != nil {
		return nil, err
	}
	fetched, err := provider.FetchModels(ctx, config)
	if err != nil {
		return nil, err
	}
	for _, model := range fetched {
		if model.ID == modelID {
			return model.Capabilities, nil
		}
	}
	return provider.ModelCapabilities(modelID), nil
}

// CreateClient resolves config and builds a streaming client for a model.
func (m *Manager) CreateClient(ctx context.Context, providerID, modelID string) (ai.Client, error) {
	provider, ok := m.registry.Get(providerID)
	if !ok {
		return nil, fmt.Errorf("unknown provider %s", providerID)
	}
	config, err := m.Resolved(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if !provider.IsConfigured(config) {
		return nil, fmt.Errorf("provider %s is not configured", providerID)
	}
	return provider.CreateClient(config, modelID)
}
