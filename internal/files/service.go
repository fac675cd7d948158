package files

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quillhq/quill/internal/common/logger"
)

// textIndexLimit caps how much text content is mirrored into the metadata
// row for search.
const textIndexLimit = 64 * 1024

// Repository is the metadata persistence consumed by the service.
type Repository interface {
	Create(ctx context.Context, file *FileContent) error
	Get(ctx context.Context, id string) (*FileContent, error)
	GetBySHA256(ctx context.Context, sum string) (*FileContent, error)
	AttachToStep(ctx context.Context, id, stepID string) error
	ListOrphansBefore(ctx context.Context, cutoff time.Time) ([]*FileContent, error)
	Delete(ctx context.Context, id string) error
	CountWithStorageKey(ctx context.Context, key string) (int64, error)
	Count(ctx context.Context) (int64, error)
}

// Service combines the metadata repository and the blob store. Blobs are
// content-addressed by SHA-256, so identical uploads share one blob while
// each upload keeps its own metadata row.
type Service struct {
	repo        Repository
	store       ObjectStore
	graceWindow time.Duration
	logger      *logger.Logger
}

// NewService wires the file service. graceWindow bounds orphan cleanup.
func NewService(repo Repository, store ObjectStore, graceWindow time.Duration, log *logger.Logger) *Service {
	if graceWindow <= 0 {
		graceWindow = 24 * time.Hour
	}
	return &Service{
		repo:        repo,
		store:       store,
		graceWindow: graceWindow,
		logger:      log.WithFields(zap.String("component", "files")),
	}
}

// Store persists one upload and returns its metadata. When the content hash
// matches an existing blob, the blob is reused and only a new metadata row
// is written.
func (s *Service) Store(ctx context.Context, relativePath, mediaType string, data []byte) (*FileContent, error) {
	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:])

	file := &FileContent{
		ID:           uuid.NewString(),
		RelativePath: relativePath,
		MediaType:    mediaType,
		Size:         int64(len(data)),
		StorageKey:   key,
		SHA256:       key,
		CreatedAt:    time.Now().UTC(),
	}
	if text := indexableText(mediaType, data); text != "" {
		file.TextContent = &text
	}

	existing, err := s.repo.GetBySHA256(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to check for duplicate content: %w", err)
	}
	if existing == nil {
		if err := s.store.Put(key, data); err != nil {
			return nil, fmt.Errorf("failed to store blob: %w", err)
		}
	} else {
		s.logger.Debug("Deduplicated upload",
			zap.String("file_id", file.ID), zap.String("sha256", key))
	}

	if err := s.repo.Create(ctx, file); err != nil {
		return nil, fmt.Errorf("failed to store file metadata: %w", err)
	}
	return file, nil
}

// Get returns a file's metadata, or nil if unknown.
func (s *Service) Get(ctx context.Context, id string) (*FileContent, error) {
	return s.repo.Get(ctx, id)
}

// Content returns a file's metadata and raw bytes.
func (s *Service) Content(ctx context.Context, id string) (*FileContent, []byte, error) {
	file, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if file == nil {
		return nil, nil, fmt.Errorf("file %s not found", id)
	}
	data, err := s.store.Get(file.StorageKey)
	if err != nil {
		return nil, nil, err
	}
	return file, data, nil
}

// AttachToStep records the step that consumed a file, removing it from the
// orphan set.
func (s *Service) AttachToStep(ctx context.Context, id, stepID string) error {
	return s.repo.AttachToStep(ctx, id, stepID)
}

// Count returns the total number of stored files.
func (s *Service) Count(ctx context.Context) (int64, error) {
	return s.repo.Count(ctx)
}

// CleanupOrphans removes files never attached to a step that are older than
// the grace window. Blobs still referenced by other rows survive. Returns
// the number of metadata rows removed.
func (s *Service) CleanupOrphans(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.graceWindow)
	orphans, err := s.repo.ListOrphansBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list orphaned files: %w", err)
	}

	var removed int64
	for _, file := range orphans {
		if err := s.repo.Delete(ctx, file.ID); err != nil {
			s.logger.Warn("Failed to delete orphaned file row",
				zap.String("file_id", file.ID), zap.Error(err))
			continue
		}
		removed++

		refs, err := s.repo.CountWithStorageKey(ctx, file.StorageKey)
		if err != nil {
			s.logger.Warn("Failed to count blob references",
				zap.String("storage_key", file.StorageKey), zap.Error(err))
			continue
		}
		if refs == 0 {
			if err := s.store.Delete(file.StorageKey); err != nil {
				s.logger.Warn("Failed to delete orphaned blob",
					zap.String("storage_key", file.StorageKey), zap.Error(err))
			}
		}
	}

	if removed > 0 {
		s.logger.Info("Cleaned up orphaned files", zap.Int64("removed", removed))
	}
	return removed, nil
}

// indexableText returns a bounded copy of textual content for search, or ""
// for binary media.
func indexableText(mediaType string, data []byte) string {
	if !strings.HasPrefix(mediaType, "text/") &&
		mediaType != "application/json" &&
		mediaType != "application/xml" {
		return ""
	}
	if !utf8.Valid(data) {
		return ""
	}
	if len(data) > textIndexLimit {
		data = data[:textIndexLimit]
	}
	return string(data)
}
