package persistence

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deskflow/helpdesk/internal/config"
	"github.com/deskflow/helpdesk/internal/domain"
	apperrors "github.com/deskflow/helpdesk/pkg/util"
)

var allowedAttachment = regexp.MustCompile(`^\.(jpg|jpeg|png|gif|pdf|doc|docx|xls|xlsx|zip|rar)$`)

// ErrAttachmentTooLarge is returned when an upload exceeds the size limit.
var ErrAttachmentTooLarge = errors.New("attachment too large")

// Upload is one incoming file.
type Upload struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

// AttachmentStore keeps uploaded files on local disk.
type AttachmentStore struct {
	dir      string
	maxBytes int64
	maxFiles int
	now      func() time.Time
	logger   *zap.Logger
}

// NewAttachmentStore creates the upload directory when missing.
func NewAttachmentStore(cfg config.StorageConfig, logger *zap.Logger) (*AttachmentStore, error) {
	dir := cfg.UploadDir
	if dir == "" {
		dir = "uploads"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AttachmentStore{
		dir:      dir,
		maxBytes: cfg.MaxAttachmentBytes,
		maxFiles: cfg.MaxFilesPerRequest,
		now:      time.Now,
		logger:   logger,
	}, nil
}

// MaxBytes reports the per-file limit.
func (s *AttachmentStore) MaxBytes() int64 { return s.maxBytes }

// Check validates an upload batch before anything is written.
func (s *AttachmentStore) Check(uploads []Upload) error {
	if s.maxFiles > 0 && len(uploads) > s.maxFiles {
		return apperrors.NewValidationError("too many attachments", map[string]any{"max": s.maxFiles, "files": len(uploads)})
	}
	for _, u := range uploads {
		ext := strings.ToLower(filepath.Ext(u.Name))
		if !allowedAttachment.MatchString(ext) {
			return apperrors.NewValidationError("file type not allowed", map[string]any{"name": u.Name})
		}
		if s.maxBytes > 0 && u.Size > s.maxBytes {
			return apperrors.NewValidationError("attachment too large", map[string]any{"name": u.Name, "max_bytes": s.maxBytes})
		}
	}
	return nil
}

// SaveAll writes every upload and returns the attachment metadata. On
// failure the files already written are removed again.
func (s *AttachmentStore) SaveAll(uploads []Upload) ([]domain.Attachment, error) {
	if err := s.Check(uploads); err != nil {
		return nil, err
	}
	saved := make([]domain.Attachment, 0, len(uploads))
	for _, u := range uploads {
		att, err := s.save(u)
		if err != nil {
			for _, done := range saved {
				_ = s.Remove(done.Path)
			}
			return nil, err
		}
		saved = append(saved, att)
	}
	return saved, nil
}

func (s *AttachmentStore) save(u Upload) (domain.Attachment, error) {
	id := uuid.NewString()
	name := filepath.Base(u.Name)
	stored := fmt.Sprintf("%d-%s-%s", s.now().UnixMilli(), id[:8], name)
	path := filepath.Join(s.dir, stored)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("create attachment file: %w", err)
	}
	body := u.Body
	if s.maxBytes > 0 {
		body = io.LimitReader(u.Body, s.maxBytes+1)
	}
	n, copyErr := io.Copy(f, body)
	closeErr := f.Close()
	if copyErr == nil && s.maxBytes > 0 && n > s.maxBytes {
		copyErr = ErrAttachmentTooLarge
	}
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(path)
		if errors.Is(copyErr, ErrAttachmentTooLarge) {
			return domain.Attachment{}, apperrors.NewValidationError("attachment too large", map[string]any{"name": name, "max_bytes": s.maxBytes})
		}
		return domain.Attachment{}, fmt.Errorf("write attachment: %w", errors.Join(copyErr, closeErr))
	}

	contentType := u.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	s.logger.Debug("attachment stored", zap.String("path", path), zap.Int64("size", n))
	return domain.Attachment{
		ID:         id,
		Name:       name,
		Path:       stored,
		Size:       n,
		Type:       contentType,
		UploadedAt: s.now().UTC(),
	}, nil
}

// Open returns the stored file for download.
func (s *AttachmentStore) Open(path string) (io.ReadCloser, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.NewNotFound("attachment file", map[string]any{"path": path})
		}
		return nil, err
	}
	return f, nil
}

// Remove deletes a stored file. A file that is already gone is not an error.
func (s *AttachmentStore) Remove(path string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *AttachmentStore) resolve(path string) (string, error) {
	name := filepath.Base(path)
	if name == "." || name == string(filepath.Separator) || name != path {
		return "", apperrors.NewValidationError("invalid attachment path", map[string]any{"path": path})
	}
	return filepath.Join(s.dir, name), nil
}
