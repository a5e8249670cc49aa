// Package blob stores message attachments and hands back public URLs.
package blob

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"agrolink/internal/models"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// Object describes a stored attachment.
type Object struct {
	Name        string
	URL         string
	Size        int64
	ContentType string
	Kind        models.MessageType
	ModTime     time.Time
}

// Store uploads bytes and returns where they can be fetched from.
type Store interface {
	Put(ctx context.Context, originalName string, data []byte) (*Object, error)
}

// DiskStore writes attachments under a directory that is served at baseURL.
type DiskStore struct {
	dir      string
	baseURL  string
	maxBytes int64
}

// NewDiskStore creates a DiskStore. maxBytes <= 0 disables the size check.
func NewDiskStore(dir, baseURL string, maxBytes int64) *DiskStore {
	return &DiskStore{
		dir:      dir,
		baseURL:  strings.TrimRight(baseURL, "/"),
		maxBytes: maxBytes,
	}
}

// Dir is the directory attachments are written to.
func (s *DiskStore) Dir() string {
	return s.dir
}

// Put sniffs the content type, stores data under a fresh name and returns its URL.
// The original name only contributes its extension when sniffing finds none.
func (s *DiskStore) Put(ctx context.Context, originalName string, data []byte) (*Object, error) {
	if len(data) == 0 {
		return nil, models.NewValidationError("upload is empty")
	}
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return nil, models.NewValidationError(fmt.Sprintf("upload exceeds %d bytes", s.maxBytes))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mt := mimetype.Detect(data)
	ext := mt.Extension()
	if ext == "" {
		ext = strings.ToLower(filepath.Ext(originalName))
	}

	name := uuid.NewString() + ext
	if err := writeBytesToFile(filepath.Join(s.dir, name), data); err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	return &Object{
		Name:        name,
		URL:         s.baseURL + "/" + url.PathEscape(name),
		Size:        int64(len(data)),
		ContentType: normalizeContentType(mt.String()),
		Kind:        KindFor(mt.String()),
		ModTime:     time.Now().UTC(),
	}, nil
}

// KindFor picks the message type an attachment of this content type is sent as.
func KindFor(contentType string) models.MessageType {
	if strings.HasPrefix(normalizeContentType(contentType), "image/") {
		return models.MessageTypeImage
	}
	return models.MessageTypeFile
}

func normalizeContentType(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

func writeBytesToFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
