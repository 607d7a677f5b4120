// Package media stores message attachments and call recordings on the
// local filesystem and serves them over HTTP.
package media

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LocalStore writes files under root/<account>/ and returns URLs below
// baseURL. Stored names are fresh UUIDs; the original file name only
// contributes its extension.
type LocalStore struct {
	root    string
	baseURL string
	logger  *slog.Logger
}

// NewLocalStore creates the store and its root directory.
func NewLocalStore(log *slog.Logger, root, baseURL string) (*LocalStore, error) {
	if log == nil {
		log = slog.Default()
	}
	if root == "" {
		root = "data/media"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create media root: %w", err)
	}
	return &LocalStore{
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  log.With(slog.String("service", "media")),
	}, nil
}

// Root returns the directory files are stored under, for the static
// file route.
func (s *LocalStore) Root() string {
	return s.root
}

// Save writes one file and returns its URL.
func (s *LocalStore) Save(ctx context.Context, accountID, fileName, mimeType string, data []byte) (string, error) {
	if accountID == "" {
		return "", fmt.Errorf("account id is required")
	}
	dir := filepath.Join(s.root, accountID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create account media dir: %w", err)
	}
	name := uuid.NewString() + extensionFor(fileName, mimeType)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write media file: %w", err)
	}
	s.logger.Debug("media stored",
		slog.String("account_id", accountID),
		slog.String("file", name),
		slog.Int("bytes", len(data)))
	return s.baseURL + "/" + accountID + "/" + name, nil
}

// extensionFor picks a file extension from the original name, falling
// back to the MIME type.
func extensionFor(fileName, mimeType string) string {
	if ext := filepath.Ext(fileName); ext != "" && len(ext) <= 8 && !strings.ContainsAny(ext, "/\\") {
		return strings.ToLower(ext)
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}
