// Package storage writes attachment bytes to a filesystem.
package storage

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"

	"intake_server/core/port/out"

	"github.com/spf13/afero"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._ -]+`)

const maxFilenameLength = 180

// AttachmentStore lays files out as <messageID>/<sanitized filename>.
// Returned paths are relative to the filesystem root.
type AttachmentStore struct {
	fs afero.Fs
}

// NewAttachmentStore roots the store at dir on the OS filesystem.
func NewAttachmentStore(dir string) *AttachmentStore {
	return NewAttachmentStoreFs(afero.NewBasePathFs(afero.NewOsFs(), dir))
}

func NewAttachmentStoreFs(fs afero.Fs) *AttachmentStore {
	return &AttachmentStore{fs: fs}
}

// Save writes data and returns its path. An existing file with the same
// name gets a numeric suffix instead of being overwritten.
func (s *AttachmentStore) Save(ctx context.Context, messageID, filename string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dir := SanitizeFilename(messageID)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create attachment dir: %w", err)
	}

	name := SanitizeFilename(filename)
	p := path.Join(dir, name)
	for i := 1; ; i++ {
		exists, err := afero.Exists(s.fs, p)
		if err != nil {
			return "", err
		}
		if !exists {
			break
		}
		ext := path.Ext(name)
		p = path.Join(dir, fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), i, ext))
	}

	if err := afero.WriteFile(s.fs, p, data, 0o644); err != nil {
		return "", fmt.Errorf("write attachment: %w", err)
	}
	return p, nil
}

func (s *AttachmentStore) Open(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return afero.ReadFile(s.fs, p)
}

// SanitizeFilename strips directory components and characters that are
// unsafe on common filesystems.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.TrimLeft(strings.TrimSpace(name), ".")
	if len(name) > maxFilenameLength {
		ext := path.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = name[:maxFilenameLength-len(ext)] + ext
	}
	if name == "" || name == "/" {
		return "attachment"
	}
	return name
}

var _ out.AttachmentStore = (*AttachmentStore)(nil)
