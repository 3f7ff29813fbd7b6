package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/matheus3301/wppcache/internal/backend"
	"go.uber.org/zap"
)

// BlobScheme prefixes references returned by UploadBlob.
const BlobScheme = "blob://"

const blobChunk = 64 << 10

// UploadBlob writes data under the blob directory, then records it.
func (s *Backend) UploadBlob(ctx context.Context, path string, data []byte, onProgress func(sent, total int64)) (string, error) {
	dst, err := s.blobPath(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0700); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create blob: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	total := int64(len(data))
	for off := 0; off < len(data); off += blobChunk {
		if err := ctx.Err(); err != nil {
			_ = tmp.Close()
			return "", err
		}
		end := min(off+blobChunk, len(data))
		if _, err := tmp.Write(data[off:end]); err != nil {
			_ = tmp.Close()
			return "", fmt.Errorf("write blob: %w", err)
		}
		if onProgress != nil {
			onProgress(int64(end), total)
		}
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("commit blob: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO blobs (path, size, created_at) VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET size = excluded.size, created_at = excluded.created_at`,
		path, total, time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("record blob: %w", err)
	}
	s.logger.Info("blob stored", zap.String("path", path), zap.Int64("bytes", total))
	return BlobScheme + path, nil
}

// ReadBlob returns the bytes behind a reference returned by UploadBlob.
func (s *Backend) ReadBlob(ref string) ([]byte, error) {
	path, ok := strings.CutPrefix(ref, BlobScheme)
	if !ok {
		return nil, fmt.Errorf("%w: not a blob reference: %q", backend.ErrInvalid, ref)
	}
	dst, err := s.blobPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(dst)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: blob %q", backend.ErrNotFound, path)
	}
	return data, err
}

// blobPath maps a relative blob path into the blob directory.
func (s *Backend) blobPath(path string) (string, error) {
	if s.blobDir == "" {
		return "", fmt.Errorf("%w: blob storage disabled", backend.ErrUnavailable)
	}
	clean := filepath.Clean(filepath.FromSlash(path))
	if path == "" || filepath.IsAbs(clean) || clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: blob path %q", backend.ErrInvalid, path)
	}
	return filepath.Join(s.blobDir, clean), nil
}
