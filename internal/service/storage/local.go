// Package storage keeps uploaded attachments on local disk and serves them
// under a public URL prefix.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/pkg/logger"
)

var (
	ErrEmptyFile      = errors.New("file is empty")
	ErrTooLarge       = errors.New("file exceeds size limit")
	ErrTypeNotAllowed = errors.New("file type not allowed")
	ErrUnknownObject  = errors.New("not a stored object")
)

const sniffLen = 512

// Config describes where files go and what is accepted.
type Config struct {
	Dir          string
	BaseURL      string
	MaxBytes     int64
	AllowedTypes []string
}

// Object is a stored file.
type Object struct {
	Key         string
	URL         string
	Name        string
	ContentType string
	Size        int64
}

// LocalUploader writes files under Dir with random names.
type LocalUploader struct {
	cfg Config
	log *zap.Logger
}

// NewLocalUploader creates Dir if needed and serves keys under BaseURL.
func NewLocalUploader(cfg Config, log *zap.Logger) (*LocalUploader, error) {
	if cfg.Dir == "" {
		return nil, errors.New("upload dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &LocalUploader{cfg: cfg, log: logger.OrNop(log)}, nil
}

// Dir returns the root directory, for static file serving.
func (u *LocalUploader) Dir() string {
	return u.cfg.Dir
}

// Upload validates and stores r. An empty or generic contentType is sniffed
// from the first bytes of the file.
func (u *LocalUploader) Upload(ctx context.Context, name, contentType string, size int64, r io.Reader) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	if u.cfg.MaxBytes > 0 && size > u.cfg.MaxBytes {
		return Object{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Object{}, fmt.Errorf("read upload: %w", err)
	}
	head = head[:n]
	if n == 0 {
		return Object{}, ErrEmptyFile
	}

	mediaType := normalizeType(contentType)
	if mediaType == "" || mediaType == "application/octet-stream" {
		mediaType = normalizeType(http.DetectContentType(head))
	}
	if !u.allowed(mediaType) {
		return Object{}, fmt.Errorf("%w: %s", ErrTypeNotAllowed, mediaType)
	}

	key := uuid.NewString() + safeExt(name)
	path := filepath.Join(u.cfg.Dir, key)
	dst, err := os.Create(path)
	if err != nil {
		return Object{}, fmt.Errorf("create file: %w", err)
	}

	src := io.MultiReader(bytes.NewReader(head), r)
	if u.cfg.MaxBytes > 0 {
		src = io.LimitReader(src, u.cfg.MaxBytes+1)
	}
	written, copyErr := io.Copy(dst, src)
	closeErr := dst.Close()

	switch {
	case copyErr != nil:
		u.remove(path)
		return Object{}, fmt.Errorf("write file: %w", copyErr)
	case closeErr != nil:
		u.remove(path)
		return Object{}, fmt.Errorf("close file: %w", closeErr)
	case u.cfg.MaxBytes > 0 && written > u.cfg.MaxBytes:
		u.remove(path)
		return Object{}, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, u.cfg.MaxBytes)
	}

	return Object{
		Key:         key,
		URL:         u.cfg.BaseURL + "/" + key,
		Name:        filepath.Base(name),
		ContentType: mediaType,
		Size:        written,
	}, nil
}

// Stat resolves a public URL back to the object stored under it. URLs outside
// BaseURL and missing files yield ErrUnknownObject. ContentType is sniffed
// from the stored bytes, never taken from the caller.
func (u *LocalUploader) Stat(ctx context.Context, url string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	key, ok := strings.CutPrefix(url, u.cfg.BaseURL+"/")
	if !ok || !validKey(key) {
		return Object{}, fmt.Errorf("%w: %s", ErrUnknownObject, url)
	}

	f, err := os.Open(filepath.Join(u.cfg.Dir, key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Object{}, fmt.Errorf("%w: %s", ErrUnknownObject, url)
		}
		return Object{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Object{}, err
	}
	if !info.Mode().IsRegular() {
		return Object{}, fmt.Errorf("%w: %s", ErrUnknownObject, url)
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Object{}, fmt.Errorf("read object: %w", err)
	}

	return Object{
		Key:         key,
		URL:         u.cfg.BaseURL + "/" + key,
		Name:        key,
		ContentType: normalizeType(http.DetectContentType(head[:n])),
		Size:        info.Size(),
	}, nil
}

// Delete removes a stored object; a missing file is not an error.
func (u *LocalUploader) Delete(key string) error {
	if !validKey(key) {
		return fmt.Errorf("invalid key %q", key)
	}
	err := os.Remove(filepath.Join(u.cfg.Dir, key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func validKey(key string) bool {
	return key != "" && !strings.Contains(key, "..") && !strings.ContainsAny(key, `/\`)
}

func (u *LocalUploader) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		u.log.Warn("remove partial upload failed", zap.String("path", path), zap.Error(err))
	}
}

// allowed matches exact types and "major/*" wildcards. No list allows all.
func (u *LocalUploader) allowed(mediaType string) bool {
	if len(u.cfg.AllowedTypes) == 0 {
		return true
	}
	for _, pattern := range u.cfg.AllowedTypes {
		if pattern == mediaType {
			return true
		}
		if major, ok := strings.CutSuffix(pattern, "/*"); ok && strings.HasPrefix(mediaType, major+"/") {
			return true
		}
	}
	return false
}

func normalizeType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mediaType
}

func safeExt(name string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(name)))
	if len(ext) > 16 {
		return ""
	}
	for _, r := range ext[min(1, len(ext)):] {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return ""
		}
	}
	return ext
}
