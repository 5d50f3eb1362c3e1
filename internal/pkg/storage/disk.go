package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DiskStore 把文件保存在本地目录，由 HTTP 服务以静态文件方式对外提供。
type DiskStore struct {
	root    string
	baseURL string
}

func NewDiskStore(root, baseURL string) (*DiskStore, error) {
	if root == "" {
		return nil, errors.New("storage root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &DiskStore{root: abs, baseURL: baseURL}, nil
}

// Root 返回本地根目录。
func (s *DiskStore) Root() string { return s.root }

// BaseURL 返回对外访问前缀。
func (s *DiskStore) BaseURL() string { return s.baseURL }

func (s *DiskStore) Put(ctx context.Context, folder, name string, r io.Reader, size int64, contentType string) (*Object, error) {
	key := newKey(folder, name, time.Now())
	full, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(full)
		return nil, fmt.Errorf("write file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(full)
		return nil, fmt.Errorf("close file: %w", err)
	}
	return &Object{Key: key, URL: joinURL(s.baseURL, key)}, nil
}

func (s *DiskStore) Delete(ctx context.Context, key string) error {
	full, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

func (s *DiskStore) resolve(key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	full := filepath.Join(s.root, filepath.FromSlash(key))
	if !strings.HasPrefix(full, s.root+string(os.PathSeparator)) {
		return "", ErrInvalidKey
	}
	return full, nil
}
