// Package storage 保存图书封面与电子书文件，支持本地磁盘与 S3 兼容对象存储。
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"

	"libraryhub/internal/config"

	"github.com/google/uuid"
)

// ErrInvalidKey 表示存储键非法（为空或试图越出根目录）。
var ErrInvalidKey = errors.New("invalid storage key")

// Object 已保存对象的键与公开访问地址。
type Object struct {
	Key string
	URL string
}

// Store 对象存储接口。
type Store interface {
	// Put 保存内容，folder 为逻辑目录（如 "covers"），name 仅用于推断扩展名。
	Put(ctx context.Context, folder, name string, r io.Reader, size int64, contentType string) (*Object, error)
	// Delete 删除对象，对象不存在时不报错。
	Delete(ctx context.Context, key string) error
}

// New 按配置创建存储实现。
func New(ctx context.Context, cfg *config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "disk", "local":
		return NewDiskStore(cfg.LocalDir, cfg.PublicBaseURL)
	case "s3", "minio":
		return NewS3Store(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// newKey 生成 folder/yyyy/mm/<uuid><ext> 形式的键。
func newKey(folder, name string, now time.Time) string {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) > 10 {
		ext = ""
	}
	return path.Join(cleanFolder(folder), now.Format("2006/01"), uuid.NewString()+ext)
}

func cleanFolder(folder string) string {
	folder = strings.Trim(path.Clean("/"+folder), "/")
	if folder == "" {
		return "misc"
	}
	return folder
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + key
}
