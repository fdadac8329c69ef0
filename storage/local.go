package storage

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
)

// LocalRoutePrefix is where LocalImageStorage serves its files.
const LocalRoutePrefix = "/expressions/images"

// LocalImageStorage keeps expression images on the local disk and serves
// them over HTTP. It is used when no bucket is configured.
type LocalImageStorage struct {
	baseDir string
}

func NewLocalImageStorage(dir string) (*LocalImageStorage, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = "./data/expressions"
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve image dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure image dir: %w", err)
	}
	return &LocalImageStorage{baseDir: abs}, nil
}

// Upload writes the image below the base dir and returns its URL path.
func (s *LocalImageStorage) Upload(_ context.Context, fileHeader *multipart.FileHeader, pathSegments ...string) (string, error) {
	if s == nil {
		return "", errors.New("image storage not configured")
	}
	img, err := readImage(fileHeader, pathSegments)
	if err != nil {
		return "", err
	}
	target, err := s.resolve(img.objectName)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("prepare image dir: %w", err)
	}
	if err := os.WriteFile(target, img.data, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	return path.Join(LocalRoutePrefix, img.objectName), nil
}

// Remove deletes a file previously returned by Upload. Other references
// are ignored.
func (s *LocalImageStorage) Remove(_ context.Context, ref string) error {
	if s == nil {
		return nil
	}
	trimmed := strings.TrimSpace(ref)
	if !strings.HasPrefix(trimmed, LocalRoutePrefix+"/") {
		return nil
	}
	target, err := s.resolve(strings.TrimPrefix(trimmed, LocalRoutePrefix+"/"))
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// RegisterRoutes serves stored images under LocalRoutePrefix.
func (s *LocalImageStorage) RegisterRoutes(router gin.IRouter) {
	router.GET(LocalRoutePrefix+"/*filepath", func(c *gin.Context) {
		target, err := s.resolve(c.Param("filepath"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid image path"})
			return
		}
		info, err := os.Stat(target)
		if err != nil || info.IsDir() {
			c.JSON(http.StatusNotFound, gin.H{"error": "image not found"})
			return
		}
		c.Header("Cache-Control", "public, max-age=604800")
		c.File(target)
	})
}

func (s *LocalImageStorage) resolve(rel string) (string, error) {
	cleaned := strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(rel, "\\", "/")), "/")
	if cleaned == "" {
		return "", fmt.Errorf("storage: empty image path")
	}
	target := filepath.Join(s.baseDir, filepath.FromSlash(cleaned))
	if !strings.HasPrefix(target, s.baseDir+string(os.PathSeparator)) {
		return "", fmt.Errorf("storage: path %q escapes image dir", rel)
	}
	return target, nil
}
