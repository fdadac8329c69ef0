package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const maxImageBytes int64 = 5 * 1024 * 1024

// ImageStorage persists flat-image expression assets.
type ImageStorage interface {
	Upload(ctx context.Context, fileHeader *multipart.FileHeader, pathSegments ...string) (string, error)
	Remove(ctx context.Context, ref string) error
}

type image struct {
	data        []byte
	contentType string
	objectName  string
}

// readImage loads an upload into memory, checks its size and content type
// and picks an object name of the form expressions/<segments...>/<uuid>.<ext>.
func readImage(fileHeader *multipart.FileHeader, pathSegments []string) (*image, error) {
	if fileHeader == nil {
		return nil, errors.New("image file not provided")
	}
	if fileHeader.Size > maxImageBytes {
		return nil, fmt.Errorf("image size exceeds %d bytes", maxImageBytes)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer src.Close()

	var buffer bytes.Buffer
	written, err := io.Copy(&buffer, io.LimitReader(src, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if written > maxImageBytes {
		return nil, fmt.Errorf("image size exceeds %d bytes", maxImageBytes)
	}

	data := buffer.Bytes()
	contentType := strings.TrimSpace(fileHeader.Header.Get("Content-Type"))
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	if !isAllowedImageContent(contentType) {
		return nil, fmt.Errorf("unsupported image content type %q", contentType)
	}

	segments := []string{"expressions"}
	for _, segment := range pathSegments {
		trimmed := strings.Trim(path.Clean("/"+strings.ReplaceAll(segment, "\\", "/")), "/")
		if trimmed != "" {
			segments = append(segments, trimmed)
		}
	}
	objectName := path.Join(path.Join(segments...), uuid.NewString()+imageExtension(fileHeader.Filename, contentType))

	return &image{data: data, contentType: contentType, objectName: objectName}, nil
}

func isAllowedImageContent(contentType string) bool {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "image/png", "image/x-png":
		return true
	case "image/jpeg", "image/pjpeg":
		return true
	case "image/webp":
		return true
	case "image/gif":
		return true
	default:
		return false
	}
}

func imageExtension(filename, contentType string) string {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "image/png", "image/x-png":
		return ".png"
	case "image/jpeg", "image/pjpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	}
	ext := strings.ToLower(strings.TrimSpace(filepath.Ext(filename)))
	if ext == "" {
		return ".bin"
	}
	return ext
}
