package live2d

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	rardecode "github.com/nwaples/rardecode/v2"
)

const (
	maxArchiveBytes  int64 = 200 * 1024 * 1024
	archiveFormatZip       = "zip"
	archiveFormatRar       = "rar"
)

// entryPriority orders entry-file candidates when no hint is given.
var entryPriority = []struct {
	suffix string
	format string
}{
	{".model3.json", FormatLive2D},
	{".vrm", FormatVRM},
	{".glb", FormatGLB},
	{".gltf", FormatGLTF},
}

// FormatForEntry returns the model format implied by an entry file name.
func FormatForEntry(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	if u, err := urlPath(lower); err == nil {
		lower = u
	}
	for _, candidate := range entryPriority {
		if strings.HasSuffix(lower, candidate.suffix) {
			return candidate.format
		}
	}
	return ""
}

// AssetStorage extracts model archives into per-model folders.
type AssetStorage struct {
	baseDir string
}

// Extracted describes an unpacked archive.
type Extracted struct {
	Folder  string
	Entry   string
	Format  string
	Preview *string
}

func NewAssetStorage(dir string) (*AssetStorage, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = "./data/live2d"
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("live2d: resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("live2d: ensure storage dir: %w", err)
	}
	return &AssetStorage{baseDir: abs}, nil
}

func (s *AssetStorage) BaseDir() string {
	if s == nil {
		return ""
	}
	return s.baseDir
}

// SaveArchive unpacks a .zip or .rar upload and locates its entry file.
func (s *AssetStorage) SaveArchive(fileHeader *multipart.FileHeader, entryHint, previewHint string) (*Extracted, error) {
	if s == nil {
		return nil, errors.New("live2d: asset storage not configured")
	}
	if fileHeader == nil {
		return nil, errors.New("live2d: archive file not provided")
	}
	if fileHeader.Size > maxArchiveBytes {
		return nil, fmt.Errorf("live2d: archive size exceeds %d bytes", maxArchiveBytes)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return nil, fmt.Errorf("live2d: open archive: %w", err)
	}
	defer src.Close()

	tmpFile, err := os.CreateTemp("", "model-archive-*")
	if err != nil {
		return nil, fmt.Errorf("live2d: create temp file: %w", err)
	}
	defer func() {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
	}()

	written, err := io.Copy(tmpFile, io.LimitReader(src, maxArchiveBytes+1))
	if err != nil {
		return nil, fmt.Errorf("live2d: copy archive: %w", err)
	}
	if written > maxArchiveBytes {
		return nil, fmt.Errorf("live2d: archive size exceeds %d bytes", maxArchiveBytes)
	}

	format, err := detectArchiveFormat(tmpFile, fileHeader.Filename)
	if err != nil {
		return nil, err
	}

	folder := uuid.NewString()
	destDir := filepath.Join(s.baseDir, folder)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("live2d: create model dir: %w", err)
	}
	cleanup := true
	defer func() {
		if cleanup {
			os.RemoveAll(destDir)
		}
	}()

	state := newExtractionState(normalizeArchivePath(entryHint), normalizeArchivePath(previewHint))
	switch format {
	case archiveFormatZip:
		err = extractZip(tmpFile, written, destDir, state)
	case archiveFormatRar:
		err = extractRar(tmpFile, destDir, state)
	}
	if err != nil {
		return nil, err
	}

	entry, preview, err := state.resolve()
	if err != nil {
		return nil, err
	}
	cleanup = false
	return &Extracted{Folder: folder, Entry: entry, Format: FormatForEntry(entry), Preview: preview}, nil
}

// Path resolves a file inside a model folder, refusing traversal.
func (s *AssetStorage) Path(folder, rel string) (string, error) {
	base := filepath.Join(s.baseDir, folder)
	target := filepath.Join(base, filepath.FromSlash(rel))
	if !strings.HasPrefix(target, base+string(os.PathSeparator)) {
		return "", fmt.Errorf("live2d: path %q escapes model folder", rel)
	}
	return target, nil
}

func (s *AssetStorage) Remove(folder string) error {
	if s == nil {
		return nil
	}
	trimmed := strings.TrimSpace(folder)
	if trimmed == "" {
		return nil
	}
	target := filepath.Join(s.baseDir, trimmed)
	if !strings.HasPrefix(target, s.baseDir+string(os.PathSeparator)) {
		return fmt.Errorf("live2d: invalid folder %q", folder)
	}
	return os.RemoveAll(target)
}

func extractZip(tmpFile *os.File, size int64, destDir string, state *extractionState) error {
	reader, err := zip.NewReader(tmpFile, size)
	if err != nil {
		return fmt.Errorf("live2d: parse archive: %w", err)
	}
	for _, file := range reader.File {
		if file.FileInfo().IsDir() {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return fmt.Errorf("live2d: open entry %s: %w", file.Name, err)
		}
		err = writeEntry(destDir, file.Name, rc, state)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func extractRar(tmpFile *os.File, destDir string, state *extractionState) error {
	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("live2d: rewind temp file: %w", err)
	}
	rr, err := rardecode.NewReader(tmpFile)
	if err != nil {
		return fmt.Errorf("live2d: parse rar archive: %w", err)
	}
	for {
		header, err := rr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("live2d: read rar entry: %w", err)
		}
		if header.IsDir {
			continue
		}
		if err := writeEntry(destDir, header.Name, rr, state); err != nil {
			return err
		}
	}
}

// writeEntry copies one archive member below destDir. Skipped members are
// drained so streaming readers stay aligned.
func writeEntry(destDir, name string, r io.Reader, state *extractionState) error {
	sanitized, err := sanitizeArchiveEntry(name)
	if err != nil {
		return err
	}
	if sanitized == "" {
		_, err := io.Copy(io.Discard, r)
		return err
	}

	targetPath := filepath.Join(destDir, filepath.FromSlash(sanitized))
	if !strings.HasPrefix(targetPath, destDir+string(os.PathSeparator)) {
		return fmt.Errorf("live2d: archive entry escapes target dir: %s", name)
	}
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return fmt.Errorf("live2d: prepare dir %s: %w", sanitized, err)
	}

	dst, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("live2d: create file %s: %w", sanitized, err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, r); err != nil {
		return fmt.Errorf("live2d: write file %s: %w", sanitized, err)
	}

	state.observe(sanitized)
	return nil
}

func detectArchiveFormat(file *os.File, originalName string) (string, error) {
	ext := strings.ToLower(strings.TrimSpace(filepath.Ext(originalName)))
	switch ext {
	case ".zip":
		return archiveFormatZip, nil
	case ".rar":
		return archiveFormatRar, nil
	}

	var header [8]byte
	n, err := file.ReadAt(header[:], 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("live2d: read archive header: %w", err)
	}
	head := header[:n]
	switch {
	case len(head) >= 2 && head[0] == 'P' && head[1] == 'K':
		return archiveFormatZip, nil
	case len(head) >= 6 && bytes.Equal(head[:6], []byte("Rar!\x1a\x07")):
		return archiveFormatRar, nil
	case ext != "":
		return "", fmt.Errorf("live2d: unsupported archive format %q", ext)
	default:
		return "", errors.New("live2d: unsupported archive format, only .zip and .rar are accepted")
	}
}

func sanitizeArchiveEntry(name string) (string, error) {
	normalized := normalizeArchivePath(name)
	if normalized == "" {
		return "", nil
	}
	if normalized == ".." || strings.HasPrefix(normalized, "../") || strings.HasPrefix(normalized, "/") {
		return "", fmt.Errorf("live2d: archive entry %q uses parent traversal", name)
	}
	if strings.HasPrefix(strings.ToLower(normalized), "__macosx/") {
		return "", nil
	}
	return normalized, nil
}

func normalizeArchivePath(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	normalized := path.Clean(strings.ReplaceAll(trimmed, "\\", "/"))
	normalized = strings.TrimPrefix(normalized, "./")
	if normalized == "." {
		return ""
	}
	return normalized
}

func isImagePath(p string) bool {
	switch strings.ToLower(path.Ext(p)) {
	case ".png", ".jpg", ".jpeg", ".webp", ".gif":
		return true
	default:
		return false
	}
}

type extractionState struct {
	entryHint        string
	previewHint      string
	entryHintFound   bool
	previewHintFound bool
	candidates       map[string]string
	previewCandidate string
}

func newExtractionState(entryHint, previewHint string) *extractionState {
	return &extractionState{entryHint: entryHint, previewHint: previewHint, candidates: map[string]string{}}
}

func (s *extractionState) observe(relPath string) {
	if s.entryHint != "" && strings.EqualFold(relPath, s.entryHint) {
		s.entryHint = relPath
		s.entryHintFound = true
	}
	if s.previewHint != "" && strings.EqualFold(relPath, s.previewHint) {
		s.previewHint = relPath
		s.previewHintFound = true
	}
	if format := FormatForEntry(relPath); format != "" {
		if _, seen := s.candidates[format]; !seen {
			s.candidates[format] = relPath
		}
	}
	if s.previewCandidate == "" && isImagePath(relPath) {
		s.previewCandidate = relPath
	}
}

func (s *extractionState) resolve() (string, *string, error) {
	var entry string
	switch {
	case s.entryHint != "":
		if !s.entryHintFound {
			return "", nil, fmt.Errorf("live2d: entry file %q not found in archive", s.entryHint)
		}
		if FormatForEntry(s.entryHint) == "" {
			return "", nil, fmt.Errorf("live2d: entry file %q is not a supported model format", s.entryHint)
		}
		entry = s.entryHint
	default:
		for _, candidate := range entryPriority {
			if found, ok := s.candidates[candidate.format]; ok {
				entry = found
				break
			}
		}
		if entry == "" {
			return "", nil, errors.New("live2d: unable to detect model entry file (.model3.json, .vrm, .glb, .gltf)")
		}
	}

	switch {
	case s.previewHint != "":
		if !s.previewHintFound {
			return "", nil, fmt.Errorf("live2d: preview file %q not found in archive", s.previewHint)
		}
		preview := s.previewHint
		return entry, &preview, nil
	case s.previewCandidate != "":
		preview := s.previewCandidate
		return entry, &preview, nil
	}
	return entry, nil, nil
}
