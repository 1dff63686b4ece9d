package csvlist

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrUnsafeFilename indicates a name that would escape the CSV directory
	ErrUnsafeFilename = errors.New("unsafe csv filename")
	// ErrFileNotFound indicates the named CSV is not in the store
	ErrFileNotFound = errors.New("csv file not found")
)

var (
	unsafeChars    = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)
	uploadPrefixRe = regexp.MustCompile(`^\d+_`)
)

// StoredFile describes one recipient list on disk.
type StoredFile struct {
	Name       string    `json:"name"`         // stored filename (with timestamp prefix)
	Display    string    `json:"display_name"` // operator-facing name
	Path       string    `json:"-"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Store manages uploaded recipient CSV files in a single directory.
type Store struct {
	dir string
}

// NewStore creates the CSV store, ensuring its directory exists.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create csv dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's directory.
func (s *Store) Dir() string {
	return s.dir
}

// SanitizeFilename strips path components and unsafe characters from an
// uploaded filename. Returns "recipients.csv" when nothing usable remains.
func SanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "recipients.csv"
	}
	if !strings.HasSuffix(strings.ToLower(name), ".csv") {
		name += ".csv"
	}
	return name
}

// DisplayName strips the upload timestamp prefix from a stored filename.
func DisplayName(stored string) string {
	return uploadPrefixRe.ReplaceAllString(stored, "")
}

// SaveUpload stores an uploaded CSV under a timestamped name and returns
// the stored file record.
func (s *Store) SaveUpload(originalName string, r io.Reader) (*StoredFile, error) {
	now := time.Now()
	stored := fmt.Sprintf("%d_%s", now.Unix(), SanitizeFilename(originalName))
	path := filepath.Join(s.dir, stored)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}
	defer f.Close()

	size, err := io.Copy(f, r)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to write upload: %w", err)
	}

	return &StoredFile{
		Name:       stored,
		Display:    DisplayName(stored),
		Path:       path,
		Size:       size,
		UploadedAt: now,
	}, nil
}

// Resolve maps a stored filename to its absolute path, refusing anything
// that would land outside the CSV directory.
func (s *Store) Resolve(name string) (string, error) {
	base := filepath.Base(name)
	if base == "" || base == "." || base == ".." || strings.ContainsRune(base, 0) {
		return "", ErrUnsafeFilename
	}
	path := filepath.Join(s.dir, base)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", ErrFileNotFound
	}
	return path, nil
}

// Delete removes a stored CSV by name.
func (s *Store) Delete(name string) error {
	path, err := s.Resolve(name)
	if err != nil {
		return err
	}
	return os.Remove(path)
}

// List returns all stored CSV files, newest first. Upload time comes from
// the timestamp prefix when present, file mtime otherwise.
func (s *Store) List() ([]StoredFile, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read csv dir: %w", err)
	}

	files := make([]StoredFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".csv") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		uploaded := info.ModTime()
		if m := uploadPrefixRe.FindString(entry.Name()); m != "" {
			if ts, err := strconv.ParseInt(strings.TrimSuffix(m, "_"), 10, 64); err == nil {
				uploaded = time.Unix(ts, 0)
			}
		}

		files = append(files, StoredFile{
			Name:       entry.Name(),
			Display:    DisplayName(entry.Name()),
			Path:       filepath.Join(s.dir, entry.Name()),
			Size:       info.Size(),
			UploadedAt: uploaded,
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].UploadedAt.After(files[j].UploadedAt)
	})

	return files, nil
}
