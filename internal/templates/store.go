package templates

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spsoc/batchmailer/internal/csvlist"
)

var (
	// ErrNotFound indicates the named template file does not exist
	ErrNotFound = errors.New("template not found")
	// ErrUnreadable indicates the template file exists but cannot be parsed
	ErrUnreadable = errors.New("template unreadable")
	// ErrUnsafeFilename indicates a name that would escape the template directory
	ErrUnsafeFilename = errors.New("unsafe template filename")
)

// Store manages template JSON files in a single directory.
type Store struct {
	dir string
}

// NewStore creates the template store, ensuring its directory exists.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create template dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's directory.
func (s *Store) Dir() string {
	return s.dir
}

// Filename derives the stored filename for a template from its name.
func Filename(t *Template) string {
	base := csvlist.NormalizeField(t.Name)
	if base == "" {
		base = "template"
	}
	return base + ".json"
}

func (s *Store) resolve(filename string) (string, error) {
	base := filepath.Base(filename)
	if base == "" || base == "." || base == ".." || !strings.HasSuffix(base, ".json") {
		return "", ErrUnsafeFilename
	}
	return filepath.Join(s.dir, base), nil
}

// Load reads one template by filename. Missing files return ErrNotFound,
// unparsable ones ErrUnreadable; callers treat both as "no template".
func (s *Store) Load(filename string) (*Template, error) {
	path, err := s.resolve(filename)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}

	var t Template
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	return &t, nil
}

// Save writes a template to disk under its derived filename, forcing the
// email field on. Returns the stored filename.
func (s *Store) Save(t *Template) (string, error) {
	t.ForceEmailField()

	filename := Filename(t)
	path, err := s.resolve(filename)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(t); err != nil {
		return "", fmt.Errorf("failed to encode template: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("failed to write template: %w", err)
	}
	return filename, nil
}

// SaveAs writes a template to an explicit filename, forcing the email
// field on. Used when editing an existing file whose name should not move.
func (s *Store) SaveAs(filename string, t *Template) error {
	t.ForceEmailField()

	path, err := s.resolve(filename)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(t); err != nil {
		return fmt.Errorf("failed to encode template: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write template: %w", err)
	}
	return nil
}

// Copy duplicates a template file to "<base>_<unix-ts>.json" and returns
// the new filename.
func (s *Store) Copy(filename string) (string, error) {
	src, err := s.resolve(filename)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrUnreadable, err)
	}

	base := strings.TrimSuffix(filepath.Base(src), ".json")
	copyName := fmt.Sprintf("%s_%d.json", base, time.Now().Unix())
	dst := filepath.Join(s.dir, copyName)

	if err := os.WriteFile(dst, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write template copy: %w", err)
	}
	return copyName, nil
}

// Delete removes a template file by filename.
func (s *Store) Delete(filename string) error {
	path, err := s.resolve(filename)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// List returns filename → template for every file in the directory that
// parses and carries a name. Broken files are skipped, not fatal.
func (s *Store) List() (map[string]*Template, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read template dir: %w", err)
	}

	out := make(map[string]*Template)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		t, err := s.Load(entry.Name())
		if err != nil || t.Name == "" {
			continue
		}
		out[entry.Name()] = t
	}
	return out, nil
}
