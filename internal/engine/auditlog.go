package engine

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrUnsafeLogName indicates a name that would escape the log directory
	ErrUnsafeLogName = errors.New("unsafe log filename")
	// ErrLogNotFound indicates the named log file does not exist
	ErrLogNotFound = errors.New("log file not found")
)

// Audit log line markers. One line per recipient attempt, outcome after.
const (
	logMarkerAttempt = "ATTEMPT"
	logMarkerSuccess = "SUCCESS"
	logMarkerFailed  = "FAILED"
)

const logTimeFormat = "2006-01-02 15:04:05"

var logTimestampPrefix = regexp.MustCompile(`^(\d{10})_`)

// LogStore manages the append-only send logs, one per recipient CSV.
type LogStore struct {
	dir string
}

// NewLogStore creates the log store, ensuring its directory exists.
func NewLogStore(dir string) (*LogStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	return &LogStore{dir: dir}, nil
}

// Dir returns the store's directory.
func (l *LogStore) Dir() string {
	return l.dir
}

// PathForCSV maps a CSV path to its send log: same basename, .log
// extension, inside the log directory. Every batch for the same CSV
// appends to the same file.
func (l *LogStore) PathForCSV(csvPath string) string {
	base := strings.TrimSuffix(filepath.Base(csvPath), filepath.Ext(csvPath))
	return filepath.Join(l.dir, base+".log")
}

// Resolve maps a log filename to its absolute path, refusing anything
// that would land outside the log directory.
func (l *LogStore) Resolve(filename string) (string, error) {
	base := filepath.Base(filename)
	if base == "" || base == "." || base == ".." || strings.ContainsRune(base, 0) ||
		!strings.HasSuffix(base, ".log") {
		return "", ErrUnsafeLogName
	}
	path := filepath.Join(l.dir, base)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", ErrLogNotFound
	}
	return path, nil
}

// Read returns the full content of a log by filename.
func (l *LogStore) Read(filename string) ([]byte, error) {
	path, err := l.Resolve(filename)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// Delete removes a log by filename.
func (l *LogStore) Delete(filename string) error {
	path, err := l.Resolve(filename)
	if err != nil {
		return err
	}
	return os.Remove(path)
}

// LogHeader is the CSV and template recorded in a log's header block.
type LogHeader struct {
	CSV      string `json:"csv"`
	Template string `json:"template"`
}

// ParseLogHeader scans the first lines of a log for the "# CSV:" and
// "# Template:" header fields, stopping at the first recipient line.
func ParseLogHeader(path string) LogHeader {
	var hdr LogHeader

	f, err := os.Open(path)
	if err != nil {
		return hdr
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	// Headers sit at the top; 30 lines is plenty
	for i := 0; i < 30 && scanner.Scan(); i++ {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, logMarkerAttempt) ||
			strings.HasPrefix(line, logMarkerSuccess) ||
			strings.HasPrefix(line, logMarkerFailed) {
			break
		}
		if v, ok := headerValue(line, "CSV:"); ok {
			hdr.CSV = v
		}
		if v, ok := headerValue(line, "Template:"); ok {
			hdr.Template = v
		}
	}
	return hdr
}

func headerValue(line, field string) (string, bool) {
	if !strings.HasPrefix(line, "#") {
		return "", false
	}
	rest := strings.TrimSpace(strings.TrimPrefix(line, "#"))
	if !strings.HasPrefix(rest, field) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(rest, field)), true
}

// LogInfo describes one send log for the admin listing.
type LogInfo struct {
	File     string    `json:"file"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mtime"`
	CSV      string    `json:"csv"`
	Template string    `json:"template"`
}

// List returns all send logs newest first. The timestamp comes from the
// upload prefix of the originating CSV when present, file mtime otherwise.
func (l *LogStore) List() ([]LogInfo, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read log dir: %w", err)
	}

	logs := make([]LogInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		mtime := info.ModTime()
		if m := logTimestampPrefix.FindStringSubmatch(entry.Name()); m != nil {
			if ts, err := strconv.ParseInt(m[1], 10, 64); err == nil {
				mtime = time.Unix(ts, 0)
			}
		}

		path := filepath.Join(l.dir, entry.Name())
		hdr := ParseLogHeader(path)

		logs = append(logs, LogInfo{
			File:     entry.Name(),
			Size:     info.Size(),
			ModTime:  mtime,
			CSV:      hdr.CSV,
			Template: hdr.Template,
		})
	}

	sort.Slice(logs, func(i, j int) bool {
		return logs[i].ModTime.After(logs[j].ModTime)
	})

	return logs, nil
}
