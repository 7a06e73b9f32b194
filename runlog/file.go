package runlog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DefaultName is the log file written to the working directory when no path is configured.
const DefaultName = "EntityUid Updates.log"

// File is an append-only row log. The path is resolved once at construction;
// the file is only created on the first Append so aborted runs leave no trace.
type File struct {
	path string

	mu    sync.Mutex
	file  *os.File
	lines int64
}

// Open resolves the log path. An empty path selects DefaultName in the working directory.
func Open(path string) (*File, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultName
	}
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("resolve run log path: %w", err)
	}
	return &File{path: abs}, nil
}

// Path returns the resolved log path.
func (f *File) Path() string {
	return f.path
}

// Append writes one "<entityType>-<message>" line.
func (f *File) Append(entityType, message string) error {
	if f == nil {
		return errors.New("run log is nil")
	}
	line := Line(entityType, message)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		file, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		f.file = file
	}
	if _, err := f.file.WriteString(line + "\n"); err != nil {
		return err
	}
	f.lines++
	return nil
}

// Lines returns how many lines were appended through this handle. Callers
// sharing one handle across runs compare snapshots to see what a run wrote.
func (f *File) Lines() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lines
}

// Sync flushes appended lines to disk.
func (f *File) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	return f.file.Sync()
}

func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

// Line formats a log line. Newlines inside the message are flattened so every row stays on one line.
func Line(entityType, message string) string {
	message = strings.ReplaceAll(message, "\r", " ")
	message = strings.ReplaceAll(message, "\n", " ")
	return entityType + "-" + message
}
