// Package catalog produces the payloads the server sends on the data
// connection: the listing of the served directory and the bytes of a file
// in it.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

var (
	// ErrNotFound means the name is not a servable file of the directory.
	ErrNotFound = errors.New("file not found")
	// ErrTooLarge means the file exceeds the reader's size limit.
	ErrTooLarge = errors.New("file too large")
)

// dirRoot is the served directory as seen through the Fs.
const dirRoot = "."

// Lister returns the served directory's entries as newline separated text.
type Lister interface {
	List() (string, error)
}

// Reader returns the full contents of a file in the served directory.
type Reader interface {
	Read(name string) ([]byte, error)
}

// Dir serves one directory. Fs is rooted at that directory.
type Dir struct {
	Fs      afero.Fs
	MaxSize int64 // 0 means no limit
}

// NewDir serves the root of fs.
func NewDir(fs afero.Fs, maxSize int64) *Dir {
	return &Dir{Fs: fs, MaxSize: maxSize}
}

// OpenDir serves path from the OS filesystem.
func OpenDir(path string, maxSize int64) (*Dir, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", abs)
	}
	return NewDir(afero.NewBasePathFs(afero.NewOsFs(), abs), maxSize), nil
}

// List returns the visible entries sorted by name, one per line, each line
// terminated by a newline. Hidden entries (leading dot) are skipped.
// Directories are included.
func (d *Dir) List() (string, error) {
	entries, err := afero.ReadDir(d.Fs, dirRoot)
	if err != nil {
		return "", fmt.Errorf("list directory: %w", err)
	}

	var sb strings.Builder
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		sb.WriteString(entry.Name())
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

// Read returns the bytes of name unchanged.
func (d *Dir) Read(name string) ([]byte, error) {
	info, err := d.stat(name)
	if err != nil {
		return nil, err
	}
	if d.MaxSize > 0 && info.Size() > d.MaxSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrTooLarge, name, info.Size(), d.MaxSize)
	}

	data, err := afero.ReadFile(d.Fs, name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

func (d *Dir) stat(name string) (os.FileInfo, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	info, err := d.Fs.Stat(name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("stat %s: %w", name, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrNotFound, name)
	}
	return info, nil
}

// validName accepts only plain, visible entries of the served directory.
func validName(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}
