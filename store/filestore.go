package store

import (
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// tmpFilePattern matches the names os.CreateTemp produces for in-flight
// atomic writes: the record name, the literal ".tmp", then random digits.
var tmpFilePattern = regexp.MustCompile(`\.tmp\d+$`)

// FileStore keeps one file per key under a root directory. Exclusivity comes
// from O_CREATE|O_EXCL, which the OS guarantees is atomic across processes on
// a local filesystem; plain writes go through a temp file and rename so a
// reader never observes a partial record.
//
// Keys are slash-separated paths ("sessions/<id>", "locks/<resource>"); each
// segment is escaped before touching the filesystem so resource names with
// odd characters cannot climb out of the root.
type FileStore struct {
	root string
}

// NewFileStore creates a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}
	return &FileStore{root: dir}, nil
}

// Root returns the backing directory.
func (f *FileStore) Root() string {
	return f.root
}

func (f *FileStore) path(key string) string {
	segments := strings.Split(key, "/")
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = escapeSegment(s)
	}
	return filepath.Join(f.root, filepath.Join(escaped...))
}

// escapeSegment escapes one key segment for use as a file name.
// url.PathEscape leaves dots alone, so "." and ".." segments in a
// caller-chosen resource name would survive escaping and let filepath.Join
// walk out of the root; encode them explicitly.
func escapeSegment(s string) string {
	switch s {
	case ".":
		return "%2E"
	case "..":
		return "%2E%2E"
	}
	return url.PathEscape(s)
}

func (f *FileStore) Read(key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

func (f *FileStore) Write(key string, value []byte) error {
	path := f.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	return atomicWriteFile(path, value, 0644)
}

func (f *FileStore) CreateExclusive(key string, value []byte) error {
	path := f.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return ErrKeyExists
		}
		return fmt.Errorf("failed to create %s: %w", key, err)
	}

	if _, err := file.Write(value); err != nil {
		file.Close()
		os.Remove(path)
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(path)
		return fmt.Errorf("failed to sync %s: %w", key, err)
	}
	return file.Close()
}

func (f *FileStore) Delete(key string) error {
	if err := os.Remove(f.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (f *FileStore) List(prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// A record deleted mid-walk is normal under concurrent reaping.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		// In-flight atomic writes leave short-lived temp files alongside
		// real records, named <record>.tmp<random digits> by CreateTemp.
		if tmpFilePattern.MatchString(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		key, err := unescapeKey(filepath.ToSlash(rel))
		if err != nil {
			return nil // not one of ours, skip
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	return keys, nil
}

func unescapeKey(rel string) (string, error) {
	segments := strings.Split(rel, "/")
	for i, s := range segments {
		u, err := url.PathUnescape(s)
		if err != nil {
			return "", err
		}
		segments[i] = u
	}
	return strings.Join(segments, "/"), nil
}

// atomicWriteFile writes data to a temporary file and then renames it to the
// target path. This prevents partial writes from corrupting the record if the
// process crashes or is interrupted mid-write.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	defer func() {
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	if err = os.Chmod(tmpPath, perm); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set temp file permissions: %w", err)
	}

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
