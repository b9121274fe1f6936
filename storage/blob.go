package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
)

var _ fiber.Storage = (*FileStorage)(nil)

var ErrInvalidKey = errors.New("invalid storage key")

var keyRe = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]{0,127}$`)

const (
	blobExt    = ".blob"
	headerSize = 8
)

// FileStorage implements fiber's Storage interface with one file per key.
// Each file holds the expiry (unix nanoseconds, zero for none) followed by
// the raw value.
type FileStorage struct {
	dir string
	mu  sync.RWMutex
	now func() time.Time
}

// NewFileStorage creates a new file storage instance
func NewFileStorage(directory string) (*FileStorage, error) {
	if err := os.MkdirAll(directory, 0755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &FileStorage{
		dir: directory,
		now: time.Now,
	}, nil
}

// Get returns nil, nil for missing or expired keys.
func (s *FileStorage) Get(key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	raw, err := os.ReadFile(path)
	s.mu.RUnlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if len(raw) < headerSize {
		return nil, fmt.Errorf("storage entry %q is truncated", key)
	}

	if exp := int64(binary.BigEndian.Uint64(raw[:headerSize])); exp != 0 && s.now().UnixNano() > exp {
		s.Delete(key)
		return nil, nil
	}
	return raw[headerSize:], nil
}

// Set stores val under key. exp of zero never expires.
func (s *FileStorage) Set(key string, val []byte, exp time.Duration) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	buf := make([]byte, headerSize+len(val))
	if exp > 0 {
		binary.BigEndian.PutUint64(buf, uint64(s.now().Add(exp).UnixNano()))
	}
	copy(buf[headerSize:], val)

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *FileStorage) Delete(key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Reset removes every stored value.
func (s *FileStorage) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range entries {
		if filepath.Ext(e.Name()) == blobExt {
			if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (s *FileStorage) Close() error {
	return nil
}

func (s *FileStorage) path(key string) (string, error) {
	if !keyRe.MatchString(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.dir, key+blobExt), nil
}
