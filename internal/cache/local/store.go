// Package local implements a cache store with one file per entry on the local
// filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/JakeFAU/pagesnap/internal/cache"
)

var validKey = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Config captures the parameters for the local filesystem store.
type Config struct {
	// Dir is the directory holding one file per cached URL.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// Store reads and writes cache entries under a directory.
type Store struct {
	dir string
}

// New creates the cache directory if needed and checks that it is writable.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("cache directory is required")
	}

	info, err := os.Stat(cfg.Dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if mkErr := os.MkdirAll(cfg.Dir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat cache directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("cache directory path is not a directory")
	}

	scratch, err := os.CreateTemp(cfg.Dir, ".writable_test*")
	if err != nil {
		return nil, fmt.Errorf("cache directory is not writable: %w", err)
	}
	name := scratch.Name()
	if err := scratch.Close(); err != nil {
		return nil, fmt.Errorf("close scratch file: %w", err)
	}
	if err := os.Remove(name); err != nil {
		return nil, fmt.Errorf("failed to clean up scratch file: %w", err)
	}
	return &Store{dir: cfg.Dir}, nil
}

// Dir returns the cache directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(key string) (string, error) {
	if !validKey.MatchString(key) {
		return "", fmt.Errorf("invalid cache key %q", key)
	}
	return filepath.Join(s.dir, key), nil
}

// Get reads the entry for key.
func (s *Store) Get(_ context.Context, key string) (string, error) {
	p, err := s.path(key)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p) // #nosec G304 -- key is validated above.
	if errors.Is(err, fs.ErrNotExist) {
		return "", cache.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read cache file: %w", err)
	}
	return string(data), nil
}

// Put writes the entry through a temp file and rename so readers never see a
// partial document.
func (s *Store) Put(_ context.Context, key, html string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, "."+key+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(html); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close cache file: %w", err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename cache file: %w", err)
	}
	return nil
}

// Delete removes the entry for key.
func (s *Store) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove cache file: %w", err)
	}
	return nil
}
