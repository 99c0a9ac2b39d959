// Package rollback persists per-upgrade artifacts so a service can be
// returned to its pre-upgrade configuration. Artifacts are plain files
// under a working directory, named <serviceID>.<imageID>.<kind>, written
// byte-for-byte so a later rollback restores exactly what ran before.
package rollback

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Kind names what an artifact preserves.
type Kind string

const (
	// KindUserScript preserves the service's provisioning user-script.
	KindUserScript Kind = "user-script"

	// KindServiceParams preserves the service's parameter set as JSON.
	KindServiceParams Kind = "service-params"

	// KindImage preserves the image ID the service ran before the upgrade.
	KindImage Kind = "image"
)

// ErrNotFound is returned when no artifact exists for the requested
// service, image, and kind.
var ErrNotFound = errors.New("rollback artifact not found")

// Store reads and writes rollback artifacts under a single directory.
type Store struct {
	dir string
}

// NewStore creates the working directory if needed and returns a store
// over it.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("rollback store requires a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create rollback dir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the directory artifacts live in.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(serviceID, imageID string, kind Kind) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.%s.%s", serviceID, imageID, kind))
}

// Save writes an artifact. When an identical artifact already exists the
// write is skipped, so re-running an upgrade never rewrites what a prior
// attempt preserved.
func (s *Store) Save(serviceID, imageID string, kind Kind, content []byte) error {
	if serviceID == "" || imageID == "" {
		return fmt.Errorf("rollback artifact requires service and image IDs")
	}

	path := s.path(serviceID, imageID, kind)
	existing, err := os.ReadFile(path)
	if err == nil && bytes.Equal(existing, content) {
		return nil
	}
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read rollback artifact %s: %w", path, err)
	}

	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("write rollback artifact %s: %w", path, err)
	}
	return nil
}

// Load returns an artifact's exact saved bytes, or ErrNotFound.
func (s *Store) Load(serviceID, imageID string, kind Kind) ([]byte, error) {
	path := s.path(serviceID, imageID, kind)
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(path))
	}
	if err != nil {
		return nil, fmt.Errorf("read rollback artifact %s: %w", path, err)
	}
	return content, nil
}

// Exists reports whether an artifact is present.
func (s *Store) Exists(serviceID, imageID string, kind Kind) bool {
	_, err := os.Stat(s.path(serviceID, imageID, kind))
	return err == nil
}

// Artifact describes one stored artifact.
type Artifact struct {
	ServiceID string
	ImageID   string
	Kind      Kind
}

// List returns every artifact stored for a service, across images and
// kinds. Files that do not follow the artifact naming scheme are ignored.
func (s *Store) List(serviceID string) ([]Artifact, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list rollback dir %s: %w", s.dir, err)
	}

	var arts []Artifact
	prefix := serviceID + "."
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		rest := strings.TrimPrefix(e.Name(), prefix)
		dot := strings.LastIndex(rest, ".")
		if dot <= 0 || dot == len(rest)-1 {
			continue
		}
		arts = append(arts, Artifact{
			ServiceID: serviceID,
			ImageID:   rest[:dot],
			Kind:      Kind(rest[dot+1:]),
		})
	}
	return arts, nil
}
