package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SQLite file locking is unreliable on these.
var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// ErrNetworkFilesystem is returned when the journal path is on a network mount.
var ErrNetworkFilesystem = errors.New("journal database must be on a local filesystem")

// fsTypeDetector returns the filesystem name for an existing path.
type fsTypeDetector func(path string) (string, error)

func checkLocalFilesystem(path string, detect fsTypeDetector) error {
	if path == "" {
		return fmt.Errorf("sqlite path is empty")
	}

	existing, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve database path %q: %w", path, err)
	}

	fsType, err := detect(existing)
	if err != nil {
		// Unknown platforms can't be checked; let SQLite try.
		return nil
	}

	if _, bad := networkFilesystems[strings.ToLower(strings.TrimSpace(fsType))]; bad {
		return fmt.Errorf("%w: %q is on %s; set state.path to a local disk", ErrNetworkFilesystem, path, fsType)
	}
	return nil
}

// nearestExistingPath walks up from path until it finds something that exists,
// so the check works before the database directory is created.
func nearestExistingPath(path string) (string, error) {
	candidate, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}

		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", path)
		}
		candidate = parent
	}
}
