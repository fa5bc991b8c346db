package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
)

const sessionExt = ".json"

// NewSessionStorage opens the session directory at basePath, creating it if
// needed.
func NewSessionStorage(basePath string) (*Storage, error) {
	if basePath == "" {
		return nil, errors.New("session directory is not configured")
	}

	if err := os.MkdirAll(basePath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	return &Storage{basePath: basePath}, nil
}

func (s *Storage) GetBasePath() string {
	return s.basePath
}

// ValidateUsername rejects names that would not map to exactly one file
// inside the session directory.
func ValidateUsername(username string) error {
	switch {
	case username == "":
		return fmt.Errorf("%w: empty", ErrInvalidUsername)
	case strings.HasPrefix(username, "."):
		return fmt.Errorf("%w: %q starts with a dot", ErrInvalidUsername, username)
	case strings.ContainsAny(username, `/\`) || strings.ContainsRune(username, filepath.Separator):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidUsername, username)
	case strings.IndexFunc(username, unicode.IsControl) >= 0:
		return fmt.Errorf("%w: %q contains control characters", ErrInvalidUsername, username)
	}
	return nil
}

// PathFor returns the session file location for username.
func (s *Storage) PathFor(username string) string {
	return filepath.Join(s.basePath, username+sessionExt)
}

func (s *Storage) Exists(username string) bool {
	if ValidateUsername(username) != nil {
		return false
	}
	info, err := os.Stat(s.PathFor(username))
	return err == nil && info.Mode().IsRegular()
}

// Load reads and decodes the session record stored for username.
func (s *Storage) Load(username string) (Record, error) {
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	path := s.PathFor(username)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &SessionError{Username: username, Path: path, Err: ErrSessionNotFound}
		}
		return nil, &SessionError{Username: username, Path: path, Err: fmt.Errorf("failed to read session file: %w", err)}
	}

	record, err := Unmarshal(data)
	if err != nil {
		return nil, &SessionError{Username: username, Path: path, Err: err}
	}
	return record, nil
}

// Save replaces the session file for username. The new content becomes
// visible in a single rename, so a concurrent Load sees either the old or
// the new file, never a partial one.
func (s *Storage) Save(username string, record Record) error {
	if err := ValidateUsername(username); err != nil {
		return err
	}
	path := s.PathFor(username)

	data, err := Marshal(record)
	if err != nil {
		return &SessionError{Username: username, Path: path, Err: err}
	}

	if err := writeFileAtomic(path, data); err != nil {
		return &SessionError{Username: username, Path: path, Err: err}
	}
	return nil
}

func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)

	file, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary session file: %w", err)
	}
	tmpPath := file.Name()
	defer func() {
		if err != nil {
			file.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err = file.Write(data); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err = file.Sync(); err != nil {
		return fmt.Errorf("failed to sync session file: %w", err)
	}
	if err = file.Chmod(0600); err != nil {
		return fmt.Errorf("failed to set session file permissions: %w", err)
	}
	if err = file.Close(); err != nil {
		return fmt.Errorf("failed to close session file: %w", err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to move session file into place: %w", err)
	}

	// Make the rename durable.
	if parent, dirErr := os.Open(dir); dirErr == nil {
		parent.Sync()
		parent.Close()
	}
	return nil
}

// Delete removes the session file for username. A missing file is not an
// error.
func (s *Storage) Delete(username string) error {
	if err := ValidateUsername(username); err != nil {
		return err
	}
	err := os.Remove(s.PathFor(username))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Usernames lists the identities that have a session file, sorted.
func (s *Storage) Usernames() ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to list session directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || !strings.HasSuffix(name, sessionExt) {
			continue
		}
		username := strings.TrimSuffix(name, sessionExt)
		if ValidateUsername(username) != nil {
			continue
		}
		names = append(names, username)
	}
	sort.Strings(names)
	return names, nil
}
