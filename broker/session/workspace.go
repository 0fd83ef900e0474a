package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Workspace manages the per-session credential directories under a root.
type Workspace struct {
	root     string
	credFile string
}

// NewWorkspace creates the root directory if needed.
func NewWorkspace(root, credFile string) (*Workspace, error) {
	if credFile == "" || strings.ContainsRune(credFile, filepath.Separator) {
		return nil, fmt.Errorf("invalid credential file name %q", credFile)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	return &Workspace{root: root, credFile: credFile}, nil
}

func (w *Workspace) Root() string { return w.root }

// CredentialFile returns the name of the credential file inside a session
// directory.
func (w *Workspace) CredentialFile() string { return w.credFile }

// Provision creates the directory for id. It fails with ErrSessionExists if
// the directory is already there, leaving it untouched.
func (w *Workspace) Provision(id string) (string, error) {
	dir, err := w.Dir(id)
	if err != nil {
		return "", err
	}

	if err := os.Mkdir(dir, 0o700); err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", ErrSessionExists
		}
		return "", fmt.Errorf("failed to create session directory: %w", err)
	}
	return dir, nil
}

// Remove deletes the directory for id recursively. A missing directory is
// not an error.
func (w *Workspace) Remove(id string) error {
	dir, err := w.Dir(id)
	if err != nil {
		return err
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove session directory: %w", err)
	}
	return nil
}

// Exists checks if the directory for id exists.
func (w *Workspace) Exists(id string) bool {
	dir, err := w.Dir(id)
	if err != nil {
		return false
	}
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// Dir returns the directory path for id.
func (w *Workspace) Dir(id string) (string, error) {
	if !validID(id) {
		return "", ErrInvalidSessionID
	}
	return filepath.Join(w.root, id), nil
}

// CredentialPath returns the credential file path for id.
func (w *Workspace) CredentialPath(id string) (string, error) {
	dir, err := w.Dir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, w.credFile), nil
}

// ListAll returns the ids of all session directories on disk.
func (w *Workspace) ListAll() ([]string, error) {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() || !validID(entry.Name()) {
			continue
		}
		ids = append(ids, entry.Name())
	}
	return ids, nil
}

// SweepOrphans removes every session directory whose id is not live and
// returns how many were removed.
func (w *Workspace) SweepOrphans(live func(id string) bool) (int, error) {
	ids, err := w.ListAll()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		if live != nil && live(id) {
			continue
		}
		if err := w.Remove(id); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func validID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`)
}
