// Package media stores, deduplicates, transcodes and mirrors message media.
package media

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Sidecar is written next to every stored file as "<file>.meta.json" so the
// original name can be recovered without asking the platform again.
type Sidecar struct {
	OriginalFileName string    `json:"originalFileName,omitempty"`
	ContentHash      string    `json:"contentHash"`
	MimeType         string    `json:"mimeType,omitempty"`
	StoredAt         time.Time `json:"storedAt"`
	IsDuplicate      bool      `json:"isDuplicate"`
	SourceType       string    `json:"sourceType"`
	MessageID        string    `json:"messageId,omitempty"`
}

const SidecarSuffix = ".meta.json"

// Store is the on-disk media tree rooted at <data>/public/media.
type Store struct {
	root string
}

// NewStore creates the root directory if needed.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating media root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute media root.
func (s *Store) Root() string { return s.root }

// Abs maps a slash-separated relative path to an absolute path inside the
// root. Paths escaping the root are rejected.
func (s *Store) Abs(rel string) (string, error) {
	p := filepath.Join(s.root, filepath.FromSlash(rel))
	if p != s.root && !strings.HasPrefix(p, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("media path %q escapes root", rel)
	}
	return p, nil
}

// Exists reports whether rel is a regular file.
func (s *Store) Exists(rel string) bool {
	p, err := s.Abs(rel)
	if err != nil {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// Write stores data at rel via a temp file and rename.
func (s *Store) Write(rel string, data []byte) (string, error) {
	p, err := s.Abs(rel)
	if err != nil {
		return "", err
	}
	return p, writeAtomic(p, data)
}

// Link materializes rel from an existing file: a hard link when possible,
// a copy otherwise.
func (s *Store) Link(src, rel string) (string, error) {
	dst, err := s.Abs(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	if err := os.Link(src, dst); err == nil {
		return dst, nil
	} else if os.IsExist(err) {
		return dst, nil
	}

	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return dst, nil
}

// WriteSidecar stores meta next to rel.
func (s *Store) WriteSidecar(rel string, meta Sidecar) error {
	p, err := s.Abs(rel + SidecarSuffix)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(p, data)
}

// ReadSidecar loads the sidecar for rel.
func (s *Store) ReadSidecar(rel string) (Sidecar, error) {
	var meta Sidecar
	p, err := s.Abs(rel + SidecarSuffix)
	if err != nil {
		return meta, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return meta, err
	}
	err = json.Unmarshal(data, &meta)
	return meta, err
}

// RemoveAccount deletes every file stored for one account.
func (s *Store) RemoveAccount(platformCode, accountID string) error {
	p, err := s.Abs(platformCode + "/" + accountID)
	if err != nil {
		return err
	}
	return os.RemoveAll(p)
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
