package control

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// CargoStore keeps the bytes of local cargo on disk, content addressed by
// sha256. Two uploads of the same bytes share one file, which is what makes
// hash-based dedup in the cargo table safe.
type CargoStore struct {
	root string
}

const cargoDirPerms = 0o750

// NewCargoStore opens (creating if needed) a store rooted at dir.
func NewCargoStore(dir string) (*CargoStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("cargo store dir is required")
	}
	if err := os.MkdirAll(dir, cargoDirPerms); err != nil {
		return nil, fmt.Errorf("create cargo dir: %w", err)
	}
	return &CargoStore{root: dir}, nil
}

// Put streams r to disk and returns the content hash and byte count. The
// write goes through a temp file so a failed upload never leaves a partial
// object under its final name.
func (cs *CargoStore) Put(r io.Reader) (hash string, size int64, err error) {
	tmp, err := os.CreateTemp(cs.root, ".upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	hasher := sha256.New()
	size, err = io.Copy(io.MultiWriter(tmp, hasher), r)
	if err != nil {
		return "", 0, fmt.Errorf("write cargo bytes: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("close temp file: %w", err)
	}
	hash = hex.EncodeToString(hasher.Sum(nil))
	final := cs.pathFor(hash)
	if _, statErr := os.Stat(final); statErr == nil {
		// Identical content already stored.
		return hash, size, nil
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", 0, fmt.Errorf("store cargo object: %w", err)
	}
	return hash, size, nil
}

// Open returns a reader over the stored object for hash.
func (cs *CargoStore) Open(hash string) (io.ReadCloser, error) {
	if !validHash(hash) {
		return nil, fmt.Errorf("invalid cargo hash %q", hash)
	}
	f, err := os.Open(cs.pathFor(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: object %s", ErrCargoNotDownloadable, hash)
		}
		return nil, err
	}
	return f, nil
}

// Delete removes the stored object for hash. Missing objects are not an
// error; dedup means another cargo row may have already cleaned up.
func (cs *CargoStore) Delete(hash string) error {
	if !validHash(hash) {
		return fmt.Errorf("invalid cargo hash %q", hash)
	}
	if err := os.Remove(cs.pathFor(hash)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (cs *CargoStore) pathFor(hash string) string {
	return filepath.Join(cs.root, hash)
}

func validHash(hash string) bool {
	if len(hash) != 64 {
		return false
	}
	for _, c := range hash {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}
