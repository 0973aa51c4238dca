// Package fsutil provides the atomic create-new and name-deduplication
// helpers the archiver uses when it must not clobber an existing segment,
// working directory, or finalized artifact.
package fsutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// MaxFilenameDup bounds how many numeric suffixes create-dedup functions
// will try before giving up.
const MaxFilenameDup = 65536

// CreateNewFile opens path for writing only if it does not already exist.
// A nil, nil return means the path already existed; callers treat that as a
// dedup signal, not an error.
func CreateNewFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, nil
		}
		return nil, err
	}
	return f, nil
}

// CreateDedupFile creates path, or the first available
// "<stem>-<n><ext>" variant (n from 1 to MaxFilenameDup-1) if it exists.
func CreateDedupFile(path string) (string, *os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", nil, err
		}
	}

	if f, err := CreateNewFile(path); err != nil {
		return "", nil, err
	} else if f != nil {
		return path, f, nil
	}

	ext := filepath.Ext(path)
	stem := path[:len(path)-len(ext)]

	for i := 1; i < MaxFilenameDup; i++ {
		candidate := fmt.Sprintf("%s-%d%s", stem, i, ext)
		f, err := CreateNewFile(candidate)
		if err != nil {
			return "", nil, err
		}
		if f != nil {
			return candidate, f, nil
		}
	}
	return "", nil, fs.ErrExist
}

// CreateNewDir creates dir only if it does not already exist, returning
// whether it created a fresh directory.
func CreateNewDir(dir string) (bool, error) {
	if parent := filepath.Dir(dir); parent != "." {
		if _, err := os.Stat(parent); os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return false, err
			}
			return true, nil
		}
	}

	err := os.Mkdir(dir, 0o755)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateDedupDir creates dir, or the first available "<dir>-<n>" variant
// (n from 1 to MaxFilenameDup-1) if it exists.
func CreateDedupDir(dir string) (string, error) {
	if created, err := CreateNewDir(dir); err != nil {
		return "", err
	} else if created {
		return dir, nil
	}

	for i := 1; i < MaxFilenameDup; i++ {
		candidate := fmt.Sprintf("%s-%d", dir, i)
		created, err := CreateNewDir(candidate)
		if err != nil {
			return "", err
		}
		if created {
			return candidate, nil
		}
	}
	return "", fs.ErrExist
}
