// Package finalize turns a completed download's working directory into
// its final on-disk artifact: either a renamed directory or a tar archive,
// dedup-named against collisions.
package finalize

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rmoriz/twitcharchive/internal/fsutil"
)

// Mode selects the finalizer's output shape.
type Mode int

const (
	// ModeDirectory renames the working directory in place to the
	// destination path.
	ModeDirectory Mode = iota
	// ModeTar archives the working directory's contents into a .tar file
	// at the destination path and removes the working directory.
	ModeTar
)

// Finalize moves workDir to its final artifact location, derived from
// destBase (without an extension — Finalize appends ".tar" in tar mode).
// It returns the final path.
func Finalize(mode Mode, workDir, destBase string) (string, error) {
	switch mode {
	case ModeDirectory:
		return finalizeDirectory(workDir, destBase)
	case ModeTar:
		return finalizeTar(workDir, destBase)
	default:
		return "", fmt.Errorf("finalize: unknown mode %d", mode)
	}
}

func finalizeDirectory(workDir, destBase string) (string, error) {
	dest, err := fsutil.CreateDedupDir(destBase)
	if err != nil {
		return "", fmt.Errorf("finalize: dedup destination directory: %w", err)
	}

	entries, err := os.ReadDir(workDir)
	if err != nil {
		return "", fmt.Errorf("finalize: read working directory: %w", err)
	}
	for _, e := range entries {
		oldPath := filepath.Join(workDir, e.Name())
		newPath := filepath.Join(dest, e.Name())
		if err := os.Rename(oldPath, newPath); err != nil {
			return "", fmt.Errorf("finalize: move %s: %w", e.Name(), err)
		}
	}

	if err := os.Remove(workDir); err != nil {
		return "", fmt.Errorf("finalize: remove emptied working directory: %w", err)
	}
	return dest, nil
}

func finalizeTar(workDir, destBase string) (string, error) {
	tarPath, f, err := fsutil.CreateDedupFile(destBase + ".tar")
	if err != nil {
		return "", fmt.Errorf("finalize: dedup tar destination: %w", err)
	}
	defer f.Close()

	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return "", fmt.Errorf("finalize: resolve working directory: %w", err)
	}

	tw := tar.NewWriter(f)
	if err := addTree(tw, absWorkDir, absWorkDir); err != nil {
		tw.Close()
		return "", err
	}
	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("finalize: close tar writer: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("finalize: flush tar file: %w", err)
	}

	if err := os.RemoveAll(workDir); err != nil {
		return "", fmt.Errorf("finalize: remove working directory: %w", err)
	}
	return tarPath, nil
}

// addTree walks dir recursively, adding every entry to tw with a path
// relative to root. Every resolved path is verified to remain under root;
// a path that escapes it (e.g. via a symlink) panics rather than silently
// writing outside the archive's intended scope, matching the original
// archiver's own defensive check in this exact spot.
func addTree(tw *tar.Writer, dir, root string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("finalize: read directory %s: %w", dir, err)
	}

	for _, e := range entries {
		path := filepath.Join(dir, e.Name())

		resolved, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("finalize: resolve %s: %w", path, err)
		}
		rel, err := filepath.Rel(root, resolved)
		if err != nil || rel == ".." || hasParentEscape(rel) {
			panic(fmt.Sprintf("finalize: path escaped archive root: %s (root %s)", resolved, root))
		}

		info, err := e.Info()
		if err != nil {
			return fmt.Errorf("finalize: stat %s: %w", path, err)
		}

		if e.IsDir() {
			header, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return fmt.Errorf("finalize: build tar header for %s: %w", path, err)
			}
			header.Name = filepath.ToSlash(mustRel(root, path)) + "/"
			if err := tw.WriteHeader(header); err != nil {
				return fmt.Errorf("finalize: write tar header for %s: %w", path, err)
			}
			if err := addTree(tw, path, root); err != nil {
				return err
			}
			continue
		}

		if err := addFile(tw, path, root, info); err != nil {
			return err
		}
	}
	return nil
}

func addFile(tw *tar.Writer, path, root string, info os.FileInfo) error {
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("finalize: build tar header for %s: %w", path, err)
	}
	header.Name = filepath.ToSlash(mustRel(root, path))

	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("finalize: write tar header for %s: %w", path, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("finalize: open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("finalize: write tar content for %s: %w", path, err)
	}
	return nil
}

func mustRel(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		panic(fmt.Sprintf("finalize: cannot relativize %s against %s: %v", path, root, err))
	}
	return rel
}

func hasParentEscape(rel string) bool {
	return len(rel) >= 2 && rel[:2] == ".."
}
