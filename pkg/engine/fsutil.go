package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// errHashMismatch marks a staged file whose bytes do not hash to the
// manifest's expected value. Callers classify it separately from plain
// filesystem failures.
var errHashMismatch = errors.New("staged file hash mismatch")

// HashFile computes the SHA-256 of a file as lowercase hex.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// copyFile copies src to dst, preserving the source's mode bits.
func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		os.Remove(dst)
		return 0, err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dst)
		return 0, err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return 0, err
	}
	return n, nil
}

// swapIn installs src at dst with the stage-then-swap pattern: copy to a
// temporary path adjacent to dst, verify the staged bytes hash to
// wantHash, then rename over dst. The rename is atomic on POSIX
// filesystems, so dst never holds a partially written executable.
func swapIn(src, dst, wantHash string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("cannot create target directory: %w", err)
	}

	tmp := dst + ".tmp"
	if _, err := copyFile(src, tmp); err != nil {
		return fmt.Errorf("cannot stage %s: %w", filepath.Base(dst), err)
	}

	if wantHash != "" {
		got, err := HashFile(tmp)
		if err != nil {
			os.Remove(tmp)
			return fmt.Errorf("cannot hash staged file: %w", err)
		}
		if got != wantHash {
			os.Remove(tmp)
			return fmt.Errorf("%w: want %s, got %s", errHashMismatch, wantHash, got)
		}
	}

	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("cannot swap in %s: %w", filepath.Base(dst), err)
	}
	return nil
}

// dirSize sums the sizes of regular files under root.
func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
