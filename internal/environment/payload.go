package environment

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ClemHeyd/stager/internal/paths"
)

// Copies the payload tree at src to dst.
//
// Directories are created 0755 and regular files 0644 regardless of their
// source modes, so stages see a predictable tree. Symlinks are recreated
// as-is. Other file types are skipped.
func copyPayload(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("payload: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("payload: %s is not a directory", src)
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			if err := os.MkdirAll(target, paths.DefaultDirMode); err != nil {
				return err
			}
			return os.Chmod(target, paths.DefaultDirMode)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			return copyFile(path, target)
		default:
			return nil
		}
	})
}

// Copies a regular file, creating dst with [paths.DefaultFileMode].
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, paths.DefaultFileMode)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	// OpenFile applies the umask.
	return os.Chmod(dst, paths.DefaultFileMode)
}
