package materialize

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// MaterializeZip extracts the archive at archivePath into a freshly created
// targetDir. Every entry path must resolve inside targetDir; escapes abort
// the extraction.
func (s Service) MaterializeZip(ctx context.Context, archivePath, targetDir string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrArchiveCorrupt, err)
	}
	defer reader.Close()

	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return err
	}
	root, err := filepath.Abs(targetDir)
	if err != nil {
		return err
	}

	for _, entry := range reader.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		dest, err := resolveEntryPath(root, entry.Name)
		if err != nil {
			return err
		}
		if err := extractEntry(entry, dest); err != nil {
			return err
		}
	}
	return nil
}

// resolveEntryPath joins name onto root and rejects anything that escapes it.
func resolveEntryPath(root, name string) (string, error) {
	if filepath.IsAbs(name) || filepath.IsAbs(filepath.FromSlash(name)) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, name)
	}
	dest := filepath.Join(root, filepath.FromSlash(name))
	rel, err := filepath.Rel(root, dest)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, name)
	}
	return dest, nil
}

func extractEntry(entry *zip.File, dest string) error {
	mode := entry.Mode()
	switch {
	case mode.IsDir():
		return os.MkdirAll(dest, 0o755)
	case mode&os.ModeSymlink != 0:
		// Symlinks can point anywhere; a panel extracting untrusted uploads
		// must not reproduce them.
		return fmt.Errorf("%w: symlink entry %q", ErrPathTraversal, entry.Name)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	src, err := entry.Open()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrArchiveCorrupt, err)
	}
	defer src.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm()|0o200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return fmt.Errorf("%w: %v", ErrArchiveCorrupt, err)
	}
	return out.Close()
}
