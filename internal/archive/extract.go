package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsafePath is returned for archive entries that would land outside the
// extraction directory.
var ErrUnsafePath = errors.New("archive entry escapes destination")

var gzipMagic = []byte{0x1f, 0x8b}

// Extract unpacks the tar (optionally gzip-compressed) package at src into
// dest and returns the number of files written.
//
// When dest does not exist the package is unpacked into a hidden staging
// directory next to it and renamed into place, so dest only ever appears
// complete. When dest already exists the package is unpacked into it.
// Only regular files and directories are extracted.
func Extract(src, dest string) (int, error) {
	if _, err := os.Stat(dest); err == nil {
		return extractFile(src, dest)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return 0, err
	}

	parent := filepath.Dir(dest)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return 0, fmt.Errorf("creating parent: %w", err)
	}
	staging, err := os.MkdirTemp(parent, "."+filepath.Base(dest)+".extract-")
	if err != nil {
		return 0, fmt.Errorf("creating staging dir: %w", err)
	}

	n, err := extractFile(src, staging)
	if err != nil {
		os.RemoveAll(staging)
		return 0, err
	}
	if err := os.Chmod(staging, 0o755); err != nil {
		os.RemoveAll(staging)
		return 0, err
	}
	if err := os.Rename(staging, dest); err != nil {
		os.RemoveAll(staging)
		return 0, fmt.Errorf("moving extraction into place: %w", err)
	}
	return n, nil
}

func extractFile(src, dest string) (int, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var r io.Reader = br
	if magic, _ := br.Peek(2); bytes.Equal(magic, gzipMagic) {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return 0, fmt.Errorf("opening gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	}
	return untar(r, dest)
}

func untar(r io.Reader, dest string) (int, error) {
	tr := tar.NewReader(r)
	files := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return files, fmt.Errorf("reading tar: %w", err)
		}

		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return files, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, err
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return files, fmt.Errorf("extracting %s: %w", hdr.Name, err)
			}
			files++
		}
	}
}

func writeEntry(target string, r io.Reader, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0o644
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// safeJoin resolves name under dest, rejecting absolute paths and parent
// traversal.
func safeJoin(dest, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return filepath.Join(dest, clean), nil
}
