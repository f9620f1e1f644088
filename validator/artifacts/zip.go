package artifacts

import (
	"archive/zip"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// extractZip unpacks an archive into destDir, bounded by maxFiles entries
// and maxBytes of uncompressed content. Entries that would land outside
// destDir are rejected.
func extractZip(r io.ReaderAt, size int64, destDir string, maxFiles int, maxBytes int64) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return errors.Wrap(err, "could not open zip archive")
	}
	if len(zr.File) > maxFiles {
		return errors.Errorf("zip archive has %d entries, limit is %d", len(zr.File), maxFiles)
	}
	var written int64
	for _, f := range zr.File {
		name := filepath.FromSlash(f.Name)
		if filepath.IsAbs(name) || strings.Contains(name, "..") {
			return errors.Errorf("zip entry %q escapes the extraction root", f.Name)
		}
		target := filepath.Join(destDir, name)
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return errors.Wrapf(err, "could not create directory %s", target)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return errors.Wrapf(err, "could not create directory for %s", target)
		}
		n, err := extractZipFile(f, target, maxBytes-written)
		if err != nil {
			return err
		}
		written += n
	}
	return nil
}

func extractZipFile(f *zip.File, target string, budget int64) (int64, error) {
	src, err := f.Open()
	if err != nil {
		return 0, errors.Wrapf(err, "could not open zip entry %s", f.Name)
	}
	defer src.Close()
	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return 0, errors.Wrapf(err, "could not create %s", target)
	}
	defer dst.Close()
	// One byte over budget trips the limit check below.
	n, err := io.Copy(dst, io.LimitReader(src, budget+1))
	if err != nil {
		return n, errors.Wrapf(err, "could not extract %s", f.Name)
	}
	if n > budget {
		return n, &VolumeTooLarge{Size: n, Limit: budget}
	}
	return n, nil
}

// zipDirectory writes dir as a zip archive to w, refusing directories
// with more than maxFiles entries after exclusions. Exclude holds slash
// separated paths relative to dir that are left out.
func zipDirectory(w io.Writer, dir string, exclude map[string]bool, maxFiles int) error {
	zw := zip.NewWriter(w)
	var added int
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if exclude[rel] {
			return nil
		}
		added++
		if added > maxFiles {
			return errors.Errorf("output directory has more than %d files", maxFiles)
		}
		src, err := os.Open(path)
		if err != nil {
			return errors.Wrapf(err, "could not read %s", path)
		}
		defer src.Close()
		dst, err := zw.Create(rel)
		if err != nil {
			return errors.Wrapf(err, "could not add %s to archive", rel)
		}
		_, err = io.Copy(dst, src)
		return err
	})
	if err != nil {
		return err
	}
	return errors.Wrap(zw.Close(), "could not finalize archive")
}
