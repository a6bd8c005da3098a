package cp

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// LocalIOError is a local filesystem failure while encoding or decoding an archive.
type LocalIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *LocalIOError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Err)
}

func (e *LocalIOError) Unwrap() error { return e.Err }

// writeTar archives localPath into w. A file is stored under its base name;
// a directory is stored as a tree rooted at its base name, like "tar cf - -C parent base".
func writeTar(w io.Writer, localPath string) error {
	root := filepath.Clean(localPath)
	info, err := os.Lstat(root)
	if err != nil {
		return &LocalIOError{Op: "stat", Path: root, Err: err}
	}
	parent := filepath.Dir(root)

	tw := tar.NewWriter(w)
	addEntry := func(path string, info fs.FileInfo) error {
		rel, err := filepath.Rel(parent, path)
		if err != nil {
			return &LocalIOError{Op: "relativize", Path: path, Err: err}
		}
		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			link, err = os.Readlink(path)
			if err != nil {
				return &LocalIOError{Op: "readlink", Path: path, Err: err}
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return &LocalIOError{Op: "building header for", Path: path, Err: err}
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("writing tar header for %s: %w", path, err)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return &LocalIOError{Op: "open", Path: path, Err: err}
		}
		defer f.Close()
		if _, err := io.Copy(tw, &localReader{f: f}); err != nil {
			var lerr *LocalIOError
			if errors.As(err, &lerr) {
				return err
			}
			return fmt.Errorf("writing %s to archive: %w", path, err)
		}
		return nil
	}

	if !info.IsDir() {
		if err := addEntry(root, info); err != nil {
			return err
		}
		return tw.Close()
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return &LocalIOError{Op: "walk", Path: path, Err: err}
		}
		info, err := d.Info()
		if err != nil {
			return &LocalIOError{Op: "stat", Path: path, Err: err}
		}
		return addEntry(path, info)
	})
	if err != nil {
		return err
	}
	return tw.Close()
}

// extractTarGz gunzips r and extracts the tar stream into destDir.
func extractTarGz(log *zap.SugaredLogger, r io.Reader, destDir string) error {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("reading gzip header: %w", err)
	}
	defer zr.Close()
	if err := extractTar(log, zr, destDir); err != nil {
		return err
	}
	// drain the gzip trailer and any tar padding so the stream is fully consumed
	_, err = io.Copy(io.Discard, zr)
	return err
}

// extractTar extracts r into destDir, creating directories as needed.
// Entries that would land outside destDir are rejected.
func extractTar(log *zap.SugaredLogger, r io.Reader, destDir string) error {
	root, err := filepath.Abs(destDir)
	if err != nil {
		return &LocalIOError{Op: "resolve", Path: destDir, Err: err}
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return &LocalIOError{Op: "mkdir", Path: root, Err: err}
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar header: %w", err)
		}

		target, ok := within(root, hdr.Name)
		if !ok {
			return &LocalIOError{Op: "extract", Path: hdr.Name, Err: errors.New("entry escapes destination directory")}
		}
		mode := hdr.FileInfo().Mode().Perm()

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, mode|0o700); err != nil {
				return &LocalIOError{Op: "mkdir", Path: target, Err: err}
			}
		case tar.TypeReg, tar.TypeRegA:
			if err := writeFile(tr, target, mode); err != nil {
				return err
			}
		case tar.TypeSymlink:
			linkTarget := hdr.Linkname
			if !filepath.IsAbs(linkTarget) {
				linkTarget = filepath.Join(filepath.Dir(target), linkTarget)
			}
			if _, ok := within(root, mustRel(root, linkTarget)); !ok || filepath.IsAbs(hdr.Linkname) {
				log.Warnf("skipping symlink %s -> %s, it points outside %s", hdr.Name, hdr.Linkname, root)
				continue
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return &LocalIOError{Op: "mkdir", Path: filepath.Dir(target), Err: err}
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return &LocalIOError{Op: "symlink", Path: target, Err: err}
			}
		default:
			log.Debugf("skipping unsupported tar entry %s of type %q", hdr.Name, hdr.Typeflag)
		}
	}
}

func writeFile(r io.Reader, target string, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return &LocalIOError{Op: "mkdir", Path: filepath.Dir(target), Err: err}
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return &LocalIOError{Op: "create", Path: target, Err: err}
	}
	if _, err := io.Copy(&localWriter{f: f}, r); err != nil {
		f.Close()
		var lerr *LocalIOError
		if errors.As(err, &lerr) {
			return err
		}
		return fmt.Errorf("reading %s from archive: %w", target, err)
	}
	if err := f.Close(); err != nil {
		return &LocalIOError{Op: "close", Path: target, Err: err}
	}
	return nil
}

// localWriter tags write errors as local so they are not confused with stream errors.
type localWriter struct{ f *os.File }

func (w *localWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil {
		return n, &LocalIOError{Op: "write", Path: w.f.Name(), Err: err}
	}
	return n, nil
}

type localReader struct{ f *os.File }

func (r *localReader) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if err != nil && err != io.EOF {
		return n, &LocalIOError{Op: "read", Path: r.f.Name(), Err: err}
	}
	return n, err
}

// within joins name onto root and reports whether the result stays inside root.
func within(root, name string) (string, bool) {
	target := filepath.Join(root, filepath.FromSlash(name))
	if target == root {
		return target, true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return target, strings.HasPrefix(target, prefix)
}

func mustRel(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return ".."
	}
	return rel
}
