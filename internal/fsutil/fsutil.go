// Package fsutil is the filesystem collaborator used by every stage. It wraps
// an afero.Fs so that tests can run against an in-memory tree while
// production code runs against the OS.
package fsutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/schaermu/slicesync/internal/syncerr"
)

// Defaults for large file streaming.
const (
	DefaultLargeFileThreshold = 10 << 20
	DefaultChunkSize          = 1 << 20
)

// ErrSymlinkUnsupported is returned when the backing filesystem cannot
// create or read symbolic links.
var ErrSymlinkUnsupported = errors.New("filesystem does not support symlinks")

// FS provides the file operations slicesync needs on top of afero.
type FS struct {
	fs             afero.Fs
	largeThreshold int64
	chunkSize      int64
}

// Option configures an FS.
type Option func(*FS)

// WithLargeFileThreshold sets the size above which files are copied in chunks.
func WithLargeFileThreshold(n int64) Option {
	return func(f *FS) {
		if n > 0 {
			f.largeThreshold = n
		}
	}
}

// WithChunkSize sets the chunk size used for large file copies.
func WithChunkSize(n int64) Option {
	return func(f *FS) {
		if n > 0 {
			f.chunkSize = n
		}
	}
}

// New wraps an afero filesystem.
func New(fs afero.Fs, opts ...Option) *FS {
	f := &FS{
		fs:             fs,
		largeThreshold: DefaultLargeFileThreshold,
		chunkSize:      DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewOS returns an FS backed by the operating system.
func NewOS(opts ...Option) *FS {
	return New(afero.NewOsFs(), opts...)
}

// Afero exposes the underlying filesystem.
func (f *FS) Afero() afero.Fs {
	return f.fs
}

// Exists reports whether path exists without following a trailing symlink.
func (f *FS) Exists(path string) (bool, error) {
	_, err := f.Lstat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fsErr(err, "stat", path)
}

// Stat follows symlinks.
func (f *FS) Stat(path string) (os.FileInfo, error) {
	return f.fs.Stat(path)
}

// Lstat does not follow symlinks when the backing filesystem supports it.
func (f *FS) Lstat(path string) (os.FileInfo, error) {
	if l, ok := f.fs.(afero.Lstater); ok {
		fi, _, err := l.LstatIfPossible(path)
		return fi, err
	}
	return f.fs.Stat(path)
}

// IsSymlink reports whether path is a symbolic link.
func (f *FS) IsSymlink(path string) (bool, error) {
	fi, err := f.Lstat(path)
	if err != nil {
		return false, err
	}
	return fi.Mode()&os.ModeSymlink != 0, nil
}

// Readlink returns the target of a symbolic link.
func (f *FS) Readlink(path string) (string, error) {
	r, ok := f.fs.(afero.LinkReader)
	if !ok {
		return "", ErrSymlinkUnsupported
	}
	target, err := r.ReadlinkIfPossible(path)
	if err != nil {
		return "", fsErr(err, "readlink", path)
	}
	return target, nil
}

// Symlink creates newname pointing at oldname.
func (f *FS) Symlink(oldname, newname string) error {
	l, ok := f.fs.(afero.Linker)
	if !ok {
		return ErrSymlinkUnsupported
	}
	if err := f.fs.MkdirAll(filepath.Dir(newname), 0o755); err != nil {
		return fsErr(err, "mkdir", filepath.Dir(newname))
	}
	if err := l.SymlinkIfPossible(oldname, newname); err != nil {
		return fsErr(err, "symlink", newname)
	}
	return nil
}

// Chmod sets the permission bits of path.
func (f *FS) Chmod(path string, mode os.FileMode) error {
	if err := f.fs.Chmod(path, mode); err != nil {
		return fsErr(err, "chmod", path)
	}
	return nil
}

// MkdirAll creates a directory tree.
func (f *FS) MkdirAll(path string) error {
	if err := f.fs.MkdirAll(path, 0o755); err != nil {
		return fsErr(err, "mkdir", path)
	}
	return nil
}

// RemoveAll removes path recursively. Missing paths are not an error.
func (f *FS) RemoveAll(path string) error {
	if err := f.fs.RemoveAll(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fsErr(err, "remove", path)
	}
	return nil
}

// Rename moves oldpath to newpath, creating the destination directory.
func (f *FS) Rename(oldpath, newpath string) error {
	if err := f.fs.MkdirAll(filepath.Dir(newpath), 0o755); err != nil {
		return fsErr(err, "mkdir", filepath.Dir(newpath))
	}
	if err := f.fs.Rename(oldpath, newpath); err != nil {
		return fsErr(err, "rename", oldpath)
	}
	return nil
}

// ReadFile reads a whole file.
func (f *FS) ReadFile(path string) ([]byte, error) {
	data, err := afero.ReadFile(f.fs, path)
	if err != nil {
		return nil, fsErr(err, "read", path)
	}
	return data, nil
}

// Open opens a file for streaming reads.
func (f *FS) Open(path string) (afero.File, error) {
	return f.fs.Open(path)
}

// WriteFileAtomic writes data to a temp file next to path and renames it into
// place, so readers never observe a partial file.
func (f *FS) WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	return f.writeAtomic(path, perm, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// CopyFile copies src to dst atomically, preserving permission bits. Files
// larger than the large file threshold are streamed in fixed-size chunks.
// It returns the number of bytes copied.
func (f *FS) CopyFile(src, dst string) (int64, error) {
	in, err := f.fs.Open(src)
	if err != nil {
		return 0, fsErr(err, "open", src)
	}
	defer func() {
		_ = in.Close()
	}()

	info, err := in.Stat()
	if err != nil {
		return 0, fsErr(err, "stat", src)
	}
	if info.IsDir() {
		return 0, syncerr.Newf(syncerr.KindFilesystem, "copy %s: is a directory", src)
	}

	var n int64
	err = f.writeAtomic(dst, info.Mode().Perm(), func(w io.Writer) error {
		var cerr error
		if info.Size() > f.largeThreshold {
			n, cerr = copyChunked(w, in, f.chunkSize)
		} else {
			n, cerr = io.Copy(w, in)
		}
		return cerr
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// CopyTree copies the tree at src into dst. When overwrite is false, files
// that already exist at the destination are left untouched. Symlinks are
// recreated, not followed. It returns the number of files written.
func (f *FS) CopyTree(src, dst string, overwrite bool) (int, error) {
	fi, err := f.Lstat(src)
	if err != nil {
		return 0, fsErr(err, "stat", src)
	}
	if !fi.IsDir() {
		if !overwrite {
			if ok, _ := f.Exists(dst); ok {
				return 0, nil
			}
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return 1, f.copySymlink(src, dst)
		}
		_, err := f.CopyFile(src, dst)
		if err != nil {
			return 0, err
		}
		return 1, nil
	}

	copied := 0
	err = afero.Walk(f.fs, src, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		tfi, err := f.Lstat(target)
		exists := err == nil
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}

		if info.IsDir() {
			if exists && !tfi.IsDir() {
				// A file is in the way of a directory.
				if !overwrite {
					return filepath.SkipDir
				}
				if err := f.RemoveAll(target); err != nil {
					return err
				}
			}
			return f.MkdirAll(target)
		}

		if exists {
			if !overwrite {
				return nil
			}
			if tfi.IsDir() {
				if err := f.RemoveAll(target); err != nil {
					return err
				}
			}
		}

		if info.Mode()&os.ModeSymlink != 0 {
			if err := f.copySymlink(path, target); err != nil {
				return err
			}
			copied++
			return nil
		}

		if _, err := f.CopyFile(path, target); err != nil {
			return err
		}
		copied++
		return nil
	})
	if err != nil {
		return copied, fsErr(err, "copy tree", src)
	}
	return copied, nil
}

// ListFiles returns all non-directory entries under root, relative to root,
// using forward slashes.
func (f *FS) ListFiles(root string) ([]string, error) {
	var files []string
	err := afero.Walk(f.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fsErr(err, "list", root)
	}
	return files, nil
}

// Symlinks returns every symlink under root, relative to root with forward
// slashes, mapped to its link target. Links are not followed.
func (f *FS) Symlinks(root string) (map[string]string, error) {
	links := map[string]string{}
	err := afero.Walk(f.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink == 0 {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		target, err := f.Readlink(path)
		if err != nil {
			return err
		}
		links[filepath.ToSlash(rel)] = target
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fsErr(err, "list symlinks", root)
	}
	return links, nil
}

// TempDir creates a fresh temporary directory under dir whose name starts
// with prefix.
func (f *FS) TempDir(dir, prefix string) (string, error) {
	if dir != "" {
		if err := f.MkdirAll(dir); err != nil {
			return "", err
		}
	}
	path, err := afero.TempDir(f.fs, dir, prefix)
	if err != nil {
		return "", fsErr(err, "create temp dir", dir)
	}
	return path, nil
}

func (f *FS) copySymlink(src, dst string) error {
	target, err := f.Readlink(src)
	if err != nil {
		return err
	}
	if err := f.RemoveAll(dst); err != nil {
		return err
	}
	return f.Symlink(target, dst)
}

func (f *FS) writeAtomic(path string, perm os.FileMode, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := f.fs.MkdirAll(dir, 0o755); err != nil {
		return fsErr(err, "mkdir", dir)
	}

	tmp, err := afero.TempFile(f.fs, dir, ".slicesync-tmp-*")
	if err != nil {
		return fsErr(err, "create temp file", dir)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = f.fs.Remove(tmpPath)
	}()

	if err := write(tmp); err != nil {
		_ = tmp.Close()
		return fsErr(err, "write", path)
	}
	if err := tmp.Close(); err != nil {
		return fsErr(err, "close", path)
	}
	if err := f.fs.Chmod(tmpPath, perm); err != nil {
		return fsErr(err, "chmod", path)
	}

	// A directory or symlink in the way would make rename fail or follow it.
	if fi, err := f.Lstat(path); err == nil && (fi.IsDir() || fi.Mode()&os.ModeSymlink != 0) {
		if err := f.fs.RemoveAll(path); err != nil {
			return fsErr(err, "remove", path)
		}
	}
	if err := f.fs.Rename(tmpPath, path); err != nil {
		return fsErr(err, "rename", path)
	}
	return nil
}

func copyChunked(dst io.Writer, src io.Reader, chunk int64) (int64, error) {
	buf := make([]byte, chunk)
	var total int64
	for {
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			total += int64(w)
			if werr != nil {
				return total, werr
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

func fsErr(err error, op, path string) error {
	if err == nil {
		return nil
	}
	var se *syncerr.Error
	if errors.As(err, &se) {
		return err
	}
	kind := syncerr.KindFilesystem
	if errors.Is(err, os.ErrPermission) {
		kind = syncerr.KindPermission
	}
	return syncerr.Wrap(err, kind, fmt.Sprintf("%s %s", op, path))
}
