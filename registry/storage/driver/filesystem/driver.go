// Package filesystem provides a local-disk StorageDriver implementation.
package filesystem

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	storagedriver "github.com/GhostKellz/ghostdock/registry/storage/driver"
)

// defaultMaxThreads is unused here but kept as the conventional cap should
// the driver grow a bounded worker pool for parallel walks.
const defaultPerms = 0o700

// Driver is a storagedriver.StorageDriver implementation backed by a local
// filesystem. All provided paths will be subpaths of the rootDirectory.
type Driver struct {
	rootDirectory string
}

var _ storagedriver.StorageDriver = &Driver{}

// New constructs a new Driver with the given root directory.
func New(rootDirectory string) *Driver {
	return &Driver{rootDirectory: rootDirectory}
}

// fullPath returns the absolute path of a key within the Driver's storage.
func (d *Driver) fullPath(subPath string) string {
	return filepath.Join(d.rootDirectory, filepath.FromSlash(subPath))
}

// Stat retrieves the FileInfo for the given path.
func (d *Driver) Stat(ctx context.Context, subPath string) (storagedriver.FileInfo, error) {
	fullPath := d.fullPath(subPath)

	fi, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storagedriver.PathNotFoundError{Path: subPath}
		}
		return nil, err
	}

	return fileInfo{path: subPath, FileInfo: fi}, nil
}

// Reader retrieves an io.ReadSeekCloser for the content stored at "path"
// with a given byte offset.
func (d *Driver) Reader(ctx context.Context, subPath string, offset int64) (io.ReadSeekCloser, error) {
	file, err := os.Open(d.fullPath(subPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storagedriver.PathNotFoundError{Path: subPath}
		}
		return nil, err
	}

	seekPos, err := file.Seek(offset, io.SeekStart)
	if err != nil {
		file.Close()
		return nil, err
	} else if seekPos < offset {
		file.Close()
		return nil, storagedriver.InvalidOffsetError{Path: subPath, Offset: offset}
	}

	return file, nil
}

// Writer returns a FileWriter for the given path, optionally appending to
// existing content.
func (d *Driver) Writer(ctx context.Context, subPath string, doAppend bool) (storagedriver.FileWriter, error) {
	fullPath := d.fullPath(subPath)
	parentDir := filepath.Dir(fullPath)
	if err := os.MkdirAll(parentDir, defaultPerms); err != nil {
		return nil, err
	}

	fp, err := os.OpenFile(fullPath, os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}

	var offset int64

	if !doAppend {
		err := fp.Truncate(0)
		if err != nil {
			fp.Close()
			return nil, err
		}
	} else {
		n, err := fp.Seek(0, io.SeekEnd)
		if err != nil {
			fp.Close()
			return nil, err
		}
		offset = n
	}

	return newFileWriter(fp, offset), nil
}

// Move moves an object stored at sourcePath to destPath, removing the
// original object.
func (d *Driver) Move(ctx context.Context, sourcePath string, destPath string) error {
	source := d.fullPath(sourcePath)
	dest := d.fullPath(destPath)

	if _, err := os.Stat(source); os.IsNotExist(err) {
		return storagedriver.PathNotFoundError{Path: sourcePath}
	}

	if err := os.MkdirAll(filepath.Dir(dest), defaultPerms); err != nil {
		return err
	}

	return os.Rename(source, dest)
}

// Delete recursively deletes all objects stored at "path" and its subpaths.
func (d *Driver) Delete(ctx context.Context, subPath string) error {
	fullPath := d.fullPath(subPath)

	_, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return storagedriver.PathNotFoundError{Path: subPath}
		}
		return err
	}

	return os.RemoveAll(fullPath)
}

// Walk traverses the filesystem from the given path, calling f on each file.
func (d *Driver) Walk(ctx context.Context, subPath string, f storagedriver.WalkFn) error {
	root := d.fullPath(subPath)

	err := filepath.Walk(root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(d.rootDirectory, path)
		if err != nil {
			return err
		}

		walkErr := f(fileInfo{path: filepath.ToSlash(rel), FileInfo: fi})
		if walkErr == storagedriver.ErrSkipDir {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		return walkErr
	})

	return err
}

type fileInfo struct {
	os.FileInfo
	path string
}

var _ storagedriver.FileInfo = fileInfo{}

// Path provides the full path of the target of this file info.
func (fi fileInfo) Path() string {
	return fi.path
}

// Size returns current length in bytes of the file.
func (fi fileInfo) Size() int64 {
	if fi.IsDir() {
		return 0
	}
	return fi.FileInfo.Size()
}

// ModTime returns the modification time for the file.
func (fi fileInfo) ModTime() time.Time {
	return fi.FileInfo.ModTime()
}

// IsDir returns true if the path is a directory.
func (fi fileInfo) IsDir() bool {
	return fi.FileInfo.IsDir()
}

type fileWriter struct {
	file      *os.File
	size      int64
	bw        *bufio.Writer
	closed    bool
	committed bool
	cancelled bool
}

func newFileWriter(file *os.File, size int64) *fileWriter {
	return &fileWriter{
		file: file,
		size: size,
		bw:   bufio.NewWriter(file),
	}
}

func (fw *fileWriter) Write(p []byte) (int, error) {
	if fw.closed {
		return 0, fmt.Errorf("already closed")
	} else if fw.committed {
		return 0, fmt.Errorf("already committed")
	} else if fw.cancelled {
		return 0, fmt.Errorf("already cancelled")
	}
	n, err := fw.bw.Write(p)
	fw.size += int64(n)
	return n, err
}

func (fw *fileWriter) Size() int64 {
	return fw.size
}

func (fw *fileWriter) Close() error {
	if fw.closed {
		return fmt.Errorf("already closed")
	}

	if err := fw.bw.Flush(); err != nil {
		return err
	}

	if err := fw.file.Sync(); err != nil {
		return err
	}

	if err := fw.file.Close(); err != nil {
		return err
	}
	fw.closed = true
	return nil
}

func (fw *fileWriter) Cancel(ctx context.Context) error {
	if fw.closed {
		return fmt.Errorf("already closed")
	}

	fw.cancelled = true
	fw.file.Close()
	return os.Remove(fw.file.Name())
}

func (fw *fileWriter) Commit(ctx context.Context) error {
	if fw.closed {
		return fmt.Errorf("already closed")
	} else if fw.committed {
		return fmt.Errorf("already committed")
	} else if fw.cancelled {
		return fmt.Errorf("already cancelled")
	}

	if err := fw.bw.Flush(); err != nil {
		return err
	}

	if err := fw.file.Sync(); err != nil {
		return err
	}

	fw.committed = true
	return nil
}
