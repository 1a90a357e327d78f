// Package driver defines the interface between the blob store and the
// backing byte storage. The filesystem implementation lives in the
// filesystem subpackage; the interface is shaped so that object stores
// (S3, GCS, Azure) can be added without changing callers.
package driver

import (
	"context"
	"fmt"
	"io"
	"time"
)

// StorageDriver defines methods that a storage backend must implement for
// use by the registry blob store. Paths are slash-separated and relative to
// the driver root.
type StorageDriver interface {
	// Stat retrieves the FileInfo for the given path, including the current
	// size in bytes and the creation time.
	Stat(ctx context.Context, path string) (FileInfo, error)

	// Reader retrieves an io.ReadSeekCloser for the content stored at
	// "path" with a given byte offset.
	Reader(ctx context.Context, path string, offset int64) (io.ReadSeekCloser, error)

	// Writer returns a FileWriter which will store the content written to
	// it at the location designated by "path" after the call to Commit.
	// A path may be appended to if it has not been committed, or if the
	// existing content is truncated by setting doAppend to false.
	Writer(ctx context.Context, path string, doAppend bool) (FileWriter, error)

	// Move moves an object stored at sourcePath to destPath, removing the
	// original object. The rename is atomic on the filesystem backend.
	Move(ctx context.Context, sourcePath string, destPath string) error

	// Delete recursively deletes all objects stored at "path" and its
	// subpaths.
	Delete(ctx context.Context, path string) error

	// Walk traverses a filesystem defined within driver, starting from the
	// given path, calling f on each file.
	Walk(ctx context.Context, path string, f WalkFn) error
}

// FileWriter provides an abstraction for an opened writable file-like object
// in the storage backend.
type FileWriter interface {
	io.WriteCloser

	// Size returns the number of bytes written to this FileWriter.
	Size() int64

	// Cancel removes any written content from this FileWriter.
	Cancel(ctx context.Context) error

	// Commit flushes all content written to this FileWriter and makes it
	// available for future calls to StorageDriver.Reader.
	Commit(ctx context.Context) error
}

// FileInfo returns information about a given path.
type FileInfo interface {
	// Path provides the full path of the target of this file info.
	Path() string

	// Size returns current length in bytes of the file.
	Size() int64

	// ModTime returns the modification time for the file.
	ModTime() time.Time

	// IsDir returns true if the path is a directory.
	IsDir() bool
}

// WalkFn is called once per file by Walk. If the returned error is ErrSkipDir
// and fileInfo refers to a directory, the directory will not be entered.
type WalkFn func(fileInfo FileInfo) error

// ErrSkipDir is used as a return value from WalkFn to indicate that the
// directory named in the call is to be skipped. It is not returned as an
// error by any function.
var ErrSkipDir = fmt.Errorf("skip this directory")

// PathNotFoundError is returned when operating on a nonexistent path.
type PathNotFoundError struct {
	Path string
}

func (err PathNotFoundError) Error() string {
	return fmt.Sprintf("path not found: %s", err.Path)
}

// InvalidOffsetError is returned when attempting to read or write from an
// invalid offset.
type InvalidOffsetError struct {
	Path   string
	Offset int64
}

func (err InvalidOffsetError) Error() string {
	return fmt.Sprintf("invalid offset: %d for path: %s", err.Offset, err.Path)
}
