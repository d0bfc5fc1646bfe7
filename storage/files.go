package storage

import (
	"context"
	"io"
)

//go:generate mockgen -source=files.go -destination=mock/mock_files.go

// File is an opened backing file.
type File interface {
	io.ReadSeekCloser
	io.ReaderAt
}

// Files manages the backing files uploads are written to.
type Files interface {
	// CreateFile creates an empty backing file for a client.
	//
	// Parameters:
	//  - ctx: the context of the request
	//  - clientID: the id of the owning client
	//  - name: the file name, it must not contain directories
	//
	// Returns:
	//  - path: the absolute path of the created file
	//  - err: the error if any occurred, nil otherwise
	CreateFile(ctx context.Context, clientID, name string) (path string, err error)

	// OpenAppend opens a backing file for appending a chunk.
	OpenAppend(path string) (w io.WriteCloser, err error)

	// Open opens a backing file for reading and returns its length.
	Open(path string) (f File, size int64, err error)

	// Size returns the current length of a backing file.
	Size(path string) (size int64, err error)

	// DeleteFile removes a backing file. Removing a missing file is not an
	// error.
	DeleteFile(path string) (err error)
}
