package storage

import (
	"context"
	"io"
)

//go:generate mockgen -source=exporter.go -destination=mock/mock_exporter.go

// ExportObject is a completed upload handed to an Exporter.
type ExportObject struct {
	// Key identifies the object in the target storage
	Key string
	// Name is the file name declared by the client
	Name string
	// Body gives random access to the content
	Body io.ReaderAt
	// Size is the content length in bytes
	Size int64
}

// Exporter ships completed uploads to long term storage.
type Exporter interface {
	// Export copies obj to the target storage. It must be safe to call
	// concurrently.
	Export(ctx context.Context, obj ExportObject) (err error)
}
