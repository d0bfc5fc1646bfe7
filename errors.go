package fxupload

import (
	"errors"

	"github.com/derektruong/fxupload/internal/checksum"
	"github.com/derektruong/fxupload/internal/pipeline"
)

var (
	// ErrUploadNotFound is returned for an upload id with no live record:
	// expired, cancelled or never prepared.
	ErrUploadNotFound = errors.New("upload not found")

	// ErrChecksumMismatch matches every ChecksumMismatchError.
	ErrChecksumMismatch = checksum.ErrMismatch

	// ErrClientDisconnected marks a chunk stream that ended abruptly.
	ErrClientDisconnected = pipeline.ErrClientDisconnected

	// ErrUploadPaused is returned when a chunk is sent for a paused upload.
	ErrUploadPaused = errors.New("upload is paused")

	// ErrUploadCancelled is returned when a running chunk is stopped by a
	// cancel.
	ErrUploadCancelled = errors.New("upload was cancelled")

	// ErrUploadBusy is returned when another chunk or a verification of the
	// same upload is running.
	ErrUploadBusy = errors.New("upload is being processed")

	// ErrUploaderClosed is returned once Close has been called.
	ErrUploaderClosed = errors.New("uploader is closed")
)

// ChecksumMismatchError carries both sides of a failed checksum comparison.
// errors.Is(err, ErrChecksumMismatch) holds for it.
type ChecksumMismatchError = checksum.MismatchError
