package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/avast/retry-go/v4"
	"github.com/derektruong/fxupload"
	"github.com/derektruong/fxupload/internal/checksum"
	"github.com/derektruong/fxupload/internal/iometer"
	"github.com/docker/go-units"
)

// Upload sends a local file, continuing a pending upload of the same file
// when the server has one. It returns the upload id. opts only apply to
// this upload.
func (c *Client) Upload(ctx context.Context, path string, opts ...Option) (fileID string, err error) {
	if len(opts) > 0 {
		scoped := *c
		for _, opt := range opts {
			opt(&scoped)
		}
		c = &scoped
	}

	var file *os.File
	if file, err = os.Open(path); err != nil {
		return
	}
	defer file.Close()
	var stat os.FileInfo
	if stat, err = file.Stat(); err != nil {
		return
	}
	name, size := filepath.Base(path), stat.Size()

	var config fxupload.Config
	if config, err = c.PendingFiles(ctx); err != nil {
		return
	}
	sliceSize := c.sliceSize
	if sliceSize <= 0 {
		sliceSize = config.SliceSize
	}

	var offset int64
	if fileID, offset, err = c.locate(ctx, file, name, size, config.Files); err != nil {
		return
	}
	logger := c.logger.WithValues("fileID", fileID, "name", name)
	logger.Info("uploading file",
		"size", units.HumanSize(float64(size)),
		"offset", units.HumanSize(float64(offset)),
		"sliceSize", units.HumanSize(float64(sliceSize)))

	for offset < size {
		if offset, err = c.sendSlice(ctx, file, fileID, offset, size, sliceSize); err != nil {
			return
		}
		if c.onProgress != nil {
			c.onProgress(offset, size)
		}
	}
	logger.Info("file uploaded")
	return
}

// locate finds a pending upload of the same file, checking that its first
// bytes match the local ones, or prepares a new one.
func (c *Client) locate(
	ctx context.Context,
	file io.ReaderAt,
	name string,
	size int64,
	pending []fxupload.PendingFile,
) (fileID string, offset int64, err error) {
	for _, candidate := range pending {
		if candidate.Name != name || candidate.Size != size {
			continue
		}
		if candidate.FileSize > 0 {
			var remote, local string
			if remote, err = c.FirstChunkChecksum(ctx, candidate.ID); err != nil {
				return
			}
			if local, err = spanChecksum(file, 0, min(candidate.FileSize, checksum.FirstChunkSize)); err != nil {
				return
			}
			if remote != local {
				c.logger.Info("pending upload holds another file", "fileID", candidate.ID)
				continue
			}
		}
		fileID = candidate.ID
		offset, err = c.resync(ctx, file, fileID, size)
		return
	}

	fileID, err = c.Prepare(ctx, name, size)
	return
}

// resync returns the offset to continue an upload from. Bytes the server
// wrote without validating them are kept when they match the local file.
func (c *Client) resync(ctx context.Context, file io.ReaderAt, fileID string, size int64) (offset int64, err error) {
	var remote fxupload.PendingFile
	if remote, err = c.Resume(ctx, fileID); err != nil {
		return
	}
	offset = remote.ValidatedBytes
	if remote.FileSize <= remote.ValidatedBytes {
		return
	}

	sum := "unknown"
	if remote.FileSize <= size {
		if sum, err = spanChecksum(file, remote.ValidatedBytes, remote.FileSize); err != nil {
			return
		}
	}
	switch err = c.Verify(ctx, fileID, sum); {
	case err == nil:
		offset = remote.FileSize
	case errors.Is(err, fxupload.ErrChecksumMismatch):
		err = nil
	}
	c.logger.V(1).Info("resynchronised upload", "fileID", fileID, "offset", offset)
	return
}

// sendSlice sends the slice starting at offset, resynchronising with the
// server between attempts. It returns the next offset.
func (c *Client) sendSlice(
	ctx context.Context,
	file io.ReaderAt,
	fileID string,
	offset, size, sliceSize int64,
) (next int64, err error) {
	next = offset
	err = retry.Do(
		func() (err error) {
			n := min(sliceSize, size-next)
			if n <= 0 {
				return nil
			}
			var sum string
			if sum, err = spanChecksum(file, next, next+n); err != nil {
				return retry.Unrecoverable(err)
			}
			start := next
			if err = c.SendChunk(ctx, fileID, sum, func() io.Reader {
				reader := iometer.NewTransferReader(io.NewSectionReader(file, start, n), nil).WithContext(ctx)
				reader.SetRateLimit(c.rateLimit)
				return reader
			}, n); err == nil {
				next += n
				return nil
			}
			if !retryable(err) {
				return retry.Unrecoverable(err)
			}
			if synced, syncErr := c.resync(ctx, file, fileID, size); syncErr == nil {
				next = synced
			}
			return
		},
		retry.Context(ctx),
		retry.Attempts(c.maxAttempts),
		retry.Delay(c.retryDelay),
		retry.MaxDelay(c.maxRetryDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("retrying chunk",
				"fileID", fileID,
				"offset", next,
				"errorMessage", err.Error(),
				"retryAttempts", n+1)
		}),
	)
	if err != nil {
		err = fmt.Errorf("send chunk at %d of %s: %w", next, fileID, err)
	}
	return
}

// retryable reports whether a failed chunk may be sent again.
func retryable(err error) bool {
	var statusErr *StatusError
	switch {
	case errors.Is(err, ErrInterrupted),
		errors.Is(err, fxupload.ErrUploadNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.As(err, &statusErr):
		return statusErr.Temporary()
	default:
		return true
	}
}

// spanChecksum returns the checksum of the bytes [from, to) of r.
func spanChecksum(r io.ReaderAt, from, to int64) (sum string, err error) {
	var n int64
	if sum, n, err = checksum.Of(io.NewSectionReader(r, from, to-from)); err != nil {
		return
	}
	if n != to-from {
		return "", fmt.Errorf("short read at %d: %d of %d bytes", from, n, to-from)
	}
	return
}
