package iometer

import (
	"context"
	"hash"
	"hash/crc32"
	"io"
	"sync/atomic"
	"time"

	"github.com/derektruong/fxupload/internal/checksum"
	"golang.org/x/time/rate"
)

//go:generate mockgen -destination=mock/mock_reader.go -package=mock_iometer io ReadCloser

const burstLimit = 1024 * 1024 * 1024 // 1GB

// TransferReader wraps an io.Reader, counts the number of bytes read
// from it and folds them into a running CRC32.
type TransferReader struct {
	reader  io.Reader
	limiter *rate.Limiter
	crc     hash.Hash32

	// transferredSize is a pointer to an int64 that stores the number of
	// bytes transferred, it may be shared between readers
	transferredSize *int64

	// read is the number of bytes read through this reader only
	read int64

	ctx context.Context

	closed bool
}

// NewTransferReader constructs a new TransferReader. transferredSize may
// be nil when no shared counter is needed.
func NewTransferReader(reader io.Reader, transferredSize *int64) (tr *TransferReader) {
	tr = &TransferReader{
		reader:          reader,
		crc:             crc32.NewIEEE(),
		transferredSize: transferredSize,
		ctx:             context.Background(),
	}
	return
}

// WithContext binds the rate limiter waits to ctx.
func (tr *TransferReader) WithContext(ctx context.Context) *TransferReader {
	tr.ctx = ctx
	return tr
}

// Read reads from the underlying reader, increments the counters and
// updates the checksum.
func (tr *TransferReader) Read(p []byte) (n int, err error) {
	n, err = tr.reader.Read(p)
	if n > 0 {
		tr.crc.Write(p[:n])
		atomic.AddInt64(&tr.read, int64(n))
		if tr.transferredSize != nil {
			atomic.AddInt64(tr.transferredSize, int64(n))
		}
		if tr.limiter != nil {
			if waitErr := tr.limiter.WaitN(tr.ctx, n); waitErr != nil && err == nil {
				err = waitErr
			}
		}
	}
	return
}

// Close closes the underlying io.Reader if it implements the
// io.Closer interface.
func (tr *TransferReader) Close() (err error) {
	if tr.closed {
		return
	}
	if closer, ok := tr.reader.(io.Closer); ok {
		err = closer.Close()
	}
	tr.closed = true
	return
}

// TransferredSize returns the number of bytes read through this reader.
func (tr *TransferReader) TransferredSize() int64 {
	return atomic.LoadInt64(&tr.read)
}

// Checksum returns the CRC32 of the bytes read so far.
func (tr *TransferReader) Checksum() string {
	return checksum.Format(tr.crc.Sum32())
}

// SetRateLimit sets rate limit (bytes/sec) to the reader. A non-positive
// value removes the limit.
func (tr *TransferReader) SetRateLimit(bytesPerSec float64) {
	if bytesPerSec <= 0 {
		tr.limiter = nil
		return
	}
	tr.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burstLimit)
	tr.limiter.AllowN(time.Now(), burstLimit) // spend initial burst
}
