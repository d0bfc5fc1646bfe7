package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/derektruong/fxupload/storage"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterNamePrefix = "fxupload/storage/local"

var (
	defaultFilePerm = os.FileMode(0664)
	defaultDirPerm  = os.FileMode(0755)
)

// Files keeps backing files under root, one directory per client.
type Files struct {
	logger logr.Logger
	root   string

	// bytesWritten counts every byte appended to a backing file
	bytesWritten *int64
}

var _ storage.Files = (*Files)(nil)

// NewFiles creates the root directory if needed and registers the
// bytes_written meter.
func NewFiles(logger logr.Logger, root string) (f *Files, err error) {
	if root, err = filepath.Abs(root); err != nil {
		return
	}
	if err = os.MkdirAll(root, defaultDirPerm); err != nil {
		return
	}
	f = &Files{
		logger:       logger.WithName("local.files"),
		root:         root,
		bytesWritten: new(int64),
	}
	if err = f.registerMeterCallback(); err != nil {
		return
	}
	return
}

// Root returns the absolute upload directory.
func (f *Files) Root() string {
	return f.root
}

// BytesWritten returns the number of bytes appended since start.
func (f *Files) BytesWritten() int64 {
	return atomic.LoadInt64(f.bytesWritten)
}

func (f *Files) CreateFile(ctx context.Context, clientID, name string) (path string, err error) {
	if err = storage.ValidateClientID(clientID); err != nil {
		return
	}
	if err = storage.ValidateFileName(name); err != nil {
		return
	}
	dirPath := filepath.Join(f.root, clientID)
	if err = os.MkdirAll(dirPath, defaultDirPerm); err != nil {
		return
	}

	path = filepath.Join(dirPath, name)
	var file *os.File
	if file, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, defaultFilePerm); err != nil {
		return
	}
	if err = file.Close(); err != nil {
		return
	}
	f.logger.V(1).Info("created backing file", "path", path)
	return
}

func (f *Files) OpenAppend(path string) (w io.WriteCloser, err error) {
	if err = f.checkPath(path); err != nil {
		return
	}
	var file *os.File
	if file, err = os.OpenFile(path, os.O_WRONLY|os.O_APPEND, defaultFilePerm); err != nil {
		return
	}
	w = &countingWriter{file: file, count: f.bytesWritten}
	return
}

func (f *Files) Open(path string) (r storage.File, size int64, err error) {
	if err = f.checkPath(path); err != nil {
		return
	}
	var file *os.File
	if file, err = os.Open(path); err != nil {
		return
	}
	var stat os.FileInfo
	if stat, err = file.Stat(); err != nil {
		file.Close()
		return
	}
	r, size = file, stat.Size()
	return
}

func (f *Files) Size(path string) (size int64, err error) {
	var stat os.FileInfo
	if stat, err = os.Stat(path); err != nil {
		return
	}
	size = stat.Size()
	return
}

func (f *Files) DeleteFile(path string) (err error) {
	if err = f.checkPath(path); err != nil {
		return
	}
	if err = os.Remove(path); err != nil && errors.Is(err, fs.ErrNotExist) {
		err = nil
	}
	return
}

// checkPath rejects paths outside of the upload directory.
func (f *Files) checkPath(path string) error {
	rel, err := filepath.Rel(f.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("%w: %s is outside of %s", storage.ErrInvalidFileName, path, f.root)
	}
	return nil
}

func (f *Files) registerMeterCallback() (err error) {
	meter := otel.GetMeterProvider().Meter(fmt.Sprintf("%s/files", meterNamePrefix))
	var totalBytesWritten metric.Int64ObservableCounter
	if totalBytesWritten, err = meter.Int64ObservableCounter("bytes_written"); err != nil {
		return
	}

	_, err = meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) (err error) {
			o.ObserveInt64(totalBytesWritten, atomic.LoadInt64(f.bytesWritten))
			return
		},
		totalBytesWritten,
	)
	return
}

// countingWriter appends to a file and counts the bytes written.
type countingWriter struct {
	file  *os.File
	count *int64
}

func (w *countingWriter) Write(p []byte) (n int, err error) {
	n, err = w.file.Write(p)
	atomic.AddInt64(w.count, int64(n))
	return
}

func (w *countingWriter) Close() error {
	return w.file.Close()
}
