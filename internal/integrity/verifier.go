package integrity

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/derektruong/fxupload/internal/checksum"
	"github.com/derektruong/fxupload/internal/iometer"
	"github.com/docker/go-units"
	"github.com/go-logr/logr"
)

// Verifier checks the content of backing files against checksums claimed
// by clients.
type Verifier struct {
	logger logr.Logger

	// readRate throttles tail reads in bytes per second, 0 disables it
	readRate float64
}

// NewVerifier creates a verifier. readRate bounds the disk read throughput
// of tail verification in bytes per second, 0 means unlimited.
func NewVerifier(logger logr.Logger, readRate float64) *Verifier {
	return &Verifier{
		logger:   logger.WithName("integrity"),
		readRate: readRate,
	}
}

// VerifyTail recomputes the checksum of the bytes after validated and
// compares it with claimed. On a match the whole file is trusted and its
// length is returned as the new watermark. On a mismatch the file is
// truncated back to validated and a *checksum.MismatchError is returned.
// An empty tail is left as is, whatever claimed is.
func (v *Verifier) VerifyTail(
	ctx context.Context,
	path string,
	validated int64,
	claimed string,
) (newValidated int64, err error) {
	newValidated = validated

	var file *os.File
	if file, err = os.Open(path); err != nil {
		return
	}
	defer file.Close()

	if _, err = file.Seek(validated, io.SeekStart); err != nil {
		return
	}
	reader := iometer.NewTransferReader(file, nil).WithContext(ctx)
	reader.SetRateLimit(v.readRate)
	if _, err = io.Copy(io.Discard, reader); err != nil {
		return
	}
	tail := reader.TransferredSize()
	if tail == 0 {
		// nothing beyond the watermark, a repeated verification
		return
	}
	computed := reader.Checksum()

	if err = checksum.Compare(claimed, computed); err != nil {
		v.logger.Info("unchecked tail is corrupt, truncating",
			"path", path,
			"validated", units.HumanSize(float64(validated)),
			"discarded", units.HumanSize(float64(tail)),
			"claimed", claimed, "computed", computed)
		if truncErr := os.Truncate(path, validated); truncErr != nil {
			err = fmt.Errorf("truncate %s to %d: %w", path, validated, truncErr)
		}
		return
	}

	newValidated = validated + tail
	v.logger.V(1).Info("unchecked tail validated",
		"path", path, "validated", newValidated, "promoted", tail)
	return
}

// FirstChunkChecksum returns the checksum of the first
// checksum.FirstChunkSize bytes of the file.
func (v *Verifier) FirstChunkChecksum(path string) (sum string, err error) {
	var file *os.File
	if file, err = os.Open(path); err != nil {
		return
	}
	defer file.Close()
	sum, _, err = checksum.Of(io.LimitReader(file, checksum.FirstChunkSize))
	return
}
