package checksum

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"strconv"
)

// FirstChunkSize is the span covered by the first chunk checksum.
const FirstChunkSize = 8192

var ErrMismatch = errors.New("checksum mismatch")

// MismatchError is returned when a claimed checksum disagrees with the
// checksum recomputed from the written bytes.
type MismatchError struct {
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch: expected %q, computed %q", e.Expected, e.Actual)
}

func (e *MismatchError) Is(target error) bool {
	return target == ErrMismatch
}

// Format renders a CRC32 value as lowercase hexadecimal without zero padding.
func Format(sum uint32) string {
	return strconv.FormatUint(uint64(sum), 16)
}

// Of computes the CRC32 of everything readable from r.
func Of(r io.Reader) (sum string, n int64, err error) {
	h := crc32.NewIEEE()
	if n, err = io.Copy(h, r); err != nil {
		return
	}
	sum = Format(h.Sum32())
	return
}

// Bytes computes the CRC32 of b.
func Bytes(b []byte) string {
	return Format(crc32.ChecksumIEEE(b))
}

// Compare returns a *MismatchError when expected and actual differ.
func Compare(expected, actual string) error {
	if expected != actual {
		return &MismatchError{Expected: expected, Actual: actual}
	}
	return nil
}
