package fxupload

import (
	"context"
	"io"

	"github.com/go-playground/validator/v10"
)

// validate use a single instance of validate, it caches struct info
var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
}

// PrepareCommand declares a new upload.
type PrepareCommand struct {
	// FileName is the name of the file on the client side
	FileName string `json:"fileName" validate:"required,max=255"`
	// Size is the declared total size in bytes
	Size int64 `json:"size" validate:"gte=0"`
}

// ChunkCommand carries one chunk of an upload.
type ChunkCommand struct {
	// FileID is the id returned by Prepare
	FileID string `json:"fileID" validate:"required"`
	// Checksum is the CRC32 of the chunk bytes, lowercase hexadecimal
	Checksum string `json:"checksum" validate:"required,max=64"`
	// Body is the chunk stream, it ends at EOF
	Body io.Reader `json:"-" validate:"required"`
}

// VerifyCommand asks the server to check the bytes written after the
// validated watermark.
type VerifyCommand struct {
	FileID string `json:"fileID" validate:"required"`
	// Checksum is the CRC32 of the client's bytes from the validated
	// watermark to the current server file length
	Checksum string `json:"checksum" validate:"required,max=64"`
}

// RateCommand sets the rate override of an upload. A zero rate removes the
// override.
type RateCommand struct {
	FileID   string `json:"fileID" validate:"required"`
	RateKBps int64  `json:"rateKBps" validate:"gte=0"`
}

func (cmd PrepareCommand) Validate(ctx context.Context) error {
	return validate.StructCtx(ctx, cmd)
}

func (cmd ChunkCommand) Validate(ctx context.Context) error {
	return validate.StructCtx(ctx, cmd)
}

func (cmd VerifyCommand) Validate(ctx context.Context) error {
	return validate.StructCtx(ctx, cmd)
}

func (cmd RateCommand) Validate(ctx context.Context) error {
	return validate.StructCtx(ctx, cmd)
}
