package httpapi

import (
	"errors"
	"net/http"

	"github.com/derektruong/fxupload"
	"github.com/derektruong/fxupload/internal/fileutils"
	"github.com/derektruong/fxupload/storage"
	"github.com/go-playground/validator/v10"
)

// StatusClientClosedRequest answers chunks of paused or cancelled uploads.
const StatusClientClosedRequest = 499

var errMalformedBody = errors.New("malformed request body")

// statusOf maps an error of the upload API to its HTTP status.
func statusOf(err error) int {
	var validationErrs validator.ValidationErrors
	switch {
	case errors.As(err, &validationErrs),
		errors.Is(err, errMalformedBody),
		errors.Is(err, fxupload.ErrFileRejected),
		errors.Is(err, fileutils.ErrEmptyFileName),
		errors.Is(err, storage.ErrInvalidClientID),
		errors.Is(err, storage.ErrInvalidFileName):
		return http.StatusBadRequest
	case errors.Is(err, fxupload.ErrUploadNotFound):
		return http.StatusNotFound
	case errors.Is(err, fxupload.ErrChecksumMismatch),
		errors.Is(err, fxupload.ErrUploadBusy):
		return http.StatusConflict
	case errors.Is(err, fxupload.ErrUploadPaused),
		errors.Is(err, fxupload.ErrUploadCancelled),
		errors.Is(err, fxupload.ErrClientDisconnected):
		return StatusClientClosedRequest
	case errors.Is(err, fxupload.ErrUploaderClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
