package fxupload

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/derektruong/fxupload/internal/fileutils"
	"github.com/samber/lo"
)

// ErrFileRejected matches every file rule violation.
var ErrFileRejected = errors.New("file rejected")

var (
	ErrMaxFileSizeExceeded = func(required, got int64) error {
		return fmt.Errorf("%w: file size exceeds the maximum allowed size: %d > %d bytes", ErrFileRejected, got, required)
	}
	ErrMinFileSizeNotMet = func(required, got int64) error {
		return fmt.Errorf("%w: file size does not meet the minimum required size: %d < %d bytes", ErrFileRejected, got, required)
	}
	ErrExtensionNotAllowed = func(ext string) error {
		return fmt.Errorf("%w: file extension is not allowed: %s", ErrFileRejected, ext)
	}
	ErrExtensionBlocked = func(ext string) error {
		return fmt.Errorf("%w: file extension is blocked: %s", ErrFileRejected, ext)
	}
	ErrFileNamePatternMismatch = func(pattern string) error {
		return fmt.Errorf("%w: file name does not match the required pattern: %s", ErrFileRejected, pattern)
	}
	ErrFileNameGlobMismatch = func(globs []string) error {
		return fmt.Errorf("%w: file name does not match any allowed glob: %v", ErrFileRejected, globs)
	}
)

// fileRule defines the rules a declared file must satisfy to be prepared.
type fileRule struct {
	// MaxFileSize allows setting a maximum declared size.
	MaxFileSize int64
	// MinFileSize allows setting a minimum declared size.
	MinFileSize int64
	// ExtensionWhitelist allows setting a list of allowed file extensions.
	ExtensionWhitelist []string
	// ExtensionBlacklist allows setting a list of blocked file extensions.
	ExtensionBlacklist []string
	// FileNamePattern allows setting a regular expression pattern for file names.
	FileNamePattern *regexp.Regexp
	// FileNameGlobs allows setting doublestar globs, a name must match one.
	FileNameGlobs []string
}

func (r *fileRule) Check(name string, size int64) (err error) {
	// check file size
	if r.MaxFileSize > 0 && size > r.MaxFileSize {
		return ErrMaxFileSizeExceeded(r.MaxFileSize, size)
	}
	if r.MinFileSize > 0 && size < r.MinFileSize {
		return ErrMinFileSizeNotMet(r.MinFileSize, size)
	}

	var base, ext string
	if base, ext, err = fileutils.ExtractNameParts(name); err != nil {
		return
	}
	fileName := base
	if ext != "" {
		fileName = base + "." + ext
	}

	// check file extension
	if len(r.ExtensionWhitelist) > 0 && !lo.Contains(r.ExtensionWhitelist, ext) {
		return ErrExtensionNotAllowed(ext)
	}
	if len(r.ExtensionBlacklist) > 0 && lo.Contains(r.ExtensionBlacklist, ext) {
		return ErrExtensionBlocked(ext)
	}

	// check file name
	if r.FileNamePattern != nil && !r.FileNamePattern.MatchString(fileName) {
		return ErrFileNamePatternMismatch(r.FileNamePattern.String())
	}
	if len(r.FileNameGlobs) > 0 && !lo.SomeBy(r.FileNameGlobs, func(glob string) bool {
		matched, matchErr := doublestar.Match(glob, fileName)
		return matchErr == nil && matched
	}) {
		return ErrFileNameGlobMismatch(r.FileNameGlobs)
	}
	return
}
