package fileutils

import (
	"errors"
	"path/filepath"
	"strings"
)

var ErrEmptyFileName = errors.New("file name is required")

// ExtractNameParts splits a client supplied file name into its base name
// and its lowercase extension without the leading dot. Directory parts
// are dropped so a name can never escape the upload directory.
func ExtractNameParts(name string) (base, ext string, err error) {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	if name == "" || name == "." || name == "/" {
		err = ErrEmptyFileName
		return
	}
	ext = filepath.Ext(name)
	base = strings.TrimSuffix(name, ext)
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if base == "" {
		// dot files such as ".bashrc" have no extension
		base, ext = name, ""
	}
	return
}

// BackingFileName names the backing file of an upload after its id,
// keeping the extension of the original name.
func BackingFileName(id, originalName string) string {
	if _, ext, err := ExtractNameParts(originalName); err == nil && ext != "" {
		return id + "." + ext
	}
	return id
}
