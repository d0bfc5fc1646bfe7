package storage

import "errors"

var ErrStateNotExists = errors.New("storage: no state for client")
var ErrInvalidClientID = errors.New("storage: invalid client id")
var ErrInvalidFileName = errors.New("storage: invalid file name")
