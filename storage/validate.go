package storage

import (
	"regexp"
)

var pathSegment = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateClientID checks that a client id can be used as a directory
// name.
func ValidateClientID(clientID string) error {
	if !pathSegment.MatchString(clientID) {
		return ErrInvalidClientID
	}
	return nil
}

// ValidateFileName checks that a backing file name stays inside its client
// directory.
func ValidateFileName(name string) error {
	if !pathSegment.MatchString(name) {
		return ErrInvalidFileName
	}
	return nil
}
