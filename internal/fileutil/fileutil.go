// Package fileutil holds small filesystem helpers shared by intake, render,
// and cleanup.
package fileutil

import (
	"errors"
	"io/fs"
	"os"
)

// NonEmpty reports whether path names a regular file with at least one
// byte. A missing file is not an error; it is simply not non-empty.
func NonEmpty(path string) (bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Mode().IsRegular() && info.Size() > 0, nil
}

// Size returns the byte size of path.
func Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// RemoveIfExists deletes path, treating a missing file as success.
func RemoveIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
