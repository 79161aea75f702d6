//go:build !unix

package state

import (
	"errors"
	"os"
)

var errWouldBlock = errors.New("resource temporarily unavailable")

// lockFile reports locking as unsupported.
func lockFile(f *os.File) (bool, error) { return false, nil }

func unlockFile(f *os.File) error { return nil }
