// Package resume keeps the receiver's durable per-filename transfer state:
// the partial blob, the confirmed offset and the declared metadata.
package resume

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

const maxNameLength = 255

var (
	// ErrInvalidName indicates a logical filename that is not a bare file name.
	ErrInvalidName = errors.New("invalid filename")
	// ErrBusy indicates another session currently owns the filename.
	ErrBusy = errors.New("filename busy")
)

// Dirs are the storage directories. Nothing is derived from the working
// directory; callers thread Dirs explicitly.
type Dirs struct {
	Incoming   string
	Received   string
	Quarantine string
}

// DirsFromRoot lays out incoming/, received/ and quarantine/ under root.
func DirsFromRoot(root string) Dirs {
	return Dirs{
		Incoming:   filepath.Join(root, "incoming"),
		Received:   filepath.Join(root, "received"),
		Quarantine: filepath.Join(root, "quarantine"),
	}
}

// ValidateName accepts only bare file names that cannot escape a directory.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidName, maxNameLength)
	}
	return nil
}
