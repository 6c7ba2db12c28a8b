package resume

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Meta is the size and digest declared for a filename.
type Meta struct {
	Size   int64
	Digest string
}

// Index persists resume offsets and meta records keyed by filename.
// Implementations are safe for concurrent use.
type Index interface {
	Offset(name string) (int64, bool, error)
	SetOffset(name string, offset int64) error
	Meta(name string) (Meta, bool, error)
	SetMeta(name string, m Meta) error
	Forget(name string) error
	Close() error
}

const (
	partialSuffix = ".partial"
	stateSuffix   = ".state"
	metaSuffix    = ".meta"
	tempSuffix    = ".tmp"
)

// markerIndex stores <name>.state and <name>.meta text files next to the
// partial blobs. Each marker is replaced atomically via a temp file and rename.
type markerIndex struct {
	dir   string
	fsync bool
}

func newMarkerIndex(dir string, fsync bool) *markerIndex {
	return &markerIndex{dir: dir, fsync: fsync}
}

func (m *markerIndex) Offset(name string) (int64, bool, error) {
	data, ok, err := m.read(name + stateSuffix)
	if !ok || err != nil {
		return 0, false, err
	}
	off, err := strconv.ParseInt(strings.TrimSpace(data), 10, 64)
	if err != nil || off < 0 {
		return 0, false, nil
	}
	return off, true, nil
}

func (m *markerIndex) SetOffset(name string, offset int64) error {
	return m.write(name+stateSuffix, strconv.FormatInt(offset, 10))
}

func (m *markerIndex) Meta(name string) (Meta, bool, error) {
	data, ok, err := m.read(name + metaSuffix)
	if !ok || err != nil {
		return Meta{}, false, err
	}
	meta, ok := parseMeta(data)
	return meta, ok, nil
}

func (m *markerIndex) SetMeta(name string, meta Meta) error {
	return m.write(name+metaSuffix, formatMeta(meta))
}

func (m *markerIndex) Forget(name string) error {
	for _, suffix := range []string{stateSuffix, metaSuffix} {
		if err := os.Remove(filepath.Join(m.dir, name+suffix)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove marker: %w", err)
		}
	}
	return nil
}

func (m *markerIndex) Close() error { return nil }

func (m *markerIndex) read(file string) (string, bool, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, file))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read marker: %w", err)
	}
	return string(data), true, nil
}

func (m *markerIndex) write(file, content string) error {
	path := filepath.Join(m.dir, file)
	temp := path + tempSuffix
	f, err := os.OpenFile(temp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create marker: %w", err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return fmt.Errorf("failed to write marker: %w", err)
	}
	if m.fsync {
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("failed to sync marker: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close marker: %w", err)
	}
	if err := os.Rename(temp, path); err != nil {
		return fmt.Errorf("failed to replace marker: %w", err)
	}
	return nil
}

func formatMeta(m Meta) string {
	return strconv.FormatInt(m.Size, 10) + " " + m.Digest
}

// parseMeta reads "<size> <digest>"; anything else is treated as absent.
func parseMeta(s string) (Meta, bool) {
	sizeStr, digest, ok := strings.Cut(strings.TrimSpace(s), " ")
	if !ok || digest == "" {
		return Meta{}, false
	}
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil || size < 0 {
		return Meta{}, false
	}
	return Meta{Size: size, Digest: digest}, true
}
