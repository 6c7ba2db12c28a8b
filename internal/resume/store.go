package resume

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/sheerbytes/safesend/internal/logging"
	"github.com/sirupsen/logrus"
)

// Index backends.
const (
	BackendFile   = "file"
	BackendBadger = "badger"
)

// Options configures Open.
type Options struct {
	Dirs    Dirs
	Backend string // BackendFile (default) or BackendBadger
	Fsync   bool   // fsync partial data before each offset commit
	Logger  *logrus.Entry
}

// Store owns the incoming directory and the resume index. It is safe for
// concurrent use by many sessions; sessions for one filename are serialized
// by Begin.
type Store struct {
	dirs  Dirs
	index Index
	fsync bool
	log   *logrus.Entry
	locks nameLocks
}

// Open creates the storage directories and opens the index.
func Open(opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	for _, dir := range []string{opts.Dirs.Incoming, opts.Dirs.Received, opts.Dirs.Quarantine} {
		if dir == "" {
			return nil, errors.New("storage directories must be set")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	var index Index
	switch opts.Backend {
	case "", BackendFile:
		index = newMarkerIndex(opts.Dirs.Incoming, opts.Fsync)
	case BackendBadger:
		bi, err := openBadgerIndex(filepath.Join(opts.Dirs.Incoming, badgerDir), opts.Logger)
		if err != nil {
			return nil, err
		}
		index = bi
	default:
		return nil, fmt.Errorf("unknown state backend %q", opts.Backend)
	}

	return &Store{
		dirs:  opts.Dirs,
		index: index,
		fsync: opts.Fsync,
		log:   opts.Logger.WithField("component", "resume"),
	}, nil
}

// Dirs returns the storage directories.
func (s *Store) Dirs() Dirs { return s.dirs }

// Close closes the index.
func (s *Store) Close() error { return s.index.Close() }

// Offset returns the recorded offset for name, if any.
func (s *Store) Offset(name string) (int64, bool, error) { return s.index.Offset(name) }

// Forget deletes the offset and meta records for name.
func (s *Store) Forget(name string) error { return s.index.Forget(name) }

// Begin claims name for one session and opens its partial blob, reconciled
// with the recorded offset. A concurrent claim fails with ErrBusy. The
// caller must Release the returned Partial.
func (s *Store) Begin(name string) (*Partial, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if !s.locks.tryLock(name) {
		return nil, fmt.Errorf("%w: %s", ErrBusy, name)
	}
	p, err := s.open(name)
	if err != nil {
		s.locks.unlock(name)
		return nil, err
	}
	return p, nil
}

func (s *Store) open(name string) (*Partial, error) {
	path := filepath.Join(s.dirs.Incoming, name+partialSuffix)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open partial: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat partial: %w", err)
	}
	recorded, _, err := s.index.Offset(name)
	if err != nil {
		f.Close()
		return nil, err
	}

	offset := recorded
	log := s.log.WithFields(logrus.Fields{"file": name, "recorded": recorded, "blob": info.Size()})
	switch {
	case info.Size() < recorded:
		// Confirmed bytes are missing; start over.
		log.Warn("partial shorter than recorded offset, resetting")
		if err := f.Truncate(0); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to truncate partial: %w", err)
		}
		if err := s.index.SetOffset(name, 0); err != nil {
			f.Close()
			return nil, err
		}
		offset = 0
	case info.Size() > recorded:
		log.Debug("dropping unconfirmed tail")
		if err := f.Truncate(recorded); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to truncate partial: %w", err)
		}
	}

	return &Partial{store: s, name: name, path: path, f: f, offset: offset}, nil
}

// Partial is one session's handle on a filename's partial blob and records.
type Partial struct {
	store  *Store
	name   string
	path   string
	mu     sync.Mutex
	f      *os.File
	offset int64
	done   bool
}

// Name returns the logical filename.
func (p *Partial) Name() string { return p.name }

// Path returns the partial blob path.
func (p *Partial) Path() string { return p.path }

// Offset returns the last committed offset.
func (p *Partial) Offset() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offset
}

// StoredMeta returns the meta record saved by an earlier session.
func (p *Partial) StoredMeta() (Meta, bool, error) {
	return p.store.index.Meta(p.name)
}

// SaveMeta records the declared size and digest.
func (p *Partial) SaveMeta(m Meta) error {
	return p.store.index.SetMeta(p.name, m)
}

// WriteAt writes b at off. The bytes are not confirmed until Commit.
func (p *Partial) WriteAt(b []byte, off int64) error {
	if _, err := p.f.WriteAt(b, off); err != nil {
		return fmt.Errorf("failed to write partial: %w", err)
	}
	return nil
}

// Commit makes end the confirmed offset, syncing data first when the
// store was opened with Fsync.
func (p *Partial) Commit(end int64) error {
	if p.store.fsync {
		if err := p.f.Sync(); err != nil {
			return fmt.Errorf("failed to sync partial: %w", err)
		}
	}
	if err := p.store.index.SetOffset(p.name, end); err != nil {
		return err
	}
	p.mu.Lock()
	p.offset = end
	p.mu.Unlock()
	return nil
}

// Sync flushes the partial blob to stable storage.
func (p *Partial) Sync() error {
	return p.f.Sync()
}

// Size returns the current length of the partial blob.
func (p *Partial) Size() (int64, error) {
	info, err := p.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat partial: %w", err)
	}
	return info.Size(), nil
}

// ReaderAt exposes the partial blob for verification.
func (p *Partial) ReaderAt() io.ReaderAt { return p.f }

// Reset empties the blob and deletes the records.
func (p *Partial) Reset() error {
	if err := p.f.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate partial: %w", err)
	}
	if err := p.store.index.Forget(p.name); err != nil {
		return err
	}
	p.mu.Lock()
	p.offset = 0
	p.mu.Unlock()
	return nil
}

// MoveTo renames the blob to dir/<name>, replacing any existing file, and
// deletes the offset and meta records. The records go for every destination,
// quarantine included, so a quarantined name starts fresh on its next
// transfer. It returns the destination path.
func (p *Partial) MoveTo(dir string) (string, error) {
	if err := p.f.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync partial: %w", err)
	}
	if err := p.closeFile(); err != nil {
		return "", err
	}
	dst := filepath.Join(dir, p.name)
	if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("failed to replace %s: %w", dst, err)
	}
	if err := os.Rename(p.path, dst); err != nil {
		return "", fmt.Errorf("failed to move partial: %w", err)
	}
	if err := p.store.index.Forget(p.name); err != nil {
		return dst, err
	}
	return dst, nil
}

// Release closes the blob and frees the filename for other sessions.
// It is safe to call more than once.
func (p *Partial) Release() error {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return nil
	}
	p.done = true
	p.mu.Unlock()

	err := p.closeFile()
	p.store.locks.unlock(p.name)
	return err
}

func (p *Partial) closeFile() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f == nil {
		return nil
	}
	err := p.f.Close()
	p.f = nil
	if err != nil {
		return fmt.Errorf("failed to close partial: %w", err)
	}
	return nil
}
