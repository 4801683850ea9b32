package disk

import (
	"io"
	"os"
	"sync"
)

// Snapshot is a point-in-time, read-only view of an entry's V values. It
// holds one open file handle per slot, captured atomically with respect to
// concurrent commits (§5): a Snapshot never observes a mix of pre- and
// post-commit bytes across slots.
//
// A Snapshot must be closed; Close is safe to call more than once. Leaking
// one leaks its file descriptors; it is a caller bug, not something the
// cache recovers from.
type Snapshot struct {
	c    *Cache
	key  string
	hash string
	seq  uint64

	files   []*os.File
	lengths []int64

	mu     sync.Mutex
	closed bool
}

// Len returns the captured byte length of slot i.
func (s *Snapshot) Len(i int) int64 {
	return s.lengths[i]
}

// ValueCount returns the number of slots.
func (s *Snapshot) ValueCount() int {
	return len(s.files)
}

// Reader returns a fresh, independent reader over slot i's captured bytes,
// starting at offset 0. Repeated calls each return a reader over the same
// bytes; they do not interfere with one another or with the Snapshot's
// underlying file position.
func (s *Snapshot) Reader(i int) io.Reader {
	return io.NewSectionReader(s.files[i], 0, s.lengths[i])
}

// String reads and returns slot i's entire captured content as a string.
func (s *Snapshot) String(i int) (string, error) {
	data, err := io.ReadAll(s.Reader(i))
	if err != nil {
		return "", wrapIO(ErrIO, s.key, "reading snapshot slot", err)
	}
	return string(data), nil
}

// Close releases the snapshot's file handles. Safe to call more than once.
func (s *Snapshot) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for _, f := range s.files {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Edit is a convenience for Cache.Edit(key) that additionally refuses to
// hand out an Editor if the entry has been replaced (committed again) or
// evicted since this Snapshot was captured, per the commit-sequence
// versioning described in §4.4.2.
func (s *Snapshot) Edit() (*Editor, error) {
	return s.c.editIfSeq(s.key, s.hash, s.seq)
}
