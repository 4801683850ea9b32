package disk

import (
	"io"
	"os"
)

// Editor is the at-most-one in-flight writer for an entry (§4.4.3). All
// methods but Commit/Abort are safe to call from a single goroutine at a
// time (the cache does not serialize calls within one edit; callers own
// the Editor and must not share it across goroutines without their own
// synchronization). After Commit or Abort, Set, NewOutputStream, Commit
// and Abort return an INVALID_STATE error; GetString and NewInputStream,
// which have no error result, report ok=false.
type Editor struct {
	c *Cache

	key  string
	hash string

	first     bool // true iff the entry was not readable when this edit began
	written   []bool
	hasErrors bool
	done      bool

	openFiles []*os.File // dirty files opened via NewOutputStream, for Close bookkeeping
}

func newEditor(c *Cache, key, hash string, valueCount int, first bool) *Editor {
	return &Editor{
		c:       c,
		key:     key,
		hash:    hash,
		first:   first,
		written: make([]bool, valueCount),
	}
}

func (ed *Editor) checkUsable() *Error {
	if ed.done {
		return newErr(ErrInvalidState, ed.key, nil)
	}
	return nil
}

// Set writes data to the dirty file for slot i, creating or truncating it.
// Marks slot i as written in this edit, regardless of outcome: a failed
// Set still "claims" the slot so that a subsequent commit fails loudly
// (via hasErrors) instead of silently treating it as untouched.
func (ed *Editor) Set(i int, data []byte) error {
	if err := ed.checkUsable(); err != nil {
		return err
	}
	if i < 0 || i >= len(ed.written) {
		return newErr(ErrInvalidArg, ed.key, nil)
	}

	ed.written[i] = true

	path := dirtyPath(ed.c.dir, ed.hash, i)
	if err := ed.c.ensureBucketDir(ed.hash); err != nil {
		ed.hasErrors = true
		return wrapIO(ErrIO, ed.key, "creating bucket dir", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		ed.hasErrors = true
		return wrapIO(ErrIO, ed.key, "writing dirty file", err)
	}

	return nil
}

// dirtyWriteCloser marks its slot written on the first successful Write
// call, matching the "streaming" contract in §4.4.3: opening the stream
// alone does not claim the slot.
type dirtyWriteCloser struct {
	ed      *Editor
	slot    int
	f       *os.File
	started bool
}

func (w *dirtyWriteCloser) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil {
		w.ed.hasErrors = true
		return n, wrapIO(ErrIO, w.ed.key, "writing dirty stream", err)
	}
	if !w.started {
		w.started = true
		w.ed.written[w.slot] = true
	}
	return n, nil
}

func (w *dirtyWriteCloser) Close() error {
	return w.f.Close()
}

// NewOutputStream opens (creating/truncating) the dirty file for slot i and
// returns a handle that marks the slot written on first Write.
func (ed *Editor) NewOutputStream(i int) (io.WriteCloser, error) {
	if err := ed.checkUsable(); err != nil {
		return nil, err
	}
	if i < 0 || i >= len(ed.written) {
		return nil, newErr(ErrInvalidArg, ed.key, nil)
	}

	if err := ed.c.ensureBucketDir(ed.hash); err != nil {
		ed.hasErrors = true
		return nil, wrapIO(ErrIO, ed.key, "creating bucket dir", err)
	}

	f, err := os.Create(dirtyPath(ed.c.dir, ed.hash, i))
	if err != nil {
		ed.hasErrors = true
		return nil, wrapIO(ErrIO, ed.key, "opening dirty stream", err)
	}

	w := &dirtyWriteCloser{ed: ed, slot: i, f: f}
	ed.openFiles = append(ed.openFiles, f)
	return w, nil
}

// GetString returns the previously committed bytes for slot i, or ok=false
// if the entry is not yet readable (this is the first edit, or a prior
// edit never committed). It never observes dirty data written by this
// edit.
func (ed *Editor) GetString(i int) (s string, ok bool) {
	r, ok := ed.NewInputStream(i)
	if !ok {
		return "", false
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return "", false
	}
	return string(data), true
}

// NewInputStream opens the previously committed file for slot i for
// reading, or ok=false if the entry is not yet readable.
func (ed *Editor) NewInputStream(i int) (io.ReadCloser, bool) {
	if ed.checkUsable() != nil {
		return nil, false
	}
	if i < 0 || i >= len(ed.written) {
		return nil, false
	}
	if ed.first {
		return nil, false
	}

	f, err := os.Open(cleanPath(ed.c.dir, ed.hash, i))
	if err != nil {
		return nil, false
	}
	return f, true
}

// Commit finalizes the edit: renames every written slot's dirty file over
// its clean file, updates size accounting, and (if this was the entry's
// first successful commit) makes it readable. See §4.4.4.
func (ed *Editor) Commit() error {
	if err := ed.checkUsable(); err != nil {
		return err
	}
	ed.done = true
	return ed.c.commitEditor(ed)
}

// Abort discards the edit: deletes any dirty files it created and, if this
// was a first-creation edit, removes the entry entirely. See §4.4.5.
func (ed *Editor) Abort() error {
	if err := ed.checkUsable(); err != nil {
		return err
	}
	ed.done = true
	return ed.c.abortEditor(ed)
}

func (ed *Editor) removeDirtyFiles() {
	for i, w := range ed.written {
		if w {
			_ = os.Remove(dirtyPath(ed.c.dir, ed.hash, i))
		}
	}
}
