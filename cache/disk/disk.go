// Package disk implements a bounded, disk-backed LRU cache of fixed-arity
// byte-blob entries. Each entry holds a configured number of independently
// readable/writable value slots; entries are evicted least-recently-used
// once the cache's total on-disk size exceeds its configured maximum. See
// the design documents for this cache for the full protocol (atomic
// edit/commit/abort via clean/dirty files plus rename, snapshot isolation,
// and crash recovery via directory scan).
package disk

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mehaus/vlrucache/cache"
	"github.com/mehaus/vlrucache/internal/workerpool"
)

// Cache is a bounded disk-backed LRU cache. The zero value is not usable;
// construct one with Open. A Cache is safe for concurrent use by multiple
// goroutines.
type Cache struct {
	dir        string
	valueCount int
	logger     cache.Logger
	reg        prometheus.Registerer
	m          *metrics
	pool       *workerpool.Pool
	queueLen   int

	mu      sync.Mutex
	idx     *lruIndex
	size    int64
	maxSize int64
	closed  bool
}

// Option configures a Cache at Open time.
type Option func(*Cache)

// WithLogger sets the logger used for diagnostic-only messages (scanner and
// sidecar write errors that are swallowed rather than returned).
func WithLogger(l cache.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithRegisterer sets the Prometheus registerer instruments are registered
// against. Defaults to prometheus.DefaultRegisterer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Cache) { c.reg = reg }
}

// WithEvictionQueueLen sets the buffered queue length of the asynchronous
// eviction worker pool. Defaults to 1024.
func WithEvictionQueueLen(n int) Option {
	return func(c *Cache) { c.queueLen = n }
}

// Open opens (creating if necessary) a disk cache rooted at dir, configured
// to hold valueCount value slots per entry and up to maxSize total bytes.
// It scans dir for pre-existing clean entries left by a prior process (or a
// crash) and rebuilds its in-memory index from them before returning.
func Open(dir string, valueCount int, maxSize int64, opts ...Option) (*Cache, error) {
	if valueCount < 1 || maxSize < 1 {
		return nil, newErr(ErrInvalidArg, "", nil)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, wrapIO(ErrIO, "", "creating cache directory", err)
	}

	c := &Cache{
		dir:        filepath.Clean(dir),
		valueCount: valueCount,
		maxSize:    maxSize,
		idx:        newLRUIndex(),
		queueLen:   1024,
	}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = cache.NopLogger{}
	}

	c.m = newMetrics(c.reg, c.dir)
	c.pool = workerpool.New(1, c.queueLen)

	rebuildIndex(c.dir, valueCount, c.idx, c.logger)
	for _, e := range c.idx.byID {
		c.size += sumLengths(e.lengths)
	}
	c.m.size.Set(float64(c.size))

	return c, nil
}

func sumLengths(lengths []int64) int64 {
	var total int64
	for _, l := range lengths {
		total += l
	}
	return total
}

// Get returns a Snapshot of key's current value slots, or (nil, nil) if key
// is not present or not yet readable (an in-flight first edit). It never
// returns a non-nil error for a plain miss; an error return means the cache
// itself is unusable.
func (c *Cache) Get(key string) (*Snapshot, error) {
	hash := hashKey(key)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, newErr(ErrInvalidState, key, nil)
	}
	e, ok := c.idx.lookup(key, hash)
	if !ok || !e.readable {
		c.mu.Unlock()
		c.m.misses.Inc()
		return nil, nil
	}
	valueCount := e.valueCount
	lengths := append([]int64(nil), e.lengths...)
	entryHash := e.hash
	seq := e.seq
	c.mu.Unlock()

	files := make([]*os.File, valueCount)
	var openErr error
	for i := 0; i < valueCount; i++ {
		f, err := os.Open(cleanPath(c.dir, entryHash, i))
		if err != nil {
			openErr = err
			break
		}
		files[i] = f
	}

	if openErr != nil {
		for _, f := range files {
			if f != nil {
				f.Close()
			}
		}

		// A clean file vanished out from under us (external deletion, or a
		// racing eviction). Drop the entry so later lookups don't repeat
		// the failed open; this is a miss, not an error.
		c.mu.Lock()
		if cur, ok := c.idx.byID[key]; ok && cur.hash == entryHash && cur.seq == seq {
			c.size -= sumLengths(cur.lengths)
			c.idx.remove(cur)
			c.m.size.Set(float64(c.size))
		}
		c.mu.Unlock()

		c.m.misses.Inc()
		return nil, nil
	}

	c.mu.Lock()
	if cur, ok := c.idx.byID[key]; ok && cur.hash == entryHash && cur.seq == seq {
		c.idx.moveToTail(cur)
	}
	c.mu.Unlock()

	c.m.hits.Inc()

	return &Snapshot{c: c, key: key, hash: entryHash, seq: seq, files: files, lengths: lengths}, nil
}

// Edit opens an Editor for key: either a fresh first-creation edit if key
// has never been committed, or an update edit over its previously
// committed slots. Fails with a BUSY error if key already has an
// in-flight editor.
func (c *Cache) Edit(key string) (*Editor, error) {
	hash := hashKey(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, newErr(ErrInvalidState, key, nil)
	}

	e, ok := c.idx.lookup(key, hash)
	if ok {
		if e.currentEditor != nil {
			return nil, newErr(ErrBusy, key, nil)
		}
		ed := newEditor(c, key, hash, e.valueCount, !e.readable)
		e.currentEditor = ed
		return ed, nil
	}

	e = c.idx.insertNew(key, hash, c.valueCount)
	ed := newEditor(c, key, hash, c.valueCount, true)
	e.currentEditor = ed
	return ed, nil
}

// editIfSeq is Snapshot.Edit's implementation: it refuses to hand out an
// Editor if the entry has been replaced or evicted since seq was captured
// (§4.4.2's commit-sequence versioning).
func (c *Cache) editIfSeq(key, hash string, seq uint64) (*Editor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, newErr(ErrInvalidState, key, nil)
	}

	e, ok := c.idx.byID[key]
	if !ok || e.hash != hash || e.seq != seq {
		return nil, nil
	}
	if e.currentEditor != nil {
		return nil, newErr(ErrBusy, key, nil)
	}

	ed := newEditor(c, key, hash, e.valueCount, !e.readable)
	e.currentEditor = ed
	return ed, nil
}

// ensureBucketDir creates hash's bucket subdirectory if it does not already
// exist. Called by Editor before creating a dirty file.
func (c *Cache) ensureBucketDir(hash string) error {
	return os.MkdirAll(bucketDir(c.dir, hash), 0o755)
}

// commitEditor finalizes ed: renames every written slot's dirty file over
// its clean file, updates size accounting, and marks the entry readable.
//
// The rename and the accounting update for a slot happen as one step, not
// as two separate passes over the written slots: that way e.lengths/c.size
// always match what's actually on disk for every slot processed so far, so
// a rename failure partway through a multi-slot commit can never leave the
// index out of sync with an already-renamed file (see failCommit).
func (c *Cache) commitEditor(ed *Editor) error {
	c.mu.Lock()
	e, ok := c.idx.byID[ed.key]
	c.mu.Unlock()
	if !ok {
		ed.removeDirtyFiles()
		return newErr(ErrInvalidState, ed.key, nil)
	}

	if ed.hasErrors {
		return c.failCommit(ed, e, nil, newErr(ErrCommitFailed, ed.key, nil))
	}

	if ed.first {
		for i := 0; i < e.valueCount; i++ {
			if !ed.written[i] {
				return c.failCommit(ed, e, nil, newErr(ErrIncomplete, ed.key, nil))
			}
		}
	}

	var renamed []int
	for i := 0; i < e.valueCount; i++ {
		if !ed.written[i] {
			continue
		}
		if err := os.Rename(dirtyPath(c.dir, ed.hash, i), cleanPath(c.dir, ed.hash, i)); err != nil {
			return c.failCommit(ed, e, renamed, wrapIO(ErrCommitFailed, ed.key, "renaming dirty file", err))
		}
		renamed = append(renamed, i)

		newLen := int64(0)
		if info, statErr := os.Stat(cleanPath(c.dir, ed.hash, i)); statErr == nil {
			newLen = info.Size()
		}

		c.mu.Lock()
		c.size += newLen - e.lengths[i]
		e.lengths[i] = newLen
		newSize := c.size
		c.mu.Unlock()

		c.m.size.Set(float64(newSize))
	}

	c.mu.Lock()
	e.readable = true
	e.currentEditor = nil
	e.seq++
	c.idx.moveToTail(e)
	newSize := c.size
	exceeded := newSize > c.maxSize
	c.mu.Unlock()

	writeSidecar(c.dir, ed.hash, ed.key, c.logger)

	if exceeded {
		c.evict(causeSize)
	}

	return nil
}

// failCommit cleans up after a commit that cannot proceed. renamed lists,
// in order, the slots whose dirty file was already renamed to clean before
// the failure; for those slots e.lengths/c.size already reflect the new
// on-disk content, since commitEditor updates both the instant a rename
// succeeds.
//
// An update edit keeps those already-renamed slots: they are legitimate new
// data, correctly accounted, and nothing about the failure undoes them. Only
// the dirty files this edit hasn't renamed yet are deleted, and the pin is
// released.
//
// A first-creation edit has no such partial-success state to keep: without
// every slot present the entry was never readable, so any slot in renamed
// is rolled back (its clean file deleted, its length/size reverted) before
// the entry is dropped from the index. That leaves no orphaned clean file
// on disk with no index entry pointing at it.
func (c *Cache) failCommit(ed *Editor, e *entry, renamed []int, err error) error {
	if ed.first {
		for _, i := range renamed {
			_ = os.Remove(cleanPath(c.dir, ed.hash, i))

			c.mu.Lock()
			c.size -= e.lengths[i]
			e.lengths[i] = 0
			newSize := c.size
			c.mu.Unlock()

			c.m.size.Set(float64(newSize))
		}
	}

	ed.removeDirtyFiles()

	c.mu.Lock()
	if ed.first {
		c.idx.remove(e)
	} else {
		e.currentEditor = nil
	}
	c.mu.Unlock()

	return err
}

// abortEditor discards ed: deletes any dirty files it created and, if this
// was a first-creation edit, removes the entry entirely.
func (c *Cache) abortEditor(ed *Editor) error {
	ed.removeDirtyFiles()

	c.mu.Lock()
	if e, ok := c.idx.byID[ed.key]; ok {
		if ed.first {
			c.idx.remove(e)
		} else {
			e.currentEditor = nil
		}
	}
	c.mu.Unlock()

	return nil
}

// Remove evicts key immediately, regardless of recency. It is a no-op if
// key is not present, and fails with BUSY if key has an in-flight editor.
func (c *Cache) Remove(key string) error {
	hash := hashKey(key)

	c.mu.Lock()
	e, ok := c.idx.lookup(key, hash)
	if !ok {
		c.mu.Unlock()
		return nil
	}
	if e.currentEditor != nil {
		c.mu.Unlock()
		return newErr(ErrBusy, key, nil)
	}

	entryHash := e.hash
	valueCount := e.valueCount
	c.idx.remove(e)
	c.size -= sumLengths(e.lengths)
	newSize := c.size
	c.mu.Unlock()

	for i := 0; i < valueCount; i++ {
		_ = os.Remove(cleanPath(c.dir, entryHash, i))
	}
	_ = os.Remove(sidecarPath(c.dir, entryHash))

	c.m.size.Set(float64(newSize))
	c.m.evictions.WithLabelValues(string(causeExternal)).Inc()

	return nil
}

// evict removes least-recently-used, non-pinned entries until the cache is
// at or under its configured maximum size, or until no evictable entry
// remains (§4.4.6).
func (c *Cache) evict(cause evictionCause) {
	for {
		c.mu.Lock()
		if c.size <= c.maxSize {
			c.mu.Unlock()
			return
		}

		cand := c.idx.front()
		for cand != nil && cand.currentEditor != nil {
			cand = c.idx.next(cand)
		}
		if cand == nil {
			c.mu.Unlock()
			return
		}

		entryHash := cand.hash
		valueCount := cand.valueCount
		c.idx.remove(cand)
		c.size -= sumLengths(cand.lengths)
		newSize := c.size
		c.mu.Unlock()

		for i := 0; i < valueCount; i++ {
			_ = os.Remove(cleanPath(c.dir, entryHash, i))
		}
		_ = os.Remove(sidecarPath(c.dir, entryHash))

		c.m.size.Set(float64(newSize))
		c.m.evictions.WithLabelValues(string(cause)).Inc()
	}
}

// Size returns the cache's current total size in bytes, summed over every
// committed entry's value slots.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// MaxSize returns the cache's currently configured maximum size in bytes.
func (c *Cache) MaxSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxSize
}

// Len returns the number of entries currently tracked by the index,
// including scanner placeholders not yet promoted to a real key.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idx.len()
}

// SetMaxSize changes the cache's maximum size. If the new maximum is
// smaller than the current size, eviction runs on the background worker
// pool rather than synchronously, so SetMaxSize itself never blocks on
// file I/O; call Flush to wait for it to finish.
func (c *Cache) SetMaxSize(newMax int64) error {
	if newMax < 1 {
		return newErr(ErrInvalidArg, "", nil)
	}

	c.mu.Lock()
	shrinking := newMax < c.maxSize
	c.maxSize = newMax
	c.mu.Unlock()

	if shrinking {
		_ = c.pool.Submit(func() { c.evict(causeSize) })
	}
	return nil
}

// Flush blocks until every asynchronous eviction job submitted so far has
// finished running. It enqueues a barrier job behind any already-queued
// work on the pool's single worker and waits for it to run, rather than
// polling Pending().
func (c *Cache) Flush() error {
	done := make(chan struct{})
	if err := c.pool.Submit(func() { close(done) }); err != nil {
		return nil
	}
	<-done
	return nil
}

// Close aborts every in-flight editor, stops the background eviction
// worker, and marks the cache unusable. Close is idempotent.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true

	var editors []*Editor
	for _, e := range c.idx.byID {
		if e.currentEditor != nil {
			editors = append(editors, e.currentEditor)
		}
	}
	c.mu.Unlock()

	for _, ed := range editors {
		_ = ed.Abort()
	}

	c.pool.Close()
	return nil
}
