package disk

import "container/list"

// entry is the in-memory metadata record for one cache entry. It is owned
// by the index; the LRU list holds a non-owning pointer to it via the
// list.Element it's wrapped in.
type entry struct {
	// id is the current lookup identity used as the index map key: either
	// the user-supplied key (once materialized or promoted), or the
	// 64-character hex hash (for scanner placeholders that have not yet
	// been looked up this session).
	id string

	hash string // always populated
	key  string // user key; empty until promoted
	resolved bool // true once id == key (a real key, not a placeholder)

	valueCount int
	lengths    []int64
	readable   bool

	// seq is bumped on every successful commit. A Snapshot captures seq at
	// Get time; Snapshot.Edit refuses to hand out an Editor if seq has
	// since changed underneath it.
	seq uint64

	currentEditor *Editor

	elem *list.Element // this entry's node in the LRU list
}

// lruIndex is the authoritative in-memory state: a lookup map plus a
// doubly-linked recency list. It is not safe for concurrent use on its own;
// all access is serialized by Cache.mu.
type lruIndex struct {
	byID map[string]*entry
	ring *list.List // Front = least-recently-used, Back = most-recently-used
}

func newLRUIndex() *lruIndex {
	return &lruIndex{
		byID: make(map[string]*entry),
		ring: list.New(),
	}
}

// lookup resolves key to its entry, promoting a hash placeholder to a real
// key-identified entry in place if one matches. It returns (nil, false) if
// no entry or placeholder exists for key.
func (x *lruIndex) lookup(key, hash string) (*entry, bool) {
	if e, ok := x.byID[key]; ok {
		return e, true
	}

	e, ok := x.byID[hash]
	if !ok {
		return nil, false
	}

	if e.resolved {
		// A hash-identified entry that is already resolved to a different
		// user key is a genuine collision; treat the hash bucket as
		// unrelated to this key rather than silently aliasing.
		return nil, false
	}

	// Promote the placeholder in place: same entry, new lookup identity.
	delete(x.byID, e.id)
	e.id = key
	e.key = key
	e.resolved = true
	x.byID[key] = e

	return e, true
}

// insertNew creates a brand-new, not-yet-readable entry for key and inserts
// it at the LRU tail (most-recently-used position, per §4.3).
func (x *lruIndex) insertNew(key, hash string, valueCount int) *entry {
	e := &entry{
		id:         key,
		hash:       hash,
		key:        key,
		resolved:   true,
		valueCount: valueCount,
		lengths:    make([]int64, valueCount),
	}
	e.elem = x.ring.PushBack(e)
	x.byID[key] = e
	return e
}

// insertPlaceholder inserts a scanner-discovered entry keyed by hash only.
// Placeholders are inserted in scan order; the scanner is responsible for
// feeding hashes in its chosen recency approximation (oldest first).
func (x *lruIndex) insertPlaceholder(hash string, valueCount int, lengths []int64) *entry {
	e := &entry{
		id:         hash,
		hash:       hash,
		valueCount: valueCount,
		lengths:    lengths,
		readable:   true,
	}
	e.elem = x.ring.PushBack(e)
	x.byID[hash] = e
	return e
}

func (x *lruIndex) moveToTail(e *entry) {
	x.ring.MoveToBack(e.elem)
}

func (x *lruIndex) remove(e *entry) {
	x.ring.Remove(e.elem)
	delete(x.byID, e.id)
}

// front returns the current least-recently-used entry, or nil if empty.
func (x *lruIndex) front() *entry {
	el := x.ring.Front()
	if el == nil {
		return nil
	}
	return el.Value.(*entry)
}

// next returns the entry following e in the LRU order (toward MRU), or nil
// if e is the tail. Used by eviction to skip a pinned (currently-edited)
// head entry without restarting the scan from the front every time.
func (x *lruIndex) next(e *entry) *entry {
	if e.elem.Next() == nil {
		return nil
	}
	return e.elem.Next().Value.(*entry)
}

func (x *lruIndex) len() int {
	return x.ring.Len()
}
