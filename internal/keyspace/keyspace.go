// Package keyspace implements the core key-to-object store: a hash table
// with an ordered scan index, an expiry index kept bidirectionally
// consistent with it, per-key change tracking feeding an optional
// secondary store, and a copy-on-write snapshot chain.
package keyspace

import (
	"fmt"
	"hash/fnv"
	"math/rand"

	"github.com/tidwall/btree"

	"github.com/mbridon/KeyDB/internal/object"
)

// SecondaryStore is the optional write-behind target flushed by the change
// tracker. *storage.Store satisfies it through a per-database adapter.
type SecondaryStore interface {
	Insert(key, value []byte) error
	Erase(key []byte) error
	Clear() error
}

// indexEntry orders live keys by (hash, key) so SCAN cursors survive any
// amount of table churn: a key's position never moves.
type indexEntry struct {
	hash uint64
	key  string
}

func indexLess(a, b indexEntry) bool {
	if a.hash != b.hash {
		return a.hash < b.hash
	}
	return a.key < b.key
}

// keyHash returns the scan-index hash of a key. Never zero, since the zero
// cursor means "start" and "done".
func keyHash(key string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	v := h.Sum64()
	if v == 0 {
		v = 1
	}
	return v
}

// Keyspace is one logical database's key-to-object mapping. It is not
// locked; the server's global lock serializes writers, and snapshots are
// immutable and safe for lock-free readers.
type Keyspace struct {
	dict       map[string]*object.Object
	index      *btree.BTreeG[indexEntry]
	tombstones map[string]struct{}
	expires    *ExpireSet

	// snapshot is the visible ancestor view; snapshotHolder owns it. They
	// differ only transiently (after Clear the view detaches while the
	// holder survives until released).
	snapshot       *Keyspace
	snapshotHolder *Keyspace
	refCount       int
	mvccCheckpoint uint64

	tracking   int
	allChanged bool
	changed    map[string]struct{}
	store      SecondaryStore
}

// New creates an empty keyspace. store may be nil.
func New(store SecondaryStore) *Keyspace {
	return &Keyspace{
		dict:       make(map[string]*object.Object),
		index:      btree.NewBTreeG[indexEntry](indexLess),
		tombstones: make(map[string]struct{}),
		expires:    NewExpireSet(),
		changed:    make(map[string]struct{}),
		store:      store,
	}
}

func (ks *Keyspace) trackKey(key string) {
	if ks.tracking > 0 && !ks.allChanged {
		ks.changed[key] = struct{}{}
	}
}

// Insert adds a new key. Returns false if the key is already present in
// the composite view. The key string is owned by the keyspace afterwards
// and shared by reference with the expiry index.
func (ks *Keyspace) Insert(key string, o *object.Object) bool {
	if ks.Find(key) != nil {
		return false
	}
	ks.dict[key] = o
	ks.index.Set(indexEntry{hash: keyHash(key), key: key})
	ks.trackKey(key)
	return true
}

// Find returns the object stored at key, consulting the snapshot chain and
// materializing an ancestor-resident value into the live table so the
// caller's reference stays stable against further mutation.
func (ks *Keyspace) Find(key string) *object.Object {
	if o, ok := ks.dict[key]; ok {
		return o
	}
	ks.ensure(key)
	return ks.dict[key]
}

// FindReadOnly returns the object visible at key without mutating the live
// table. Safe on snapshots.
func (ks *Keyspace) FindReadOnly(key string) *object.Object {
	return ks.findThreadsafe(key)
}

func (ks *Keyspace) findThreadsafe(key string) *object.Object {
	if o, ok := ks.dict[key]; ok {
		return o
	}
	if ks.snapshot == nil {
		return nil
	}
	if _, dead := ks.tombstones[key]; dead {
		return nil
	}
	return ks.snapshot.findThreadsafe(key)
}

// ensure pulls an ancestor-resident key into the live table. Shared
// immortal objects are referenced shallowly; anything else is deep-copied
// through the serialization codec so the live copy is decoupled from the
// snapshot. The ancestor's expiry entry is carried along.
func (ks *Keyspace) ensure(key string) {
	if _, ok := ks.dict[key]; ok {
		return
	}
	if ks.snapshot == nil {
		return
	}
	if _, dead := ks.tombstones[key]; dead {
		return
	}
	o := ks.snapshot.findThreadsafe(key)
	if o == nil {
		return
	}

	var live *object.Object
	if o.IsShared() {
		live = o
	} else {
		data, err := object.Serialize(o)
		if err != nil {
			panic(fmt.Sprintf("keyspace: ensure %q: %v", key, err))
		}
		live, err = object.Deserialize(data)
		if err != nil {
			panic(fmt.Sprintf("keyspace: ensure %q: %v", key, err))
		}
		if live.Mvcc() != o.Mvcc() {
			panic("keyspace: ensure lost the MVCC stamp")
		}
		if o.Expires() {
			live.SetExpires(true)
		}
	}

	ks.dict[key] = live
	ks.index.Set(indexEntry{hash: keyHash(key), key: key})
	// The live table owns the key now; hide the ancestor's copy.
	ks.tombstones[key] = struct{}{}

	if live.Expires() {
		if e := ks.snapshot.expireLookup(key); e != nil {
			ks.expires.Insert(e.Clone())
		}
	}
}

// UpdateValue replaces the object at an existing key, materializing it
// from the snapshot chain first if needed. Updating a missing key is a
// programmer error.
func (ks *Keyspace) UpdateValue(key string, o *object.Object) {
	if _, ok := ks.dict[key]; !ok {
		ks.ensure(key)
		if _, ok := ks.dict[key]; !ok {
			panic(fmt.Sprintf("keyspace: UpdateValue on missing key %q", key))
		}
	}
	ks.trackKey(key)
	ks.dict[key] = o
}

// Delete removes key from the composite view, returning the removed object.
// The expiry entry goes first so the shared key bytes are never dangling.
func (ks *Keyspace) Delete(key string) (*object.Object, bool) {
	o := ks.Find(key)
	if o == nil {
		return nil, false
	}
	if o.Expires() {
		ks.RemoveExpire(key)
	}
	delete(ks.dict, key)
	ks.index.Delete(indexEntry{hash: keyHash(key), key: key})
	if ks.snapshot != nil && ks.snapshot.contains(key) {
		ks.tombstones[key] = struct{}{}
	}
	ks.trackKey(key)
	return o, true
}

func (ks *Keyspace) contains(key string) bool {
	return ks.findThreadsafe(key) != nil
}

// Size returns the number of keys in the composite view.
func (ks *Keyspace) Size() int {
	n := len(ks.dict)
	if ks.snapshot != nil {
		n += ks.snapshot.Size() - len(ks.tombstones)
	}
	return n
}

// ExpireSize returns the number of keys carrying expiry entries in the
// composite view.
func (ks *Keyspace) ExpireSize() int {
	n := ks.expires.Len()
	if ks.snapshot != nil {
		n += ks.snapshot.ExpireSize()
	}
	return n
}

// Random returns a uniformly random key and its object. When a snapshot
// ancestor exists the draw is weighted by size and an ancestor hit is
// materialized into the live table first.
func (ks *Keyspace) Random() (string, *object.Object, bool) {
	if ks.Size() == 0 {
		return "", nil, false
	}
	if ks.snapshot != nil && ks.snapshot.Size() > 0 {
		pct := float64(ks.snapshot.Size()) / float64(ks.Size()+ks.snapshot.Size())
		if rand.Float64() <= pct {
			if key, _, ok := ks.snapshot.randomThreadsafe(); ok {
				ks.ensure(key)
				if o, ok := ks.dict[key]; ok {
					return key, o, true
				}
				// Tombstoned since the draw; fall through to the live table.
			}
		}
	}
	if ks.index.Len() == 0 {
		return ks.snapshotFallbackRandom()
	}
	it, ok := ks.index.GetAt(rand.Intn(ks.index.Len()))
	if !ok {
		return "", nil, false
	}
	return it.key, ks.dict[it.key], true
}

// snapshotFallbackRandom handles the live table being empty while the
// ancestor still holds keys.
func (ks *Keyspace) snapshotFallbackRandom() (string, *object.Object, bool) {
	if ks.snapshot == nil {
		return "", nil, false
	}
	key, _, ok := ks.snapshot.randomThreadsafe()
	if !ok {
		return "", nil, false
	}
	if _, dead := ks.tombstones[key]; dead {
		return "", nil, false
	}
	ks.ensure(key)
	if o, ok := ks.dict[key]; ok {
		return key, o, true
	}
	return "", nil, false
}

func (ks *Keyspace) randomThreadsafe() (string, *object.Object, bool) {
	if ks.Size() == 0 {
		return "", nil, false
	}
	if ks.snapshot != nil && ks.snapshot.Size() > 0 {
		pct := float64(ks.snapshot.Size()) / float64(ks.Size()+ks.snapshot.Size())
		if rand.Float64() <= pct {
			return ks.snapshot.randomThreadsafe()
		}
	}
	if ks.index.Len() == 0 {
		if ks.snapshot != nil {
			return ks.snapshot.randomThreadsafe()
		}
		return "", nil, false
	}
	it, _ := ks.index.GetAt(rand.Intn(ks.index.Len()))
	return it.key, ks.dict[it.key], true
}

// Iterate walks the composite view, materializing ancestor keys as it
// goes. It is safe against mutation from within fn. Returns false if fn
// stopped the walk.
func (ks *Keyspace) Iterate(fn func(key string, o *object.Object) bool) bool {
	for key := range ks.dict {
		o, ok := ks.dict[key]
		if !ok {
			continue // deleted by fn mid-walk
		}
		if !fn(key, o) {
			return false
		}
	}
	if ks.snapshot == nil {
		return true
	}
	return ks.snapshot.IterateThreadsafe(func(key string, _ *object.Object) bool {
		if _, ok := ks.dict[key]; ok {
			return true
		}
		if _, dead := ks.tombstones[key]; dead {
			return true
		}
		ks.ensure(key)
		o, ok := ks.dict[key]
		if !ok {
			return true
		}
		return fn(key, o)
	})
}

// IterateThreadsafe walks the composite view without touching the live
// table. Readers only; safe against a snapshot.
func (ks *Keyspace) IterateThreadsafe(fn func(key string, o *object.Object) bool) bool {
	for key, o := range ks.dict {
		if !fn(key, o) {
			return false
		}
	}
	if ks.snapshot == nil {
		return true
	}
	return ks.snapshot.IterateThreadsafe(func(key string, o *object.Object) bool {
		if _, ok := ks.dict[key]; ok {
			return true
		}
		if _, dead := ks.tombstones[key]; dead {
			return true
		}
		return fn(key, o)
	})
}

// Scan resumes a cursor walk over the composite view in hash order. It
// returns up to count keys and the cursor to continue from (zero when the
// walk is complete). A key present for the whole duration of a full walk
// is returned at least once; same-hash neighbors may repeat across calls.
// Inner iteration is capped at ten times count.
func (ks *Keyspace) Scan(cursor uint64, count int) ([]string, uint64) {
	if count < 1 {
		count = 1
	}
	maxiter := count * 10
	pivot := indexEntry{hash: cursor}

	visited := 0
	var merged []indexEntry
	var resumes []uint64

	// collect walks one source from the pivot, recording where it stopped
	// if it did not run to the end.
	collect := func(src *btree.BTreeG[indexEntry], filter func(string) bool) {
		taken := 0
		var last uint64
		truncated := false
		src.Ascend(pivot, func(it indexEntry) bool {
			visited++
			last = it.hash
			if filter == nil || filter(it.key) {
				merged = append(merged, it)
				taken++
			}
			if taken > count || visited >= maxiter {
				truncated = true
				return false
			}
			return true
		})
		if truncated {
			resumes = append(resumes, last)
		}
	}

	collect(ks.index, nil)
	if ks.snapshot != nil {
		collect(ks.snapshot.index, func(key string) bool {
			if _, ok := ks.dict[key]; ok {
				return false
			}
			if _, dead := ks.tombstones[key]; dead {
				return false
			}
			return true
		})
	}

	sortEntries(merged)

	var next uint64
	if len(merged) > count {
		next = merged[count].hash
		merged = merged[:count]
	}
	// Resuming at a visited position only repeats same-hash neighbors; a
	// truncated source must not be skipped past.
	for _, r := range resumes {
		if next == 0 || r < next {
			next = r
		}
	}

	keys := make([]string, len(merged))
	for i, it := range merged {
		keys[i] = it.key
	}
	return keys, next
}

func sortEntries(entries []indexEntry) {
	// Small slices; insertion sort keeps this allocation-free.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && indexLess(entries[j], entries[j-1]); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// Clear empties the keyspace, handing the detached table back to the
// caller so it can be dropped synchronously or on the free thread. The
// expiry set is always freshly reallocated.
func (ks *Keyspace) Clear() (detached map[string]*object.Object, removed int) {
	removed = ks.Size()
	detached = ks.dict
	ks.dict = make(map[string]*object.Object)
	ks.index = btree.NewBTreeG[indexEntry](indexLess)
	ks.tombstones = make(map[string]struct{})
	ks.expires = NewExpireSet()
	if ks.tracking > 0 {
		ks.allChanged = true
	}
	if ks.store != nil {
		if err := ks.store.Clear(); err != nil {
			panic(fmt.Sprintf("keyspace: clear secondary store: %v", err))
		}
	}
	ks.snapshot = nil
	return detached, removed
}

// TrackChanges opens a change scope. Scopes nest.
func (ks *Keyspace) TrackChanges() {
	ks.tracking++
}

// ProcessChanges closes a change scope. When the outermost scope closes,
// either the whole keyspace or only the per-key delta is flushed to the
// secondary store.
func (ks *Keyspace) ProcessChanges() error {
	ks.tracking--
	if ks.tracking < 0 {
		panic("keyspace: ProcessChanges without TrackChanges")
	}
	if ks.tracking != 0 {
		return nil
	}
	defer func() {
		ks.changed = make(map[string]struct{})
		ks.allChanged = false
	}()

	if ks.store == nil {
		return nil
	}
	if ks.allChanged {
		if err := ks.store.Clear(); err != nil {
			return err
		}
		return ks.StoreAll()
	}
	for key := range ks.changed {
		o := ks.findThreadsafe(key)
		if o == nil {
			if err := ks.store.Erase([]byte(key)); err != nil {
				return err
			}
			continue
		}
		if err := ks.storeKey(key, o); err != nil {
			return err
		}
	}
	return nil
}

// StoreAll writes every entry of the composite view to the secondary
// store.
func (ks *Keyspace) StoreAll() error {
	var werr error
	ks.IterateThreadsafe(func(key string, o *object.Object) bool {
		werr = ks.storeKey(key, o)
		return werr == nil
	})
	return werr
}

// SaveAll rewrites the secondary store image from the current view.
func (ks *Keyspace) SaveAll() error {
	if ks.store == nil {
		return nil
	}
	if err := ks.store.Clear(); err != nil {
		return err
	}
	return ks.StoreAll()
}

func (ks *Keyspace) storeKey(key string, o *object.Object) error {
	data, err := object.Serialize(o)
	if err != nil {
		return err
	}
	return ks.store.Insert([]byte(key), data)
}

// Swap exchanges the persistent state of two keyspaces, leaving each
// struct identity in place so outside references stay valid.
func Swap(a, b *Keyspace) {
	a.dict, b.dict = b.dict, a.dict
	a.index, b.index = b.index, a.index
	a.tombstones, b.tombstones = b.tombstones, a.tombstones
	a.expires, b.expires = b.expires, a.expires
	a.snapshot, b.snapshot = b.snapshot, a.snapshot
	a.snapshotHolder, b.snapshotHolder = b.snapshotHolder, a.snapshotHolder
	a.mvccCheckpoint, b.mvccCheckpoint = b.mvccCheckpoint, a.mvccCheckpoint
	// The tracking depth stays put: it belongs to the in-flight command
	// scope, not the data.
	a.allChanged, b.allChanged = b.allChanged, a.allChanged
	a.changed, b.changed = b.changed, a.changed
	a.store, b.store = b.store, a.store
}
