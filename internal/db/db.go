package db

import (
	"fmt"

	"github.com/mbridon/KeyDB/internal/keyspace"
	"github.com/mbridon/KeyDB/internal/notify"
	"github.com/mbridon/KeyDB/internal/object"
	"github.com/mbridon/KeyDB/internal/storage"
)

// Lookup flags alter the side effects of the low-level key lookup.
const (
	LookupNone       = 0
	LookupNoTouch    = 1 << iota // don't update the LRU/LFU field
	LookupUpdateMvcc             // stamp the value with the current MVCC time
)

// DB is one logical database: a keyspace plus expiry accounting and the
// blocking/watch bookkeeping tables.
type DB struct {
	id  int
	srv *Server
	ks  *keyspace.Keyspace

	// Exponentially weighted average of remaining TTL across the expiry
	// index, maintained by setExpire.
	avgTTL        float64
	lastExpireSet int64

	// blockingKeys and watchedKeys are registered by the wait-queue and
	// transaction layers; readyKeys accumulates signal-ready hits between
	// command dispatches.
	blockingKeys map[string]int
	watchedKeys  map[string]int
	readyKeys    map[string]struct{}
}

func newDB(s *Server, id int) *DB {
	var sec keyspace.SecondaryStore
	if s.store != nil {
		sec = &dbStore{s: s.store, prefix: fmt.Sprintf("d%d:", id)}
	}
	return &DB{
		id:           id,
		srv:          s,
		ks:           keyspace.New(sec),
		blockingKeys: make(map[string]int),
		watchedKeys:  make(map[string]int),
		readyKeys:    make(map[string]struct{}),
	}
}

// ID returns the database index.
func (db *DB) ID() int { return db.id }

// Keyspace exposes the underlying store, mainly to snapshot consumers.
func (db *DB) Keyspace() *keyspace.Keyspace { return db.ks }

// Size returns the number of keys.
func (db *DB) Size() int { return db.ks.Size() }

// ExpireSize returns the number of volatile keys.
func (db *DB) ExpireSize() int { return db.ks.ExpireSize() }

// AvgTTL returns the decayed average TTL in milliseconds.
func (db *DB) AvgTTL() float64 { return db.avgTTL }

/* ---- low level lookups ---- */

// lookupKey finds key without running the expiry gate. On a hit it updates
// the ageing field (unless a background save is running, which would turn
// every read into a copy-on-write) and optionally stamps the MVCC time.
func (db *DB) lookupKey(key string, flags int) *object.Object {
	val := db.ks.Find(key)
	if val == nil {
		return nil
	}
	if !db.srv.saveInProgress && flags&LookupNoTouch == 0 {
		val.Touch(db.srv.cfg.LFUEnabled())
	}
	if flags&LookupUpdateMvcc != 0 {
		if val.IsShared() {
			val = val.Dup()
			db.ks.UpdateValue(key, val)
		}
		val.SetMvcc(object.NextMvcc())
	}
	return val
}

// LookupKeyRead finds key for a read-only operation. As side effects the
// key is evicted if its TTL passed, the hit/miss statistics update, and a
// keymiss notification fires on a miss. On a replica a logically expired
// key reads as missing even though eviction is the master's job.
func (db *DB) LookupKeyRead(key string) *object.Object {
	return db.LookupKeyReadWithFlags(key, LookupNone)
}

// LookupKeyReadWithFlags is LookupKeyRead with lookup flags.
func (db *DB) LookupKeyReadWithFlags(key string, flags int) *object.Object {
	if db.ExpireIfNeeded(key) {
		// On a master an expired key is gone now. On a replica it still
		// exists but reads must observe logical expiry consistent with
		// the master.
		db.srv.statMisses.Add(1)
		db.srv.Notify.Notify(notify.EventKeyMiss, key, db.id)
		return nil
	}
	val := db.lookupKey(key, flags)
	if val == nil {
		db.srv.statMisses.Add(1)
		db.srv.Notify.Notify(notify.EventKeyMiss, key, db.id)
		return nil
	}
	db.srv.statHits.Add(1)
	return val
}

// LookupKeyWrite finds key for a write operation, evicting it first if its
// TTL passed and stamping the MVCC time.
func (db *DB) LookupKeyWrite(key string) *object.Object {
	if db.ExpireIfNeeded(key) {
		return nil
	}
	return db.lookupKey(key, LookupUpdateMvcc)
}

/* ---- mutations ---- */

func (db *DB) addCore(key string, val *object.Object) bool {
	if val.Expires() {
		panic("db: adding a value that already carries the expiry flag")
	}
	inserted := db.ks.Insert(key, val)
	if db.srv.cfg.ActiveReplica && !val.IsShared() {
		val.SetMvcc(object.NextMvcc())
	}
	if inserted {
		if val.Type() == object.TypeList || val.Type() == object.TypeSortedSet {
			db.SignalKeyAsReady(key)
		}
		if db.srv.slots != nil {
			db.srv.slots.Add(key)
		}
	}
	return inserted
}

// Add inserts a new key. The caller keeps responsibility for the value's
// reference count. Adding over an existing key is a programmer error.
func (db *DB) Add(key string, val *object.Object) {
	if !db.addCore(key, val) {
		panic(fmt.Sprintf("db: Add of already existing key %q", key))
	}
}

// overwriteCore swaps in a fresh value at an existing key: the old expiry
// flag carries over (or is dropped on request), the LFU state is preserved
// under an LFU policy, the MVCC time is optionally stamped, and the old
// value is released synchronously or on the free thread.
func (db *DB) overwriteCore(key string, old, val *object.Object, updateMvcc, removeExpire bool) {
	if old.Expires() {
		if removeExpire {
			db.ks.RemoveExpire(key)
		} else {
			if val.IsShared() {
				val = val.Dup()
			}
			// Transfer the flag; the index entry stays keyed by the same
			// interned string.
			old.SetExpires(false)
			val.SetExpires(true)
		}
	}

	if db.srv.cfg.LFUEnabled() {
		if val.IsShared() {
			val = val.Dup()
		}
		val.SetLRU(old.LRU())
	}
	if updateMvcc {
		if val.IsShared() {
			val = val.Dup()
		}
		val.SetMvcc(object.NextMvcc())
	}

	if db.srv.cfg.LazyFreeServerDel {
		db.srv.lazy.freeObject(old)
	} else {
		old.DecrRef()
	}
	db.ks.UpdateValue(key, val)
}

// Overwrite replaces the value of an existing key without touching its
// expiry. Overwriting a missing key is a programmer error.
func (db *DB) Overwrite(key string, val *object.Object) {
	old := db.ks.Find(key)
	if old == nil {
		panic(fmt.Sprintf("db: Overwrite of missing key %q", key))
	}
	db.overwriteCore(key, old, val, db.srv.cfg.ActiveReplica, false)
}

// Merge applies a replicated write with last-writer-wins semantics: when
// replace is set and the resident value is at most as new as the incoming
// one, the write lands keeping the incoming timestamp; an older incoming
// write is dropped.
func (db *DB) Merge(key string, val *object.Object, replace bool) bool {
	if !replace {
		return db.addCore(key, val)
	}
	old := db.ks.Find(key)
	if old == nil {
		return db.addCore(key, val)
	}
	if old.Mvcc() <= val.Mvcc() {
		db.overwriteCore(key, old, val, false, true)
		return true
	}
	return false
}

// SetKey is the high level set: insert or overwrite, reset the expiry,
// take a reference on the value and notify watchers.
func (db *DB) SetKey(key string, val *object.Object) {
	old := db.ks.Find(key)
	if old == nil {
		db.Add(key, val)
	} else {
		db.overwriteCore(key, old, val, db.srv.cfg.ActiveReplica, true)
	}
	val.IncrRef()
	db.srv.signalModifiedKey(db.id, key)
}

// SyncDelete removes a key and its expiry entry, releasing the value
// inline.
func (db *DB) SyncDelete(key string) bool {
	o, ok := db.ks.Delete(key)
	if !ok {
		return false
	}
	if db.srv.slots != nil {
		db.srv.slots.Del(key)
	}
	o.DecrRef()
	return true
}

// AsyncDelete removes a key, handing the value to the free thread.
func (db *DB) AsyncDelete(key string) bool {
	o, ok := db.ks.Delete(key)
	if !ok {
		return false
	}
	if db.srv.slots != nil {
		db.srv.slots.Del(key)
	}
	db.srv.lazy.freeObject(o)
	return true
}

// Delete removes a key synchronously or asynchronously per configuration.
func (db *DB) Delete(key string) bool {
	if db.srv.cfg.LazyFreeServerDel {
		return db.AsyncDelete(key)
	}
	return db.SyncDelete(key)
}

// Exists reports whether key is present, without the expiry gate.
func (db *DB) Exists(key string) bool {
	return db.ks.FindReadOnly(key) != nil
}

// UnshareStringValue prepares the string at key for destructive in-place
// modification, replacing a shared or encoded value with a private raw
// copy.
func (db *DB) UnshareStringValue(key string, o *object.Object) *object.Object {
	if o.Type() != object.TypeString {
		panic("db: UnshareStringValue on non-string value")
	}
	if o.Refcount() != 1 || o.Encoding() != object.EncodingRaw {
		decoded := object.NewRawString(o.Bytes())
		db.Overwrite(key, decoded)
		return decoded
	}
	return o
}

// RandomKey returns a random non-expired key. On a replica whose dataset
// is entirely volatile, the attempt cap prevents an infinite loop and the
// last draw is returned even if logically expired.
func (db *DB) RandomKey() (string, bool) {
	maxtries := 100
	allvolatile := db.ks.ExpireSize() == db.ks.Size()

	for {
		key, val, ok := db.ks.Random()
		if !ok {
			return "", false
		}

		if val.Expires() {
			if allvolatile && db.srv.hasMaster {
				maxtries--
				if maxtries == 0 {
					return key, true
				}
			}
			if db.ExpireIfNeeded(key) {
				continue // this one expired, draw again
			}
		}
		return key, true
	}
}

// clear drops every key in the database. Async hands the detached table to
// the free thread.
func (db *DB) clear(async bool) int {
	detached, removed := db.ks.Clear()
	if async {
		db.srv.lazy.freeTable(detached)
	} else {
		for _, o := range detached {
			o.DecrRef()
		}
	}
	return removed
}

/* ---- blocking/watch bookkeeping ---- */

// BlockKey registers a blocked waiter for key.
func (db *DB) BlockKey(key string) { db.blockingKeys[key]++ }

// UnblockKey removes a blocked waiter for key.
func (db *DB) UnblockKey(key string) {
	if db.blockingKeys[key] > 1 {
		db.blockingKeys[key]--
	} else {
		delete(db.blockingKeys, key)
	}
}

// WatchKey registers a WATCH on key.
func (db *DB) WatchKey(key string) { db.watchedKeys[key]++ }

// UnwatchKey removes a WATCH on key.
func (db *DB) UnwatchKey(key string) {
	if db.watchedKeys[key] > 1 {
		db.watchedKeys[key]--
	} else {
		delete(db.watchedKeys, key)
	}
}

// SignalKeyAsReady wakes waiters blocked on key.
func (db *DB) SignalKeyAsReady(key string) {
	if _, blocked := db.blockingKeys[key]; !blocked {
		return
	}
	db.readyKeys[key] = struct{}{}
	if db.srv.OnKeyReady != nil {
		db.srv.OnKeyReady(db.id, key)
	}
}

// TakeReadyKeys drains the ready set.
func (db *DB) TakeReadyKeys() []string {
	keys := make([]string, 0, len(db.readyKeys))
	for k := range db.readyKeys {
		keys = append(keys, k)
	}
	db.readyKeys = make(map[string]struct{})
	return keys
}

// scanForReadyLists walks the blocked-key table and re-signals readiness
// for keys that now hold a value of a blocking-capable type.
func (db *DB) scanForReadyLists() {
	for key := range db.blockingKeys {
		val := db.lookupKey(key, LookupNoTouch)
		if val == nil {
			continue
		}
		switch val.Type() {
		case object.TypeList, object.TypeSortedSet, object.TypeStream:
			db.readyKeys[key] = struct{}{}
			if db.srv.OnKeyReady != nil {
				db.srv.OnKeyReady(db.id, key)
			}
		}
	}
}

/* ---- secondary storage adapter ---- */

// dbStore namespaces one database inside the shared LevelDB store.
type dbStore struct {
	s      *storage.Store
	prefix string
}

func (d *dbStore) Insert(key, value []byte) error {
	return d.s.Insert(append([]byte(d.prefix), key...), value)
}

func (d *dbStore) Erase(key []byte) error {
	return d.s.Erase(append([]byte(d.prefix), key...))
}

func (d *dbStore) Clear() error {
	return d.s.Clear([]byte(d.prefix))
}
