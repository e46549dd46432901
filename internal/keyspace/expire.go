package keyspace

import (
	"sort"

	"github.com/tidwall/btree"
)

// SubExpiry is one (subkey, deadline) pair inside an expiry entry. The
// empty subkey denotes the whole-key TTL.
type SubExpiry struct {
	Subkey string
	When   int64 // milliseconds since epoch
}

// ExpireEntry records the deadline(s) of a single key. The common case is
// one whole-key deadline; the fat form carries per-subkey deadlines for
// compound values.
type ExpireEntry struct {
	key  string
	subs []SubExpiry // sorted by (When, Subkey)
}

// NewExpireEntry creates an entry with a single (subkey, when) deadline.
func NewExpireEntry(key, subkey string, when int64) *ExpireEntry {
	return &ExpireEntry{key: key, subs: []SubExpiry{{Subkey: subkey, When: when}}}
}

// Key returns the key this entry belongs to.
func (e *ExpireEntry) Key() string { return e.key }

// IsFat reports whether the entry carries more than one deadline.
func (e *ExpireEntry) IsFat() bool { return len(e.subs) > 1 }

// When returns the whole-key deadline, or -1 if only subkeys have TTLs.
func (e *ExpireEntry) When() int64 {
	for _, s := range e.subs {
		if s.Subkey == "" {
			return s.When
		}
	}
	return -1
}

// Subs returns the deadline pairs, sorted by deadline.
func (e *ExpireEntry) Subs() []SubExpiry { return e.subs }

// Update sets the deadline for subkey, replacing a prior one and promoting
// the entry to the fat form when needed.
func (e *ExpireEntry) Update(subkey string, when int64) {
	for i := range e.subs {
		if e.subs[i].Subkey == subkey {
			e.subs[i].When = when
			e.normalize()
			return
		}
	}
	e.subs = append(e.subs, SubExpiry{Subkey: subkey, When: when})
	e.normalize()
}

// EraseSubkey removes the deadline for subkey. Returns true if it existed.
func (e *ExpireEntry) EraseSubkey(subkey string) bool {
	for i := range e.subs {
		if e.subs[i].Subkey == subkey {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Empty reports whether no deadlines remain.
func (e *ExpireEntry) Empty() bool { return len(e.subs) == 0 }

// Clone returns a deep copy, used when an entry is carried across keys or
// out of a snapshot.
func (e *ExpireEntry) Clone() *ExpireEntry {
	return &ExpireEntry{key: e.key, subs: append([]SubExpiry(nil), e.subs...)}
}

// Rekey rebinds the entry to a new key, used by RENAME/MOVE when the
// carried entry is reinserted at the target.
func (e *ExpireEntry) Rekey(key string) { e.key = key }

func (e *ExpireEntry) normalize() {
	sort.Slice(e.subs, func(i, j int) bool {
		if e.subs[i].When == e.subs[j].When {
			return e.subs[i].Subkey < e.subs[j].Subkey
		}
		return e.subs[i].When < e.subs[j].When
	})
}

// ExpireSet is the expiry index: an ordered set of entries keyed by the
// key bytes shared with the keyspace table.
type ExpireSet struct {
	tree *btree.BTreeG[*ExpireEntry]
}

// NewExpireSet creates an empty expiry index.
func NewExpireSet() *ExpireSet {
	return &ExpireSet{
		tree: btree.NewBTreeG[*ExpireEntry](func(a, b *ExpireEntry) bool {
			return a.key < b.key
		}),
	}
}

// Insert adds or replaces the entry for its key.
func (s *ExpireSet) Insert(e *ExpireEntry) {
	s.tree.Set(e)
}

// Find returns the entry for key, or nil.
func (s *ExpireSet) Find(key string) *ExpireEntry {
	e, ok := s.tree.Get(&ExpireEntry{key: key})
	if !ok {
		return nil
	}
	return e
}

// Delete removes the entry for key. Returns true if it existed.
func (s *ExpireSet) Delete(key string) bool {
	_, ok := s.tree.Delete(&ExpireEntry{key: key})
	return ok
}

// Len returns the number of entries.
func (s *ExpireSet) Len() int { return s.tree.Len() }

// Scan walks all entries in key order until fn returns false.
func (s *ExpireSet) Scan(fn func(e *ExpireEntry) bool) {
	s.tree.Scan(fn)
}

/* Keyspace-side expiry mutations. The two sides of the invariant -- the
 * object's expiry flag and the index entry -- change together here and
 * nowhere else. */

// SetExpire sets the deadline of (key, subkey). The keyspace entry must
// exist; a shared immortal value is cloned first so the flag never lands
// on a shared object.
func (ks *Keyspace) SetExpire(key, subkey string, when int64) {
	kde := ks.Find(key)
	if kde == nil {
		panic("keyspace: SetExpire on missing key " + key)
	}
	ks.trackKey(key)

	if kde.IsShared() {
		kde = kde.Dup()
		ks.UpdateValue(key, kde)
	}

	if kde.Expires() {
		e := ks.expires.Find(key)
		if e == nil {
			panic("keyspace: expiry flag set but index entry missing for " + key)
		}
		ks.expires.Delete(key)
		e.Update(subkey, when)
		ks.expires.Insert(e)
		return
	}
	ks.expires.Insert(NewExpireEntry(key, subkey, when))
	kde.SetExpires(true)
}

// SetExpireEntry installs a carried entry (RENAME/MOVE) under its key,
// replacing any deadline already present.
func (ks *Keyspace) SetExpireEntry(e *ExpireEntry) {
	kde := ks.Find(e.Key())
	if kde == nil {
		panic("keyspace: SetExpireEntry on missing key " + e.Key())
	}
	if kde.IsShared() {
		kde = kde.Dup()
		ks.UpdateValue(e.Key(), kde)
	}
	if kde.Expires() {
		ks.RemoveExpire(e.Key())
	}
	ks.trackKey(e.Key())
	ks.expires.Insert(e)
	kde.SetExpires(true)
}

// RemoveExpire drops every deadline of key. Returns false if the key is
// not volatile. The key must exist in the keyspace, otherwise it could
// never be freed.
func (ks *Keyspace) RemoveExpire(key string) bool {
	kde := ks.Find(key)
	if kde == nil {
		panic("keyspace: RemoveExpire on missing key " + key)
	}
	if !kde.Expires() {
		return false
	}
	ks.trackKey(key)
	if !ks.expires.Delete(key) {
		panic("keyspace: expiry flag set but index entry missing for " + key)
	}
	kde.SetExpires(false)
	return true
}

// RemoveSubkeyExpire drops the deadline of one subkey. The whole entry goes
// when its last deadline goes.
func (ks *Keyspace) RemoveSubkeyExpire(key, subkey string) bool {
	kde := ks.Find(key)
	if kde == nil {
		panic("keyspace: RemoveSubkeyExpire on missing key " + key)
	}
	if !kde.Expires() {
		return false
	}
	e := ks.expires.Find(key)
	if e == nil {
		panic("keyspace: expiry flag set but index entry missing for " + key)
	}
	if subkey == "" {
		return false
	}
	found := e.EraseSubkey(subkey)
	if e.Empty() {
		ks.RemoveExpire(key)
	}
	return found
}

// GetExpire returns the expiry entry of key, or nil for a non-volatile or
// missing key.
func (ks *Keyspace) GetExpire(key string) *ExpireEntry {
	o := ks.findThreadsafe(key)
	if o == nil || !o.Expires() {
		return nil
	}
	e := ks.expireLookup(key)
	if e == nil {
		panic("keyspace: expiry flag set but index entry missing for " + key)
	}
	return e
}

// expireLookup resolves the entry through the snapshot chain, mirroring
// where the key's value is visible from.
func (ks *Keyspace) expireLookup(key string) *ExpireEntry {
	if _, ok := ks.dict[key]; ok {
		return ks.expires.Find(key)
	}
	if ks.snapshot == nil {
		return nil
	}
	if _, dead := ks.tombstones[key]; dead {
		return nil
	}
	return ks.snapshot.expireLookup(key)
}
