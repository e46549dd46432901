package keyspace

import (
	"log"

	"github.com/tidwall/btree"

	"github.com/mbridon/KeyDB/internal/object"
)

// CreateSnapshot forks the keyspace without cloning the dataset: the live
// tables transfer to a freshly allocated snapshot object and the live side
// restarts empty, linked to the snapshot as its ancestor. If a snapshot at
// least as new as mvccCheckpoint already exists it is reused with a bumped
// reference count; otherwise a newer, nested snapshot is produced.
//
// The returned handle stays a valid read target until EndSnapshot has been
// called the matching number of times.
func (ks *Keyspace) CreateSnapshot(mvccCheckpoint uint64) *Keyspace {
	if ks.refCount != 0 {
		panic("keyspace: CreateSnapshot on a snapshot")
	}
	if ks.snapshotHolder != nil {
		if mvccCheckpoint <= ks.snapshotHolder.mvccCheckpoint {
			ks.snapshotHolder.refCount++
			return ks.snapshotHolder
		}
		log.Printf("keyspace: nested snapshot created")
	}

	spdb := &Keyspace{
		dict:           ks.dict,
		index:          ks.index,
		tombstones:     ks.tombstones,
		expires:        ks.expires,
		snapshotHolder: ks.snapshotHolder,
		snapshot:       ks.snapshot,
		refCount:       1,
		mvccCheckpoint: mvccCheckpoint,
		changed:        make(map[string]struct{}),
	}

	ks.dict = make(map[string]*object.Object)
	ks.index = btree.NewBTreeG[indexEntry](indexLess)
	ks.tombstones = make(map[string]struct{})
	ks.expires = NewExpireSet()

	ks.snapshotHolder = spdb
	ks.snapshot = spdb

	// Take a reference on every deeper snapshot so none is freed from
	// under the new one.
	for next := spdb.snapshotHolder; next != nil; next = next.snapshotHolder {
		next.refCount++
	}

	return spdb
}

// MvccCheckpoint returns the checkpoint timestamp this snapshot was
// created against.
func (ks *Keyspace) MvccCheckpoint() uint64 { return ks.mvccCheckpoint }

// HasSnapshot reports whether a snapshot ancestor is currently attached.
func (ks *Keyspace) HasSnapshot() bool { return ks.snapshot != nil }

// EndSnapshot releases one reference on ps. When the last reference drops
// the snapshot is collapsed back into its child: tombstoned keys erase the
// ancestor's copies, live keys overwrite or move in, then the merged
// tables swap back to the live side and the chain relinks past the freed
// snapshot.
func (ks *Keyspace) EndSnapshot(ps *Keyspace) {
	if ks.snapshotHolder != ps {
		if ks.snapshotHolder == nil {
			panic("keyspace: EndSnapshot on an unknown snapshot")
		}
		ks.snapshotHolder.EndSnapshot(ps)
		return
	}

	// About to drop the last reference: unwind our children first, in
	// reverse depth order, so the cascade frees leaf-most snapshots last.
	if ks.snapshotHolder.refCount == 1 {
		ks.recursiveFreeSnapshots(ks.snapshotHolder)
	}

	ks.snapshotHolder.refCount--
	if ks.snapshotHolder.refCount > 0 {
		return
	}

	if ks.snapshot == nil {
		// The keyspace was cleared during the snapshot window; nothing to
		// recover, just unlink.
		ks.tombstones = make(map[string]struct{})
		ks.snapshotHolder = ks.snapshotHolder.snapshotHolder
		return
	}

	holder := ks.snapshotHolder

	// Stage 1: apply tracked deletes to the snapshot's tables.
	for key := range ks.tombstones {
		o, ok := holder.dict[key]
		if !ok {
			continue // deleted keys need not have existed in the snapshot
		}
		if o.Expires() {
			holder.expires.Delete(key)
		}
		delete(holder.dict, key)
		holder.index.Delete(indexEntry{hash: keyHash(key), key: key})
		o.DecrRef()
	}
	ks.tombstones = make(map[string]struct{})

	// Stage 2: move live keys into the snapshot's tables, releasing any
	// value they overwrite. Both tables hold a reference during the move
	// so either can still be walked.
	for key, o := range ks.dict {
		if existing, ok := holder.dict[key]; ok {
			existing.DecrRef()
			holder.dict[key] = o
		} else {
			holder.dict[key] = o
			holder.index.Set(indexEntry{hash: keyHash(key), key: key})
		}
		o.IncrRef()
	}
	ks.expires.Scan(func(e *ExpireEntry) bool {
		holder.expires.Insert(e)
		return true
	})

	// Stage 3: swap the merged tables back to the live side.
	ks.dict, holder.dict = holder.dict, ks.dict
	ks.index, holder.index = holder.index, ks.index
	ks.expires, holder.expires = holder.expires, ks.expires

	// Stage 4: relink the ancestor-of-ancestor and free the collapsed
	// snapshot's table references.
	if ks.snapshot != nil && holder.snapshot != nil {
		ks.snapshot = holder.snapshot
		holder.snapshot = nil
	} else {
		ks.snapshot = nil
	}
	ks.snapshotHolder = holder.snapshotHolder

	for _, o := range holder.dict {
		o.DecrRef()
	}
	holder.dict = nil
	holder.index = nil
	holder.expires = nil
}

// recursiveFreeSnapshots ends every snapshot below ps, deepest first. ps
// itself is left for the caller.
func (ks *Keyspace) recursiveFreeSnapshots(ps *Keyspace) {
	var stack []*Keyspace
	for p := ps.snapshotHolder; p != nil; p = p.snapshotHolder {
		stack = append(stack, p)
	}
	for i := len(stack) - 1; i >= 0; i-- {
		ks.EndSnapshot(stack[i])
	}
}
