// Package cluster maintains the slot-to-key index used to answer which
// keys live in a given hash slot when cluster mode is enabled. Every key
// insertion and deletion in database 0 updates it.
package cluster

import (
	"github.com/tidwall/btree"
)

// SlotCount is the number of hash slots.
const SlotCount = 16384

// slotKey orders the index by (slot, key), so one slot's keys are a
// contiguous range.
type slotKey struct {
	slot uint16
	key  string
}

func slotKeyLess(a, b slotKey) bool {
	if a.slot != b.slot {
		return a.slot < b.slot
	}
	return a.key < b.key
}

// SlotIndex is the slot-to-key index.
type SlotIndex struct {
	tree   *btree.BTreeG[slotKey]
	counts [SlotCount]int
}

// NewSlotIndex creates an empty index.
func NewSlotIndex() *SlotIndex {
	return &SlotIndex{tree: btree.NewBTreeG[slotKey](slotKeyLess)}
}

// Add records a key under its hash slot.
func (si *SlotIndex) Add(key string) {
	slot := KeyHashSlot(key)
	if _, replaced := si.tree.Set(slotKey{slot: slot, key: key}); !replaced {
		si.counts[slot]++
	}
}

// Del removes a key from its hash slot.
func (si *SlotIndex) Del(key string) {
	slot := KeyHashSlot(key)
	if _, ok := si.tree.Delete(slotKey{slot: slot, key: key}); ok {
		si.counts[slot]--
	}
}

// CountKeysInSlot returns how many keys hash to slot.
func (si *SlotIndex) CountKeysInSlot(slot uint16) int {
	return si.counts[slot]
}

// GetKeysInSlot returns up to count keys hashing to slot.
func (si *SlotIndex) GetKeysInSlot(slot uint16, count int) []string {
	keys := make([]string, 0, count)
	si.tree.Ascend(slotKey{slot: slot}, func(it slotKey) bool {
		if it.slot != slot || len(keys) >= count {
			return false
		}
		keys = append(keys, it.key)
		return true
	})
	return keys
}

// DelKeysInSlot deletes keys in slot one at a time through del until the
// slot counter drops to zero. Returns the number deleted.
func (si *SlotIndex) DelKeysInSlot(slot uint16, del func(key string)) int {
	deleted := 0
	for si.counts[slot] > 0 {
		var next string
		found := false
		si.tree.Ascend(slotKey{slot: slot}, func(e slotKey) bool {
			if e.slot == slot {
				next, found = e.key, true
			}
			return false
		})
		if !found {
			break
		}
		del(next) // the deletion hook calls back into Del
		deleted++
	}
	return deleted
}

// Flush empties the index.
func (si *SlotIndex) Flush() {
	si.tree = btree.NewBTreeG[slotKey](slotKeyLess)
	si.counts = [SlotCount]int{}
}
