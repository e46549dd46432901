package keyspace

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbridon/KeyDB/internal/object"
)

// memStore is an in-memory SecondaryStore for change-tracking tests.
type memStore struct {
	m map[string][]byte
}

func newMemStore() *memStore { return &memStore{m: make(map[string][]byte)} }

func (s *memStore) Insert(key, value []byte) error {
	s.m[string(key)] = append([]byte(nil), value...)
	return nil
}

func (s *memStore) Erase(key []byte) error {
	delete(s.m, string(key))
	return nil
}

func (s *memStore) Clear() error {
	s.m = make(map[string][]byte)
	return nil
}

func TestKeyspace_InsertFindDelete(t *testing.T) {
	ks := New(nil)

	ok := ks.Insert("k1", object.NewString([]byte("v1")))
	assert.True(t, ok)
	assert.False(t, ks.Insert("k1", object.NewString([]byte("v2"))))

	o := ks.Find("k1")
	require.NotNil(t, o)
	assert.Equal(t, []byte("v1"), o.Bytes())

	_, deleted := ks.Delete("k1")
	assert.True(t, deleted)
	assert.Nil(t, ks.Find("k1"))
	_, deleted = ks.Delete("k1")
	assert.False(t, deleted)
}

func TestKeyspace_UpdateValue(t *testing.T) {
	ks := New(nil)
	ks.Insert("k", object.NewString([]byte("old")))
	ks.UpdateValue("k", object.NewString([]byte("new")))
	assert.Equal(t, []byte("new"), ks.Find("k").Bytes())

	assert.Panics(t, func() { ks.UpdateValue("missing", object.NewString(nil)) })
}

func TestKeyspace_SizeAndRandom(t *testing.T) {
	ks := New(nil)
	assert.Equal(t, 0, ks.Size())
	_, _, ok := ks.Random()
	assert.False(t, ok)

	for i := 0; i < 10; i++ {
		ks.Insert(fmt.Sprintf("key%d", i), object.NewString([]byte("v")))
	}
	assert.Equal(t, 10, ks.Size())

	key, o, ok := ks.Random()
	require.True(t, ok)
	require.NotNil(t, o)
	assert.NotNil(t, ks.Find(key))
}

func TestKeyspace_Iterate(t *testing.T) {
	ks := New(nil)
	ks.Insert("a", object.NewString([]byte("1")))
	ks.Insert("b", object.NewString([]byte("2")))

	seen := map[string]bool{}
	ks.Iterate(func(key string, o *object.Object) bool {
		seen[key] = true
		return true
	})
	assert.Equal(t, map[string]bool{"a": true, "b": true}, seen)

	// Early stop.
	count := 0
	full := ks.Iterate(func(string, *object.Object) bool {
		count++
		return false
	})
	assert.False(t, full)
	assert.Equal(t, 1, count)
}

func TestKeyspace_ScanFullWalk(t *testing.T) {
	ks := New(nil)
	ks.Insert("a", object.NewString([]byte("1")))
	ks.Insert("b", object.NewString([]byte("2")))

	keys, next := ks.Scan(0, 100)
	assert.Equal(t, uint64(0), next)
	assert.ElementsMatch(t, []string{"a", "b"}, keys)
}

func TestKeyspace_ScanResumes(t *testing.T) {
	ks := New(nil)
	want := map[string]bool{}
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("key:%d", i)
		ks.Insert(key, object.NewString([]byte("v")))
		want[key] = true
	}

	got := map[string]bool{}
	cursor := uint64(0)
	for {
		keys, next := ks.Scan(cursor, 10)
		for _, k := range keys {
			got[k] = true
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	// Every key present for the whole walk is returned at least once.
	for k := range want {
		assert.True(t, got[k], "missing %s", k)
	}
}

func TestKeyspace_ScanSurvivesMutation(t *testing.T) {
	ks := New(nil)
	for i := 0; i < 100; i++ {
		ks.Insert(fmt.Sprintf("stable:%d", i), object.NewString([]byte("v")))
	}

	got := map[string]bool{}
	cursor := uint64(0)
	round := 0
	for {
		keys, next := ks.Scan(cursor, 10)
		for _, k := range keys {
			got[k] = true
		}
		// Churn unrelated keys mid-walk.
		ks.Insert(fmt.Sprintf("churn:%d", round), object.NewString([]byte("v")))
		ks.Delete(fmt.Sprintf("churn:%d", round/2))
		round++
		if next == 0 {
			break
		}
		cursor = next
	}
	for i := 0; i < 100; i++ {
		assert.True(t, got[fmt.Sprintf("stable:%d", i)])
	}
}

func TestKeyspace_Clear(t *testing.T) {
	ks := New(nil)
	ks.Insert("a", object.NewString([]byte("1")))
	ks.SetExpire("a", "", 1)
	ks.Insert("b", object.NewString([]byte("2")))

	detached, removed := ks.Clear()
	assert.Equal(t, 2, removed)
	assert.Len(t, detached, 2)
	assert.Equal(t, 0, ks.Size())
	assert.Equal(t, 0, ks.ExpireSize())
}

func TestKeyspace_ChangeTracking(t *testing.T) {
	store := newMemStore()
	ks := New(store)

	ks.TrackChanges()
	ks.Insert("k1", object.NewString([]byte("v1")))
	ks.Insert("k2", object.NewString([]byte("v2")))
	require.NoError(t, ks.ProcessChanges())

	assert.Len(t, store.m, 2)
	assert.Contains(t, store.m, "k1")

	ks.TrackChanges()
	ks.Delete("k1")
	require.NoError(t, ks.ProcessChanges())
	assert.NotContains(t, store.m, "k1")
	assert.Contains(t, store.m, "k2")
}

func TestKeyspace_ChangeTrackingNests(t *testing.T) {
	store := newMemStore()
	ks := New(store)

	ks.TrackChanges()
	ks.TrackChanges()
	ks.Insert("k", object.NewString([]byte("v")))
	require.NoError(t, ks.ProcessChanges())
	// Inner scope closed: nothing flushed yet.
	assert.Empty(t, store.m)
	require.NoError(t, ks.ProcessChanges())
	assert.Contains(t, store.m, "k")

	assert.Panics(t, func() { ks.ProcessChanges() })
}

func TestKeyspace_ClearFlushesStore(t *testing.T) {
	store := newMemStore()
	ks := New(store)

	ks.TrackChanges()
	ks.Insert("k", object.NewString([]byte("v")))
	require.NoError(t, ks.ProcessChanges())
	require.Contains(t, store.m, "k")

	ks.Clear()
	assert.Empty(t, store.m)
}

func TestKeyspace_Swap(t *testing.T) {
	a := New(nil)
	b := New(nil)
	a.Insert("x", object.NewString([]byte("1")))
	b.Insert("y", object.NewString([]byte("2")))
	b.SetExpire("y", "", 1<<40)

	Swap(a, b)
	assert.Nil(t, a.Find("x"))
	require.NotNil(t, a.Find("y"))
	assert.Equal(t, 1, a.ExpireSize())
	assert.NotNil(t, b.Find("x"))
	assert.Equal(t, 0, b.ExpireSize())

	Swap(a, b)
	assert.NotNil(t, a.Find("x"))
	assert.NotNil(t, b.Find("y"))
	assert.Equal(t, 1, b.ExpireSize())
}
