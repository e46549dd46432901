package keyspace

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbridon/KeyDB/internal/object"
)

func futureMs() int64 { return time.Now().Add(time.Hour).UnixMilli() }

func TestExpire_FlagTracksIndex(t *testing.T) {
	ks := New(nil)
	ks.Insert("k", object.NewString([]byte("v")))

	// The flag and the index entry always change together.
	ks.SetExpire("k", "", futureMs())
	assert.True(t, ks.Find("k").Expires())
	assert.NotNil(t, ks.GetExpire("k"))
	assert.Equal(t, 1, ks.ExpireSize())

	assert.True(t, ks.RemoveExpire("k"))
	assert.False(t, ks.Find("k").Expires())
	assert.Nil(t, ks.GetExpire("k"))
	assert.Equal(t, 0, ks.ExpireSize())

	assert.False(t, ks.RemoveExpire("k"))
}

func TestExpire_SizeNeverExceedsKeys(t *testing.T) {
	ks := New(nil)
	ks.Insert("a", object.NewString([]byte("1")))
	ks.Insert("b", object.NewString([]byte("2")))
	ks.SetExpire("a", "", futureMs())

	assert.GreaterOrEqual(t, ks.Size(), ks.ExpireSize())
}

func TestExpire_SetOnMissingKeyPanics(t *testing.T) {
	ks := New(nil)
	assert.Panics(t, func() { ks.SetExpire("ghost", "", futureMs()) })
	assert.Panics(t, func() { ks.RemoveExpire("ghost") })
}

func TestExpire_SharedObjectClonedFirst(t *testing.T) {
	ks := New(nil)
	shared := object.NewStringFromInt64(5)
	ks.Insert("n", shared)

	ks.SetExpire("n", "", futureMs())
	o := ks.Find("n")
	assert.False(t, o.IsShared())
	assert.True(t, o.Expires())
	// The pool object itself is untouched.
	assert.False(t, shared.Expires())
}

func TestExpire_WholeKeyDeadline(t *testing.T) {
	ks := New(nil)
	ks.Insert("k", object.NewString([]byte("v")))

	when := futureMs()
	ks.SetExpire("k", "", when)
	e := ks.GetExpire("k")
	require.NotNil(t, e)
	assert.Equal(t, when, e.When())
	assert.False(t, e.IsFat())

	// Updating replaces, not stacks.
	ks.SetExpire("k", "", when+1000)
	e = ks.GetExpire("k")
	assert.Equal(t, when+1000, e.When())
	assert.False(t, e.IsFat())
}

func TestExpire_FatEntries(t *testing.T) {
	ks := New(nil)
	ks.Insert("h", object.NewHash())

	when := futureMs()
	ks.SetExpire("h", "f1", when)
	ks.SetExpire("h", "f2", when+500)
	ks.SetExpire("h", "", when+1000)

	e := ks.GetExpire("h")
	require.NotNil(t, e)
	assert.True(t, e.IsFat())
	assert.Equal(t, when+1000, e.When())
	assert.Len(t, e.Subs(), 3)
	// Subs stay sorted by deadline.
	assert.Equal(t, "f1", e.Subs()[0].Subkey)

	assert.True(t, ks.RemoveSubkeyExpire("h", "f1"))
	assert.False(t, ks.RemoveSubkeyExpire("h", "f1"))
	e = ks.GetExpire("h")
	assert.Len(t, e.Subs(), 2)

	// Dropping the last deadlines clears the whole entry and the flag.
	ks.RemoveSubkeyExpire("h", "f2")
	e = ks.GetExpire("h")
	require.NotNil(t, e)
	assert.False(t, e.IsFat())
	assert.True(t, ks.RemoveExpire("h"))
	assert.False(t, ks.Find("h").Expires())
}

func TestExpire_DeleteRemovesEntry(t *testing.T) {
	ks := New(nil)
	ks.Insert("k", object.NewString([]byte("v")))
	ks.SetExpire("k", "", futureMs())

	_, deleted := ks.Delete("k")
	require.True(t, deleted)
	assert.Equal(t, 0, ks.ExpireSize())
}

func TestExpire_CarriedEntryRekeyed(t *testing.T) {
	ks := New(nil)
	ks.Insert("src", object.NewString([]byte("v")))
	when := futureMs()
	ks.SetExpire("src", "", when)

	carried := ks.GetExpire("src").Clone()
	_, deleted := ks.Delete("src")
	require.True(t, deleted)

	ks.Insert("dst", object.NewString([]byte("v")))
	carried.Rekey("dst")
	ks.SetExpireEntry(carried)

	e := ks.GetExpire("dst")
	require.NotNil(t, e)
	assert.Equal(t, when, e.When())
	assert.Equal(t, "dst", e.Key())
}
