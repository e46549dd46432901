// Package object implements the typed value objects held by the keyspace.
//
// An Object is a tagged union of the supported value types. Alongside the
// payload it carries a reference count (with a sentinel marking shared
// immortal objects), an encoding tag, a 24-bit LRU/LFU field, a monotonic
// MVCC timestamp and a flag recording whether the expiry index holds an
// entry for the owning key.
package object

import (
	"fmt"
	"math"
	"strconv"
	"sync/atomic"
)

// Type identifies the value type stored in an Object.
type Type uint8

const (
	TypeString Type = iota
	TypeList
	TypeSet
	TypeHash
	TypeSortedSet
	TypeStream
	TypeModule
)

// String returns the name reported by the TYPE command.
func (t Type) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeList:
		return "list"
	case TypeSet:
		return "set"
	case TypeHash:
		return "hash"
	case TypeSortedSet:
		return "zset"
	case TypeStream:
		return "stream"
	case TypeModule:
		return "module"
	}
	return "unknown"
}

// Encoding identifies the internal representation of a value.
type Encoding uint8

const (
	EncodingRaw Encoding = iota
	EncodingInt
	EncodingEmbstr
	EncodingHashtable
	EncodingZiplist
	EncodingIntset
	EncodingSkiplist
)

// SharedRefcount marks an object as shared and immortal: its reference
// count is never incremented or decremented, and it must never carry an
// expiry flag or an MVCC stamp. Write paths duplicate it first.
const SharedRefcount = int32(math.MaxInt32)

// embstrLimit is the maximum payload length stored with the embedded
// string encoding.
const embstrLimit = 44

// sharedIntegerMax bounds the pool of preallocated small integer objects.
const sharedIntegerMax = 10000

// Object is a single keyspace value.
type Object struct {
	typ      Type
	encoding Encoding
	lru      uint32 // 24 bits: LRU clock, or LFU minutes<<8 | log counter
	refcount int32
	mvcc     uint64
	expires  bool
	data     interface{}
}

var sharedIntegers [sharedIntegerMax]*Object

func init() {
	for i := range sharedIntegers {
		sharedIntegers[i] = &Object{
			typ:      TypeString,
			encoding: EncodingInt,
			refcount: SharedRefcount,
			data:     int64(i),
		}
	}
}

// NewString creates a string object, choosing the embedded encoding for
// short payloads. The payload is copied.
func NewString(b []byte) *Object {
	enc := EncodingRaw
	if len(b) <= embstrLimit {
		enc = EncodingEmbstr
	}
	return &Object{
		typ:      TypeString,
		encoding: enc,
		refcount: 1,
		data:     append([]byte(nil), b...),
	}
}

// NewRawString creates a string object that always uses the raw encoding,
// for values about to be modified in place.
func NewRawString(b []byte) *Object {
	return &Object{
		typ:      TypeString,
		encoding: EncodingRaw,
		refcount: 1,
		data:     append([]byte(nil), b...),
	}
}

// NewStringFromInt64 creates an integer-encoded string object, returning a
// shared immortal object for small non-negative values.
func NewStringFromInt64(v int64) *Object {
	if v >= 0 && v < sharedIntegerMax {
		return sharedIntegers[v]
	}
	return &Object{
		typ:      TypeString,
		encoding: EncodingInt,
		refcount: 1,
		data:     v,
	}
}

// TryIntEncoding parses b and returns an integer-encoded object when the
// payload is a valid int64, otherwise a plain string object.
func TryIntEncoding(b []byte) *Object {
	if v, err := strconv.ParseInt(string(b), 10, 64); err == nil {
		return NewStringFromInt64(v)
	}
	return NewString(b)
}

// NewList creates an empty list object.
func NewList() *Object {
	return &Object{typ: TypeList, encoding: EncodingZiplist, refcount: 1, data: NewListValue()}
}

// NewSet creates an empty set object.
func NewSet() *Object {
	return &Object{typ: TypeSet, encoding: EncodingHashtable, refcount: 1, data: NewSetValue()}
}

// NewHash creates an empty hash object.
func NewHash() *Object {
	return &Object{typ: TypeHash, encoding: EncodingHashtable, refcount: 1, data: NewHashValue()}
}

// NewSortedSet creates an empty sorted set object.
func NewSortedSet() *Object {
	return &Object{typ: TypeSortedSet, encoding: EncodingSkiplist, refcount: 1, data: NewSortedSetValue()}
}

// Type returns the value type tag.
func (o *Object) Type() Type { return o.typ }

// Encoding returns the encoding tag.
func (o *Object) Encoding() Encoding { return o.encoding }

// IsShared reports whether this is a shared immortal object.
func (o *Object) IsShared() bool {
	return atomic.LoadInt32(&o.refcount) == SharedRefcount
}

// Refcount returns the current reference count.
func (o *Object) Refcount() int32 {
	return atomic.LoadInt32(&o.refcount)
}

// IncrRef takes an additional reference. Shared objects are unaffected.
func (o *Object) IncrRef() *Object {
	if o.IsShared() {
		return o
	}
	atomic.AddInt32(&o.refcount, 1)
	return o
}

// DecrRef releases one reference. Releasing below zero is a double free
// and panics.
func (o *Object) DecrRef() {
	if o.IsShared() {
		return
	}
	if n := atomic.AddInt32(&o.refcount, -1); n < 0 {
		panic("object: refcount went negative (double free)")
	}
}

// Expires reports whether the expiry index holds an entry for the key this
// object is stored under.
func (o *Object) Expires() bool { return o.expires }

// SetExpires flips the expiry marker. A shared object can never carry it.
func (o *Object) SetExpires(v bool) {
	if v && o.IsShared() {
		panic("object: expiry flag on a shared object")
	}
	o.expires = v
}

// Mvcc returns the MVCC timestamp recorded by the last mutation.
func (o *Object) Mvcc() uint64 { return o.mvcc }

// SetMvcc stamps the object. Shared objects must be duplicated first.
func (o *Object) SetMvcc(ts uint64) {
	if o.IsShared() {
		panic("object: MVCC stamp on a shared object")
	}
	o.mvcc = ts
}

// LRU returns the raw 24-bit clock field.
func (o *Object) LRU() uint32 { return o.lru & lruMask }

// SetLRU stores a raw clock field, used to carry LFU state across an
// overwrite.
func (o *Object) SetLRU(v uint32) { o.lru = v & lruMask }

// Dup returns a deep copy with reference count 1 and no expiry flag. The
// MVCC stamp and clock field carry over.
func (o *Object) Dup() *Object {
	cp := &Object{
		typ:      o.typ,
		encoding: o.encoding,
		lru:      o.lru,
		refcount: 1,
		mvcc:     o.mvcc,
	}
	switch d := o.data.(type) {
	case []byte:
		cp.data = append([]byte(nil), d...)
	case int64:
		cp.data = d
	case *ListValue:
		cp.data = d.Clone()
	case *SetValue:
		cp.data = d.Clone()
	case *HashValue:
		cp.data = d.Clone()
	case *SortedSetValue:
		cp.data = d.Clone()
	default:
		panic(fmt.Sprintf("object: cannot duplicate payload %T", o.data))
	}
	return cp
}

// Bytes returns the string payload. Integer-encoded values are formatted.
// Panics on non-string objects.
func (o *Object) Bytes() []byte {
	switch d := o.data.(type) {
	case []byte:
		return d
	case int64:
		return []byte(strconv.FormatInt(d, 10))
	}
	panic("object: Bytes on non-string object")
}

// AppendBytes appends b to a raw string payload in place, returning the
// new length. Callers unshare and decode the value first.
func (o *Object) AppendBytes(b []byte) int {
	d, ok := o.data.([]byte)
	if !ok {
		panic("object: AppendBytes on non-raw string")
	}
	d = append(d, b...)
	o.data = d
	o.encoding = EncodingRaw
	return len(d)
}

// Int64 returns the integer payload when the object is int-encoded.
func (o *Object) Int64() (int64, bool) {
	v, ok := o.data.(int64)
	return v, ok
}

// List returns the list payload. Panics on other types.
func (o *Object) List() *ListValue { return o.data.(*ListValue) }

// Set returns the set payload. Panics on other types.
func (o *Object) Set() *SetValue { return o.data.(*SetValue) }

// Hash returns the hash payload. Panics on other types.
func (o *Object) Hash() *HashValue { return o.data.(*HashValue) }

// SortedSet returns the sorted set payload. Panics on other types.
func (o *Object) SortedSet() *SortedSetValue { return o.data.(*SortedSetValue) }

// TypeName returns the TYPE command name for o, or "none" for nil.
func TypeName(o *Object) string {
	if o == nil {
		return "none"
	}
	return o.typ.String()
}
