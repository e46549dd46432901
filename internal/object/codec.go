package object

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// wireObject is the gob form of an Object. Snapshot materialization, the
// secondary storage and background saves all round-trip values through it.
// The MVCC stamp survives the trip; the refcount and expiry flag do not
// (a deserialized object is a fresh private copy).
type wireObject struct {
	Type     Type
	Encoding Encoding
	Mvcc     uint64
	Str      []byte
	Int      int64
	IsInt    bool
	List     [][]byte
	Set      []string
	Hash     []FieldValue
	ZSet     []ScoredMember
}

// Serialize encodes an object for storage.
func Serialize(o *Object) ([]byte, error) {
	w := wireObject{
		Type:     o.typ,
		Encoding: o.encoding,
		Mvcc:     o.mvcc,
	}
	switch d := o.data.(type) {
	case []byte:
		w.Str = d
	case int64:
		w.Int = d
		w.IsInt = true
	case *ListValue:
		w.List = d.items
	case *SetValue:
		w.Set = d.Clone().Members()
	case *HashValue:
		w.Hash = d.GetAll()
	case *SortedSetValue:
		w.ZSet = d.sorted()
	default:
		return nil, fmt.Errorf("object: cannot serialize payload %T", o.data)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&w); err != nil {
		return nil, fmt.Errorf("object: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Deserialize decodes an object previously encoded with Serialize. The
// result has refcount 1 and no expiry flag.
func Deserialize(data []byte) (*Object, error) {
	var w wireObject
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return nil, fmt.Errorf("object: decode: %w", err)
	}

	o := &Object{
		typ:      w.Type,
		encoding: w.Encoding,
		refcount: 1,
		mvcc:     w.Mvcc,
	}
	switch w.Type {
	case TypeString:
		if w.IsInt {
			o.data = w.Int
		} else {
			o.data = append([]byte(nil), w.Str...)
		}
	case TypeList:
		l := NewListValue()
		l.RPush(w.List...)
		o.data = l
	case TypeSet:
		s := NewSetValue()
		s.Add(w.Set...)
		o.data = s
	case TypeHash:
		h := NewHashValue()
		for _, fv := range w.Hash {
			h.Set(fv.Field, fv.Value)
		}
		o.data = h
	case TypeSortedSet:
		z := NewSortedSetValue()
		z.Add(w.ZSet...)
		o.data = z
	default:
		return nil, fmt.Errorf("object: decode: unsupported type %d", w.Type)
	}
	return o, nil
}
