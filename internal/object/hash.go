package object

// HashValue is the payload of a hash object: a map of field to value.
// Not locked; the keyspace serializes access.
type HashValue struct {
	fields map[string][]byte
}

// FieldValue is a field-value pair in a hash.
type FieldValue struct {
	Field string
	Value []byte
}

// NewHashValue creates an empty hash payload.
func NewHashValue() *HashValue {
	return &HashValue{fields: make(map[string][]byte)}
}

// Set sets field to value. Returns true if the field is new.
func (h *HashValue) Set(field string, value []byte) bool {
	_, existed := h.fields[field]
	h.fields[field] = cloneBytes(value)
	return !existed
}

// Get returns the value of a field.
func (h *HashValue) Get(field string) ([]byte, bool) {
	val, exists := h.fields[field]
	if !exists {
		return nil, false
	}
	return cloneBytes(val), true
}

// Del removes fields. Returns the number removed.
func (h *HashValue) Del(fields ...string) int {
	removed := 0
	for _, f := range fields {
		if _, exists := h.fields[f]; exists {
			delete(h.fields, f)
			removed++
		}
	}
	return removed
}

// Exists reports whether a field is present.
func (h *HashValue) Exists(field string) bool {
	_, exists := h.fields[field]
	return exists
}

// Len returns the number of fields.
func (h *HashValue) Len() int { return len(h.fields) }

// GetAll returns every field-value pair.
func (h *HashValue) GetAll() []FieldValue {
	result := make([]FieldValue, 0, len(h.fields))
	for field, value := range h.fields {
		result = append(result, FieldValue{Field: field, Value: cloneBytes(value)})
	}
	return result
}

// Keys returns all field names.
func (h *HashValue) Keys() []string {
	keys := make([]string, 0, len(h.fields))
	for field := range h.fields {
		keys = append(keys, field)
	}
	return keys
}

// Clone returns a deep copy.
func (h *HashValue) Clone() *HashValue {
	cp := NewHashValue()
	for f, v := range h.fields {
		cp.fields[f] = cloneBytes(v)
	}
	return cp
}
