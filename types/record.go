package types

import "bytes"

// Field is one key/value pair of a record. Key order within a record is
// part of the output contract and is never re-sorted.
type Field struct {
	Key   string
	Value Value
}

// Record is one audit log line in typed form. Raw keeps the original line
// so raw-line filters and opaque pass-through work even when parsing the
// body failed.
type Record struct {
	Type RecordType
	ID   EventID
	Raw  []byte

	Fields []Field

	// Opaque marks a record whose body could not be parsed; Fields then
	// holds a single LINE entry with the whole unparsed line.
	Opaque bool
	// SchemaError marks a record kept despite a field not matching its
	// declared shape.
	SchemaError bool
}

// RecordType is the resolved type tag of a record. Code is the numeric
// audit message type; Name is its symbolic form, or UNKNOWN[n] when the
// number has no known name.
type RecordType struct {
	Code uint32
	Name string
}

func (t RecordType) String() string { return t.Name }

// Get returns the first value for key.
func (r *Record) Get(key string) (Value, bool) {
	for i := range r.Fields {
		if r.Fields[i].Key == key {
			return r.Fields[i].Value, true
		}
	}
	return Value{}, false
}

// GetBytes returns the flat byte form of the first value for key.
func (r *Record) GetBytes(key string) ([]byte, bool) {
	v, ok := r.Get(key)
	if !ok {
		return nil, false
	}
	return v.Flat()
}

// Set replaces the first value for key, or appends the pair.
func (r *Record) Set(key string, v Value) {
	for i := range r.Fields {
		if r.Fields[i].Key == key {
			r.Fields[i].Value = v
			return
		}
	}
	r.Fields = append(r.Fields, Field{Key: key, Value: v})
}

// Equal reports bit-identity of two records for duplicate suppression.
func (r *Record) Equal(o *Record) bool {
	return r.Type == o.Type && bytes.Equal(r.Raw, o.Raw)
}

// Size is the memory accounted against the coalescer's per-event byte cap.
func (r *Record) Size() int {
	return len(r.Raw)
}

// Event is the maximal set of records sharing an EventID. After the
// coalescer seals it, the event is immutable.
type Event struct {
	ID      EventID
	Records []Record

	Truncated  bool // per-event record/byte cap exceeded
	Late       bool // emitted after an event with a higher id
	ParseError bool // at least one record opaque or flagged with a schema error
}

// First returns the first record of the given type name.
func (e *Event) First(name string) *Record {
	for i := range e.Records {
		if e.Records[i].Type.Name == name {
			return &e.Records[i]
		}
	}
	return nil
}

// All returns every record of the given type name, in arrival order.
func (e *Event) All(name string) []*Record {
	var out []*Record
	for i := range e.Records {
		if e.Records[i].Type.Name == name {
			out = append(out, &e.Records[i])
		}
	}
	return out
}
