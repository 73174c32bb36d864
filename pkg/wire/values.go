package wire

// Package wire is the boundary codec: a strict JSON superset that preserves
// dates, sets, maps, NaN and the infinities, and drops undefined object
// fields. Inside the process, values are the native Go equivalents; the
// codec only runs at the transport edge.

/*
Set is the decoded form of a Set(...) literal. Element order is the
encounter order on the wire.
*/
type Set struct {
	Values []any
}

// NewSet builds a Set from its elements.
func NewSet(values ...any) *Set {
	return &Set{Values: values}
}

/*
MapEntry is one key/value pair of a Map literal. Keys may be any wire
value, not just strings.
*/
type MapEntry struct {
	Key   any
	Value any
}

/*
Map is the decoded form of a Map([[k,v],...]) literal. Entry order is the
encounter order on the wire.
*/
type Map struct {
	Entries []MapEntry
}

// NewMap builds a Map from its entries.
func NewMap(entries ...MapEntry) *Map {
	return &Map{Entries: entries}
}

type undefinedValue struct{}

/*
Undefined marks an object field that should be dropped during encoding.
Encoding Undefined anywhere other than an object field is an error.
*/
var Undefined = undefinedValue{}
