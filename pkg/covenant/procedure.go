package covenant

import "github.com/covenantlabs/covenant-go/pkg/schema"

/*
Kind distinguishes queries from mutations. The dispatch path is identical;
the kind tells callers whose resources they are expected to invalidate and
which HTTP status a success maps to.
*/
type Kind string

const (
	KindQuery    Kind = "query"
	KindMutation Kind = "mutation"
)

/*
Procedure describes one typed request/response operation. Descriptors are
immutable after declaration.
*/
type Procedure struct {
	Name   string
	Kind   Kind
	Input  schema.Schema
	Output schema.Schema
}

// Query declares a query procedure descriptor.
func Query(name string, input, output schema.Schema) Procedure {
	return Procedure{Name: name, Kind: KindQuery, Input: input, Output: output}
}

// Mutation declares a mutation procedure descriptor.
func Mutation(name string, input, output schema.Schema) Procedure {
	return Procedure{Name: name, Kind: KindMutation, Input: input, Output: output}
}
