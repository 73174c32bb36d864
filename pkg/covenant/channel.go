package covenant

import "github.com/covenantlabs/covenant-go/pkg/schema"

/*
Channel describes one typed bidirectional stream, scoped by an ordered
sequence of param names. The four schemas type the connection handshake and
both message directions. Descriptors are immutable after declaration.
*/
type Channel struct {
	Name string

	// Params are the declared param names, in declaration order. A client
	// must supply exactly these keys, each with a string value.
	Params []string

	ClientMessage     schema.Schema
	ServerMessage     schema.Schema
	ConnectionRequest schema.Schema
	ConnectionContext schema.Schema
}

// ValidateParams checks a supplied param map against the declaration:
// every declared name present, no extra keys. Values are strings by
// construction of the map type.
func (ch Channel) ValidateParams(params map[string]string) (missing, extra []string) {
	declared := make(map[string]struct{}, len(ch.Params))

	for _, name := range ch.Params {
		declared[name] = struct{}{}
		if _, present := params[name]; !present {
			missing = append(missing, name)
		}
	}

	for key := range params {
		if _, ok := declared[key]; !ok {
			extra = append(extra, key)
		}
	}

	return missing, extra
}
