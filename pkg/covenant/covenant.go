package covenant

import (
	"fmt"

	"github.com/charmbracelet/log"
)

/*
Covenant is the shared declarative contract: the full set of procedures and
channels both sides agree on. It is immutable once declared; lookups are
therefore safe for concurrent use without locking.
*/
type Covenant struct {
	procedures map[string]Procedure
	channels   map[string]Channel

	// Declaration order, kept for deterministic iteration.
	procedureNames []string
	channelNames   []string
}

/*
Declare builds a Covenant from procedure and channel descriptors. Duplicate
names are programmer errors and fail the declaration.
*/
func Declare(procedures []Procedure, channels []Channel) (*Covenant, error) {
	cov := &Covenant{
		procedures: make(map[string]Procedure, len(procedures)),
		channels:   make(map[string]Channel, len(channels)),
	}

	for _, proc := range procedures {
		if proc.Name == "" {
			return nil, fmt.Errorf("covenant: procedure with empty name")
		}
		if _, duplicate := cov.procedures[proc.Name]; duplicate {
			return nil, fmt.Errorf("covenant: duplicate procedure %q", proc.Name)
		}
		cov.procedures[proc.Name] = proc
		cov.procedureNames = append(cov.procedureNames, proc.Name)
	}

	for _, ch := range channels {
		if ch.Name == "" {
			return nil, fmt.Errorf("covenant: channel with empty name")
		}
		if _, duplicate := cov.channels[ch.Name]; duplicate {
			return nil, fmt.Errorf("covenant: duplicate channel %q", ch.Name)
		}
		if err := validateParamNames(ch); err != nil {
			return nil, err
		}
		cov.channels[ch.Name] = ch
		cov.channelNames = append(cov.channelNames, ch.Name)
	}

	log.Info(
		"covenant declared",
		"procedures", len(cov.procedureNames),
		"channels", len(cov.channelNames),
	)

	return cov, nil
}

// MustDeclare is Declare for contracts wired at program start, where a
// declaration failure should abort the process.
func MustDeclare(procedures []Procedure, channels []Channel) *Covenant {
	cov, err := Declare(procedures, channels)
	if err != nil {
		panic(err)
	}
	return cov
}

func validateParamNames(ch Channel) error {
	seen := make(map[string]struct{}, len(ch.Params))

	for _, name := range ch.Params {
		if name == "" {
			return fmt.Errorf("covenant: channel %q has an empty param name", ch.Name)
		}
		if _, duplicate := seen[name]; duplicate {
			return fmt.Errorf("covenant: channel %q has duplicate param %q", ch.Name, name)
		}
		seen[name] = struct{}{}
	}

	return nil
}

// Procedure looks up a procedure descriptor by name.
func (cov *Covenant) Procedure(name string) (Procedure, bool) {
	proc, ok := cov.procedures[name]
	return proc, ok
}

// Channel looks up a channel descriptor by name.
func (cov *Covenant) Channel(name string) (Channel, bool) {
	ch, ok := cov.channels[name]
	return ch, ok
}

// ProcedureNames returns all procedure names in declaration order.
func (cov *Covenant) ProcedureNames() []string {
	names := make([]string, len(cov.procedureNames))
	copy(names, cov.procedureNames)
	return names
}

// ChannelNames returns all channel names in declaration order.
func (cov *Covenant) ChannelNames() []string {
	names := make([]string, len(cov.channelNames))
	copy(names, cov.channelNames)
	return names
}
