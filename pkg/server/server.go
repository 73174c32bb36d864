package server

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/covenantlabs/covenant-go/pkg/covenant"
	"github.com/covenantlabs/covenant-go/pkg/errors"
)

/*
Server dispatches procedure calls and runs the channel runtime against one
declared covenant. The handler tables are populated at startup and
immutable once AssertAllDefined has passed, so request paths read them
without locking.
*/
type Server struct {
	cov    *covenant.Covenant
	broker BrokerLink

	contextGen ContextGenerator
	derive     DerivationFn

	procedures map[string]ProcedureImpl
	channels   map[string]ChannelImpl

	started bool
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithContextGenerator installs the consumer's context generator.
func WithContextGenerator(gen ContextGenerator) Option {
	return func(s *Server) { s.contextGen = gen }
}

// WithDerivation installs the consumer's derivation builder.
func WithDerivation(derive DerivationFn) Option {
	return func(s *Server) { s.derive = derive }
}

// WithBroker links the server to a Sidekick broker.
func WithBroker(broker BrokerLink) Option {
	return func(s *Server) { s.broker = broker }
}

// New constructs a Server for the covenant. Implementations are registered
// afterwards with HandleProcedure/HandleChannel, then sealed with
// AssertAllDefined before traffic is accepted.
func New(cov *covenant.Covenant, opts ...Option) *Server {
	srv := &Server{
		cov:        cov,
		procedures: make(map[string]ProcedureImpl),
		channels:   make(map[string]ChannelImpl),
	}

	for _, opt := range opts {
		opt(srv)
	}

	return srv
}

// Covenant exposes the declared contract, e.g. for front ends that need
// procedure kinds or schemas.
func (s *Server) Covenant() *covenant.Covenant {
	return s.cov
}

// HandleProcedure registers the implementation of a declared procedure.
// Registering an undeclared name or registering after startup is a
// programmer error.
func (s *Server) HandleProcedure(name string, impl ProcedureImpl) error {
	if s.started {
		return fmt.Errorf("server: cannot register procedure %q after startup", name)
	}
	if _, declared := s.cov.Procedure(name); !declared {
		return fmt.Errorf("server: procedure %q is not declared in the covenant", name)
	}
	if impl.Handler == nil {
		return fmt.Errorf("server: procedure %q registered without a handler", name)
	}

	s.procedures[name] = impl
	return nil
}

// HandleChannel registers the implementation of a declared channel.
func (s *Server) HandleChannel(name string, impl ChannelImpl) error {
	if s.started {
		return fmt.Errorf("server: cannot register channel %q after startup", name)
	}
	if _, declared := s.cov.Channel(name); !declared {
		return fmt.Errorf("server: channel %q is not declared in the covenant", name)
	}
	if impl.OnConnect == nil || impl.OnMessage == nil {
		return fmt.Errorf("server: channel %q needs both OnConnect and OnMessage", name)
	}

	s.channels[name] = impl
	return nil
}

// AssertAllDefined verifies every declared procedure and channel has an
// implementation. Missing implementations are fatal at startup; the server
// must not accept traffic before this passes.
func (s *Server) AssertAllDefined() error {
	for _, name := range s.cov.ProcedureNames() {
		if _, ok := s.procedures[name]; !ok {
			return fmt.Errorf("server: procedure %q declared but not implemented", name)
		}
	}

	for _, name := range s.cov.ChannelNames() {
		if _, ok := s.channels[name]; !ok {
			return fmt.Errorf("server: channel %q declared but not implemented", name)
		}
	}

	s.started = true

	log.Info(
		"covenant server ready",
		"procedures", len(s.procedures),
		"channels", len(s.channels),
	)

	return nil
}

// buildContext runs the consumer's context generator, translating its
// failures into the taxonomy.
func (s *Server) buildContext(ctx context.Context, headers Headers) (any, *errors.ProcedureError) {
	if s.contextGen == nil {
		return nil, nil
	}

	reqContext, err := s.contextGen(ctx, headers)
	if err != nil {
		if procErr, ok := err.(*errors.ProcedureError); ok {
			return nil, procErr
		}
		return nil, errors.ErrUnauthorized.WithMessagef("context generation failed: %v", err)
	}

	return reqContext, nil
}

// buildDerivation runs the consumer's derivation builder inside the signal
// recovery scope of the caller.
func (s *Server) buildDerivation(ctx context.Context, reqContext any, raise ErrorFn) any {
	if s.derive == nil {
		return nil
	}
	return s.derive(ctx, reqContext, raise)
}
