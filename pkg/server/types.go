package server

import (
	"context"

	"github.com/covenantlabs/covenant-go/pkg/errors"
)

/*
Headers carries the opaque request headers into context generation and
handlers. Keys are case-preserved as the transport delivered them.
*/
type Headers map[string]string

/*
ErrorFn deliberately fails the current procedure. It never returns; the
dispatcher converts the raise into the failure half of the result.
*/
type ErrorFn func(message string, code int)

/*
RejectFn deliberately rejects a channel connection, attributing the fault.
It never returns.
*/
type RejectFn func(message string, fault errors.Fault)

/*
ContextGenerator builds the per-request context from the transport headers.
It may run I/O; failing it surfaces as Unauthorized when it returns a
*errors.ProcedureError with code 401, or as that error's code otherwise.
*/
type ContextGenerator func(ctx context.Context, headers Headers) (any, error)

/*
DerivationFn builds the per-request toolbox from the generated context.
raise short-circuits the request the same way a handler error does.
*/
type DerivationFn func(ctx context.Context, requestContext any, raise ErrorFn) any

/*
ProcedureArgs is the single per-request record handed to a procedure
handler. Context and Derivation live exactly as long as the request.
*/
type ProcedureArgs struct {
	Ctx        context.Context
	Inputs     any
	Context    any
	Derivation any
	Headers    Headers
	Error      ErrorFn
}

/*
ResourceArgs feeds the resources function after a successful handler run.
*/
type ResourceArgs struct {
	Inputs  any
	Outputs any
	Context any
}

/*
ProcedureImpl implements one declared procedure. Resources may be nil for
procedures that touch nothing.
*/
type ProcedureImpl struct {
	Handler   func(args ProcedureArgs) any
	Resources func(args ResourceArgs) []string
}

/*
ProcedureResult is the discriminated outcome of RunProcedure: either data
plus resources, or an error. Never both.
*/
type ProcedureResult struct {
	OK        bool
	Data      any
	Resources []string
	Err       *errors.ProcedureError
}

/*
ConnectArgs is handed to a channel's OnConnect. ConnectionID identifies the
minted connection; handlers typically fold it into the connection context
they return so later messages can attribute their sender.
*/
type ConnectArgs struct {
	Ctx          context.Context
	Inputs       any
	Params       map[string]string
	Context      any
	Derivation   any
	ConnectionID string
	Reject       RejectFn
}

/*
MessageArgs is handed to a channel's OnMessage for every client-sent
message the broker delegates back to the server. Context here is the
connection context bound at connect time, not the per-request context.
*/
type MessageArgs struct {
	Ctx        context.Context
	Inputs     any
	Params     map[string]string
	Context    any
	Derivation any
	Error      func(message string, fault errors.Fault)
}

/*
ChannelImpl implements one declared channel.
*/
type ChannelImpl struct {
	OnConnect func(args ConnectArgs) any
	OnMessage func(args MessageArgs)
}

/*
ConnectResult is the discriminated outcome of Connect.
*/
type ConnectResult struct {
	OK    bool
	Token string
	Err   *errors.ChannelError
}

/*
BrokerLink is the server-facing surface of the Sidekick broker. The
in-process broker and the HTTP client to a remote broker both satisfy it.
*/
type BrokerLink interface {
	AddConnection(ctx context.Context, token, channel string, params map[string]string, connContext any) error
	UpdateResources(ctx context.Context, resources []string) error
	PostServerMessage(ctx context.Context, channel string, params map[string]string, data any) error
}

// procedureSignal and channelSignal are the control-flow carriers behind
// ErrorFn and RejectFn. Only the dispatcher and runtime recover them.
type procedureSignal struct {
	err *errors.ProcedureError
}

type channelSignal struct {
	fault   errors.Fault
	message string
}
