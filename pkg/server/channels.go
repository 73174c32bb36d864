package server

import (
	"context"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/covenantlabs/covenant-go/pkg/errors"
	"github.com/covenantlabs/covenant-go/pkg/schema"
	"github.com/google/uuid"
)

/*
Connect runs the channel handshake: param and request validation, context
and derivation construction, OnConnect, token mint and broker
registration. On success the opaque token is the client's key into the
broker; the server holds no per-connection state of its own.
*/
func (s *Server) Connect(ctx context.Context, channelName string, params map[string]string, rawRequest any, headers Headers) (result ConnectResult) {
	ch, declared := s.cov.Channel(channelName)
	if !declared {
		return rejected(channelName, params, errors.FaultClient, "unknown channel")
	}

	if missing, extra := ch.ValidateParams(params); len(missing) > 0 || len(extra) > 0 {
		message := paramIssueMessage(missing, extra)
		return rejected(channelName, params, errors.FaultClient, message)
	}

	if issues := schema.Validate(ch.ConnectionRequest, rawRequest); issues != nil {
		return rejected(channelName, params, errors.FaultClient,
			"invalid connection request: "+issues.Summary())
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			signal, ok := recovered.(channelSignal)
			if !ok {
				log.Error("onConnect panicked", "channel", channelName, "panic", recovered)
				result = rejected(channelName, params, errors.FaultServer, "internal server error")
				return
			}
			result = rejected(channelName, params, signal.fault, signal.message)
		}
	}()

	raise := func(message string, code int) {
		panic(channelSignal{fault: errors.FaultServer, message: message})
	}

	reqContext, ctxErr := s.buildContext(ctx, headers)
	if ctxErr != nil {
		// A 4xx from the generator is the caller's problem (bad or missing
		// credentials); anything else is a failure on our side.
		fault := errors.FaultClient
		if ctxErr.Code >= 500 {
			fault = errors.FaultServer
		}
		return rejected(channelName, params, fault, ctxErr.Message)
	}

	derivation := s.buildDerivation(ctx, reqContext, raise)

	reject := func(message string, fault errors.Fault) {
		panic(channelSignal{fault: fault, message: message})
	}

	connContext := s.channels[channelName].OnConnect(ConnectArgs{
		Ctx:          ctx,
		Inputs:       rawRequest,
		Params:       params,
		Context:      reqContext,
		Derivation:   derivation,
		ConnectionID: uuid.NewString(),
		Reject:       reject,
	})

	if issues := schema.Validate(ch.ConnectionContext, connContext); issues != nil {
		log.Error(
			"onConnect returned context violating its contract",
			"channel", channelName,
			"issues", issues.Summary(),
		)
		return rejected(channelName, params, errors.FaultServer,
			"connection context violated the channel contract")
	}

	token := uuid.NewString()

	if s.broker == nil {
		return rejected(channelName, params, errors.FaultSidekick, "no sidekick broker linked")
	}

	if err := s.broker.AddConnection(ctx, token, channelName, params, connContext); err != nil {
		log.Error("failed to register connection with sidekick",
			"channel", channelName, "error", err)
		return rejected(channelName, params, errors.FaultSidekick,
			"failed to register connection")
	}

	return ConnectResult{OK: true, Token: token}
}

/*
ProcessChannelMessage is the entry point the broker calls when a client
sends into a channel. connContext is the value bound at connect time,
resolved by the broker from the sender's token.
*/
func (s *Server) ProcessChannelMessage(ctx context.Context, channelName string, params map[string]string, rawData any, connContext any) (chanErr *errors.ChannelError) {
	ch, declared := s.cov.Channel(channelName)
	if !declared {
		return errors.NewChannelError(channelName, params, errors.FaultClient, "unknown channel")
	}

	if issues := schema.Validate(ch.ClientMessage, rawData); issues != nil {
		return errors.NewChannelError(channelName, params, errors.FaultClient,
			"invalid channel message: "+issues.Summary())
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			signal, ok := recovered.(channelSignal)
			if !ok {
				log.Error("onMessage panicked", "channel", channelName, "panic", recovered)
				chanErr = errors.NewChannelError(
					channelName, params, errors.FaultServer, "internal server error")
				return
			}
			chanErr = errors.NewChannelError(channelName, params, signal.fault, signal.message)
		}
	}()

	raise := func(message string, code int) {
		panic(channelSignal{fault: errors.FaultServer, message: message})
	}

	derivation := s.buildDerivation(ctx, connContext, raise)

	s.channels[channelName].OnMessage(MessageArgs{
		Ctx:        ctx,
		Inputs:     rawData,
		Params:     params,
		Context:    connContext,
		Derivation: derivation,
		Error: func(message string, fault errors.Fault) {
			panic(channelSignal{fault: fault, message: message})
		},
	})

	return nil
}

/*
PostChannelMessage broadcasts a server-authored message on a channel
topic. It validates against the server-message schema first: a broadcast
that violates the contract is a server bug and must not reach clients.
Callable from procedure handlers and from OnMessage handlers alike.
*/
func (s *Server) PostChannelMessage(ctx context.Context, channelName string, params map[string]string, data any) error {
	ch, declared := s.cov.Channel(channelName)
	if !declared {
		return errors.NewChannelError(channelName, params, errors.FaultServer, "unknown channel")
	}

	if issues := schema.Validate(ch.ServerMessage, data); issues != nil {
		log.Error(
			"server message violated the channel contract",
			"channel", channelName,
			"issues", issues.Summary(),
		)
		return errors.NewChannelError(channelName, params, errors.FaultServer,
			"server message violated the channel contract")
	}

	if s.broker == nil {
		return errors.NewChannelError(channelName, params, errors.FaultSidekick,
			"no sidekick broker linked")
	}

	return s.broker.PostServerMessage(ctx, channelName, params, data)
}

/*
PublishResources asks the broker to fan out updated-events for the given
resources, typically right after a mutation returned them.
*/
func (s *Server) PublishResources(ctx context.Context, resources []string) error {
	if len(resources) == 0 {
		return nil
	}
	if s.broker == nil {
		return nil
	}
	return s.broker.UpdateResources(ctx, resources)
}

func rejected(channel string, params map[string]string, fault errors.Fault, message string) ConnectResult {
	return ConnectResult{Err: errors.NewChannelError(channel, params, fault, message)}
}

func paramIssueMessage(missing, extra []string) string {
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing params: "+strings.Join(missing, ", "))
	}
	if len(extra) > 0 {
		parts = append(parts, "unexpected params: "+strings.Join(extra, ", "))
	}
	return strings.Join(parts, "; ")
}
