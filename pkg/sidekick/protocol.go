package sidekick

import (
	"fmt"

	"github.com/covenantlabs/covenant-go/pkg/errors"
	"github.com/covenantlabs/covenant-go/pkg/wire"
)

// The broker protocol is two tagged unions carried in the wire format, one
// per direction. Each variant is its own type; dispatch is on the variant,
// never on field sniffing.

/*
Inbound is a client-to-broker frame.
*/
type Inbound interface {
	inbound()
}

// Listen joins the session to each resource topic.
type Listen struct {
	Resources []string
}

// Unlisten leaves each resource topic. Idempotent.
type Unlisten struct {
	Resources []string
}

// Subscribe joins the session to the channel topic behind the token.
type Subscribe struct {
	Token string
}

// Unsubscribe leaves the channel topic behind the token.
type Unsubscribe struct {
	Token string
}

// Send delegates a client message into the channel behind the token. The
// channel and params must match the token's connection record.
type Send struct {
	Token   string
	Channel string
	Params  map[string]string
	Data    any
}

func (Listen) inbound()      {}
func (Unlisten) inbound()    {}
func (Subscribe) inbound()   {}
func (Unsubscribe) inbound() {}
func (Send) inbound()        {}

/*
Outbound is a broker-to-client frame.
*/
type Outbound interface {
	outbound()
}

// Listening acknowledges a Listen.
type Listening struct {
	Resources []string
}

// Unlistening acknowledges an Unlisten.
type Unlistening struct {
	Resources []string
}

// Subscribed acknowledges a Subscribe. It always precedes topic traffic on
// the same session.
type Subscribed struct {
	Channel string
	Params  map[string]string
}

// Unsubscribed acknowledges an Unsubscribe.
type Unsubscribed struct {
	Channel string
	Params  map[string]string
}

// Updated notifies that a resource changed.
type Updated struct {
	Resource string
}

// Message carries a channel broadcast.
type Message struct {
	Channel string
	Params  map[string]string
	Data    any
}

// ErrorFrame reports a failure to one session. Channel and params may be
// empty when the failure happened before they could be resolved.
type ErrorFrame struct {
	Channel string
	Params  map[string]string
	Fault   errors.Fault
	Message string
}

func (Listening) outbound()    {}
func (Unlistening) outbound()  {}
func (Subscribed) outbound()   {}
func (Unsubscribed) outbound() {}
func (Updated) outbound()      {}
func (Message) outbound()      {}
func (ErrorFrame) outbound()   {}

/*
ParseInbound decodes one client frame from wire text.
*/
func ParseInbound(text string) (Inbound, error) {
	decoded, err := wire.Decode(text)
	if err != nil {
		return nil, err
	}

	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("sidekick: frame is not an object")
	}

	frameType, ok := obj["type"].(string)
	if !ok {
		return nil, fmt.Errorf("sidekick: frame has no type tag")
	}

	switch frameType {
	case "listen":
		resources, err := stringSlice(obj["resources"])
		if err != nil {
			return nil, fmt.Errorf("sidekick: listen: %w", err)
		}
		return Listen{Resources: resources}, nil
	case "unlisten":
		resources, err := stringSlice(obj["resources"])
		if err != nil {
			return nil, fmt.Errorf("sidekick: unlisten: %w", err)
		}
		return Unlisten{Resources: resources}, nil
	case "subscribe":
		token, ok := obj["token"].(string)
		if !ok {
			return nil, fmt.Errorf("sidekick: subscribe frame without token")
		}
		return Subscribe{Token: token}, nil
	case "unsubscribe":
		token, ok := obj["token"].(string)
		if !ok {
			return nil, fmt.Errorf("sidekick: unsubscribe frame without token")
		}
		return Unsubscribe{Token: token}, nil
	case "send":
		token, ok := obj["token"].(string)
		if !ok {
			return nil, fmt.Errorf("sidekick: send frame without token")
		}
		channel, ok := obj["channel"].(string)
		if !ok {
			return nil, fmt.Errorf("sidekick: send frame without channel")
		}
		params, err := stringMap(obj["params"])
		if err != nil {
			return nil, fmt.Errorf("sidekick: send: %w", err)
		}
		return Send{Token: token, Channel: channel, Params: params, Data: obj["data"]}, nil
	default:
		return nil, fmt.Errorf("sidekick: unknown frame type %q", frameType)
	}
}

/*
EncodeInbound renders one client frame as wire text; the session client
uses it.
*/
func EncodeInbound(frame Inbound) string {
	var obj map[string]any

	switch f := frame.(type) {
	case Listen:
		obj = map[string]any{"type": "listen", "resources": anySlice(f.Resources)}
	case Unlisten:
		obj = map[string]any{"type": "unlisten", "resources": anySlice(f.Resources)}
	case Subscribe:
		obj = map[string]any{"type": "subscribe", "token": f.Token}
	case Unsubscribe:
		obj = map[string]any{"type": "unsubscribe", "token": f.Token}
	case Send:
		obj = map[string]any{
			"type":    "send",
			"token":   f.Token,
			"channel": f.Channel,
			"params":  anyMap(f.Params),
			"data":    f.Data,
		}
	}

	return wire.MustEncode(obj)
}

/*
EncodeOutbound renders one broker frame as wire text.
*/
func EncodeOutbound(frame Outbound) string {
	var obj map[string]any

	switch f := frame.(type) {
	case Listening:
		obj = map[string]any{"type": "listening", "resources": anySlice(f.Resources)}
	case Unlistening:
		obj = map[string]any{"type": "unlistening", "resources": anySlice(f.Resources)}
	case Subscribed:
		obj = map[string]any{"type": "subscribed", "channel": f.Channel, "params": anyMap(f.Params)}
	case Unsubscribed:
		obj = map[string]any{"type": "unsubscribed", "channel": f.Channel, "params": anyMap(f.Params)}
	case Updated:
		obj = map[string]any{"type": "updated", "resource": f.Resource}
	case Message:
		obj = map[string]any{"type": "message", "channel": f.Channel, "params": anyMap(f.Params), "data": f.Data}
	case ErrorFrame:
		obj = map[string]any{
			"type":    "error",
			"channel": f.Channel,
			"params":  anyMap(f.Params),
			"fault":   string(f.Fault),
			"message": f.Message,
		}
	}

	return wire.MustEncode(obj)
}

/*
ParseOutbound decodes one broker frame; the session client uses it.
*/
func ParseOutbound(text string) (Outbound, error) {
	decoded, err := wire.Decode(text)
	if err != nil {
		return nil, err
	}

	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("sidekick: frame is not an object")
	}

	frameType, ok := obj["type"].(string)
	if !ok {
		return nil, fmt.Errorf("sidekick: frame has no type tag")
	}

	switch frameType {
	case "listening":
		resources, err := stringSlice(obj["resources"])
		if err != nil {
			return nil, err
		}
		return Listening{Resources: resources}, nil
	case "unlistening":
		resources, err := stringSlice(obj["resources"])
		if err != nil {
			return nil, err
		}
		return Unlistening{Resources: resources}, nil
	case "subscribed":
		params, err := stringMap(obj["params"])
		if err != nil {
			return nil, err
		}
		channel, _ := obj["channel"].(string)
		return Subscribed{Channel: channel, Params: params}, nil
	case "unsubscribed":
		params, err := stringMap(obj["params"])
		if err != nil {
			return nil, err
		}
		channel, _ := obj["channel"].(string)
		return Unsubscribed{Channel: channel, Params: params}, nil
	case "updated":
		resource, ok := obj["resource"].(string)
		if !ok {
			return nil, fmt.Errorf("sidekick: updated frame without resource")
		}
		return Updated{Resource: resource}, nil
	case "message":
		params, err := stringMap(obj["params"])
		if err != nil {
			return nil, err
		}
		channel, _ := obj["channel"].(string)
		return Message{Channel: channel, Params: params, Data: obj["data"]}, nil
	case "error":
		params, err := stringMap(obj["params"])
		if err != nil {
			return nil, err
		}
		channel, _ := obj["channel"].(string)
		fault, _ := obj["fault"].(string)
		message, _ := obj["message"].(string)
		return ErrorFrame{
			Channel: channel,
			Params:  params,
			Fault:   errors.Fault(fault),
			Message: message,
		}, nil
	default:
		return nil, fmt.Errorf("sidekick: unknown frame type %q", frameType)
	}
}

func stringSlice(value any) ([]string, error) {
	arr, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("expected array of strings")
	}

	out := make([]string, 0, len(arr))
	for _, elem := range arr {
		str, ok := elem.(string)
		if !ok {
			return nil, fmt.Errorf("expected array of strings")
		}
		out = append(out, str)
	}

	return out, nil
}

func stringMap(value any) (map[string]string, error) {
	if value == nil {
		return map[string]string{}, nil
	}

	obj, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected object of strings")
	}

	out := make(map[string]string, len(obj))
	for key, elem := range obj {
		str, ok := elem.(string)
		if !ok {
			return nil, fmt.Errorf("expected object of strings")
		}
		out[key] = str
	}

	return out, nil
}

func anySlice(values []string) []any {
	out := make([]any, len(values))
	for idx, value := range values {
		out[idx] = value
	}
	return out
}

func anyMap(values map[string]string) map[string]any {
	out := make(map[string]any, len(values))
	for key, value := range values {
		out[key] = value
	}
	return out
}
