package errors

import "fmt"

/*
Fault attributes a channel failure to the party responsible for it. It is
part of the wire protocol, so the values are stable strings.
*/
type Fault string

const (
	FaultClient   Fault = "client"
	FaultServer   Fault = "server"
	FaultSidekick Fault = "sidekick"
)

/*
ChannelError is the structured failure carried by channel connects, sends
and broker error frames. Channel and Params may be empty when the failure
happened before the broker could resolve them (an unknown token, say).
*/
type ChannelError struct {
	Channel string            `json:"channel,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
	Fault   Fault             `json:"fault"`
	Message string            `json:"message"`
}

/*
Error implements the error interface for ChannelError.
*/
func (e *ChannelError) Error() string {
	if e.Channel == "" {
		return fmt.Sprintf("channel error (%s): %s", e.Fault, e.Message)
	}
	return fmt.Sprintf("channel %q error (%s): %s", e.Channel, e.Fault, e.Message)
}

// NewChannelError builds a ChannelError bound to a channel and its params.
func NewChannelError(channel string, params map[string]string, fault Fault, message string) *ChannelError {
	return &ChannelError{
		Channel: channel,
		Params:  params,
		Fault:   fault,
		Message: message,
	}
}
