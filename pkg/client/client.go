package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/covenantlabs/covenant-go/pkg/covenant"
	"github.com/covenantlabs/covenant-go/pkg/errors"
	"github.com/covenantlabs/covenant-go/pkg/schema"
	"github.com/covenantlabs/covenant-go/pkg/wire"
)

/*
Client calls procedures and opens channel connections against a covenant
server. Every remote failure comes back as the failure half of a
discriminated result; Call never returns malformed data because responses
are re-validated against the covenant's output schema locally.
*/
type Client struct {
	Endpoint string
	Covenant *covenant.Covenant
	HTTP     *http.Client

	// Headers are attached to every request, e.g. auth material consumed
	// by the server's context generator.
	Headers map[string]string

	listeners *Listeners
}

// New builds a client for the covenant at endpoint.
func New(endpoint string, cov *covenant.Covenant) *Client {
	return &Client{
		Endpoint:  strings.TrimRight(endpoint, "/"),
		Covenant:  cov,
		HTTP:      http.DefaultClient,
		listeners: NewListeners(),
	}
}

// Listeners exposes the cache-invalidation core bound to this client.
func (c *Client) Listeners() *Listeners {
	return c.listeners
}

/*
CallResult is the discriminated outcome of one procedure call.
*/
type CallResult struct {
	OK        bool
	Data      any
	Resources []string
	Err       *errors.ProcedureError
}

/*
Call invokes a procedure. After a successful mutation the local listener
core is refetched for the returned resources; remote fan-out is the
server's (and broker's) concern.
*/
func (c *Client) Call(ctx context.Context, name string, inputs any) CallResult {
	proc, declared := c.Covenant.Procedure(name)
	if !declared {
		return CallResult{Err: errors.ErrNotFound.WithMessagef("procedure %q not declared", name)}
	}

	body, err := c.roundTrip(ctx, "/procedure", map[string]any{
		"procedure": name,
		"inputs":    inputs,
	})
	if err != nil {
		return CallResult{Err: errors.ErrInternal.WithMessagef("transport failure: %v", err)}
	}

	status, _ := body["status"].(string)

	if status == "ERR" {
		errObj, _ := body["error"].(map[string]any)
		code, _ := errObj["code"].(float64)
		message, _ := errObj["message"].(string)
		return CallResult{Err: &errors.ProcedureError{Code: int(code), Message: message}}
	}

	if status != "OK" {
		return CallResult{Err: errors.ErrInternal.WithMessagef("malformed response status")}
	}

	data := body["data"]

	// The server's word is not enough: a response that fails the declared
	// output schema surfaces as a synthetic validation error.
	if issues := schema.Validate(proc.Output, data); issues != nil {
		return CallResult{Err: &errors.ProcedureError{
			Code:    500,
			Message: fmt.Sprintf("response violated output schema for %q: %s", name, issues.Summary()),
		}}
	}

	resources, err := decodeResources(body["resources"])
	if err != nil {
		return CallResult{Err: errors.ErrInternal.WithMessagef("malformed resources: %v", err)}
	}

	if proc.Kind == covenant.KindMutation {
		c.listeners.AfterMutation(resources)
	}

	return CallResult{OK: true, Data: data, Resources: resources}
}

/*
Connect performs the channel handshake and returns the opaque token to
present to the broker.
*/
func (c *Client) Connect(ctx context.Context, channel string, params map[string]string, data any) (string, *errors.ChannelError) {
	wireParams := make(map[string]any, len(params))
	for key, value := range params {
		wireParams[key] = value
	}

	body, err := c.roundTrip(ctx, "/connect", map[string]any{
		"channel": channel,
		"params":  wireParams,
		"data":    data,
	})
	if err != nil {
		return "", errors.NewChannelError(channel, params, errors.FaultClient,
			fmt.Sprintf("transport failure: %v", err))
	}

	result, _ := body["result"].(map[string]any)
	resultType, _ := result["type"].(string)

	if resultType == "OK" {
		token, _ := result["token"].(string)
		return token, nil
	}

	errObj, _ := result["error"].(map[string]any)
	fault, _ := errObj["fault"].(string)
	message, _ := errObj["message"].(string)

	return "", errors.NewChannelError(channel, params, errors.Fault(fault), message)
}

func (c *Client) roundTrip(ctx context.Context, path string, payload map[string]any) (map[string]any, error) {
	encoded, err := wire.Encode(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.Endpoint+path, strings.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range c.Headers {
		req.Header.Set(key, value)
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	decoded, err := wire.Decode(string(raw))
	if err != nil {
		return nil, err
	}

	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("response is not an object")
	}

	return obj, nil
}

func decodeResources(value any) ([]string, error) {
	if value == nil {
		return nil, nil
	}

	arr, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("expected array")
	}

	resources := make([]string, 0, len(arr))
	for _, elem := range arr {
		str, ok := elem.(string)
		if !ok {
			return nil, fmt.Errorf("expected strings")
		}
		resources = append(resources, str)
	}

	return resources, nil
}
