package service

import (
	"fmt"

	"github.com/gofiber/fiber/v3"

	"github.com/covenantlabs/covenant-go/pkg/errors"
	"github.com/covenantlabs/covenant-go/pkg/server"
	"github.com/covenantlabs/covenant-go/pkg/wire"
)

// Helpers shared by both front ends: wire-format request/response plumbing
// and the protocol's response shapes.

func decodeBody(ctx fiber.Ctx) (map[string]any, error) {
	decoded, err := wire.Decode(string(ctx.Body()))
	if err != nil {
		return nil, err
	}

	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("request body must be an object")
	}

	return obj, nil
}

func decodeParams(value any) (map[string]string, error) {
	if value == nil {
		return map[string]string{}, nil
	}

	obj, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("params must be an object of strings")
	}

	params := make(map[string]string, len(obj))
	for key, elem := range obj {
		str, ok := elem.(string)
		if !ok {
			return nil, fmt.Errorf("param %q must be a string", key)
		}
		params[key] = str
	}

	return params, nil
}

func requestHeaders(ctx fiber.Ctx) server.Headers {
	headers := server.Headers{}
	for key, values := range ctx.GetReqHeaders() {
		if len(values) > 0 {
			headers[key] = values[0]
		}
	}
	return headers
}

func respondWire(ctx fiber.Ctx, status int, payload map[string]any) error {
	ctx.Set("Content-Type", "application/json")
	return ctx.Status(status).SendString(wire.MustEncode(payload))
}

func respondFailure(ctx fiber.Ctx, procErr *errors.ProcedureError) error {
	return respondWire(ctx, procErr.Code, map[string]any{
		"status": "ERR",
		"error": map[string]any{
			"code":    float64(procErr.Code),
			"message": procErr.Message,
		},
	})
}

func connectError(chanErr *errors.ChannelError) map[string]any {
	return map[string]any{
		"result": map[string]any{
			"type": "ERROR",
			"error": map[string]any{
				"channel": chanErr.Channel,
				"params":  paramsToWire(chanErr.Params),
				"fault":   string(chanErr.Fault),
				"message": chanErr.Message,
			},
		},
	}
}

func paramsToWire(params map[string]string) map[string]any {
	out := make(map[string]any, len(params))
	for key, value := range params {
		out[key] = value
	}
	return out
}

func anySlice(values []string) []any {
	out := make([]any, len(values))
	for idx, value := range values {
		out[idx] = value
	}
	return out
}
