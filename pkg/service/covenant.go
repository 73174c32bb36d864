package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/covenantlabs/covenant-go/pkg/covenant"
	"github.com/covenantlabs/covenant-go/pkg/errors"
	"github.com/covenantlabs/covenant-go/pkg/server"
)

// DefaultRequestTimeout is the implicit deadline every procedure call
// inherits from the transport.
const DefaultRequestTimeout = 30 * time.Second

/*
CovenantService exposes the procedure and channel-connect surfaces over
HTTP. It is safe for concurrent use because Server and the fiber app are.
*/
type CovenantService struct {
	app            *fiber.App
	srv            *server.Server
	requestTimeout time.Duration
}

// NewCovenantService wraps a covenant server in its HTTP front end.
func NewCovenantService(srv *server.Server) *CovenantService {
	svc := &CovenantService{
		app: fiber.New(fiber.Config{
			AppName:      "covenant-server",
			ServerHeader: "Covenant-Server",
		}),
		srv:            srv,
		requestTimeout: DefaultRequestTimeout,
	}

	svc.app.Use(logger.New(), healthcheck.NewHealthChecker())
	svc.app.Post("/procedure", svc.handleProcedure)
	svc.app.Post("/connect", svc.handleConnect)

	return svc
}

// App exposes the underlying fiber app, mainly for tests.
func (svc *CovenantService) App() *fiber.App {
	return svc.app
}

// Start verifies the covenant is fully implemented, then serves until the
// listener fails.
func (svc *CovenantService) Start(addr string) error {
	if err := svc.srv.AssertAllDefined(); err != nil {
		return err
	}

	log.Info("covenant service listening", "addr", addr)
	return svc.app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true})
}

// Shutdown stops accepting traffic and drains in-flight requests.
func (svc *CovenantService) Shutdown() error {
	return svc.app.Shutdown()
}

func (svc *CovenantService) handleProcedure(ctx fiber.Ctx) error {
	request, err := decodeBody(ctx)
	if err != nil {
		return respondFailure(ctx, errors.ErrBadInput.WithMessagef("malformed request: %v", err))
	}

	name, _ := request["procedure"].(string)
	if name == "" {
		return respondFailure(ctx, errors.ErrBadInput.WithMessagef("missing procedure name"))
	}

	reqCtx, cancel := context.WithTimeout(ctx.Context(), svc.requestTimeout)
	defer cancel()

	result := svc.srv.RunProcedure(reqCtx, name, request["inputs"], requestHeaders(ctx))
	if !result.OK {
		return respondFailure(ctx, result.Err)
	}

	status := fiber.StatusOK
	if proc, ok := svc.srv.Covenant().Procedure(name); ok && proc.Kind == covenant.KindMutation {
		status = fiber.StatusCreated

		// Remote listeners learn about the mutation through the broker.
		if err := svc.srv.PublishResources(reqCtx, result.Resources); err != nil {
			log.Error("failed to publish mutation resources",
				"procedure", name, "error", err)
		}
	}

	return respondWire(ctx, status, map[string]any{
		"status":    "OK",
		"data":      result.Data,
		"resources": anySlice(result.Resources),
	})
}

func (svc *CovenantService) handleConnect(ctx fiber.Ctx) error {
	request, err := decodeBody(ctx)
	if err != nil {
		return respondWire(ctx, fiber.StatusBadRequest, connectError(&errors.ChannelError{
			Fault:   errors.FaultClient,
			Message: "malformed request: " + err.Error(),
		}))
	}

	channel, _ := request["channel"].(string)
	params, paramsErr := decodeParams(request["params"])
	if paramsErr != nil {
		return respondWire(ctx, fiber.StatusBadRequest, connectError(&errors.ChannelError{
			Channel: channel,
			Fault:   errors.FaultClient,
			Message: paramsErr.Error(),
		}))
	}

	reqCtx, cancel := context.WithTimeout(ctx.Context(), svc.requestTimeout)
	defer cancel()

	result := svc.srv.Connect(reqCtx, channel, params, request["data"], requestHeaders(ctx))
	if !result.OK {
		return respondWire(ctx, fiber.StatusOK, map[string]any{
			"channel": channel,
			"params":  paramsToWire(params),
			"result":  connectError(result.Err)["result"],
		})
	}

	return respondWire(ctx, fiber.StatusOK, map[string]any{
		"channel": channel,
		"params":  paramsToWire(params),
		"result": map[string]any{
			"type":  "OK",
			"token": result.Token,
		},
	})
}
