package service

import (
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofiber/fiber/v3"
	fiberadaptor "github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/covenantlabs/covenant-go/pkg/auth"
	"github.com/covenantlabs/covenant-go/pkg/sidekick"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 25 * time.Second
)

/*
SidekickService exposes the broker over one fiber app: the WebSocket
session surface for clients, the authenticated server-side surface for the
covenant server, and the operational endpoints.
*/
type SidekickService struct {
	app    *fiber.App
	broker *sidekick.Broker
	guard  *auth.Guard
}

// NewSidekickService wires a broker, its guard and a metrics registry into
// the HTTP front end.
func NewSidekickService(broker *sidekick.Broker, guard *auth.Guard, registry *prometheus.Registry) *SidekickService {
	svc := &SidekickService{
		app: fiber.New(fiber.Config{
			AppName:      "sidekick-broker",
			ServerHeader: "Sidekick-Broker",
		}),
		broker: broker,
		guard:  guard,
	}

	svc.app.Use(logger.New(logger.Config{
		// The session endpoint is long-lived; logging it per request is noise.
		Next: func(c fiber.Ctx) bool {
			return c.Path() == "/session"
		},
	}), healthcheck.NewHealthChecker())

	svc.app.Get("/session", svc.handleSession)
	svc.app.Post("/connection", svc.requireAuth(svc.handleAddConnection))
	svc.app.Post("/update", svc.requireAuth(svc.handleUpdate))
	svc.app.Post("/message", svc.requireAuth(svc.handlePostMessage))

	if registry != nil {
		svc.app.Get("/metrics", fiberadaptor.HTTPHandler(
			promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		))
	}

	return svc
}

// App exposes the underlying fiber app, mainly for tests.
func (svc *SidekickService) App() *fiber.App {
	return svc.app
}

// Start serves until the listener fails.
func (svc *SidekickService) Start(addr string) error {
	log.Info("sidekick service listening", "addr", addr)
	return svc.app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true})
}

// Shutdown closes every broker session, then stops accepting traffic.
func (svc *SidekickService) Shutdown() error {
	svc.broker.Shutdown()
	return svc.app.Shutdown()
}

// ---------------------------------------------------------------------------
// Client session surface (WebSocket)
// ---------------------------------------------------------------------------

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients connect from app origins; session identity lives in
	// tokens, not cookies, so cross-origin upgrades are fine.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (svc *SidekickService) handleSession(ctx fiber.Ctx) error {
	handler := func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("websocket upgrade failed", "error", err)
			return
		}
		svc.runSession(r, conn)
	}
	return fiberadaptor.HTTPHandler(http.HandlerFunc(handler))(ctx)
}

// runSession owns one client connection: a writer goroutine drains the
// session queue (single writer per socket), the read loop feeds frames to
// the broker. Transport close tears the session down.
func (svc *SidekickService) runSession(r *http.Request, conn *websocket.Conn) {
	sess := svc.broker.OpenSession()

	writerDone := make(chan struct{})

	go func() {
		defer close(writerDone)

		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case frame, ok := <-sess.Frames():
				if !ok {
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					_ = conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		svc.broker.HandleFrame(r.Context(), sess, string(data))
	}

	svc.broker.CloseSession(sess)
	<-writerDone
	_ = conn.Close()
}

// ---------------------------------------------------------------------------
// Server-side surface (authenticated)
// ---------------------------------------------------------------------------

func (svc *SidekickService) requireAuth(next fiber.Handler) fiber.Handler {
	return func(ctx fiber.Ctx) error {
		// Authorize stalls on failure before answering.
		if err := svc.guard.Authorize(ctx.Get("Authorization")); err != nil {
			return ctx.Status(fiber.StatusUnauthorized).SendString("unauthorized")
		}
		return next(ctx)
	}
}

func (svc *SidekickService) handleAddConnection(ctx fiber.Ctx) error {
	payload, err := decodeBody(ctx)
	if err != nil {
		return badRequest(ctx, err)
	}

	token, _ := payload["token"].(string)
	channel, _ := payload["channel"].(string)
	params, paramsErr := decodeParams(payload["params"])

	if token == "" || channel == "" || paramsErr != nil {
		return ctx.Status(fiber.StatusBadRequest).SendString("invalid connection payload")
	}

	if err := svc.broker.AddConnection(ctx.Context(), token, channel, params, payload["context"]); err != nil {
		return ctx.Status(fiber.StatusConflict).SendString(err.Error())
	}

	return respondWire(ctx, fiber.StatusOK, map[string]any{"status": "OK"})
}

func (svc *SidekickService) handleUpdate(ctx fiber.Ctx) error {
	payload, err := decodeBody(ctx)
	if err != nil {
		return badRequest(ctx, err)
	}

	resources, ok := payload["resources"].([]any)
	if !ok {
		return ctx.Status(fiber.StatusBadRequest).SendString("missing resources")
	}

	names := make([]string, 0, len(resources))
	for _, resource := range resources {
		name, ok := resource.(string)
		if !ok {
			return ctx.Status(fiber.StatusBadRequest).SendString("resources must be strings")
		}
		names = append(names, name)
	}

	if err := svc.broker.UpdateResources(ctx.Context(), names); err != nil {
		return ctx.Status(fiber.StatusInternalServerError).SendString(err.Error())
	}

	return respondWire(ctx, fiber.StatusOK, map[string]any{"status": "OK"})
}

func (svc *SidekickService) handlePostMessage(ctx fiber.Ctx) error {
	payload, err := decodeBody(ctx)
	if err != nil {
		return badRequest(ctx, err)
	}

	channel, _ := payload["channel"].(string)
	params, paramsErr := decodeParams(payload["params"])

	if channel == "" || paramsErr != nil {
		return ctx.Status(fiber.StatusBadRequest).SendString("invalid message payload")
	}

	if err := svc.broker.PostServerMessage(ctx.Context(), channel, params, payload["data"]); err != nil {
		return ctx.Status(fiber.StatusInternalServerError).SendString(err.Error())
	}

	return respondWire(ctx, fiber.StatusOK, map[string]any{"status": "OK"})
}

func badRequest(ctx fiber.Ctx, err error) error {
	return ctx.Status(fiber.StatusBadRequest).SendString("malformed request: " + err.Error())
}
