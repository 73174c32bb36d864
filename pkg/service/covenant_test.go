package service

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/covenantlabs/covenant-go/pkg/covenant"
	"github.com/covenantlabs/covenant-go/pkg/schema"
	"github.com/covenantlabs/covenant-go/pkg/server"
	"github.com/covenantlabs/covenant-go/pkg/wire"
)

type stubLink struct {
	connections int
	updates     [][]string
}

func (l *stubLink) AddConnection(ctx context.Context, token, channel string, params map[string]string, connContext any) error {
	l.connections++
	return nil
}

func (l *stubLink) UpdateResources(ctx context.Context, resources []string) error {
	l.updates = append(l.updates, resources)
	return nil
}

func (l *stubLink) PostServerMessage(ctx context.Context, channel string, params map[string]string, data any) error {
	return nil
}

func testService(link server.BrokerLink) *CovenantService {
	cov := covenant.MustDeclare(
		[]covenant.Procedure{
			covenant.Query("helloWorld",
				schema.String(),
				schema.String(),
			),
			covenant.Mutation("updateData",
				schema.Object(map[string]schema.Schema{
					"key":   schema.String(),
					"value": schema.String(),
				}),
				schema.String(),
			),
		},
		[]covenant.Channel{
			{
				Name:              "chatroom",
				Params:            []string{"chatChannel"},
				ClientMessage:     schema.Any(),
				ServerMessage:     schema.Any(),
				ConnectionRequest: schema.Any(),
				ConnectionContext: schema.Any(),
			},
		},
	)

	srv := server.New(cov, server.WithBroker(link))

	srv.HandleProcedure("helloWorld", server.ProcedureImpl{
		Handler: func(args server.ProcedureArgs) any {
			return "Hello, " + args.Inputs.(string)
		},
	})

	srv.HandleProcedure("updateData", server.ProcedureImpl{
		Handler: func(args server.ProcedureArgs) any {
			inputs := args.Inputs.(map[string]any)
			return inputs["value"]
		},
		Resources: func(args server.ResourceArgs) []string {
			inputs := args.Inputs.(map[string]any)
			return []string{"/data/" + inputs["key"].(string)}
		},
	})

	srv.HandleChannel("chatroom", server.ChannelImpl{
		OnConnect: func(args server.ConnectArgs) any {
			return map[string]any{"senderId": args.ConnectionID}
		},
		OnMessage: func(args server.MessageArgs) {},
	})

	return NewCovenantService(srv)
}

func postWire(svc *CovenantService, path string, payload map[string]any) (int, map[string]any) {
	req := httptest.NewRequest("POST", path, strings.NewReader(wire.MustEncode(payload)))
	req.Header.Set("Content-Type", "application/json")

	resp, err := svc.App().Test(req)
	So(err, ShouldBeNil)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	So(err, ShouldBeNil)

	decoded, err := wire.Decode(string(raw))
	So(err, ShouldBeNil)

	return resp.StatusCode, decoded.(map[string]any)
}

func TestProcedureEndpoint(t *testing.T) {
	Convey("Given the covenant HTTP surface", t, func() {
		svc := testService(&stubLink{})

		Convey("A valid query should answer 200 with data and no resources", func() {
			status, body := postWire(svc, "/procedure", map[string]any{
				"procedure": "helloWorld",
				"inputs":    "TestClient",
			})

			So(status, ShouldEqual, 200)
			So(body["status"], ShouldEqual, "OK")
			So(body["data"], ShouldEqual, "Hello, TestClient")
			So(body["resources"], ShouldBeEmpty)
		})

		Convey("A valid mutation should answer 201 with its resources", func() {
			status, body := postWire(svc, "/procedure", map[string]any{
				"procedure": "updateData",
				"inputs":    map[string]any{"key": "test-key", "value": "v"},
			})

			So(status, ShouldEqual, 201)
			So(body["resources"], ShouldResemble, []any{"/data/test-key"})
		})

		Convey("An unknown procedure should answer 404 in the error shape", func() {
			status, body := postWire(svc, "/procedure", map[string]any{
				"procedure": "missing",
				"inputs":    map[string]any{},
			})

			So(status, ShouldEqual, 404)
			So(body["status"], ShouldEqual, "ERR")

			errObj := body["error"].(map[string]any)
			So(errObj["code"], ShouldEqual, float64(404))
		})

		Convey("Mismatched inputs should answer 400", func() {
			status, body := postWire(svc, "/procedure", map[string]any{
				"procedure": "helloWorld",
				"inputs":    float64(1),
			})

			So(status, ShouldEqual, 400)

			errObj := body["error"].(map[string]any)
			So(errObj["message"], ShouldContainSubstring, "parsing procedure inputs")
		})

		Convey("A body that is not wire text should answer 400", func() {
			req := httptest.NewRequest("POST", "/procedure", strings.NewReader("{nope"))
			resp, err := svc.App().Test(req)

			So(err, ShouldBeNil)
			So(resp.StatusCode, ShouldEqual, 400)
		})
	})
}

func TestConnectEndpoint(t *testing.T) {
	Convey("Given the connect surface", t, func() {
		link := &stubLink{}
		svc := testService(link)

		Convey("A valid handshake should return a token", func() {
			status, body := postWire(svc, "/connect", map[string]any{
				"channel": "chatroom",
				"params":  map[string]any{"chatChannel": "room-A"},
				"data":    nil,
			})

			So(status, ShouldEqual, 200)

			result := body["result"].(map[string]any)
			So(result["type"], ShouldEqual, "OK")
			So(result["token"], ShouldNotBeEmpty)
			So(link.connections, ShouldEqual, 1)
		})

		Convey("Bad params should return the error result shape", func() {
			status, body := postWire(svc, "/connect", map[string]any{
				"channel": "chatroom",
				"params":  map[string]any{},
				"data":    nil,
			})

			So(status, ShouldEqual, 200)

			result := body["result"].(map[string]any)
			So(result["type"], ShouldEqual, "ERROR")

			errObj := result["error"].(map[string]any)
			So(errObj["fault"], ShouldEqual, "client")
			So(errObj["message"], ShouldContainSubstring, "chatChannel")
		})

		Convey("An unknown channel should return a client fault", func() {
			_, body := postWire(svc, "/connect", map[string]any{
				"channel": "nope",
				"params":  map[string]any{},
				"data":    nil,
			})

			result := body["result"].(map[string]any)
			So(result["type"], ShouldEqual, "ERROR")
		})
	})
}
