package server

import (
	"context"
	"sync"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/covenantlabs/covenant-go/pkg/covenant"
	"github.com/covenantlabs/covenant-go/pkg/errors"
	"github.com/covenantlabs/covenant-go/pkg/schema"
)

type fakeBroker struct {
	mu          sync.Mutex
	connections []string
	updates     [][]string
	messages    []any
}

func (b *fakeBroker) AddConnection(ctx context.Context, token, channel string, params map[string]string, connContext any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connections = append(b.connections, token)
	return nil
}

func (b *fakeBroker) UpdateResources(ctx context.Context, resources []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates = append(b.updates, resources)
	return nil
}

func (b *fakeBroker) PostServerMessage(ctx context.Context, channel string, params map[string]string, data any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, data)
	return nil
}

func dispatchCovenant() *covenant.Covenant {
	return covenant.MustDeclare(
		[]covenant.Procedure{
			covenant.Query("helloWorld",
				schema.Object(map[string]schema.Schema{"name": schema.String()}),
				schema.String(),
			),
			covenant.Query("failingQuery",
				schema.Object(map[string]schema.Schema{"fail": schema.Bool()}),
				schema.String(),
			),
			covenant.Mutation("updateData",
				schema.Object(map[string]schema.Schema{
					"key":   schema.String(),
					"value": schema.String(),
				}),
				schema.String(),
			),
			covenant.Query("brokenOutput",
				schema.Object(map[string]schema.Schema{}),
				schema.String(),
			),
			covenant.Query("panicky",
				schema.Object(map[string]schema.Schema{}),
				schema.String(),
			),
		},
		nil,
	)
}

func dispatchServer(opts ...Option) *Server {
	srv := New(dispatchCovenant(), opts...)

	srv.HandleProcedure("helloWorld", ProcedureImpl{
		Handler: func(args ProcedureArgs) any {
			inputs := args.Inputs.(map[string]any)
			return "Hello, " + inputs["name"].(string) + "!"
		},
	})

	srv.HandleProcedure("failingQuery", ProcedureImpl{
		Handler: func(args ProcedureArgs) any {
			inputs := args.Inputs.(map[string]any)
			if inputs["fail"].(bool) {
				args.Error("Intentional failure", 400)
			}
			return "did not fail"
		},
	})

	srv.HandleProcedure("updateData", ProcedureImpl{
		Handler: func(args ProcedureArgs) any {
			inputs := args.Inputs.(map[string]any)
			return inputs["value"]
		},
		Resources: func(args ResourceArgs) []string {
			inputs := args.Inputs.(map[string]any)
			key := inputs["key"].(string)
			return []string{"/data/" + key, "/data", "/data/" + key}
		},
	})

	srv.HandleProcedure("brokenOutput", ProcedureImpl{
		Handler: func(args ProcedureArgs) any {
			return float64(42)
		},
	})

	srv.HandleProcedure("panicky", ProcedureImpl{
		Handler: func(args ProcedureArgs) any {
			panic("secret internal detail")
		},
	})

	return srv
}

func TestRunProcedure(t *testing.T) {
	Convey("Given a server with implemented procedures", t, func() {
		srv := dispatchServer()
		ctx := context.Background()

		Convey("A valid call should return its data", func() {
			result := srv.RunProcedure(ctx, "helloWorld",
				map[string]any{"name": "World"}, nil)

			So(result.OK, ShouldBeTrue)
			So(result.Data, ShouldEqual, "Hello, World!")
			So(result.Resources, ShouldBeEmpty)
		})

		Convey("An unknown procedure should fail with 404", func() {
			result := srv.RunProcedure(ctx, "missing", map[string]any{}, nil)

			So(result.OK, ShouldBeFalse)
			So(result.Err.Code, ShouldEqual, 404)
		})

		Convey("Mismatched inputs should fail with 400", func() {
			result := srv.RunProcedure(ctx, "helloWorld",
				map[string]any{"name": float64(123)}, nil)

			So(result.OK, ShouldBeFalse)
			So(result.Err.Code, ShouldEqual, 400)
			So(result.Err.Message, ShouldContainSubstring, "parsing procedure inputs")
		})

		Convey("A handler raising error() should fail with its message and code", func() {
			result := srv.RunProcedure(ctx, "failingQuery",
				map[string]any{"fail": true}, nil)

			So(result.OK, ShouldBeFalse)
			So(result.Err.Code, ShouldEqual, 400)
			So(result.Err.Message, ShouldEqual, "Intentional failure")
		})

		Convey("The same handler should succeed when it does not raise", func() {
			result := srv.RunProcedure(ctx, "failingQuery",
				map[string]any{"fail": false}, nil)

			So(result.OK, ShouldBeTrue)
			So(result.Data, ShouldEqual, "did not fail")
		})

		Convey("Resources should be deduplicated in first-seen order", func() {
			result := srv.RunProcedure(ctx, "updateData",
				map[string]any{"key": "test-key", "value": "v"}, nil)

			So(result.OK, ShouldBeTrue)
			So(result.Resources, ShouldResemble, []string{"/data/test-key", "/data"})
		})

		Convey("Output violating the contract should fail with 500", func() {
			result := srv.RunProcedure(ctx, "brokenOutput", map[string]any{}, nil)

			So(result.OK, ShouldBeFalse)
			So(result.Err.Code, ShouldEqual, 500)
		})

		Convey("An unexpected panic should surface as a sanitized 500", func() {
			result := srv.RunProcedure(ctx, "panicky", map[string]any{}, nil)

			So(result.OK, ShouldBeFalse)
			So(result.Err.Code, ShouldEqual, 500)
			So(result.Err.Message, ShouldNotContainSubstring, "secret internal detail")
		})

		Convey("A cancelled context should abort before the handler's output is used", func() {
			cancelledCtx, cancel := context.WithCancel(ctx)
			cancel()

			result := srv.RunProcedure(cancelledCtx, "helloWorld",
				map[string]any{"name": "World"}, nil)

			So(result.OK, ShouldBeFalse)
			So(result.Err.Code, ShouldEqual, 500)
			So(result.Err.Message, ShouldContainSubstring, "cancelled")
		})
	})
}

func TestContextAndDerivation(t *testing.T) {
	Convey("Given a server with a context generator and derivation", t, func() {
		type requestContext struct{ user string }

		srv := New(dispatchCovenant(),
			WithContextGenerator(func(ctx context.Context, headers Headers) (any, error) {
				user, ok := headers["Authorization"]
				if !ok {
					return nil, errors.ErrUnauthorized.WithMessagef("missing credentials")
				}
				return requestContext{user: user}, nil
			}),
			WithDerivation(func(ctx context.Context, reqContext any, raise ErrorFn) any {
				return "toolbox for " + reqContext.(requestContext).user
			}),
		)

		srv.HandleProcedure("helloWorld", ProcedureImpl{
			Handler: func(args ProcedureArgs) any {
				So(args.Context, ShouldResemble, requestContext{user: "alice"})
				So(args.Derivation, ShouldEqual, "toolbox for alice")
				return "Hello, World!"
			},
		})

		Convey("Authorized requests should reach the handler with both", func() {
			result := srv.RunProcedure(context.Background(), "helloWorld",
				map[string]any{"name": "World"}, Headers{"Authorization": "alice"})

			So(result.OK, ShouldBeTrue)
		})

		Convey("A failing generator should short-circuit with 401", func() {
			result := srv.RunProcedure(context.Background(), "helloWorld",
				map[string]any{"name": "World"}, Headers{})

			So(result.OK, ShouldBeFalse)
			So(result.Err.Code, ShouldEqual, 401)
		})
	})
}

func TestRegistrationRules(t *testing.T) {
	Convey("Given a server under construction", t, func() {
		srv := New(dispatchCovenant())

		Convey("Registering an undeclared procedure should fail", func() {
			err := srv.HandleProcedure("undeclared", ProcedureImpl{
				Handler: func(args ProcedureArgs) any { return nil },
			})

			So(err, ShouldNotBeNil)
		})

		Convey("Registering without a handler should fail", func() {
			err := srv.HandleProcedure("helloWorld", ProcedureImpl{})

			So(err, ShouldNotBeNil)
		})

		Convey("AssertAllDefined should fail while procedures are missing", func() {
			So(srv.AssertAllDefined(), ShouldNotBeNil)
		})

		Convey("AssertAllDefined should pass once everything is implemented", func() {
			full := dispatchServer()

			So(full.AssertAllDefined(), ShouldBeNil)

			Convey("And further registration should be refused", func() {
				err := full.HandleProcedure("helloWorld", ProcedureImpl{
					Handler: func(args ProcedureArgs) any { return nil },
				})

				So(err, ShouldNotBeNil)
			})
		})
	})
}
