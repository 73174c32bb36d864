package cmd

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/covenantlabs/covenant-go/pkg/auth"
	"github.com/covenantlabs/covenant-go/pkg/covenant"
	"github.com/covenantlabs/covenant-go/pkg/errors"
	"github.com/covenantlabs/covenant-go/pkg/schema"
	"github.com/covenantlabs/covenant-go/pkg/server"
	"github.com/covenantlabs/covenant-go/pkg/service"
	"github.com/covenantlabs/covenant-go/pkg/sidekick"
)

var (
	serveAddrFlag   string
	sidekickURLFlag string
	embedBrokerFlag bool
	brokerAddrFlag  string

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the demonstration covenant",
		Long:  longServe,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, embedded, err := buildDemoServer()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			covSvc := service.NewCovenantService(srv)

			group, groupCtx := errgroup.WithContext(ctx)

			if embedded != nil {
				group.Go(func() error {
					return embedded.Start(brokerAddrFlag)
				})
			}

			group.Go(func() error {
				return covSvc.Start(serveAddrFlag)
			})

			// Fires on a signal or on the first listener failure.
			group.Go(func() error {
				<-groupCtx.Done()
				if embedded != nil {
					_ = embedded.Shutdown()
				}
				return covSvc.Shutdown()
			})

			return group.Wait()
		},
	}
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveAddrFlag, "addr", "a", ":3210", "Address to serve the covenant on")
	serveCmd.Flags().StringVar(&sidekickURLFlag, "sidekick-url", "", "Base URL of a remote sidekick broker")
	serveCmd.Flags().BoolVar(&embedBrokerFlag, "embed-broker", true, "Run an in-process broker when no remote is given")
	serveCmd.Flags().StringVar(&brokerAddrFlag, "broker-addr", ":3211", "Address for the embedded broker")
}

// buildDemoServer wires the demonstration covenant: a greeting query, a
// keyed data store with live updates, and a parameterized chat channel.
func buildDemoServer() (*server.Server, *service.SidekickService, error) {
	cov, err := demoCovenant()
	if err != nil {
		return nil, nil, err
	}

	var (
		link     server.BrokerLink
		embedded *service.SidekickService
	)

	switch {
	case sidekickURLFlag != "":
		link = sidekick.NewHTTPLink(sidekickURLFlag, viper.GetString("sidekick.secret"))
	case embedBrokerFlag:
		broker := sidekick.NewBroker()
		guard := auth.NewGuard(viper.GetString("sidekick.secret"), auth.DefaultFailureDelay)
		embedded = service.NewSidekickService(broker, guard, nil)
		link = broker
	}

	srv := server.New(cov, server.WithBroker(link))

	// Client sends arriving at the embedded broker delegate straight into
	// the channel runtime.
	if broker, ok := link.(*sidekick.Broker); ok {
		broker.SetServerCallback(func(ctx context.Context, channel string, params map[string]string, data any, connContext any) error {
			if chanErr := srv.ProcessChannelMessage(ctx, channel, params, data, connContext); chanErr != nil {
				return chanErr
			}
			return nil
		})
	}

	store := &demoStore{data: map[string]string{}}

	register := func(step error) {
		if err == nil {
			err = step
		}
	}

	register(srv.HandleProcedure("helloWorld", server.ProcedureImpl{
		Handler: func(args server.ProcedureArgs) any {
			return "Hello, " + args.Inputs.(string)
		},
	}))

	register(srv.HandleProcedure("getData", server.ProcedureImpl{
		Handler: func(args server.ProcedureArgs) any {
			inputs := args.Inputs.(map[string]any)
			return store.get(inputs["key"].(string))
		},
	}))

	register(srv.HandleProcedure("updateData", server.ProcedureImpl{
		Handler: func(args server.ProcedureArgs) any {
			inputs := args.Inputs.(map[string]any)
			store.set(inputs["key"].(string), inputs["value"].(string))
			return inputs["value"]
		},
		Resources: func(args server.ResourceArgs) []string {
			inputs := args.Inputs.(map[string]any)
			return []string{"/data/" + inputs["key"].(string)}
		},
	}))

	register(srv.HandleChannel("chatroom", server.ChannelImpl{
		OnConnect: func(args server.ConnectArgs) any {
			return map[string]any{"senderId": args.ConnectionID}
		},
		OnMessage: func(args server.MessageArgs) {
			connContext := args.Context.(map[string]any)
			message := args.Inputs.(map[string]any)

			broadcastErr := srv.PostChannelMessage(args.Ctx, "chatroom", args.Params, map[string]any{
				"senderId": connContext["senderId"],
				"message":  message["message"],
			})
			if broadcastErr != nil {
				args.Error("broadcast failed", errors.FaultServer)
			}
		},
	}))

	if err != nil {
		return nil, nil, err
	}

	if err := srv.AssertAllDefined(); err != nil {
		return nil, nil, err
	}

	return srv, embedded, nil
}

func demoCovenant() (*covenant.Covenant, error) {
	return covenant.Declare(
		[]covenant.Procedure{
			covenant.Query("helloWorld",
				schema.String(),
				schema.String(),
			),
			covenant.Query("getData",
				schema.Object(map[string]schema.Schema{"key": schema.String()}),
				schema.OneOf(schema.String(), schema.Null()),
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
				Name:   "chatroom",
				Params: []string{"chatChannel"},
				ClientMessage: schema.Object(map[string]schema.Schema{
					"message": schema.String(),
				}),
				ServerMessage: schema.Object(map[string]schema.Schema{
					"senderId": schema.String(),
					"message":  schema.String(),
				}),
				ConnectionRequest: schema.Any(),
				ConnectionContext: schema.Object(map[string]schema.Schema{
					"senderId": schema.String(),
				}),
			},
		},
	)
}

type demoStore struct {
	mu   sync.RWMutex
	data map[string]string
}

func (s *demoStore) get(key string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.data[key]
	if !ok {
		return nil
	}
	return value
}

func (s *demoStore) set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

var longServe = `
Serve the demonstration covenant: a greeting query, a keyed data store
whose updates fan out as resource events, and a parameterized chat
channel.

Examples:
  # Covenant on :3210 with an embedded broker on :3211
  covenant-go serve

  # Covenant only, against a remote broker
  covenant-go serve --sidekick-url http://broker:3211 --embed-broker=false
`
