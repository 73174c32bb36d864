package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/covenantlabs/covenant-go/pkg/auth"
	"github.com/covenantlabs/covenant-go/pkg/service"
	"github.com/covenantlabs/covenant-go/pkg/sidekick"
)

var (
	sidekickAddrFlag   string
	sidekickSecretFlag string

	sidekickCmd = &cobra.Command{
		Use:   "sidekick",
		Short: "Run the sidekick broker",
		Long:  longSidekick,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := sidekickSecretFlag
			if secret == "" {
				secret = viper.GetString("sidekick.secret")
			}

			delay := viper.GetDuration("sidekick.auth_failure_delay")
			if delay == 0 {
				delay = auth.DefaultFailureDelay
			}

			highWater := viper.GetInt("sidekick.queue_high_water")
			if highWater == 0 {
				highWater = sidekick.DefaultQueueHighWater
			}

			registry := prometheus.NewRegistry()
			broker := sidekick.NewBroker(
				sidekick.WithMetrics(sidekick.NewMetrics(registry)),
				sidekick.WithQueueHighWater(highWater),
			)

			guard := auth.NewGuard(secret, delay)
			svc := service.NewSidekickService(broker, guard, registry)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go func() {
				<-ctx.Done()
				_ = svc.Shutdown()
			}()

			return svc.Start(sidekickAddrFlag)
		},
	}
)

func init() {
	rootCmd.AddCommand(sidekickCmd)

	sidekickCmd.Flags().StringVarP(&sidekickAddrFlag, "addr", "a", ":3211", "Address to serve the broker on")
	sidekickCmd.Flags().StringVar(&sidekickSecretFlag, "secret", "", "Shared secret for the server-side surface")

	viper.SetDefault("sidekick.auth_failure_delay", 3*time.Second)
}

var longSidekick = `
Run the sidekick broker. It carries two surfaces on one listener:

  GET  /session     WebSocket sessions for clients
  POST /connection  register a channel connection (server only)
  POST /update      publish resource updates (server only)
  POST /message     publish a channel broadcast (server only)

The server-side surface requires a bearer token signed with the shared
secret. Prometheus metrics are exposed on /metrics.
`
