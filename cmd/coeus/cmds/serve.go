package cmds

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/coeus/pkg/observe"
	"github.com/go-go-golems/coeus/pkg/webbridge"
)

func newServeCommand(app *App) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a session over HTTP with a websocket transcript feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if addr == "" {
				addr = app.Settings.Serve.Addr
			}

			metricsHandler, shutdownMetrics, err := observe.InitProvider()
			if err != nil {
				return errors.Wrap(err, "init metrics")
			}
			defer func() {
				if err := shutdownMetrics(ctx); err != nil {
					log.Debug().Err(err).Msg("metrics shutdown")
				}
			}()

			session, cleanup, err := app.newSession(sessionOptions{greeting: true})
			if err != nil {
				return err
			}
			defer cleanup()

			bus, err := app.buildBus(ctx, session.ID())
			if err != nil {
				return err
			}
			defer func() { _ = bus.Close() }()

			srv, err := webbridge.NewServer(session, bus, webbridge.WithMetricsHandler(metricsHandler))
			if err != nil {
				return err
			}
			return srv.Run(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from serve.addr)")
	return cmd
}
