package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/pliu/sealedchat/internal/auth"
	"github.com/pliu/sealedchat/internal/handlers"
	"github.com/pliu/sealedchat/internal/log"
	"github.com/pliu/sealedchat/internal/metrics"
	"github.com/pliu/sealedchat/internal/store/sqlstore"
	"github.com/pliu/sealedchat/internal/ws"
)

func newServeCommand(flags *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the message relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Address = addr
			}

			backend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
			if err != nil {
				return err
			}
			l := backend.GetLogger("sealedchat")

			if cfg.Server.CookieSecret == "" {
				l.Warning("Server.CookieSecret is not set, using the built in default")
			}
			auth.SetSecret(cfg.Server.CookieSecret)

			// Initialize Database
			store, err := sqlstore.New(cfg.Database.Driver, cfg.Database.DataSourceName)
			if err != nil {
				return fmt.Errorf("open %s database: %w", cfg.Database.Driver, err)
			}
			defer store.Close()

			m := metrics.New()

			// Initialize WebSocket Hub
			hub := ws.NewHub(backend.GetLogger("ws"), m)
			go hub.Run()
			defer hub.Stop()

			router := handlers.NewRouter(handlers.RouterConfig{
				Store:         store,
				Hub:           hub,
				Log:           backend.GetLogger("http"),
				Metrics:       m,
				ExposeMetrics: cfg.Metrics.Enable,
				SessionTTL:    cfg.Server.SessionTTL,
			})

			srv := &http.Server{
				Addr:              cfg.Server.Address,
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				l.Noticef("Starting server on %s (%s)", cfg.Server.Address, cfg.Database.Driver)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-cmd.Context().Done():
			}

			l.Notice("Shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "override the configured listen address")
	return cmd
}
