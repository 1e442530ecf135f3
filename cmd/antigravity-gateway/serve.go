package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ceciliomichael/antigravity-gateway/internal/api"
	"github.com/ceciliomichael/antigravity-gateway/internal/search"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(configPath *string) *cobra.Command {
	var consoleLog bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			gw, err := loadGateway(*configPath, consoleLog)
			if err != nil {
				return err
			}
			defer gw.Close()

			keyStore, err := api.NewKeyStore(gw.cfg.ResolvedDataDir())
			if err != nil {
				return err
			}

			server, err := api.NewServer(api.Options{
				Config:    gw.cfg,
				Transport: gw.dispatcher,
				Accounts:  gw.dispatcher,
				Searcher:  search.NewSearcher(gw.dispatcher),
				KeyStore:  keyStore,
				Gatherer:  gw.registry,
			})
			if err != nil {
				return err
			}

			if manager, err := gw.dispatcher.AccountManager(cmd.Context()); err != nil {
				log.Warnf("Failed to load accounts: %v", err)
			} else if manager.Count() == 0 {
				log.Warnf("No accounts found in %s", gw.cfg.CredentialPath())
			} else {
				log.Infof("Loaded %d account(s)", manager.Count())
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- server.Start()
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}

			log.Info("Shutting down server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().BoolVar(&consoleLog, "console-log", false, "log to stderr instead of the rotating log file")
	return cmd
}
