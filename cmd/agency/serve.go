package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jordanhubbard/agency/internal/agency"
	agencyconfig "github.com/jordanhubbard/agency/internal/config"
)

func newServeCommand() *cobra.Command {
	var noVault bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agency runtime",
		Long: `Starts the HTTP API, the gRPC health service and every enabled backend.
The key vault password comes from AGENCY_PASSWORD or an interactive prompt.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			var opts []agency.Option
			if !noVault {
				password, err := agencyconfig.GetPassword()
				switch {
				case errors.Is(err, agencyconfig.ErrNoPassword):
					fmt.Fprintln(os.Stderr, "warning: no vault password, using environment keys only")
				case err != nil:
					return err
				default:
					opts = append(opts, agency.WithVaultPassword(password))
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := agency.New(ctx, cfg, opts...)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := rt.Close(closeCtx); err != nil {
					rt.Logger.Error("shutdown error", "error", err)
				}
			}()

			return rt.Serve(ctx)
		},
	}
	cmd.Flags().BoolVar(&noVault, "no-vault", false, "Skip the key vault and use environment keys only")
	return cmd
}
