package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jordanhubbard/agency/internal/agency"
	"github.com/jordanhubbard/agency/internal/beam"
	agencyconfig "github.com/jordanhubbard/agency/internal/config"
	"github.com/jordanhubbard/agency/internal/fusion"
)

func newAskCommand() *cobra.Command {
	var (
		models   []string
		strategy string
		system   string
		remote   bool
	)
	cmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Send one prompt to several models and print the fused answer",
		Long: `Without --remote the runtime is started in-process for a single request.
The prompt is read from stdin when no argument is given.`,
		Example: `  agency ask --model gpt --model claude "Summarize RFC 9110"
  echo "hello" | agency ask --strategy ensemble`,
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")
			if prompt == "" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				prompt = strings.TrimSpace(string(data))
			}
			if prompt == "" {
				return errors.New("prompt is required")
			}
			req := beam.ChatRequest{
				Prompt:        prompt,
				SystemMessage: system,
				ModelIDs:      models,
				Strategy:      fusion.Strategy(strategy),
			}

			if remote {
				data, err := newClient().post("/api/v1/beam", req)
				if err != nil {
					return err
				}
				outputJSON(cmd.OutOrStdout(), data)
				return nil
			}
			return askLocal(cmd, req)
		},
	}
	cmd.Flags().StringSliceVarP(&models, "model", "m", nil, "Model id to ask (repeatable, default all)")
	cmd.Flags().StringVar(&strategy, "strategy", "", "Fusion strategy: auto_select, checklist, weighted, ensemble")
	cmd.Flags().StringVar(&system, "system", "", "System message")
	cmd.Flags().BoolVar(&remote, "remote", false, "Send the request to --server instead of running in-process")
	return cmd
}

func askLocal(cmd *cobra.Command, req beam.ChatRequest) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	// One-shot runs log errors only and never start Temporal workers.
	cfg.Logging.Level = "error"
	cfg.Temporal.Enabled = false

	var opts []agency.Option
	if password, err := agencyconfig.GetPassword(); err == nil {
		opts = append(opts, agency.WithVaultPassword(password))
	} else if !errors.Is(err, agencyconfig.ErrNoPassword) {
		return err
	}

	ctx := context.Background()
	rt, err := agency.New(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	res, err := rt.Beam.Handle(ctx, req)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
