package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"slabscan/internal/api"
	"slabscan/internal/search"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var bind string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read API and review actions over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if value := strings.TrimSpace(bind); value != "" {
				cfg.Paths.APIBind = value
			}
			return ctx.withRuntime(cmd, func(runCtx context.Context, rt *runtime) error {
				api.RegisterViews(rt.coordinator, rt.store)
				srv, err := api.NewServer(rt.cfg, api.Deps{
					Coordinator:   rt.coordinator,
					Operator:      rt.pipeline,
					Suggester:     rt.gateway,
					SearchOptions: search.OptionsFrom(rt.cfg),
				}, rt.logger)
				if err != nil {
					return err
				}
				if err := srv.Start(runCtx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Serving on http://%s (Ctrl+C to stop)\n", srv.Addr())
				<-runCtx.Done()
				srv.Stop()
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&bind, "bind", "", "Override paths.api_bind")
	return cmd
}
