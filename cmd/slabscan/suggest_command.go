package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"slabscan/internal/gateway"
	"slabscan/internal/search"
)

func newSuggestCommand(ctx *commandContext) *cobra.Command {
	var (
		scope string
		pick  int
	)

	cmd := &cobra.Command{
		Use:   "suggest <set|card> <query>",
		Short: "Search the catalogue for sets or cards",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			field := gateway.Field(strings.ToLower(strings.TrimSpace(args[0])))
			if field != search.Primary && field != search.Secondary {
				return fmt.Errorf("field must be %q or %q", search.Primary, search.Secondary)
			}
			query := strings.Join(args[1:], " ")

			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.newLogger(cfg)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			opts := search.OptionsFrom(cfg)
			opts.Debounce = 0
			engine := search.New(ctx.newGateway(cfg, logger), opts, logger)
			defer engine.Close()

			if field == search.Secondary && strings.TrimSpace(scope) != "" {
				if _, err := engine.Select(search.Primary, gateway.Suggestion{Field: search.Primary, ID: strings.TrimSpace(scope)}); err != nil {
					return err
				}
			}
			suggestions, err := engine.Type(field, query).Wait(cmd.Context())
			if err != nil {
				return err
			}

			if pick > 0 {
				if pick > len(suggestions) {
					return fmt.Errorf("--pick %d: only %d suggestion(s)", pick, len(suggestions))
				}
				record, err := engine.Select(field, suggestions[pick-1])
				if err != nil {
					return err
				}
				primary, _ := engine.Selection()
				if ctx.jsonOutput {
					return writeJSON(cmd, struct {
						Record  search.Record  `json:"record"`
						Primary *search.Record `json:"primary,omitempty"`
					}{record, primary})
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Selected %s %s (%s)\n", record.Field, record.ID, record.Label)
				if primary != nil && field == search.Secondary {
					fmt.Fprintf(out, "Set %s (%s)\n", primary.ID, primary.Label)
				}
				return nil
			}

			if ctx.jsonOutput {
				return writeJSON(cmd, suggestions)
			}
			out := cmd.OutOrStdout()
			if len(suggestions) == 0 {
				fmt.Fprintln(out, "No suggestions")
				return nil
			}
			rows := make([][]string, 0, len(suggestions))
			for i, s := range suggestions {
				rows = append(rows, []string{fmt.Sprintf("%d", i+1), s.ID, s.Label, s.Year, s.ParentLabel, fmt.Sprintf("%.2f", s.Score)})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"#", "ID", "Label", "Year", "Set", "Score"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
			))
			return nil
		},
	}

	cmd.Flags().StringVar(&scope, "scope", "", "Set id that card suggestions must belong to")
	cmd.Flags().IntVar(&pick, "pick", 0, "Select the Nth suggestion and print its canonical record")
	return cmd
}
