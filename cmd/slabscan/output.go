package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"slabscan/internal/logging"
	"slabscan/internal/pipeline"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := 0; i < columns; i++ {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	columnConfigs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		columnConfigs = append(columnConfigs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(columnConfigs)

	return tw.Render()
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func colorize(out io.Writer, value string, colors text.Colors) string {
	if !shouldColorize(out) {
		return value
	}
	return colors.Sprint(value)
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeYAML(cmd *cobra.Command, v any) error {
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func batchRows(out io.Writer, result pipeline.BatchResult) [][]string {
	review := make(map[string]struct{}, len(result.NeedsReview))
	for _, key := range result.NeedsReview {
		review[key] = struct{}{}
	}
	rows := make([][]string, 0, len(result.Succeeded)+len(result.AlreadyProcessed)+len(result.Failed))
	for _, key := range result.Succeeded {
		if _, ok := review[key]; ok {
			rows = append(rows, []string{key, colorize(out, "needs review", text.Colors{text.FgYellow}), ""})
			continue
		}
		rows = append(rows, []string{key, colorize(out, "ok", text.Colors{text.FgGreen}), ""})
	}
	for _, key := range result.AlreadyProcessed {
		rows = append(rows, []string{key, colorize(out, "skipped", text.Colors{text.FgHiBlack}), "already processed"})
	}
	for _, failure := range result.Failed {
		detail := ""
		if failure.Err != nil {
			detail = failure.Err.Error()
		}
		if failure.Remediation != "" {
			detail += " (" + failure.Remediation + ")"
		}
		outcome := "failed"
		if failure.Retryable {
			outcome = "failed, retryable"
		}
		rows = append(rows, []string{failure.Key, colorize(out, outcome, text.Colors{text.FgRed}), detail})
	}
	return rows
}

// printBatch renders a batch result and returns an error when any item failed
// so the exit status reflects partial failure.
func (c *commandContext) printBatch(cmd *cobra.Command, op string, result pipeline.BatchResult) error {
	if c.jsonOutput {
		if err := writeJSON(cmd, result); err != nil {
			return err
		}
	} else {
		out := cmd.OutOrStdout()
		rows := batchRows(out, result)
		if len(rows) == 0 {
			fmt.Fprintln(out, "Nothing to do")
		} else {
			fmt.Fprintln(out, renderTable([]string{"Item", "Outcome", "Detail"}, rows, nil))
		}
	}
	return batchError(op, result)
}

func batchError(op string, result pipeline.BatchResult) error {
	if result.OK() {
		return nil
	}
	keys := make([]string, 0, len(result.Failed))
	for _, failure := range result.Failed {
		keys = append(keys, logging.ShortHash(failure.Key))
	}
	return fmt.Errorf("%s: %d item(s) failed: %s", op, len(result.Failed), strings.Join(keys, ", "))
}
