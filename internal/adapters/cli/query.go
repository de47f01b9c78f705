package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kirillkom/credit-pipeline/internal/core/domain"
	"github.com/kirillkom/credit-pipeline/internal/infrastructure/report/xlsx"
)

func newStatusCommand(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <application-id>",
		Short: "Show an application's checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			audit, _ := cmd.Flags().GetBool("audit")

			backend, cleanup, err := rt.connect(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			state, err := backend.Reader.LoadCheckpoint(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printState(cmd.OutOrStdout(), format, state, audit)
		},
	}
	cmd.Flags().String("format", "text", "Output format: text or json")
	cmd.Flags().Bool("audit", false, "Include the audit trail")
	return cmd
}

func newListCommand(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored applications, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, _ := cmd.Flags().GetString("stage")
			limit, _ := cmd.Flags().GetInt("limit")
			format, _ := cmd.Flags().GetString("format")

			if stage != "" && !domain.StageName(stage).Valid() {
				return fmt.Errorf("unknown stage %q", stage)
			}

			backend, cleanup, err := rt.connect(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			rows, err := backend.Lister.ListCheckpoints(cmd.Context(), domain.StageName(stage), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if format == "json" {
				return writeJSON(out, rows)
			}
			if len(rows) == 0 {
				fmt.Fprintln(out, "No applications found.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "APPLICATION\tSTAGE\tVERSION\tDECISION\tUPDATED")
			for _, row := range rows {
				decision := string(row.DecisionStatus)
				if decision == "" {
					decision = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					row.ApplicationID, row.CurrentStage, row.Version, decision, row.UpdatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().String("stage", "", "Only list applications at this stage")
	cmd.Flags().Int("limit", 50, "Maximum number of rows")
	cmd.Flags().String("format", "text", "Output format: text or json")
	return cmd
}

func newExportCommand(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <application-id>",
		Short: "Export an application's decision report as xlsx",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outPath, _ := cmd.Flags().GetString("out")

			backend, cleanup, err := rt.connect(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			state, err := backend.Reader.LoadCheckpoint(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if outPath == "-" {
				return xlsx.Write(cmd.OutOrStdout(), state)
			}
			if outPath == "" {
				outPath = state.ApplicationID + ".xlsx"
			}
			f, err := os.Create(outPath)
			if err != nil {
				return fmt.Errorf("create report: %w", err)
			}
			if err := xlsx.Write(f, state); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("close report: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().String("out", "", "Output file, - for stdout (default <application-id>.xlsx)")
	return cmd
}

func printState(out io.Writer, format string, state domain.ApplicationState, audit bool) error {
	if format == "json" {
		return writeJSON(out, state)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "application\t%s\n", state.ApplicationID)
	fmt.Fprintf(w, "stage\t%s\n", state.CurrentStage)
	fmt.Fprintf(w, "version\t%d\n", state.Version)
	for _, stage := range domain.AnalysisStages {
		if verdict, ok := state.Result(stage); ok {
			fmt.Fprintf(w, "%s\t%s score=%.2f confidence=%.2f\n", stage, verdict.Status, verdict.Score, verdict.Confidence)
		}
	}
	if d := state.FinalDecision; d != nil {
		fmt.Fprintf(w, "decision\t%s score=%.2f confidence=%.2f risk=%s\n", d.Status, d.FinalScore, d.Confidence, d.RiskLevel)
		fmt.Fprintf(w, "amount\t%.2f of %.2f\n", d.ApprovedAmount, d.RequestedAmount)
		if len(d.Conditions) > 0 {
			fmt.Fprintf(w, "conditions\t%s\n", strings.Join(d.Conditions, "; "))
		}
	}
	if h := state.Halt; h != nil {
		fmt.Fprintf(w, "halt\t%s at %s: %s\n", h.Action, h.Stage, strings.Join(h.Reasons, "; "))
	}
	if len(state.Errors) > 0 {
		fmt.Fprintf(w, "errors\t%s\n", strings.Join(state.Errors, "; "))
	}
	if len(state.Warnings) > 0 {
		fmt.Fprintf(w, "warnings\t%d\n", len(state.Warnings))
	}
	if audit {
		for _, entry := range state.AuditTrail {
			fmt.Fprintf(w, "audit\t%s %s [%s] %s\n",
				entry.Timestamp.Format(time.RFC3339), entry.Actor, entry.Stage, entry.Narrative)
		}
	}
	return w.Flush()
}

func writeJSON(out io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
