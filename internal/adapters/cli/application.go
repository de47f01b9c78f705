package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"

	"github.com/kirillkom/credit-pipeline/internal/core/domain"
	"github.com/kirillkom/credit-pipeline/internal/core/ports"
)

func newSubmitCommand(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new application from an intake JSON file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			intakePath, _ := cmd.Flags().GetString("intake")
			docPaths, _ := cmd.Flags().GetStringArray("document")
			runNow, _ := cmd.Flags().GetBool("run")
			format, _ := cmd.Flags().GetString("format")

			if runNow && rt.cfg.NATSURL != "" {
				return errors.New("--run drives the pipeline in-process and cannot be combined with --nats-url")
			}

			intake, err := readIntake(intakePath, cmd.InOrStdin())
			if err != nil {
				return err
			}
			documents, closeDocs, err := openDocuments(docPaths)
			if err != nil {
				return err
			}
			defer closeDocs()

			backend, cleanup, err := rt.connect(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			state, err := backend.Submitter.Submit(cmd.Context(), intake, documents)
			if err != nil {
				return err
			}
			if runNow {
				state, err = backend.Runner.Run(cmd.Context(), state.ApplicationID)
				if err != nil {
					return err
				}
			}
			return printState(cmd.OutOrStdout(), format, state, false)
		},
	}
	cmd.Flags().String("intake", "-", "Intake JSON object file, - for stdin")
	cmd.Flags().StringArray("document", nil, "Supporting document to upload (repeatable)")
	cmd.Flags().Bool("run", false, "Run the pipeline in-process right after submitting")
	cmd.Flags().String("format", "text", "Output format: text or json")
	return cmd
}

func newRunCommand(rt *runtime) *cobra.Command {
	return newDriveCommand(rt, domain.RunModeRun, "run <application-id>",
		"Advance an application from its last checkpoint")
}

func newRetryCommand(rt *runtime) *cobra.Command {
	return newDriveCommand(rt, domain.RunModeRetry, "retry <application-id>",
		"Re-run an errored application from the stage that halted it")
}

func newDriveCommand(rt *runtime, mode domain.RunMode, use, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queued, _ := cmd.Flags().GetBool("queue")
			format, _ := cmd.Flags().GetString("format")

			backend, cleanup, err := rt.connect(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			if queued {
				if err := backend.Submitter.Enqueue(cmd.Context(), args[0], mode); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "queued %s for %s\n", mode, args[0])
				return nil
			}

			var state domain.ApplicationState
			if mode == domain.RunModeRetry {
				state, err = backend.Runner.Retry(cmd.Context(), args[0])
			} else {
				state, err = backend.Runner.Run(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			return printState(cmd.OutOrStdout(), format, state, false)
		},
	}
	cmd.Flags().Bool("queue", false, "Hand the run to a worker instead of running in-process (requires --nats-url)")
	cmd.Flags().String("format", "text", "Output format: text or json")
	return cmd
}

func newResolveCommand(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <application-id>",
		Short: "Send an errored application straight to the decision step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			format, _ := cmd.Flags().GetString("format")

			backend, cleanup, err := rt.connect(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			state, err := backend.Runner.ForceResolve(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return printState(cmd.OutOrStdout(), format, state, false)
		},
	}
	cmd.Flags().String("reason", "", "Operator justification recorded in the audit trail")
	_ = cmd.MarkFlagRequired("reason")
	cmd.Flags().String("format", "text", "Output format: text or json")
	return cmd
}

func readIntake(path string, stdin io.Reader) (domain.IntakeData, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open intake: %w", err)
		}
		defer f.Close()
		r = f
	}

	var intake domain.IntakeData
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&intake); err != nil {
		return nil, fmt.Errorf("decode intake: %w", err)
	}
	if len(intake) == 0 {
		return nil, errors.New("intake must be a non-empty JSON object")
	}
	return intake, nil
}

// openDocuments opens every path up front so a missing file fails before
// anything is stored.
func openDocuments(paths []string) ([]ports.UploadedDocument, func(), error) {
	var files []*os.File
	closeAll := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}

	documents := make([]ports.UploadedDocument, 0, len(paths))
	for _, path := range paths {
		mtype, err := mimetype.DetectFile(path)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("detect %s: %w", path, err)
		}
		f, err := os.Open(path)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("open document: %w", err)
		}
		files = append(files, f)
		documents = append(documents, ports.UploadedDocument{
			Filename: filepath.Base(path),
			MimeType: mtype.String(),
			Body:     f,
		})
	}
	return documents, closeAll, nil
}
