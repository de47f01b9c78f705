package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/credit-pipeline/internal/core/domain"
	"github.com/kirillkom/credit-pipeline/internal/core/ports"
)

// CommandHandler executes queued run commands against the pipeline runner,
// each bounded by its own timeout.
type CommandHandler struct {
	runner   ports.PipelineRunner
	timeout  time.Duration
	observer ports.CommandObserver
	logger   *slog.Logger
	now      func() time.Time
}

func NewCommandHandler(runner ports.PipelineRunner, timeout time.Duration, observer ports.CommandObserver, logger *slog.Logger) *CommandHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandHandler{
		runner:   runner,
		timeout:  timeout,
		observer: observer,
		logger:   logger,
		now:      time.Now,
	}
}

func (h *CommandHandler) Handle(ctx context.Context, cmd domain.RunCommand) error {
	started := h.now()
	if h.observer != nil && !cmd.RequestedAt.IsZero() {
		h.observer.ObserveQueueLag(started.Sub(cmd.RequestedAt))
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	var (
		state domain.ApplicationState
		err   error
	)
	switch cmd.Mode {
	case domain.RunModeRetry:
		state, err = h.runner.Retry(ctx, cmd.ApplicationID)
	case domain.RunModeRun, "":
		cmd.Mode = domain.RunModeRun
		state, err = h.runner.Run(ctx, cmd.ApplicationID)
	default:
		err = domain.WrapError(domain.ErrInvalidInput, "handle run command", fmt.Errorf("unknown run mode %q", cmd.Mode))
	}
	if h.observer != nil {
		h.observer.FinishCommand(cmd.Mode, h.now().Sub(started), err)
	}
	if err != nil {
		return err
	}

	h.logger.Info("run_command_done",
		"application_id", cmd.ApplicationID,
		"mode", cmd.Mode,
		"stage", state.CurrentStage,
		"version", state.Version,
	)
	return nil
}
