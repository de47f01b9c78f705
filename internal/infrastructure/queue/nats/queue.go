package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/credit-pipeline/internal/core/domain"
	"github.com/kirillkom/credit-pipeline/internal/infrastructure/resilience"
)

const workerQueueGroup = "pipeline-workers"

var classifyError = resilience.Transient(func(err error) bool {
	return errors.Is(err, nats.ErrNoServers) ||
		errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, nats.ErrDisconnected) ||
		errors.Is(err, nats.ErrSlowConsumer)
})

// Queue carries run commands on one subject and publishes pipeline events
// under an event subject prefix.
type Queue struct {
	conn         *nats.Conn
	runSubject   string
	eventSubject string
	executor     *resilience.Executor
	logger       *slog.Logger
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	Logger               *slog.Logger
}

func New(url, runSubject, eventSubject string) (*Queue, error) {
	return NewWithOptions(url, runSubject, eventSubject, Options{})
}

func NewWithOptions(url, runSubject, eventSubject string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(
		url,
		nats.Name("credit-pipeline"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:         conn,
		runSubject:   runSubject,
		eventSubject: strings.TrimRight(eventSubject, "."),
		executor:     options.ResilienceExecutor,
		logger:       logger,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) PublishRunCommand(ctx context.Context, cmd domain.RunCommand) error {
	payload, err := encodeRunCommand(cmd)
	if err != nil {
		return err
	}
	return q.publish(ctx, "nats.publish_run", q.runSubject, payload)
}

// Publish sends a pipeline event. Callers treat failures as best-effort.
func (q *Queue) Publish(ctx context.Context, event domain.PipelineEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal pipeline event: %w", err)
	}
	return q.publish(ctx, "nats.publish_event", eventSubject(q.eventSubject, event.Type), payload)
}

func (q *Queue) publish(ctx context.Context, operation, subject string, payload []byte) error {
	call := func(_ context.Context) error {
		if err := q.conn.Publish(subject, payload); err != nil {
			return fmt.Errorf("nats publish %s: %w", subject, err)
		}
		return nil
	}

	var err error
	if q.executor != nil {
		err = q.executor.Execute(ctx, operation, call, classifyError)
	} else {
		err = call(ctx)
	}
	return resilience.MarkTemporary(operation, err, classifyError)
}

// SubscribeRunCommands blocks until ctx is done, then drains the subscription
// so in-flight commands finish.
func (q *Queue) SubscribeRunCommands(ctx context.Context, handler func(context.Context, domain.RunCommand) error) error {
	sub, err := q.conn.QueueSubscribe(q.runSubject, workerQueueGroup, func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}

		cmd, err := decodeRunCommand(msg.Data)
		if err != nil {
			q.logger.Error("run_command_decode_failed", "error", err, "payload_bytes", len(msg.Data))
			return
		}

		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handler(handlerCtx, cmd); err != nil {
			q.logger.Error("run_command_failed",
				"application_id", cmd.ApplicationID,
				"mode", cmd.Mode,
				"error", err,
			)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func encodeRunCommand(cmd domain.RunCommand) ([]byte, error) {
	if strings.TrimSpace(cmd.ApplicationID) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "encode run command", errors.New("application id is required"))
	}
	if cmd.Mode == "" {
		cmd.Mode = domain.RunModeRun
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal run command: %w", err)
	}
	return payload, nil
}

// decodeRunCommand also accepts a bare application id.
func decodeRunCommand(data []byte) (domain.RunCommand, error) {
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return domain.RunCommand{}, domain.WrapError(domain.ErrInvalidInput, "decode run command", errors.New("empty payload"))
	}
	if !strings.HasPrefix(raw, "{") {
		return domain.RunCommand{ApplicationID: raw, Mode: domain.RunModeRun}, nil
	}

	var cmd domain.RunCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return domain.RunCommand{}, domain.WrapError(domain.ErrInvalidInput, "decode run command", err)
	}
	if cmd.ApplicationID == "" {
		return domain.RunCommand{}, domain.WrapError(domain.ErrInvalidInput, "decode run command", errors.New("application id is required"))
	}
	switch cmd.Mode {
	case "":
		cmd.Mode = domain.RunModeRun
	case domain.RunModeRun, domain.RunModeRetry:
	default:
		return domain.RunCommand{}, domain.WrapError(domain.ErrInvalidInput, "decode run command", fmt.Errorf("unknown mode %q", cmd.Mode))
	}
	return cmd, nil
}

func eventSubject(prefix string, eventType domain.EventType) string {
	if prefix == "" {
		return string(eventType)
	}
	return prefix + "." + string(eventType)
}
