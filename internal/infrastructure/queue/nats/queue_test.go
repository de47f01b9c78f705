package nats

import (
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/credit-pipeline/internal/core/domain"
	"github.com/kirillkom/credit-pipeline/internal/infrastructure/resilience"
)

func TestRunCommandRoundTrip(t *testing.T) {
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	payload, err := encodeRunCommand(domain.RunCommand{ApplicationID: "app-1", RequestedAt: at})
	if err != nil {
		t.Fatalf("encodeRunCommand() error = %v", err)
	}

	cmd, err := decodeRunCommand(payload)
	if err != nil {
		t.Fatalf("decodeRunCommand() error = %v", err)
	}
	if cmd.ApplicationID != "app-1" || cmd.Mode != domain.RunModeRun || !cmd.RequestedAt.Equal(at) {
		t.Fatalf("unexpected command: %+v", cmd)
	}
}

func TestDecodeRunCommandAcceptsBareID(t *testing.T) {
	cmd, err := decodeRunCommand([]byte(" 7f1c2a \n"))
	if err != nil {
		t.Fatalf("decodeRunCommand() error = %v", err)
	}
	if cmd.ApplicationID != "7f1c2a" || cmd.Mode != domain.RunModeRun {
		t.Fatalf("unexpected command: %+v", cmd)
	}
}

func TestDecodeRunCommandRejectsInvalidPayloads(t *testing.T) {
	for name, payload := range map[string]string{
		"empty":        "",
		"broken json":  `{"application_id":`,
		"missing id":   `{"mode":"retry"}`,
		"unknown mode": `{"application_id":"a","mode":"rewind"}`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := decodeRunCommand([]byte(payload)); !domain.IsKind(err, domain.ErrInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}
}

func TestEncodeRunCommandRequiresID(t *testing.T) {
	if _, err := encodeRunCommand(domain.RunCommand{}); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestEventSubject(t *testing.T) {
	if got := eventSubject("credit.events", domain.EventDecided); got != "credit.events.application.decided" {
		t.Fatalf("unexpected subject %q", got)
	}
	if got := eventSubject("", domain.EventErrored); got != "application.errored" {
		t.Fatalf("unexpected subject %q", got)
	}
}

func TestClassifyError(t *testing.T) {
	if class := classifyError(nats.ErrNoServers); !class.Retryable {
		t.Fatalf("expected no-servers error to be retryable")
	}
	if class := classifyError(errors.New("bad subject")); class.Retryable {
		t.Fatalf("expected unknown error to be permanent")
	}
	if err := resilience.MarkTemporary("nats.publish_run", nats.ErrTimeout, classifyError); !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary wrap, got %v", err)
	}
}
